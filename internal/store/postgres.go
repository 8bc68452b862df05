package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/black76-engine/internal/model"
)

// Schema creates the tables used by PostgresStore. Prices and strikes are
// NUMERIC; sensitivities are DOUBLE PRECISION and NULL when unavailable.
const Schema = `
CREATE TABLE IF NOT EXISTS batches (
	id           UUID PRIMARY KEY,
	status       TEXT        NOT NULL,
	total        INTEGER     NOT NULL,
	failed       INTEGER     NOT NULL,
	failed_kinds JSONB       NOT NULL DEFAULT '{}',
	duration_ms  BIGINT      NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS priced_records (
	batch_id         UUID    NOT NULL REFERENCES batches(id),
	row_index        INTEGER NOT NULL,
	unique_id        TEXT    NOT NULL,
	message_id       BIGINT  NOT NULL DEFAULT 0,
	date             TIMESTAMPTZ,
	contract_name    TEXT    NOT NULL DEFAULT '',
	strike           NUMERIC NOT NULL,
	risk_free_rate   DOUBLE PRECISION NOT NULL,
	time_to_maturity DOUBLE PRECISION NOT NULL,
	iv               DOUBLE PRECISION NOT NULL,
	type             TEXT    NOT NULL,
	premium          NUMERIC NOT NULL,
	contract_size    NUMERIC NOT NULL,
	action           TEXT    NOT NULL,
	forward_price    NUMERIC,
	delta            DOUBLE PRECISION,
	gamma            DOUBLE PRECISION,
	vega             DOUBLE PRECISION,
	theta            DOUBLE PRECISION,
	error_kind       TEXT    NOT NULL DEFAULT '',
	error            TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (batch_id, row_index),
	UNIQUE (batch_id, unique_id)
);
`

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// SaveBatch writes the batch row and all record rows in one transaction.
// Record inserts are pipelined with a pgx.Batch.
func (s *PostgresStore) SaveBatch(ctx context.Context, b *model.Batch, records []model.PricedRecord) error {
	kinds, err := json.Marshal(b.FailedKinds)
	if err != nil {
		return fmt.Errorf("encode failed kinds: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO batches (id, status, total, failed, failed_kinds, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5::JSONB, $6, $7)`,
		b.ID, b.Status, b.Total, b.Failed, string(kinds), b.DurationMS, b.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrBatchExists, b.ID)
		}
		return fmt.Errorf("insert batch %s: %w", b.ID, err)
	}

	batch := &pgx.Batch{}
	for i, r := range records {
		batch.Queue(
			`INSERT INTO priced_records (batch_id, row_index, unique_id, message_id, date, contract_name,
			        strike, risk_free_rate, time_to_maturity, iv, type, premium, contract_size, action,
			        forward_price, delta, gamma, vega, theta, error_kind, error)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10, $11, $12::NUMERIC, $13::NUMERIC, $14,
			        $15::NUMERIC, $16, $17, $18, $19, $20, $21)`,
			b.ID, i, r.UniqueID, r.MessageID, nullTime(r), r.ContractName,
			numeric(r.Strike), r.RiskFreeRate, r.TimeToMaturity, r.IV, r.Type,
			numeric(r.Premium), numeric(r.ContractSize), r.Action,
			nullNumeric(r.ForwardPrice), r.Delta, r.Gamma, r.Vega, r.Theta,
			r.ErrorKind, r.Error,
		)
	}
	br := tx.SendBatch(ctx, batch)
	for i := range records {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("insert record %d of batch %s: %w", i, b.ID, err)
		}
	}
	if err := br.Close(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// batchUUID parses id; an ID that is not a UUID names no batch.
func batchUUID(id string) (uuid.UUID, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return u, nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	u, err := batchUUID(id)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		`SELECT id::TEXT, status, total, failed, failed_kinds::TEXT, duration_ms, created_at
		 FROM batches WHERE id = $1::UUID`, u.String())
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", id, err)
	}
	return b, nil
}

func (s *PostgresStore) ListBatches(ctx context.Context) ([]model.Batch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, status, total, failed, failed_kinds::TEXT, duration_ms, created_at
		 FROM batches ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

func (s *PostgresStore) GetBatchRecords(ctx context.Context, id string) ([]model.PricedRecord, error) {
	if _, err := s.GetBatch(ctx, id); err != nil {
		return nil, err
	}
	u, err := batchUUID(id)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT unique_id, message_id, date, contract_name,
		        strike::TEXT, risk_free_rate, time_to_maturity, iv, type,
		        premium::TEXT, contract_size::TEXT, action,
		        forward_price::TEXT, delta, gamma, vega, theta, error_kind, error
		 FROM priced_records WHERE batch_id = $1::UUID ORDER BY row_index`, u.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.PricedRecord
	for rows.Next() {
		var r model.PricedRecord
		var date *time.Time
		var strike, premium, size string
		var fwd *string
		if err := rows.Scan(&r.UniqueID, &r.MessageID, &date, &r.ContractName,
			&strike, &r.RiskFreeRate, &r.TimeToMaturity, &r.IV, &r.Type,
			&premium, &size, &r.Action,
			&fwd, &r.Delta, &r.Gamma, &r.Vega, &r.Theta, &r.ErrorKind, &r.Error); err != nil {
			return nil, err
		}
		if date != nil {
			r.Date = *date
		}
		r.Strike = fromNumeric(strike)
		r.Premium = fromNumeric(premium)
		r.ContractSize = fromNumeric(size)
		if fwd != nil {
			f := fromNumeric(*fwd)
			r.ForwardPrice = &f
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// --- Helpers ---

func scanBatch(row pgx.Row) (*model.Batch, error) {
	var b model.Batch
	var kinds string
	if err := row.Scan(&b.ID, &b.Status, &b.Total, &b.Failed, &kinds, &b.DurationMS, &b.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(kinds), &b.FailedKinds); err != nil {
		return nil, fmt.Errorf("decode failed kinds: %w", err)
	}
	return &b, nil
}

func numeric(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "NaN"
	}
	return decimal.NewFromFloat(v).String()
}

func nullNumeric(v *float64) *string {
	if v == nil {
		return nil
	}
	s := numeric(*v)
	return &s
}

func fromNumeric(s string) float64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return math.NaN()
	}
	return d.InexactFloat64()
}

func nullTime(r model.PricedRecord) *time.Time {
	if r.Date.IsZero() {
		return nil
	}
	return &r.Date
}
