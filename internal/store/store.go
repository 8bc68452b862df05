// Package store defines the persistence interface for priced batches.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and local runs).
package store

import (
	"context"
	"errors"

	"github.com/atmx/black76-engine/internal/model"
)

var (
	// ErrNotFound is returned when a batch does not exist.
	ErrNotFound = errors.New("store: batch not found")

	// ErrBatchExists is returned when saving a batch ID twice.
	ErrBatchExists = errors.New("store: batch already exists")
)

// Store is the persistence interface. A batch and its records are written
// together and never modified afterwards.
type Store interface {
	// SaveBatch persists a batch summary with all of its priced records.
	SaveBatch(ctx context.Context, batch *model.Batch, records []model.PricedRecord) error

	// GetBatch retrieves a batch summary by ID.
	GetBatch(ctx context.Context, id string) (*model.Batch, error)

	// ListBatches returns all batch summaries, newest first.
	ListBatches(ctx context.Context) ([]model.Batch, error)

	// GetBatchRecords returns a batch's records in their original order.
	GetBatchRecords(ctx context.Context, id string) ([]model.PricedRecord, error)
}
