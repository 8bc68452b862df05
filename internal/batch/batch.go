// Package batch runs the pricing core over many trade records concurrently.
//
// Each record is an independent unit of work. A unit that fails, for any
// reason including a panic, produces a failure outcome for its own key and
// nothing else; it never aborts the batch or drops a sibling. The result of
// a stage is a mapping keyed by unique_id which is then joined back onto the
// input with Merge, so output cardinality always equals input cardinality.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/black76-engine/internal/black76"
	"github.com/atmx/black76-engine/internal/forward"
	"github.com/atmx/black76-engine/internal/greeks"
	"github.com/atmx/black76-engine/internal/metrics"
	"github.com/atmx/black76-engine/internal/model"
)

var (
	// ErrDuplicateID is returned before dispatch when two records share a
	// unique_id. It is the only error that fails a whole batch.
	ErrDuplicateID = errors.New("batch: duplicate unique_id")

	// ErrMissingForward fails the Greeks stage for a record whose forward
	// price is unavailable.
	ErrMissingForward = errors.New("batch: forward price unavailable")

	// ErrUnknownStage is returned by Run for a stage it does not implement.
	ErrUnknownStage = errors.New("batch: unknown stage")

	errPanic   = errors.New("batch: unit of work panicked")
	errNoEntry = errors.New("batch: no outcome recorded")
)

// Stage names a unit of work applied to every record of a batch.
type Stage string

const (
	StageForward Stage = "solve_forward"
	StageGreeks  Stage = "greeks"
)

// ErrorKind classifies a record failure for reporting.
type ErrorKind string

const (
	KindInvalidOptionType ErrorKind = "InvalidOptionType"
	KindInvalidAction     ErrorKind = "InvalidAction"
	KindDomain            ErrorKind = "DomainError"
	KindDidNotConverge    ErrorKind = "SolverDidNotConverge"
	KindNoRootFound       ErrorKind = "NoRootFound"
	KindMissingForward    ErrorKind = "MissingForward"
	KindInternal          ErrorKind = "Internal"
)

// Classify maps an error from the pricing core to its kind. Order matters:
// a solver error may also wrap a context or domain error.
func Classify(err error) ErrorKind {
	switch {
	case errors.Is(err, black76.ErrInvalidOptionType):
		return KindInvalidOptionType
	case errors.Is(err, greeks.ErrInvalidAction):
		return KindInvalidAction
	case errors.Is(err, forward.ErrDidNotConverge):
		return KindDidNotConverge
	case errors.Is(err, forward.ErrNoRootFound):
		return KindNoRootFound
	case errors.Is(err, ErrMissingForward):
		return KindMissingForward
	case errors.Is(err, black76.ErrDomain):
		return KindDomain
	}
	return KindInternal
}

// Outcome is the result of one record's unit of work. Exactly one of
// Forward, Greeks or Err is set.
type Outcome struct {
	UniqueID string
	Forward  *forward.Solution
	Greeks   *greeks.Greeks
	Kind     ErrorKind
	Err      error
}

// OK reports whether the unit of work succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// Results maps unique_id to outcome. It has one entry per input record.
type Results map[string]Outcome

// Failures returns the number of failed outcomes per kind.
func (r Results) Failures() map[ErrorKind]int {
	out := make(map[ErrorKind]int)
	for _, o := range r {
		if !o.OK() {
			out[o.Kind]++
		}
	}
	return out
}

// ForwardSolver inverts a quoted premium into a forward price.
// *forward.Solver implements it.
type ForwardSolver interface {
	Solve(ctx context.Context, q forward.Quote) (forward.Solution, error)
}

// Runner dispatches stages over a bounded worker pool. The zero value is
// usable: it runs GOMAXPROCS workers with the default solver, no per-record
// time budget and the default logger.
type Runner struct {
	// Workers bounds the number of records processed concurrently.
	Workers int

	// RecordTimeout is the wall-clock budget of one unit of work. Zero
	// disables it.
	RecordTimeout time.Duration

	Solver ForwardSolver
	Logger *slog.Logger
}

func (r *Runner) workers() int {
	if r.Workers > 0 {
		return r.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func (r *Runner) solver() ForwardSolver {
	if r.Solver != nil {
		return r.Solver
	}
	return forward.DefaultSolver()
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// key is the identity of row i: its unique_id, or its position when the
// ID is empty.
func key(i int, id string) string {
	if id == "" {
		return strconv.Itoa(i)
	}
	return id
}

// AssignIDs returns a copy of records in which every empty unique_id is
// replaced by the record's position in the batch. Pre-existing IDs are kept
// and must be unique.
func AssignIDs(records []model.TradeRecord) ([]model.TradeRecord, error) {
	out := slices.Clone(records)
	for i := range out {
		out[i].UniqueID = key(i, out[i].UniqueID)
	}
	if err := checkUnique(len(out), func(i int) string { return out[i].UniqueID }); err != nil {
		return nil, err
	}
	return out, nil
}

func checkUnique(n int, id func(i int) string) error {
	seen := make(map[string]int, n)
	for i := 0; i < n; i++ {
		k := key(i, id(i))
		if j, dup := seen[k]; dup {
			return fmt.Errorf("%w: %q at rows %d and %d", ErrDuplicateID, k, j, i)
		}
		seen[k] = i
	}
	return nil
}

// Lift wraps trade records as priced records with no outputs yet.
func Lift(records []model.TradeRecord) []model.PricedRecord {
	out := make([]model.PricedRecord, len(records))
	for i, r := range records {
		out[i] = model.PricedRecord{TradeRecord: r}
	}
	return out
}

// Run applies stage to every record concurrently and returns one outcome
// per record, keyed by unique_id (or row index where the ID is empty).
// The returned error is non-nil only for batch-level problems: duplicate
// IDs or an unknown stage. Per-record failures live in the Results.
//
// At the Greeks stage a record that already failed upstream resolves to
// MissingForward without being dispatched, so its failure is logged and
// counted once, by the stage that caused it.
func (r *Runner) Run(ctx context.Context, records []model.PricedRecord, stage Stage) (Results, error) {
	if stage != StageForward && stage != StageGreeks {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	if err := checkUnique(len(records), func(i int) string { return records[i].UniqueID }); err != nil {
		return nil, err
	}

	results := make(Results, len(records))
	pending := make([]model.PricedRecord, 0, len(records))
	for i, rec := range records {
		rec.UniqueID = key(i, rec.UniqueID)
		if stage == StageGreeks && rec.Failed() && rec.ForwardPrice == nil {
			results[rec.UniqueID] = failure(rec.UniqueID, ErrMissingForward)
			continue
		}
		pending = append(pending, rec)
	}

	outcomes := make(chan Outcome)
	collected := make(chan struct{})
	go func() {
		for o := range outcomes {
			results[o.UniqueID] = o
		}
		close(collected)
	}()

	solver := r.solver()
	var g errgroup.Group
	g.SetLimit(r.workers())
	for _, rec := range pending {
		g.Go(func() error {
			outcomes <- r.unit(ctx, solver, rec, stage)
			return nil
		})
	}
	_ = g.Wait() // units never return errors
	close(outcomes)
	<-collected

	return results, nil
}

func (r *Runner) unit(ctx context.Context, solver ForwardSolver, rec model.PricedRecord, stage Stage) (out Outcome) {
	start := time.Now()
	metrics.InFlightRecords.Inc()
	defer func() {
		if p := recover(); p != nil {
			out = failure(rec.UniqueID, fmt.Errorf("%w: %v", errPanic, p))
		}
		metrics.InFlightRecords.Dec()
		metrics.RecordLatency.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
		r.observe(stage, out)
	}()

	if r.RecordTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.RecordTimeout)
		defer cancel()
	}

	switch stage {
	case StageForward:
		sol, err := solver.Solve(ctx, quote(rec.TradeRecord))
		if err != nil {
			return failure(rec.UniqueID, err)
		}
		metrics.SolverIterations.Observe(float64(sol.Iterations))
		return Outcome{UniqueID: rec.UniqueID, Forward: &sol}

	default:
		if rec.ForwardPrice == nil {
			return failure(rec.UniqueID, ErrMissingForward)
		}
		g, err := greeks.Compute(position(rec.TradeRecord, *rec.ForwardPrice))
		if err != nil {
			return failure(rec.UniqueID, err)
		}
		return Outcome{UniqueID: rec.UniqueID, Greeks: &g}
	}
}

func (r *Runner) observe(stage Stage, o Outcome) {
	if o.OK() {
		metrics.RecordsProcessed.WithLabelValues(string(stage), "ok").Inc()
		return
	}
	metrics.RecordsProcessed.WithLabelValues(string(stage), "failed").Inc()
	metrics.RecordFailures.WithLabelValues(string(stage), string(o.Kind)).Inc()
	r.logger().Warn("record failed",
		"stage", string(stage),
		"unique_id", o.UniqueID,
		"kind", string(o.Kind),
		"err", o.Err,
	)
}

func failure(id string, err error) Outcome {
	return Outcome{UniqueID: id, Kind: Classify(err), Err: err}
}

func quote(t model.TradeRecord) forward.Quote {
	return forward.Quote{
		Premium:  t.Premium,
		Strike:   t.Strike,
		Rate:     t.RiskFreeRate,
		Maturity: t.TimeToMaturity,
		Vol:      t.IV,
		Type:     black76.OptionType(t.Type),
	}
}

func position(t model.TradeRecord, f float64) greeks.Position {
	return greeks.Position{
		Params: black76.Params{
			Forward:  f,
			Strike:   t.Strike,
			Rate:     t.RiskFreeRate,
			Maturity: t.TimeToMaturity,
			Vol:      t.IV,
			Type:     black76.OptionType(t.Type),
		},
		ContractSize: t.ContractSize,
		Action:       greeks.Action(t.Action),
	}
}
