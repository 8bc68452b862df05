package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/black76-engine/internal/metrics"
	"github.com/atmx/black76-engine/internal/model"
)

// MergeForward joins forward-stage results onto records by key. Every input
// record appears exactly once in the output, in input order.
func MergeForward(records []model.PricedRecord, results Results) []model.PricedRecord {
	out := make([]model.PricedRecord, len(records))
	for i, rec := range records {
		rec.UniqueID = key(i, rec.UniqueID)
		o := lookup(results, rec.UniqueID)
		if o.OK() && o.Forward != nil {
			f := o.Forward.Forward
			rec.ForwardPrice = &f
		} else {
			rec.ForwardPrice = nil
			fail(&rec, o)
		}
		out[i] = rec
	}
	return out
}

// MergeGreeks joins Greeks-stage results onto priced records by key. A
// record that already failed an earlier stage keeps that failure's kind.
func MergeGreeks(priced []model.PricedRecord, results Results) []model.PricedRecord {
	out := make([]model.PricedRecord, len(priced))
	for i, rec := range priced {
		rec.UniqueID = key(i, rec.UniqueID)
		o := lookup(results, rec.UniqueID)
		if o.OK() && o.Greeks != nil {
			g := *o.Greeks
			rec.Delta, rec.Gamma, rec.Vega, rec.Theta = &g.Delta, &g.Gamma, &g.Vega, &g.Theta
		} else {
			rec.Delta, rec.Gamma, rec.Vega, rec.Theta = nil, nil, nil, nil
			if !rec.Failed() {
				fail(&rec, o)
			}
		}
		out[i] = rec
	}
	return out
}

func lookup(results Results, id string) Outcome {
	if o, ok := results[id]; ok {
		return o
	}
	return failure(id, errNoEntry)
}

func fail(rec *model.PricedRecord, o Outcome) {
	if o.OK() {
		o = failure(rec.UniqueID, errNoEntry)
	}
	rec.ErrorKind = string(o.Kind)
	rec.Error = o.Err.Error()
}

// Report summarises one pipeline run.
type Report struct {
	BatchID  uuid.UUID
	Records  []model.PricedRecord
	Total    int
	Failed   int
	ByKind   map[ErrorKind]int
	Duration time.Duration
}

// Batch returns the storable summary of the report.
func (r *Report) Batch(createdAt time.Time) model.Batch {
	status := model.BatchCompleted
	if r.Failed > 0 {
		status = model.BatchPartial
	}
	kinds := make(map[string]int, len(r.ByKind))
	for k, n := range r.ByKind {
		kinds[string(k)] = n
	}
	return model.Batch{
		ID:          r.BatchID.String(),
		Status:      status,
		Total:       r.Total,
		Failed:      r.Failed,
		FailedKinds: kinds,
		DurationMS:  r.Duration.Milliseconds(),
		CreatedAt:   createdAt,
	}
}

// Price runs the full pipeline over trade records: assign IDs, solve
// forwards, then compute Greeks on the augmented records. Only ID problems
// fail the call; every record otherwise comes back, priced or marked.
func (r *Runner) Price(ctx context.Context, records []model.TradeRecord) (*Report, error) {
	start := time.Now()
	batchID := uuid.New()
	log := r.logger().With("batch_id", batchID.String())

	trades, err := AssignIDs(records)
	if err != nil {
		return nil, err
	}
	lifted := Lift(trades)

	fwd, err := r.Run(ctx, lifted, StageForward)
	if err != nil {
		return nil, fmt.Errorf("solve forwards: %w", err)
	}
	priced := MergeForward(lifted, fwd)

	grk, err := r.Run(ctx, priced, StageGreeks)
	if err != nil {
		return nil, fmt.Errorf("compute greeks: %w", err)
	}
	priced = MergeGreeks(priced, grk)

	rep := &Report{
		BatchID:  batchID,
		Records:  priced,
		Total:    len(priced),
		ByKind:   make(map[ErrorKind]int),
		Duration: time.Since(start),
	}
	for _, rec := range priced {
		if rec.Failed() {
			rep.Failed++
			rep.ByKind[ErrorKind(rec.ErrorKind)]++
		}
	}

	status := model.BatchCompleted
	if rep.Failed > 0 {
		status = model.BatchPartial
	}
	metrics.BatchesTotal.WithLabelValues(status).Inc()
	metrics.BatchDuration.Observe(rep.Duration.Seconds())
	log.Info("batch priced",
		"total", rep.Total,
		"failed", rep.Failed,
		"duration_ms", rep.Duration.Milliseconds(),
	)
	return rep, nil
}
