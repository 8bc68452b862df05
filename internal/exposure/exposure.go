// Package exposure aggregates the Greeks of a priced batch into net risk per
// underlying and expiry, and enforces delta limits on the result.
//
// Delta is correlated across expiries of the same underlying, so the limiter
// checks two levels: the net delta of each (underlying, expiry) bucket, and
// the sum of absolute bucket deltas across all expiries of an underlying.
package exposure

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/atmx/black76-engine/internal/instrument"
	"github.com/atmx/black76-engine/internal/model"
)

// Unknown groups records whose contract name does not parse.
const Unknown = "UNKNOWN"

var (
	// ErrDeltaLimitExceeded is returned when a bucket's |net delta| is above
	// the per-expiry maximum.
	ErrDeltaLimitExceeded = errors.New("exposure: per-expiry delta limit exceeded")

	// ErrUnderlyingLimitExceeded is returned when the aggregate absolute
	// delta across an underlying's expiries is above the maximum.
	ErrUnderlyingLimitExceeded = errors.New("exposure: underlying delta limit exceeded")
)

// Bucket is the net position of one (underlying, expiry) pair.
type Bucket struct {
	Underlying string  `json:"underlying"`
	Expiry     string  `json:"expiry"` // 2006-01-02, or UNKNOWN
	Records    int     `json:"records"`
	Delta      float64 `json:"delta"`
	Gamma      float64 `json:"gamma"`
	Vega       float64 `json:"vega"`
	Theta      float64 `json:"theta"`
}

func (b *Bucket) add(r model.PricedRecord) {
	b.Records++
	b.Delta += *r.Delta
	b.Gamma += *r.Gamma
	b.Vega += *r.Vega
	b.Theta += *r.Theta
}

// Report is the exposure of a batch.
type Report struct {
	Buckets []Bucket `json:"buckets"` // sorted by underlying, then expiry
	Total   Bucket   `json:"total"`
	Priced  int      `json:"priced"`
	Failed  int      `json:"failed"` // records without Greeks, excluded from the sums
}

type bucketKey struct{ underlying, expiry string }

// Aggregate sums the Greeks of every record that has them.
func Aggregate(records []model.PricedRecord) Report {
	rep := Report{Total: Bucket{Underlying: "ALL", Expiry: "ALL"}}
	buckets := make(map[bucketKey]*Bucket)

	for _, r := range records {
		if r.Failed() || !r.HasGreeks() {
			rep.Failed++
			continue
		}
		rep.Priced++

		key := bucketKey{Unknown, Unknown}
		if inst, err := instrument.Parse(r.ContractName); err == nil {
			key = bucketKey{inst.Underlying, inst.Expiry.Format("2006-01-02")}
		}
		b, ok := buckets[key]
		if !ok {
			b = &Bucket{Underlying: key.underlying, Expiry: key.expiry}
			buckets[key] = b
		}
		b.add(r)
		rep.Total.add(r)
	}

	rep.Buckets = make([]Bucket, 0, len(buckets))
	for _, b := range buckets {
		rep.Buckets = append(rep.Buckets, *b)
	}
	slices.SortFunc(rep.Buckets, func(a, b Bucket) int {
		return cmp.Or(cmp.Compare(a.Underlying, b.Underlying), cmp.Compare(a.Expiry, b.Expiry))
	})
	return rep
}

// Limiter enforces delta limits. A zero limit disables that level.
type Limiter struct {
	// MaxPerExpiry is the maximum |net delta| of any single bucket.
	MaxPerExpiry float64

	// MaxPerUnderlying is the maximum sum of |bucket delta| across all
	// expiries of one underlying.
	MaxPerUnderlying float64
}

// NewLimiter creates a limiter with the given per-expiry and per-underlying
// delta limits.
func NewLimiter(maxPerExpiry, maxPerUnderlying float64) *Limiter {
	return &Limiter{
		MaxPerExpiry:     maxPerExpiry,
		MaxPerUnderlying: maxPerUnderlying,
	}
}

// Breach is one violated limit.
type Breach struct {
	Underlying string  `json:"underlying"`
	Expiry     string  `json:"expiry,omitempty"` // empty for underlying-level breaches
	Delta      float64 `json:"delta"`
	Limit      float64 `json:"limit"`
	Reason     string  `json:"reason"`
}

// Breaches lists every violated limit in report order.
func (l *Limiter) Breaches(rep Report) []Breach {
	var out []Breach
	perUnderlying := make(map[string]float64)
	var order []string

	for _, b := range rep.Buckets {
		if l.MaxPerExpiry > 0 && math.Abs(b.Delta) > l.MaxPerExpiry {
			out = append(out, Breach{
				Underlying: b.Underlying,
				Expiry:     b.Expiry,
				Delta:      b.Delta,
				Limit:      l.MaxPerExpiry,
				Reason:     ErrDeltaLimitExceeded.Error(),
			})
		}
		if _, seen := perUnderlying[b.Underlying]; !seen {
			order = append(order, b.Underlying)
		}
		perUnderlying[b.Underlying] += math.Abs(b.Delta)
	}

	if l.MaxPerUnderlying > 0 {
		for _, u := range order {
			if total := perUnderlying[u]; total > l.MaxPerUnderlying {
				out = append(out, Breach{
					Underlying: u,
					Delta:      total,
					Limit:      l.MaxPerUnderlying,
					Reason:     ErrUnderlyingLimitExceeded.Error(),
				})
			}
		}
	}
	return out
}

// Check returns nil if rep is within limits, or an error describing the
// first violation.
func (l *Limiter) Check(rep Report) error {
	breaches := l.Breaches(rep)
	if len(breaches) == 0 {
		return nil
	}
	b := breaches[0]
	if b.Expiry == "" {
		return fmt.Errorf("%w: %s |delta| %.4f > %.4f", ErrUnderlyingLimitExceeded, b.Underlying, b.Delta, b.Limit)
	}
	return fmt.Errorf("%w: %s %s delta %.4f, limit %.4f", ErrDeltaLimitExceeded, b.Underlying, b.Expiry, b.Delta, b.Limit)
}
