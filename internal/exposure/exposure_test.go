package exposure

import (
	"errors"
	"math"
	"testing"

	"github.com/atmx/black76-engine/internal/model"
)

func priced(name string, delta, gamma, vega, theta float64) model.PricedRecord {
	return model.PricedRecord{
		TradeRecord: model.TradeRecord{ContractName: name},
		Delta:       &delta,
		Gamma:       &gamma,
		Vega:        &vega,
		Theta:       &theta,
	}
}

func failed(name string) model.PricedRecord {
	return model.PricedRecord{TradeRecord: model.TradeRecord{ContractName: name}, ErrorKind: "DomainError"}
}

func TestAggregate(t *testing.T) {
	rep := Aggregate([]model.PricedRecord{
		priced("BTC-27DEC24-60000-C", 10, 0.1, 100, -5),
		priced("BTC-27DEC24-50000-P", -4, 0.2, 50, -3),
		priced("BTC-28MAR25-80000-C", 2, 0.05, 80, -1),
		priced("ETH-27DEC24-4000-P", -1, 0.01, 10, -0.5),
		priced("not-a-contract", 1, 0, 0, 0),
		failed("BTC-27DEC24-60000-C"),
	})

	if rep.Priced != 5 || rep.Failed != 1 {
		t.Errorf("expected priced=5 failed=1, got %d/%d", rep.Priced, rep.Failed)
	}
	if len(rep.Buckets) != 4 {
		t.Fatalf("expected 4 buckets, got %d: %+v", len(rep.Buckets), rep.Buckets)
	}

	want := []struct {
		underlying, expiry string
		delta              float64
		records            int
	}{
		{"BTC", "2024-12-27", 6, 2},
		{"BTC", "2025-03-28", 2, 1},
		{"ETH", "2024-12-27", -1, 1},
		{Unknown, Unknown, 1, 1},
	}
	for i, w := range want {
		b := rep.Buckets[i]
		if b.Underlying != w.underlying || b.Expiry != w.expiry || b.Delta != w.delta || b.Records != w.records {
			t.Errorf("bucket %d: got %+v, want %+v", i, b, w)
		}
	}

	if rep.Total.Delta != 8 || math.Abs(rep.Total.Vega-240) > 1e-9 || rep.Total.Records != 5 {
		t.Errorf("unexpected totals: %+v", rep.Total)
	}
}

func TestAggregate_Empty(t *testing.T) {
	rep := Aggregate(nil)
	if len(rep.Buckets) != 0 || rep.Priced != 0 || rep.Total.Delta != 0 {
		t.Errorf("expected empty report, got %+v", rep)
	}
}

func TestCheck_WithinLimits(t *testing.T) {
	rep := Aggregate([]model.PricedRecord{priced("BTC-27DEC24-60000-C", 5, 0, 0, 0)})
	if err := NewLimiter(10, 20).Check(rep); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheck_PerExpiryExceeded(t *testing.T) {
	rep := Aggregate([]model.PricedRecord{
		priced("BTC-27DEC24-60000-C", 8, 0, 0, 0),
		priced("BTC-27DEC24-70000-C", 4, 0, 0, 0),
	})
	err := NewLimiter(10, 100).Check(rep)
	if !errors.Is(err, ErrDeltaLimitExceeded) {
		t.Errorf("expected ErrDeltaLimitExceeded, got %v", err)
	}
}

func TestCheck_ShortDeltaCountsToo(t *testing.T) {
	rep := Aggregate([]model.PricedRecord{priced("BTC-27DEC24-60000-C", -11, 0, 0, 0)})
	if err := NewLimiter(10, 0).Check(rep); !errors.Is(err, ErrDeltaLimitExceeded) {
		t.Errorf("expected ErrDeltaLimitExceeded for short delta, got %v", err)
	}
}

func TestCheck_UnderlyingExceeded(t *testing.T) {
	// Each expiry is within 10, but |6| + |-7| = 13 > 12 across BTC.
	rep := Aggregate([]model.PricedRecord{
		priced("BTC-27DEC24-60000-C", 6, 0, 0, 0),
		priced("BTC-28MAR25-60000-P", -7, 0, 0, 0),
		priced("ETH-27DEC24-4000-C", 9, 0, 0, 0),
	})
	l := NewLimiter(10, 12)
	err := l.Check(rep)
	if !errors.Is(err, ErrUnderlyingLimitExceeded) {
		t.Fatalf("expected ErrUnderlyingLimitExceeded, got %v", err)
	}
	breaches := l.Breaches(rep)
	if len(breaches) != 1 || breaches[0].Underlying != "BTC" || breaches[0].Delta != 13 {
		t.Errorf("unexpected breaches: %+v", breaches)
	}
}

func TestCheck_ZeroLimitsDisable(t *testing.T) {
	rep := Aggregate([]model.PricedRecord{priced("BTC-27DEC24-60000-C", 1e9, 0, 0, 0)})
	if err := NewLimiter(0, 0).Check(rep); err != nil {
		t.Errorf("zero limits should disable checks, got %v", err)
	}
}
