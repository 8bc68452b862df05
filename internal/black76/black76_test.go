package black76

import (
	"errors"
	"math"
	"testing"
)

func params(f, k, r, t, sigma float64, typ OptionType) Params {
	return Params{Forward: f, Strike: k, Rate: r, Maturity: t, Vol: sigma, Type: typ}
}

// --- Reference values ---

func TestPrice_AtTheMoneyCall(t *testing.T) {
	// F=K=50000, r=0, 30 days, 60% vol. d1 = -d2 = 0.0860073, so the price
	// is 50000 * (2Φ(0.0860073) - 1).
	p, err := Price(params(50000, 50000, 0, 30.0/365, 0.6, Call))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(p-3426.97) > 0.05 {
		t.Errorf("expected ATM call ≈ 3426.97, got %.4f", p)
	}
}

func TestPrice_AtTheMoneyCallEqualsPut(t *testing.T) {
	c, _ := Price(params(42000, 42000, 0.05, 0.25, 0.8, Call))
	p, _ := Price(params(42000, 42000, 0.05, 0.25, 0.8, Put))
	if math.Abs(c-p) > 1e-9 {
		t.Errorf("ATM call and put should be equal under Black-76: call=%.10f put=%.10f", c, p)
	}
}

func TestD1D2(t *testing.T) {
	d1, d2 := D1D2(100, 100, 1, 0.2)
	if math.Abs(d1-0.1) > 1e-12 {
		t.Errorf("expected d1=0.1, got %v", d1)
	}
	if math.Abs(d2+0.1) > 1e-12 {
		t.Errorf("expected d2=-0.1, got %v", d2)
	}
}

// --- Properties ---

func TestPrice_PutCallParity(t *testing.T) {
	tests := []struct {
		f, k, r, t, sigma float64
	}{
		{50000, 50000, 0, 30.0 / 365, 0.6},
		{50000, 60000, 0.05, 0.5, 0.7},
		{65000, 40000, 0.03, 2, 0.45},
		{100, 80, -0.01, 0.1, 0.2},
		{1.5, 2.5, 0.1, 5, 1.5},
		{30000, 30500, 0.02, 1.0 / 365, 0.9},
	}
	for _, tt := range tests {
		c, err := Price(params(tt.f, tt.k, tt.r, tt.t, tt.sigma, Call))
		if err != nil {
			t.Fatalf("call: %v", err)
		}
		p, err := Price(params(tt.f, tt.k, tt.r, tt.t, tt.sigma, Put))
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		want := math.Exp(-tt.r*tt.t) * (tt.f - tt.k)
		if math.Abs((c-p)-want) > 1e-6*math.Max(1, tt.k) {
			t.Errorf("parity violated for %+v: call-put=%.10f want %.10f", tt, c-p, want)
		}
	}
}

func TestPrice_IntrinsicLimit(t *testing.T) {
	const sigma = 1e-9
	tests := []struct {
		f, k, r, t float64
	}{
		{60000, 50000, 0.05, 0.5},
		{40000, 50000, 0.05, 0.5},
		{50000, 50000, 0, 1},
		{123, 100, 0.1, 2},
	}
	for _, tt := range tests {
		df := math.Exp(-tt.r * tt.t)
		c, _ := Price(params(tt.f, tt.k, tt.r, tt.t, sigma, Call))
		p, _ := Price(params(tt.f, tt.k, tt.r, tt.t, sigma, Put))

		wantC := math.Max(0, df*(tt.f-tt.k))
		wantP := math.Max(0, df*(tt.k-tt.f))
		if math.Abs(c-wantC) > 1e-3 {
			t.Errorf("call should approach intrinsic %.6f, got %.6f (%+v)", wantC, c, tt)
		}
		if math.Abs(p-wantP) > 1e-3 {
			t.Errorf("put should approach intrinsic %.6f, got %.6f (%+v)", wantP, p, tt)
		}
	}
}

func TestPrice_CallIncreasingInForward(t *testing.T) {
	prev := 0.0
	for f := 10000.0; f <= 100000; f += 5000 {
		c, err := Price(params(f, 50000, 0.02, 0.25, 0.6, Call))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if c <= prev {
			t.Errorf("call price should increase with F: F=%.0f price=%.6f prev=%.6f", f, c, prev)
		}
		prev = c
	}
}

func TestPrice_WithinBounds(t *testing.T) {
	for _, typ := range []OptionType{Call, Put} {
		lo, hi, err := PriceBounds(50000, 0.05, 0.5, typ)
		if err != nil {
			t.Fatalf("bounds: %v", err)
		}
		for _, f := range []float64{1, 1000, 50000, 1e6} {
			p, _ := Price(params(f, 50000, 0.05, 0.5, 0.6, typ))
			if p < lo || p > hi {
				t.Errorf("%s price %.6f at F=%.0f outside bounds [%.6f, %.6f]", typ, p, f, lo, hi)
			}
		}
	}
}

// --- Validation ---

func TestPrice_InvalidOptionType(t *testing.T) {
	for _, typ := range []OptionType{"", "call", "PUT", "Straddle", "Invalid"} {
		_, err := Price(params(100, 100, 0, 1, 0.2, typ))
		if !errors.Is(err, ErrInvalidOptionType) {
			t.Errorf("type %q: expected ErrInvalidOptionType, got %v", typ, err)
		}
	}
}

func TestPrice_DomainErrors(t *testing.T) {
	tests := []struct {
		name string
		p    Params
	}{
		{"zero sigma", params(100, 100, 0, 1, 0, Call)},
		{"negative sigma", params(100, 100, 0, 1, -0.2, Put)},
		{"zero maturity", params(100, 100, 0, 0, 0.2, Call)},
		{"expired", params(100, 100, 0, -0.1, 0.2, Put)},
		{"zero forward", params(0, 100, 0, 1, 0.2, Call)},
		{"negative strike", params(100, -1, 0, 1, 0.2, Call)},
		{"NaN rate", params(100, 100, math.NaN(), 1, 0.2, Call)},
		{"Inf forward", params(math.Inf(1), 100, 0, 1, 0.2, Call)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Price(tt.p)
			if !errors.Is(err, ErrDomain) {
				t.Errorf("expected ErrDomain, got %v", err)
			}
		})
	}
}

func TestParseOptionType(t *testing.T) {
	tests := []struct {
		in   string
		want OptionType
		ok   bool
	}{
		{"Call", Call, true},
		{"Put", Put, true},
		{"C", "", false},
		{"P", "", false},
		{"call", "", false},
		{"Straddle", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, err := ParseOptionType(tt.in)
		if tt.ok {
			if err != nil || got != tt.want {
				t.Errorf("ParseOptionType(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidOptionType) {
			t.Errorf("ParseOptionType(%q): expected ErrInvalidOptionType, got %v", tt.in, err)
		}
	}
}

func TestNormal(t *testing.T) {
	if math.Abs(CDF(0)-0.5) > 1e-15 {
		t.Errorf("Φ(0) should be 0.5, got %v", CDF(0))
	}
	if math.Abs(CDF(1.96)-0.9750021) > 1e-6 {
		t.Errorf("Φ(1.96) ≈ 0.9750021, got %v", CDF(1.96))
	}
	if math.Abs(PDF(0)-1/math.Sqrt(2*math.Pi)) > 1e-15 {
		t.Errorf("φ(0) should be 1/√(2π), got %v", PDF(0))
	}
}
