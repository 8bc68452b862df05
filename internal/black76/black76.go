// Package black76 implements the Black-76 closed-form valuation of European
// options on forward and futures contracts.
//
// The model's driving variable is the forward price F of the underlying,
// not its spot price. Discounting uses a flat continuously-compounded rate r
// over the time to maturity T (in years):
//
//	d1   = (ln(F/K) + sigma²T/2) / (sigma√T)
//	d2   = d1 - sigma√T
//	Call = e^(-rT) (F·Φ(d1) - K·Φ(d2))
//	Put  = e^(-rT) (K·Φ(-d2) - F·Φ(-d1))
//
// Inputs are validated before any arithmetic: the package rejects values that
// would produce NaN or Inf instead of letting them propagate.
package black76

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

var (
	// ErrInvalidOptionType is returned when an option type is neither Call nor Put.
	ErrInvalidOptionType = errors.New("black76: invalid option type")

	// ErrDomain is returned when an input lies outside the model's domain
	// (sigma <= 0, T <= 0, F <= 0, K <= 0, or a non-finite value).
	ErrDomain = errors.New("black76: input outside model domain")
)

// OptionType is the exercise right of a European option.
type OptionType string

const (
	Call OptionType = "Call"
	Put  OptionType = "Put"
)

// Valid reports whether t is Call or Put.
func (t OptionType) Valid() bool {
	return t == Call || t == Put
}

// ParseOptionType validates an option type string. Only "Call" and "Put"
// are accepted; other casings are rejected rather than coerced.
func ParseOptionType(s string) (OptionType, error) {
	if t := OptionType(s); t.Valid() {
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOptionType, s)
}

// Params are the contract parameters of one pricing call.
type Params struct {
	Forward  float64    // F
	Strike   float64    // K
	Rate     float64    // r, continuously compounded
	Maturity float64    // T, years
	Vol      float64    // sigma, annualised
	Type     OptionType // Call or Put
}

// Validate checks p against the model's domain.
func (p Params) Validate() error {
	if !p.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOptionType, string(p.Type))
	}
	return validateDomain(p.Forward, p.Strike, p.Rate, p.Maturity, p.Vol)
}

func validateDomain(f, k, r, t, sigma float64) error {
	for _, v := range [...]float64{f, k, r, t, sigma} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite input", ErrDomain)
		}
	}
	switch {
	case sigma <= 0:
		return fmt.Errorf("%w: sigma=%g must be positive", ErrDomain, sigma)
	case t <= 0:
		return fmt.Errorf("%w: T=%g must be positive", ErrDomain, t)
	case f <= 0:
		return fmt.Errorf("%w: F=%g must be positive", ErrDomain, f)
	case k <= 0:
		return fmt.Errorf("%w: K=%g must be positive", ErrDomain, k)
	}
	return nil
}

// D1D2 returns the intermediate terms d1 and d2. It does not validate its
// inputs; callers are expected to have checked them with Params.Validate.
func D1D2(f, k, t, sigma float64) (d1, d2 float64) {
	volSqrtT := sigma * math.Sqrt(t)
	d1 = (math.Log(f/k) + 0.5*sigma*sigma*t) / volSqrtT
	d2 = d1 - volSqrtT
	return d1, d2
}

// Discount returns e^(-rT).
func Discount(r, t float64) float64 {
	return math.Exp(-r * t)
}

// Price computes the Black-76 premium of p.
func Price(p Params) (float64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	d1, d2 := D1D2(p.Forward, p.Strike, p.Maturity, p.Vol)
	df := Discount(p.Rate, p.Maturity)

	if p.Type == Call {
		return df * (p.Forward*CDF(d1) - p.Strike*CDF(d2)), nil
	}
	return df * (p.Strike*CDF(-d2) - p.Forward*CDF(-d1)), nil
}

// PriceBounds returns the infimum and supremum of the model price over all
// forwards F in (0, +Inf) for the given strike, rate, maturity and type.
// A call ranges over (0, +Inf); a put over (0, K·e^(-rT)).
func PriceBounds(k, r, t float64, typ OptionType) (lo, hi float64, err error) {
	switch typ {
	case Call:
		return 0, math.Inf(1), nil
	case Put:
		return 0, k * Discount(r, t), nil
	}
	return 0, 0, fmt.Errorf("%w: %q", ErrInvalidOptionType, string(typ))
}

// CDF is the standard normal cumulative distribution function Φ.
func CDF(x float64) float64 {
	return distuv.UnitNormal.CDF(x)
}

// PDF is the standard normal density φ.
func PDF(x float64) float64 {
	return distuv.UnitNormal.Prob(x)
}
