// Package greeks computes Black-76 risk sensitivities for a signed,
// sized option position.
//
// Formulas, with d1 from black76.D1D2 and D = e^(-rT):
//
//	Delta  Call: D·Φ(d1)          Put: D·(Φ(d1) - 1)
//	Gamma  D·φ(d1) / (F·sigma·√T)
//	Vega   F·D·φ(d1)·√T
//	Theta  Call: -F·φ(d1)·sigma·D/(2√T) - r·F·Φ(d1)·D
//	       Put:  -F·φ(d1)·sigma·D/(2√T) + r·F·Φ(-d1)·D
//
// Theta is quoted per calendar day (annual figure / 365). The Theta carry
// term uses r·F with no separate cost-of-carry or dividend component;
// downstream reports depend on this convention.
//
// Every sensitivity is finally multiplied by ContractSize × sign(Action).
package greeks

import (
	"errors"
	"fmt"
	"math"

	"github.com/atmx/black76-engine/internal/black76"
)

// ErrInvalidAction is returned when a position's action is neither Bought nor Sold.
var ErrInvalidAction = errors.New("greeks: invalid action")

// DaysPerYear converts annual Theta to daily Theta.
const DaysPerYear = 365.0

// Action is the side of a position.
type Action string

const (
	Bought Action = "Bought"
	Sold   Action = "Sold"
)

// ParseAction validates an action string.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case Bought, Sold:
		return Action(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
}

// Sign returns +1 for Bought and -1 for Sold.
func (a Action) Sign() (float64, error) {
	switch a {
	case Bought:
		return 1, nil
	case Sold:
		return -1, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidAction, string(a))
}

// Position is an option position: contract parameters plus size and side.
type Position struct {
	black76.Params
	ContractSize float64
	Action       Action
}

// Greeks holds position-scaled sensitivities.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Vega  float64 `json:"vega"`
	Theta float64 `json:"theta"` // per day
}

// Scale returns g with every sensitivity multiplied by k.
func (g Greeks) Scale(k float64) Greeks {
	return Greeks{
		Delta: g.Delta * k,
		Gamma: g.Gamma * k,
		Vega:  g.Vega * k,
		Theta: g.Theta * k,
	}
}

// Compute returns the Greeks of pos.
func Compute(pos Position) (Greeks, error) {
	if err := pos.Params.Validate(); err != nil {
		return Greeks{}, err
	}
	sign, err := pos.Action.Sign()
	if err != nil {
		return Greeks{}, err
	}
	if math.IsNaN(pos.ContractSize) || math.IsInf(pos.ContractSize, 0) || pos.ContractSize <= 0 {
		return Greeks{}, fmt.Errorf("%w: contract size %g must be positive", black76.ErrDomain, pos.ContractSize)
	}

	g := Unit(pos.Params).Scale(pos.ContractSize * sign)
	if !g.finite() {
		return Greeks{}, fmt.Errorf("%w: sensitivities overflow for contract size %g", black76.ErrDomain, pos.ContractSize)
	}
	return g, nil
}

func (g Greeks) finite() bool {
	for _, v := range [...]float64{g.Delta, g.Gamma, g.Vega, g.Theta} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Unit returns the Greeks of one long contract. p must already be valid.
func Unit(p black76.Params) Greeks {
	f, sigma, r := p.Forward, p.Vol, p.Rate
	sqrtT := math.Sqrt(p.Maturity)
	d1, _ := black76.D1D2(f, p.Strike, p.Maturity, sigma)
	df := black76.Discount(r, p.Maturity)
	pdf := black76.PDF(d1)
	cdf := black76.CDF(d1)

	g := Greeks{
		Gamma: df * pdf / (f * sigma * sqrtT),
		Vega:  f * df * pdf * sqrtT,
	}

	decay := -f * pdf * sigma * df / (2 * sqrtT)
	if p.Type == black76.Call {
		g.Delta = df * cdf
		g.Theta = decay - r*f*cdf*df
	} else {
		g.Delta = df * (cdf - 1)
		g.Theta = decay + r*f*black76.CDF(-d1)*df
	}
	g.Theta /= DaysPerYear

	return g
}
