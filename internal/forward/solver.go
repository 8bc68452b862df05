// Package forward recovers the implied forward price of an option from its
// observed premium by numerically inverting the Black-76 formula.
//
// The solver is derivative-free. Starting from the strike (F0 = K) it
// expands a bracket geometrically until the objective
//
//	g(F) = black76.Price(F, K, r, T, sigma, type) - premium
//
// changes sign, then narrows it with the Illinois variant of regula falsi.
// The Black-76 price is strictly monotone in F (increasing for calls,
// decreasing for puts), so a bracketed root is unique.
package forward

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/atmx/black76-engine/internal/black76"
)

var (
	// ErrNoRootFound is returned when the premium lies outside the range of
	// prices the model can produce for any positive forward.
	ErrNoRootFound = errors.New("forward: no root for premium")

	// ErrDidNotConverge is returned when the iteration budget or the time
	// budget runs out before the tolerance is met.
	ErrDidNotConverge = errors.New("forward: solver did not converge")
)

// Default convergence policy.
const (
	DefaultTolerance     = 1e-8
	DefaultStepTolerance = 1e-10
	DefaultMaxIterations = 100
)

// Quote is a market observation of one option: everything the pricing
// formula needs except the forward.
type Quote struct {
	Premium  float64
	Strike   float64
	Rate     float64
	Maturity float64
	Vol      float64
	Type     black76.OptionType
}

// Solution is a converged implied forward.
type Solution struct {
	Forward    float64
	Iterations int     // objective evaluations used
	Residual   float64 // price(Forward) - premium
}

// Solver holds the convergence policy. The zero value is not usable; build
// one with DefaultSolver or set all fields. A Solver is safe for concurrent
// use: Solve keeps all state on the stack.
type Solver struct {
	// Tolerance is the absolute premium error accepted as a root.
	Tolerance float64

	// StepTolerance is the relative bracket width accepted as a root.
	StepTolerance float64

	// MaxIterations caps objective evaluations, bracketing included.
	MaxIterations int
}

// DefaultSolver returns a solver with the default convergence policy.
func DefaultSolver() *Solver {
	return &Solver{
		Tolerance:     DefaultTolerance,
		StepTolerance: DefaultStepTolerance,
		MaxIterations: DefaultMaxIterations,
	}
}

// Solve finds the forward F such that the Black-76 price of q at F equals
// q.Premium. The context bounds the wall-clock time spent iterating; when it
// is done the result is ErrDidNotConverge wrapping the context error.
func (s *Solver) Solve(ctx context.Context, q Quote) (Solution, error) {
	if !q.Type.Valid() {
		return Solution{}, fmt.Errorf("%w: %q", black76.ErrInvalidOptionType, string(q.Type))
	}
	// Validate the remaining domain once with the strike standing in for F.
	seed := black76.Params{Forward: q.Strike, Strike: q.Strike, Rate: q.Rate, Maturity: q.Maturity, Vol: q.Vol, Type: q.Type}
	if err := seed.Validate(); err != nil {
		return Solution{}, err
	}

	lo, hi, err := black76.PriceBounds(q.Strike, q.Rate, q.Maturity, q.Type)
	if err != nil {
		return Solution{}, err
	}
	if math.IsNaN(q.Premium) || math.IsInf(q.Premium, 0) || q.Premium <= lo || q.Premium >= hi {
		return Solution{}, fmt.Errorf("%w: premium=%g outside (%g, %g)", ErrNoRootFound, q.Premium, lo, hi)
	}

	r := run{solver: s, quote: q, ctx: ctx}

	a := q.Strike
	ga, err := r.eval(a)
	if err != nil {
		return Solution{}, err
	}
	if math.Abs(ga) < s.Tolerance {
		return Solution{Forward: a, Iterations: r.iter, Residual: ga}, nil
	}

	// Direction in which F must move to shrink the premium error.
	up := (q.Type == black76.Call) == (ga < 0)

	b, gb := a, ga
	for sameSign(ga, gb) {
		a, ga = b, gb
		if up {
			b = a * 2
		} else {
			b = a / 2
		}
		if gb, err = r.eval(b); err != nil {
			return Solution{}, err
		}
		if math.Abs(gb) < s.Tolerance {
			return Solution{Forward: b, Iterations: r.iter, Residual: gb}, nil
		}
	}

	// Illinois: [a, b] brackets the root, ga and gb have opposite signs.
	side := 0
	for {
		c := (a*gb - b*ga) / (gb - ga)
		if !(c > math.Min(a, b) && c < math.Max(a, b)) {
			c = 0.5 * (a + b)
		}
		gc, err := r.eval(c)
		if err != nil {
			return Solution{}, err
		}
		if math.Abs(gc) < s.Tolerance || gc == 0 {
			return Solution{Forward: c, Iterations: r.iter, Residual: gc}, nil
		}

		if sameSign(gc, gb) {
			b, gb = c, gc
			if side == -1 {
				ga /= 2
			}
			side = -1
		} else {
			a, ga = c, gc
			if side == 1 {
				gb /= 2
			}
			side = 1
		}

		if math.Abs(b-a) <= s.StepTolerance*math.Max(math.Abs(a), math.Abs(b)) {
			return Solution{Forward: c, Iterations: r.iter, Residual: gc}, nil
		}
	}
}

// run carries the per-call iteration state.
type run struct {
	solver *Solver
	quote  Quote
	ctx    context.Context
	iter   int
}

// eval evaluates the objective at f, charging one iteration against the
// budget and checking the time budget first.
func (r *run) eval(f float64) (float64, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w after %d iterations: %w", ErrDidNotConverge, r.iter, err)
	}
	if r.iter >= r.solver.MaxIterations {
		return 0, fmt.Errorf("%w: %d iterations exhausted", ErrDidNotConverge, r.iter)
	}
	r.iter++

	p, err := black76.Price(black76.Params{
		Forward:  f,
		Strike:   r.quote.Strike,
		Rate:     r.quote.Rate,
		Maturity: r.quote.Maturity,
		Vol:      r.quote.Vol,
		Type:     r.quote.Type,
	})
	if err != nil {
		// F left the positive reals through underflow or overflow.
		return 0, fmt.Errorf("%w: %w", ErrNoRootFound, err)
	}
	return p - r.quote.Premium, nil
}

func sameSign(x, y float64) bool {
	return (x < 0) == (y < 0)
}
