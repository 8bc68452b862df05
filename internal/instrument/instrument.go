// Package instrument parses and validates exchange option instrument names
// of the form {UNDERLYING}-{DMMMYY}-{STRIKE}-{C|P}, e.g. BTC-27DEC24-60000-C.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/black76-engine/internal/black76"
)

// SettlementHour is the UTC hour at which options expire on their expiry date.
const SettlementHour = 8

// DaysPerYear is the ACT/365 day-count denominator.
const DaysPerYear = 365.0

// nameRegex matches: {underlying}-{expiry}-{strike}-{C|P}
// Example: BTC-27DEC24-60000-C, ETH-5JAN25-3500-P, XRP-28MAR25-2d5-C
var nameRegex = regexp.MustCompile(
	`^([A-Z]+(?:_[A-Z]+)?)-(\d{1,2}[A-Z]{3}\d{2})-(\d+(?:d\d+)?)-([CP])$`,
)

var (
	ErrInvalidInstrument = errors.New("instrument: invalid instrument name")
	ErrExpired           = errors.New("instrument: expired")
)

// Instrument is a parsed option instrument.
type Instrument struct {
	Name       string             `json:"name"`
	Underlying string             `json:"underlying"`
	Expiry     time.Time          `json:"expiry"`
	Strike     decimal.Decimal    `json:"strike"`
	Type       black76.OptionType `json:"type"`
}

// Parse parses and validates an instrument name.
func Parse(name string) (*Instrument, error) {
	m := nameRegex.FindStringSubmatch(name)
	if m == nil {
		return nil, fmt.Errorf("%w: %s (expected {underlying}-{DMMMYY}-{strike}-{C|P})",
			ErrInvalidInstrument, name)
	}

	day, err := time.Parse("2Jan06", m[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid expiry %s", ErrInvalidInstrument, m[2])
	}
	expiry := day.Add(SettlementHour * time.Hour)

	strike, err := decimal.NewFromString(strings.Replace(m[3], "d", ".", 1))
	if err != nil || !strike.IsPositive() {
		return nil, fmt.Errorf("%w: invalid strike %s", ErrInvalidInstrument, m[3])
	}

	typ := black76.Call
	if m[4] == "P" {
		typ = black76.Put
	}

	return &Instrument{
		Name:       name,
		Underlying: m[1],
		Expiry:     expiry,
		Strike:     strike,
		Type:       typ,
	}, nil
}

// StrikeFloat returns the strike as a float64 for the pricing core.
func (i *Instrument) StrikeFloat() float64 {
	return i.Strike.InexactFloat64()
}

// YearFraction returns the ACT/365 time to expiry in years measured from t.
// It returns ErrExpired when t is at or after expiry.
func (i *Instrument) YearFraction(t time.Time) (float64, error) {
	d := i.Expiry.Sub(t)
	if d <= 0 {
		return 0, fmt.Errorf("%w: %s at %s", ErrExpired, i.Name, t.UTC().Format(time.RFC3339))
	}
	return d.Hours() / 24 / DaysPerYear, nil
}
