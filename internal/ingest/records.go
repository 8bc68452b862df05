package ingest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/atmx/black76-engine/internal/instrument"
	"github.com/atmx/black76-engine/internal/model"
)

// ErrInvalidPremium is returned for a premium that is not a positive number.
var ErrInvalidPremium = errors.New("ingest: invalid premium")

// Records resolves extracted trades into pricing records using a flat
// risk-free rate. Trades that cannot be resolved are reported in the error
// slice, one error per trade, and left out of the records.
//
// Type and Action are written as received after normalisation; validating
// them is the pricing core's job.
func Records(ex Extraction, rate float64) ([]model.TradeRecord, []error) {
	records := make([]model.TradeRecord, 0, len(ex.Trades))
	var errs []error
	for _, tr := range ex.Trades {
		rec, err := resolve(tr, rate)
		if err != nil {
			errs = append(errs, fmt.Errorf("message %d trade %d (%s): %w", tr.MessageID, tr.Position, tr.ContractName, err))
			continue
		}
		records = append(records, rec)
	}
	return records, errs
}

func resolve(tr Trade, rate float64) (model.TradeRecord, error) {
	inst, err := instrument.Parse(tr.ContractName)
	if err != nil {
		return model.TradeRecord{}, err
	}
	ttm, err := inst.YearFraction(tr.Date)
	if err != nil {
		return model.TradeRecord{}, err
	}
	premium, err := ParsePremium(tr.Premium)
	if err != nil {
		return model.TradeRecord{}, err
	}

	return model.TradeRecord{
		UniqueID:       fmt.Sprintf("%d-%d", tr.MessageID, tr.Position),
		MessageID:      tr.MessageID,
		Date:           tr.Date,
		ContractName:   inst.Name,
		Strike:         inst.StrikeFloat(),
		RiskFreeRate:   rate,
		TimeToMaturity: ttm,
		IV:             tr.IV / 100,
		Type:           string(inst.Type),
		Premium:        premium,
		ContractSize:   tr.ContractSize,
		Action:         cases.Title(language.English).String(strings.ToLower(tr.Action)),
	}, nil
}

// ParsePremium parses a USD premium as written in a message, e.g. "1,234.5".
func ParsePremium(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(s), ",", ""), 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPremium, s)
	}
	return v, nil
}
