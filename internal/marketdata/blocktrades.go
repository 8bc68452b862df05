package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atmx/black76-engine/internal/greeks"
	"github.com/atmx/black76-engine/internal/instrument"
	"github.com/atmx/black76-engine/internal/model"
)

// ErrInvalidDirection is returned for a trade leg that is neither a buy nor
// a sell.
var ErrInvalidDirection = errors.New("marketdata: invalid trade direction")

// BlockTrade is one block trade and its legs.
type BlockTrade struct {
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"` // ms since epoch
	Trades    []BlockTradeLeg `json:"trades"`
}

// BlockTradeLeg is one instrument traded within a block trade. Option
// prices are quoted in units of the underlying.
type BlockTradeLeg struct {
	TradeID        string  `json:"trade_id"`
	InstrumentName string  `json:"instrument_name"`
	Direction      string  `json:"direction"` // "buy" or "sell"
	Price          float64 `json:"price"`
	Amount         float64 `json:"amount"`
	IV             float64 `json:"iv"` // percent
	IndexPrice     float64 `json:"index_price"`
	MarkPrice      float64 `json:"mark_price"`
	Timestamp      int64   `json:"timestamp"`
}

// LastBlockTrades returns the most recent block trades in currency. It
// requires credentials.
func (c *Client) LastBlockTrades(ctx context.Context, currency string, count int) ([]BlockTrade, error) {
	params := map[string]any{"currency": currency}
	if count > 0 {
		params["count"] = count
	}
	var trades []BlockTrade
	if err := c.CallPrivate(ctx, "private/get_last_block_trades_by_currency", params, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

// BlockTradeRecords converts the option legs of block trades into pricing
// records using a flat risk-free rate. The premium is the USD value of one
// contract: price times index price. Legs on non-option instruments are
// skipped silently; legs that fail to resolve are reported, one error each.
func BlockTradeRecords(trades []BlockTrade, rate float64) ([]model.TradeRecord, []error) {
	var (
		records []model.TradeRecord
		errs    []error
	)
	for _, bt := range trades {
		for _, leg := range bt.Trades {
			inst, err := instrument.Parse(leg.InstrumentName)
			if err != nil {
				continue // futures and perpetuals
			}
			rec, err := legRecord(bt, leg, inst, rate)
			if err != nil {
				errs = append(errs, fmt.Errorf("block trade %s leg %s: %w", bt.ID, leg.TradeID, err))
				continue
			}
			records = append(records, rec)
		}
	}
	return records, errs
}

func legRecord(bt BlockTrade, leg BlockTradeLeg, inst *instrument.Instrument, rate float64) (model.TradeRecord, error) {
	ts := leg.Timestamp
	if ts == 0 {
		ts = bt.Timestamp
	}
	date := time.UnixMilli(ts).UTC()

	ttm, err := inst.YearFraction(date)
	if err != nil {
		return model.TradeRecord{}, err
	}

	var action greeks.Action
	switch leg.Direction {
	case "buy":
		action = greeks.Bought
	case "sell":
		action = greeks.Sold
	default:
		return model.TradeRecord{}, fmt.Errorf("%w: %q", ErrInvalidDirection, leg.Direction)
	}

	return model.TradeRecord{
		UniqueID:       bt.ID + "-" + leg.TradeID,
		Date:           date,
		ContractName:   inst.Name,
		Strike:         inst.StrikeFloat(),
		RiskFreeRate:   rate,
		TimeToMaturity: ttm,
		IV:             leg.IV / 100,
		Type:           string(inst.Type),
		Premium:        leg.Price * leg.IndexPrice,
		ContractSize:   leg.Amount,
		Action:         string(action),
	}, nil
}
