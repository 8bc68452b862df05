package marketdata

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// MaxBarsPerRequest is the largest number of bars requested in one chart
// data call. Longer ranges are split into chunks of this size.
const MaxBarsPerRequest = 5000

// ErrInvalidResolution is returned for a resolution the API does not accept.
var ErrInvalidResolution = errors.New("marketdata: invalid resolution")

// Candle is one OHLCV bar.
type Candle struct {
	Time   time.Time `json:"time" csv:"date_time"`
	Open   float64   `json:"open" csv:"open"`
	High   float64   `json:"high" csv:"high"`
	Low    float64   `json:"low" csv:"low"`
	Close  float64   `json:"close" csv:"close"`
	Volume float64   `json:"volume" csv:"volume"`
	Cost   float64   `json:"cost" csv:"cost"`
}

// chartData is the column-oriented result of public/get_tradingview_chart_data.
type chartData struct {
	Status string    `json:"status"`
	Ticks  []int64   `json:"ticks"` // ms since epoch
	Open   []float64 `json:"open"`
	High   []float64 `json:"high"`
	Low    []float64 `json:"low"`
	Close  []float64 `json:"close"`
	Volume []float64 `json:"volume"`
	Cost   []float64 `json:"cost"`
}

func (d chartData) candles() ([]Candle, error) {
	n := len(d.Ticks)
	for _, col := range [][]float64{d.Open, d.High, d.Low, d.Close, d.Volume, d.Cost} {
		if len(col) != n {
			return nil, fmt.Errorf("marketdata: chart data columns differ in length (%d ticks, %d values)", n, len(col))
		}
	}
	out := make([]Candle, n)
	for i := range n {
		out[i] = Candle{
			Time:   time.UnixMilli(d.Ticks[i]).UTC(),
			Open:   d.Open[i],
			High:   d.High[i],
			Low:    d.Low[i],
			Close:  d.Close[i],
			Volume: d.Volume[i],
			Cost:   d.Cost[i],
		}
	}
	return out, nil
}

// ResolutionDuration returns the bar length of a chart resolution: a number
// of minutes ("1", "5", "60", ...) or "1D".
func ResolutionDuration(resolution string) (time.Duration, error) {
	if resolution == "1D" {
		return 24 * time.Hour, nil
	}
	m, err := strconv.Atoi(resolution)
	if err != nil || m <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidResolution, resolution)
	}
	return time.Duration(m) * time.Minute, nil
}

// ChartData fetches the bars of instrument between start and end.
func (c *Client) ChartData(ctx context.Context, instrument string, start, end time.Time, resolution string) ([]Candle, error) {
	if _, err := ResolutionDuration(resolution); err != nil {
		return nil, err
	}
	var data chartData
	err := c.Call(ctx, "public/get_tradingview_chart_data", map[string]any{
		"instrument_name": instrument,
		"start_timestamp": start.UnixMilli(),
		"end_timestamp":   end.UnixMilli(),
		"resolution":      resolution,
	}, &data)
	if err != nil {
		return nil, err
	}
	return data.candles()
}

// ChartDataRange fetches bars over an arbitrarily long range by splitting it
// into chunks of at most MaxBarsPerRequest bars. A chunk that fails is
// logged and skipped; the returned error is non-nil only when the context
// ends or every chunk failed.
func (c *Client) ChartDataRange(ctx context.Context, instrument string, start, end time.Time, resolution string) ([]Candle, error) {
	bar, err := ResolutionDuration(resolution)
	if err != nil {
		return nil, err
	}
	step := bar * MaxBarsPerRequest

	var (
		out    []Candle
		chunks int
		failed int
		last   error
	)
	for from := start; from.Before(end); from = from.Add(step) {
		to := from.Add(step)
		if to.After(end) {
			to = end
		}
		chunks++

		candles, err := c.ChartData(ctx, instrument, from, to, resolution)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			failed++
			last = err
			c.logger.Warn("chart data chunk failed",
				"instrument", instrument,
				"from", from,
				"to", to,
				"err", err,
			)
			continue
		}
		out = appendNew(out, candles)
	}
	if chunks > 0 && failed == chunks {
		return nil, fmt.Errorf("marketdata: all %d chunks failed: %w", chunks, last)
	}
	return out, nil
}

// appendNew appends candles strictly newer than the last one in dst; chunk
// boundaries are inclusive on both sides.
func appendNew(dst, src []Candle) []Candle {
	for _, c := range src {
		if len(dst) > 0 && !c.Time.After(dst[len(dst)-1].Time) {
			continue
		}
		dst = append(dst, c)
	}
	return dst
}
