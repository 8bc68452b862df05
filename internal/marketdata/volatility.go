package marketdata

import (
	"math"
	"slices"
	"time"

	"github.com/montanaflynn/stats"
)

// DailyVol is the realized volatility of one UTC calendar day.
type DailyVol struct {
	Date               string  `json:"date" csv:"date"` // YYYY-MM-DD
	RealizedVolatility float64 `json:"realized_volatility" csv:"realized_volatility"`
	Returns            int     `json:"returns" csv:"returns"`
}

// RealizedVolatility computes, for each UTC day covered by candles, the
// square root of the sum of squared log returns of consecutive closes. The
// return of a bar is attributed to the day the bar starts in; the first bar
// has no return. Candles must be sorted by time.
func RealizedVolatility(candles []Candle) []DailyVol {
	var out []DailyVol
	var squares stats.Float64Data
	day := ""
	for i, c := range candles {
		d := c.Time.UTC().Format(time.DateOnly)
		if d != day {
			if day != "" {
				out = append(out, dailyVol(day, squares))
			}
			day, squares = d, nil
		}
		if i == 0 {
			continue
		}
		prev := candles[i-1].Close
		if prev <= 0 || c.Close <= 0 {
			continue
		}
		r := math.Log(c.Close / prev)
		squares = append(squares, r*r)
	}
	if day != "" {
		out = append(out, dailyVol(day, squares))
	}
	return out
}

func dailyVol(day string, squares stats.Float64Data) DailyVol {
	sum, err := stats.Sum(squares)
	if err != nil {
		sum = 0 // no returns that day
	}
	return DailyVol{Date: day, RealizedVolatility: math.Sqrt(sum), Returns: len(squares)}
}

// SortCandles orders candles by time in place.
func SortCandles(candles []Candle) {
	slices.SortFunc(candles, func(a, b Candle) int { return a.Time.Compare(b.Time) })
}
