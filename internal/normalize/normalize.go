// Package normalize converts heterogeneous OHLCV records into canonical candles.
//
// Nothing in this package returns an error for bad market data: malformed records
// are dropped and counted in the quality Report.
package normalize

import (
	"fmt"
	"math"
	"sort"

	"dexchart/pkg/market"
)

const (
	// millisThreshold separates second and millisecond timestamps.
	millisThreshold = 1e10
	// maxTimestamp is 3000-01-01T00:00:00Z in seconds. Times at or past it,
	// after millisecond conversion, are rejected.
	maxTimestamp = 32503680000

	// DefaultMaxFilled bounds the output of FillGaps when no limit is given.
	DefaultMaxFilled = 10000
)

// Normalize converts a raw record into a Candle. ok is false when the record is rejected.
func Normalize(raw RawCandle) (c market.Candle, ok bool) {
	ts, ok := ParseNumber(raw.Time)
	if !ok || ts < 0 {
		return market.Candle{}, false
	}
	if ts > millisThreshold {
		ts /= 1000
	}
	if ts >= maxTimestamp {
		return market.Candle{}, false
	}

	var prices [4]float64
	for i, field := range [4][]byte{raw.Open, raw.High, raw.Low, raw.Close} {
		p, ok := ParseNumber(field)
		if !ok || p <= 0 {
			return market.Candle{}, false
		}
		prices[i] = p
	}

	// volume is non-critical
	volume, ok := ParseNumber(raw.Volume)
	if !ok || volume < 0 {
		volume = 0
	}

	c = market.Candle{
		Time:   int64(math.Floor(ts)),
		Open:   prices[0],
		High:   prices[1],
		Low:    prices[2],
		Close:  prices[3],
		Volume: volume,
	}
	if err := Validate(c); err != nil {
		return market.Candle{}, false
	}
	return c, true
}

// Validate checks the OHLC envelope of a candle: every price positive and finite,
// high not below any other price, low not above any other price.
func Validate(c market.Candle) error {
	for _, p := range []float64{c.Open, c.High, c.Low, c.Close} {
		if p <= 0 || math.IsNaN(p) || math.IsInf(p, 0) {
			return fmt.Errorf("%w: non-positive or non-finite price at %d", market.ErrValidation, c.Time)
		}
	}
	if c.High < math.Max(math.Max(c.Open, c.Close), c.Low) {
		return fmt.Errorf("%w: high %v below body at %d", market.ErrValidation, c.High, c.Time)
	}
	if c.Low > math.Min(math.Min(c.Open, c.Close), c.High) {
		return fmt.Errorf("%w: low %v above body at %d", market.ErrValidation, c.Low, c.Time)
	}
	return nil
}

// Report summarises one normalization pass.
type Report struct {
	Total      int     `json:"total"`
	Valid      int     `json:"valid"`
	Invalid    int     `json:"invalid"`
	Duplicates int     `json:"duplicates"`
	Percent    float64 `json:"percent"` // Valid / Total * 100
}

// NormalizeSeries normalizes every record, drops rejects, sorts ascending by time
// and keeps the first candle of each timestamp.
func NormalizeSeries(raw []RawCandle) []market.Candle {
	out, _ := Series(raw)
	return out
}

// Series is NormalizeSeries that also returns the quality Report of the pass.
func Series(raw []RawCandle) ([]market.Candle, Report) {
	rep := Report{Total: len(raw)}
	candles := make([]market.Candle, 0, len(raw))
	for _, r := range raw {
		c, ok := Normalize(r)
		if !ok {
			rep.Invalid++
			continue
		}
		candles = append(candles, c)
	}
	rep.Valid = len(candles)
	if rep.Total > 0 {
		rep.Percent = float64(rep.Valid) / float64(rep.Total) * 100
	}

	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].Time < candles[j].Time
	})

	out := candles[:0]
	for i, c := range candles {
		if i > 0 && c.Time == out[len(out)-1].Time {
			rep.Duplicates++
			continue
		}
		out = append(out, c)
	}
	return out, rep
}

// FillGaps returns a copy of series where every gap wider than 1.5 buckets is
// padded with flat zero-volume candles at the close of the preceding candle.
// At most maxCandles candles are returned in total: a gap whose padding does not
// fit in what is left of that budget stays unfilled. maxCandles <= 0 means
// DefaultMaxFilled. The result is meant for display only.
func FillGaps(series []market.Candle, bucketSeconds int64, maxCandles int) []market.Candle {
	if len(series) == 0 {
		return []market.Candle{}
	}
	out := make([]market.Candle, 0, len(series))
	if bucketSeconds <= 0 {
		return append(out, series...)
	}
	if maxCandles <= 0 {
		maxCandles = DefaultMaxFilled
	}

	budget := int64(maxCandles - len(series))
	threshold := float64(bucketSeconds) * 1.5
	out = append(out, series[0])
	for _, next := range series[1:] {
		prev := out[len(out)-1]
		gap := next.Time - prev.Time
		if float64(gap) > threshold {
			missing := (gap - 1) / bucketSeconds
			if missing <= budget {
				for t := prev.Time + bucketSeconds; t < next.Time; t += bucketSeconds {
					out = append(out, market.Flat(t, prev.Close))
				}
				budget -= missing
			}
		}
		out = append(out, next)
	}
	return out
}
