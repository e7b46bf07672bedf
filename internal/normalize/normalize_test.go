package normalize

import (
	"encoding/json"
	"testing"

	"dexchart/pkg/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// go test -v --run TestNormalize
func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		raw  RawCandle
		want market.Candle
		ok   bool
	}{
		{
			name: "numeric fields",
			raw:  Raw(1700000000, 10.0, 12.0, 9.0, 11.0, 5.5),
			want: market.Candle{Time: 1700000000, Open: 10, High: 12, Low: 9, Close: 11, Volume: 5.5},
			ok:   true,
		},
		{
			name: "string fields",
			raw:  Raw("1700000000", "10", "12", "9", "11", "5.5"),
			want: market.Candle{Time: 1700000000, Open: 10, High: 12, Low: 9, Close: 11, Volume: 5.5},
			ok:   true,
		},
		{
			name: "millisecond timestamp",
			raw:  Raw(1700000000123, 10.0, 12.0, 9.0, 11.0, 1.0),
			want: market.Candle{Time: 1700000000, Open: 10, High: 12, Low: 9, Close: 11, Volume: 1},
			ok:   true,
		},
		{
			name: "bad volume becomes zero",
			raw:  Raw(60, 10.0, 12.0, 9.0, 11.0, "n/a"),
			want: market.Candle{Time: 60, Open: 10, High: 12, Low: 9, Close: 11},
			ok:   true,
		},
		{
			name: "missing volume becomes zero",
			raw:  Raw(60, 10.0, 12.0, 9.0, 11.0, nil),
			want: market.Candle{Time: 60, Open: 10, High: 12, Low: 9, Close: 11},
			ok:   true,
		},
		{name: "high below low", raw: Raw(60, 10.0, 8.0, 9.0, 9.5, 1.0)},
		{name: "high below close", raw: Raw(60, 10.0, 11.0, 9.0, 12.0, 1.0)},
		{name: "low above open", raw: Raw(60, 10.0, 12.0, 10.5, 11.0, 1.0)},
		{name: "zero price", raw: Raw(60, 0.0, 12.0, 9.0, 11.0, 1.0)},
		{name: "negative price", raw: Raw(60, -1.0, 12.0, 9.0, 11.0, 1.0)},
		{name: "garbled price", raw: Raw(60, "abc", 12.0, 9.0, 11.0, 1.0)},
		{name: "infinite price", raw: Raw(60, "Inf", "Inf", 9.0, 11.0, 1.0)},
		{name: "missing time", raw: Raw(nil, 10.0, 12.0, 9.0, 11.0, 1.0)},
		{name: "time past year 3000", raw: Raw(32503680000000, 10.0, 12.0, 9.0, 11.0, 1.0)},
		{name: "overflowing millisecond time", raw: Raw(1e25, 10.0, 12.0, 9.0, 11.0, 1.0)},
		{
			name: "last second before year 3000",
			raw:  Raw(32503679999000, 10.0, 12.0, 9.0, 11.0, 1.0),
			want: market.Candle{Time: 32503679999, Open: 10, High: 12, Low: 9, Close: 11, Volume: 1},
			ok:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Normalize(tt.raw)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestNormalizeRejectsHighBelowLow(t *testing.T) {
	for low := 2.0; low < 10; low++ {
		for high := 1.0; high < low; high++ {
			_, ok := Normalize(Raw(60, low, high, low, low, 1.0))
			assert.False(t, ok, "high=%v low=%v", high, low)
		}
	}
}

func TestRawCandleUnmarshal(t *testing.T) {
	payload := `[
		{"time": 120, "open": "1", "high": "2", "low": "0.5", "close": "1.5", "volume": "3"},
		{"t": 60, "o": 1, "h": 2, "l": 0.5, "c": 1.5, "v": 3},
		[180, "1", "2", "0.5", "1.5", "3"],
		[240, "1", "2"]
	]`
	var raw []RawCandle
	require.NoError(t, json.Unmarshal([]byte(payload), &raw))
	require.Len(t, raw, 4)

	series, rep := Series(raw)
	assert.Equal(t, []int64{60, 120, 180}, times(series))
	assert.Equal(t, 4, rep.Total)
	assert.Equal(t, 3, rep.Valid)
	assert.Equal(t, 1, rep.Invalid)
	assert.InDelta(t, 75.0, rep.Percent, 1e-9)
}

// go test -v --run TestRawCandleUnmarshalBadRecords
func TestRawCandleUnmarshalBadRecords(t *testing.T) {
	payload := `[
		{"time": 60, "open": "1", "high": "2", "low": "0.5", "close": "1.5"},
		"garbage",
		42,
		null,
		true,
		[120, [1], {}, "x", "y"],
		[180, "1", "2", "0.5", "1.5"]
	]`
	var raw []RawCandle
	require.NoError(t, json.Unmarshal([]byte(payload), &raw))
	require.Len(t, raw, 7)

	series, rep := Series(raw)
	assert.Equal(t, []int64{60, 180}, times(series))
	assert.Equal(t, 7, rep.Total)
	assert.Equal(t, 2, rep.Valid)
	assert.Equal(t, 5, rep.Invalid)
}

// go test -v --run TestNormalizeSeries
func TestNormalizeSeries(t *testing.T) {
	raw := []RawCandle{
		Raw(180, 3.0, 3.0, 3.0, 3.0, 0.0),
		Raw(60, 1.0, 1.0, 1.0, 1.0, 0.0),
		Raw(120, 2.0, 2.0, 2.0, 2.0, 0.0),
		Raw(60, 9.0, 9.0, 9.0, 9.0, 0.0), // duplicate, the first one after sort wins
		Raw(240, 4.0, 1.0, 5.0, 4.0, 0.0), // rejected
	}

	series, rep := Series(raw)
	require.Len(t, series, 3)
	assert.Equal(t, []int64{60, 120, 180}, times(series))
	assert.Equal(t, 1.0, series[0].Close)
	assert.Equal(t, 1, rep.Duplicates)
	assert.Equal(t, 1, rep.Invalid)
	assert.Equal(t, 4, rep.Valid)
	assert.InDelta(t, 80.0, rep.Percent, 1e-9)

	for i := 1; i < len(series); i++ {
		assert.Less(t, series[i-1].Time, series[i].Time)
	}

	assert.Empty(t, NormalizeSeries(nil))
	_, empty := Series(nil)
	assert.Zero(t, empty.Percent)
}

func TestFillGaps(t *testing.T) {
	series := []market.Candle{
		{Time: 0, Open: 1, High: 2, Low: 1, Close: 2, Volume: 10},
		{Time: 60, Open: 2, High: 3, Low: 2, Close: 3, Volume: 10},
		{Time: 240, Open: 3, High: 4, Low: 3, Close: 4, Volume: 10},
	}

	filled := FillGaps(series, 60, 0)
	assert.Equal(t, []int64{0, 60, 120, 180, 240}, times(filled))
	assert.Equal(t, market.Flat(120, 3), filled[2])
	assert.Equal(t, market.Flat(180, 3), filled[3])

	// the input is left untouched
	assert.Len(t, series, 3)

	// a gap of exactly one bucket is not a gap
	assert.Len(t, FillGaps(series[:2], 60, 0), 2)
	assert.Empty(t, FillGaps(nil, 60, 0))
}

// go test -v --run TestFillGapsBounded
func TestFillGapsBounded(t *testing.T) {
	// an early outlier would need about 28 million flat candles
	series := []market.Candle{market.Flat(60, 1), market.Flat(1700000040, 1)}
	filled := FillGaps(series, 60, 1000)
	assert.Equal(t, []int64{60, 1700000040}, times(filled))

	filled = FillGaps(series, 60, 0)
	assert.Len(t, filled, 2)

	// gaps that fit are filled until the budget runs out
	series = []market.Candle{
		market.Flat(0, 1),
		market.Flat(180, 2), // needs 2
		market.Flat(420, 3), // needs 3
		market.Flat(600, 4), // needs 2
	}
	filled = FillGaps(series, 60, 10)
	assert.Equal(t, []int64{0, 60, 120, 180, 240, 300, 360, 420, 600}, times(filled))
	assert.LessOrEqual(t, len(filled), 10)

	assert.Len(t, FillGaps(series, 60, 100), 11)
}

func TestParseNumber(t *testing.T) {
	v, ok := ParseNumber(json.RawMessage(`" 42.5 "`))
	assert.True(t, ok)
	assert.Equal(t, 42.5, v)

	_, ok = ParseNumber(json.RawMessage(`null`))
	assert.False(t, ok)
	_, ok = ParseNumber(json.RawMessage(`"NaN"`))
	assert.False(t, ok)
	_, ok = ParseNumber(nil)
	assert.False(t, ok)
}

func times(cs []market.Candle) []int64 {
	out := make([]int64, len(cs))
	for i, c := range cs {
		out[i] = c.Time
	}
	return out
}
