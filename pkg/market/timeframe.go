package market

import "fmt"

// Timeframe is the chart bucket width label used by the UI (e.g. "1m", "4h").
type Timeframe string

// TimeframeMeta holds the REST interval code and the bucket width for a Timeframe
type TimeframeMeta struct {
	Label        string
	IntervalCode string // path segment of the historical candles endpoint
	Seconds      int64
}

const (
	Timeframe1Min   Timeframe = "1m"
	Timeframe3Min   Timeframe = "3m"
	Timeframe5Min   Timeframe = "5m"
	Timeframe15Min  Timeframe = "15m"
	Timeframe30Min  Timeframe = "30m"
	Timeframe1Hour  Timeframe = "1h"
	Timeframe2Hour  Timeframe = "2h"
	Timeframe4Hour  Timeframe = "4h"
	Timeframe6Hour  Timeframe = "6h"
	Timeframe12Hour Timeframe = "12h"
	TimeframeDaily  Timeframe = "1d"
	TimeframeWeekly Timeframe = "1w"
)

var validTimeframes = map[Timeframe]TimeframeMeta{
	Timeframe1Min:   {Label: "1m", IntervalCode: "1", Seconds: 60},
	Timeframe3Min:   {Label: "3m", IntervalCode: "3", Seconds: 180},
	Timeframe5Min:   {Label: "5m", IntervalCode: "5", Seconds: 300},
	Timeframe15Min:  {Label: "15m", IntervalCode: "15", Seconds: 900},
	Timeframe30Min:  {Label: "30m", IntervalCode: "30", Seconds: 1800},
	Timeframe1Hour:  {Label: "1h", IntervalCode: "60", Seconds: 3600},
	Timeframe2Hour:  {Label: "2h", IntervalCode: "120", Seconds: 7200},
	Timeframe4Hour:  {Label: "4h", IntervalCode: "240", Seconds: 14400},
	Timeframe6Hour:  {Label: "6h", IntervalCode: "360", Seconds: 21600},
	Timeframe12Hour: {Label: "12h", IntervalCode: "720", Seconds: 43200},
	TimeframeDaily:  {Label: "1d", IntervalCode: "1D", Seconds: 86400},   // 24*60*60
	TimeframeWeekly: {Label: "1w", IntervalCode: "1W", Seconds: 604800}, // 7*24*60*60
}

// IsValid checks if the Timeframe is one of the predefined bucket widths
func (tf Timeframe) IsValid() bool {
	_, ok := validTimeframes[tf]
	return ok
}

// Meta returns the interval code and width of tf. The zero value is returned for unknown timeframes.
func (tf Timeframe) Meta() TimeframeMeta {
	return validTimeframes[tf]
}

// Seconds returns the bucket width of tf in seconds, or 0 if tf is unknown.
func (tf Timeframe) Seconds() int64 {
	return validTimeframes[tf].Seconds
}

// IntervalCode returns the REST interval code of tf.
func (tf Timeframe) IntervalCode() string {
	return validTimeframes[tf].IntervalCode
}

// BucketTime aligns a unix-seconds timestamp to the start of its bucket.
func (tf Timeframe) BucketTime(unixSeconds int64) int64 {
	return BucketTime(unixSeconds, tf.Seconds())
}

// ParseTimeframe parses a label such as "15m" into a valid Timeframe
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !tf.IsValid() {
		return "", fmt.Errorf("invalid timeframe: %s", s)
	}
	return tf, nil
}

// BucketTime returns floor(t/width)*width. Negative timestamps round toward negative infinity.
func BucketTime(t, width int64) int64 {
	if width <= 0 {
		return t
	}
	b := t / width
	if t%width != 0 && t < 0 {
		b--
	}
	return b * width
}
