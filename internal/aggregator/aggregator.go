// Package aggregator folds live ticks into OHLCV candles for the active timeframe.
package aggregator

import (
	"sync"

	"dexchart/pkg/market"
)

// Fold applies tick to current. boundary is true when tick opened a new bucket
// (current was nil or belonged to another bucket); the caller appends the
// result in that case and updates the last candle otherwise.
// Volume is not derived from ticks and stays as it was.
func Fold(current *market.Candle, tick market.Tick, tf market.Timeframe) (next market.Candle, boundary bool) {
	bucket := tf.BucketTime(tick.Time)
	if current == nil || current.Time != bucket {
		return market.Flat(bucket, tick.Price), true
	}
	next = *current
	if tick.Price > next.High {
		next.High = tick.Price
	}
	if tick.Price < next.Low {
		next.Low = tick.Price
	}
	next.Close = tick.Price
	return next, false
}

// Sink receives candle emissions. *memorystore.CandleStore satisfies it.
type Sink interface {
	Append(c market.Candle)
	UpdateLast(c market.Candle)
}

// Aggregator owns the in-progress candle of one (market, timeframe) series.
type Aggregator struct {
	mu      sync.Mutex
	tf      market.Timeframe
	current *market.Candle
	sink    Sink

	ignored uint64
}

func New(tf market.Timeframe, sink Sink) *Aggregator {
	return &Aggregator{tf: tf, sink: sink}
}

// Apply folds tick into the in-progress candle and emits the result to the sink.
// Ticks older than the in-progress bucket are ignored; false is returned for them.
func (a *Aggregator) Apply(tick market.Tick) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if tick.Price <= 0 {
		a.ignored++
		return false
	}
	if a.current != nil && a.tf.BucketTime(tick.Time) < a.current.Time {
		a.ignored++
		return false
	}

	next, boundary := Fold(a.current, tick, a.tf)
	a.current = &next
	if boundary {
		a.sink.Append(next)
	} else {
		a.sink.UpdateLast(next)
	}
	return true
}

// Reset drops the in-progress candle and switches to tf.
func (a *Aggregator) Reset(tf market.Timeframe) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tf = tf
	a.current = nil
}

// Seed makes c the in-progress candle without emitting it, so that a tick in
// the same bucket as the newest historical candle updates it in place.
func (a *Aggregator) Seed(c market.Candle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil && a.current.Time > c.Time {
		return
	}
	a.current = &c
}

// Current returns a copy of the in-progress candle.
func (a *Aggregator) Current() (market.Candle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return market.Candle{}, false
	}
	return *a.current, true
}

func (a *Aggregator) Timeframe() market.Timeframe {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tf
}

// Ignored counts ticks rejected as late or non-positive.
func (a *Aggregator) Ignored() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ignored
}
