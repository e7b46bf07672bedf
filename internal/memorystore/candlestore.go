package memorystore

import (
	"math"
	"sync"

	"dexchart/pkg/market"
)

// DefaultCapacity is the number of candles kept when no capacity is configured.
const DefaultCapacity = 10000

// CandleStore is a fixed-capacity ring of candles for one (market, timeframe) series.
// Writes go through a single mutex; every read returns a copy.
type CandleStore struct {
	mu   sync.RWMutex
	buf  []market.Candle
	head int // index of the oldest candle
	size int

	subMu   sync.Mutex
	subs    map[int]chan Update
	nextSub int
}

// NewCandleStore allocates a ring of the given capacity. Non-positive values use DefaultCapacity.
func NewCandleStore(capacity int) *CandleStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &CandleStore{
		buf:  make([]market.Candle, capacity),
		subs: make(map[int]chan Update),
	}
}

// Capacity returns the fixed ring size.
func (s *CandleStore) Capacity() int {
	return len(s.buf)
}

// Len returns the number of stored candles.
func (s *CandleStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// BulkLoad replaces the whole content with candles, in order.
// When len(candles) exceeds the capacity only the newest ones are kept.
func (s *CandleStore) BulkLoad(candles []market.Candle) {
	s.mu.Lock()
	s.head, s.size = 0, 0
	for _, c := range candles {
		s.appendLocked(c)
	}
	s.mu.Unlock()

	s.publish(Update{Kind: UpdateReset, Size: len(candles)})
}

// Clear drops every candle. The capacity is kept.
func (s *CandleStore) Clear() {
	s.mu.Lock()
	s.head, s.size = 0, 0
	s.mu.Unlock()

	s.publish(Update{Kind: UpdateReset})
}

// Append stores c as the newest candle, evicting the oldest one when the ring is full.
func (s *CandleStore) Append(c market.Candle) {
	s.mu.Lock()
	s.appendLocked(c)
	s.mu.Unlock()

	s.publish(Update{Kind: UpdateAppend, Candle: c})
}

func (s *CandleStore) appendLocked(c market.Candle) {
	capacity := len(s.buf)
	if s.size == capacity {
		s.buf[s.head] = c
		s.head = (s.head + 1) % capacity
		return
	}
	s.buf[(s.head+s.size)%capacity] = c
	s.size++
}

// UpdateLast overwrites the newest candle when it has the same time as c, otherwise appends c.
func (s *CandleStore) UpdateLast(c market.Candle) {
	s.mu.Lock()
	if s.size > 0 {
		idx := s.indexLocked(s.size - 1)
		if s.buf[idx].Time == c.Time {
			s.buf[idx] = c
			s.mu.Unlock()
			s.publish(Update{Kind: UpdateLatest, Candle: c})
			return
		}
	}
	s.appendLocked(c)
	s.mu.Unlock()

	s.publish(Update{Kind: UpdateAppend, Candle: c})
}

// indexLocked maps a logical position (0 = oldest) to a buffer index.
func (s *CandleStore) indexLocked(i int) int {
	return (s.head + i) % len(s.buf)
}

// GetAll returns every candle, oldest first.
func (s *CandleStore) GetAll() []market.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sliceLocked(0, s.size)
}

// GetRecent returns the newest n candles, oldest first.
func (s *CandleStore) GetRecent(n int) []market.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 {
		return []market.Candle{}
	}
	if n > s.size {
		n = s.size
	}
	return s.sliceLocked(s.size-n, s.size)
}

// GetLatest returns the newest candle. ok is false when the store is empty.
func (s *CandleStore) GetLatest() (c market.Candle, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.size == 0 {
		return market.Candle{}, false
	}
	return s.buf[s.indexLocked(s.size-1)], true
}

func (s *CandleStore) sliceLocked(from, to int) []market.Candle {
	out := make([]market.Candle, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, s.buf[s.indexLocked(i)])
	}
	return out
}

// RangeQuery returns the candles whose time lies in [from, to].
func (s *CandleStore) RangeQuery(from, to int64) []market.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]market.Candle, 0)
	for i := 0; i < s.size; i++ {
		c := s.buf[s.indexLocked(i)]
		if c.Time >= from && c.Time <= to {
			out = append(out, c)
		}
	}
	return out
}

// ViewportQuery is RangeQuery decimated to roughly maxPoints candles: every
// ceil(count/maxPoints)-th candle is kept and the last candle of the range is
// always included. maxPoints <= 0 disables decimation.
func (s *CandleStore) ViewportQuery(from, to int64, maxPoints int) []market.Candle {
	candles := s.RangeQuery(from, to)
	if maxPoints <= 0 || len(candles) <= maxPoints {
		return candles
	}

	step := int(math.Ceil(float64(len(candles)) / float64(maxPoints)))
	out := make([]market.Candle, 0, maxPoints+1)
	last := len(candles) - 1
	for i := 0; i < len(candles); i += step {
		out = append(out, candles[i])
		if i == last {
			return out
		}
	}
	return append(out, candles[last])
}

// BufferStats describes the fill level of a CandleStore.
type BufferStats struct {
	Size               int     `json:"size"`
	Capacity           int     `json:"capacity"`
	UtilizationPercent float64 `json:"utilizationPercent"`
	OldestTime         int64   `json:"oldestTime"`
	NewestTime         int64   `json:"newestTime"`
}

// Stats reports size, capacity and the time span currently held.
func (s *CandleStore) Stats() BufferStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := BufferStats{
		Size:               s.size,
		Capacity:           len(s.buf),
		UtilizationPercent: float64(s.size) / float64(len(s.buf)) * 100,
	}
	if s.size > 0 {
		st.OldestTime = s.buf[s.head].Time
		st.NewestTime = s.buf[s.indexLocked(s.size-1)].Time
	}
	return st
}
