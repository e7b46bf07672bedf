package memorystore

import (
	"sync"
	"testing"

	"dexchart/pkg/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candleAt(t int64, price float64) market.Candle {
	return market.Candle{Time: t, Open: price, High: price + 1, Low: price - 1, Close: price, Volume: 1}
}

func series(from, n int, step int64) []market.Candle {
	out := make([]market.Candle, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, candleAt(int64(from+i)*step, float64(100+i)))
	}
	return out
}

func timesOf(cs []market.Candle) []int64 {
	out := make([]int64, len(cs))
	for i, c := range cs {
		out[i] = c.Time
	}
	return out
}

// go test -v --run TestAppendEvictsOldest
func TestAppendEvictsOldest(t *testing.T) {
	const capacity = 5
	store := NewCandleStore(capacity)

	for k := 0; k <= 7; k++ {
		store.Clear()
		all := series(0, capacity+k, 60)
		for _, c := range all {
			store.Append(c)
		}

		got := store.GetAll()
		require.Len(t, got, capacity)
		assert.Equal(t, all[len(all)-capacity:], got, "k=%d", k)
	}
}

func TestDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, NewCandleStore(0).Capacity())
	assert.Equal(t, 3, NewCandleStore(3).Capacity())
}

func TestBulkLoadReplacesContent(t *testing.T) {
	store := NewCandleStore(4)
	store.BulkLoad(series(0, 3, 60))
	store.BulkLoad(series(10, 2, 60))
	assert.Equal(t, []int64{600, 660}, timesOf(store.GetAll()))

	// overflow keeps the newest
	store.BulkLoad(series(0, 6, 60))
	assert.Equal(t, []int64{120, 180, 240, 300}, timesOf(store.GetAll()))
}

// go test -v --run TestUpdateLast
func TestUpdateLast(t *testing.T) {
	store := NewCandleStore(3)
	store.BulkLoad(series(0, 3, 60))

	replaced := market.Candle{Time: 120, Open: 1, High: 9, Low: 1, Close: 8}
	store.UpdateLast(replaced)
	assert.Equal(t, 3, store.Len())
	latest, ok := store.GetLatest()
	require.True(t, ok)
	assert.Equal(t, replaced, latest)

	// a different time falls back to append, evicting the oldest
	store.UpdateLast(candleAt(180, 50))
	assert.Equal(t, 3, store.Len())
	assert.Equal(t, []int64{60, 120, 180}, timesOf(store.GetAll()))

	empty := NewCandleStore(3)
	empty.UpdateLast(candleAt(0, 1))
	assert.Equal(t, 1, empty.Len())
}

func TestUpdateLastNeverChangesSize(t *testing.T) {
	store := NewCandleStore(10)
	store.BulkLoad(series(0, 4, 60))
	for i := 0; i < 20; i++ {
		store.UpdateLast(candleAt(180, float64(i+1)))
		assert.Equal(t, 4, store.Len())
	}
}

func TestRangeAndRecent(t *testing.T) {
	store := NewCandleStore(4)
	for _, c := range series(0, 6, 60) {
		store.Append(c)
	}

	assert.Equal(t, []int64{180, 240}, timesOf(store.RangeQuery(150, 240)))
	assert.Empty(t, store.RangeQuery(0, 100))
	assert.Equal(t, []int64{240, 300}, timesOf(store.GetRecent(2)))
	assert.Len(t, store.GetRecent(99), 4)
	assert.Empty(t, store.GetRecent(0))
}

// go test -v --run TestViewportQuery
func TestViewportQuery(t *testing.T) {
	store := NewCandleStore(100)
	store.BulkLoad(series(0, 10, 60))

	got := store.ViewportQuery(0, 540, 4)
	// step = ceil(10/4) = 3 -> 0, 3, 6, 9 (9 is the last)
	assert.Equal(t, []int64{0, 180, 360, 540}, timesOf(got))

	got = store.ViewportQuery(0, 480, 4)
	// 9 candles, step 3 -> 0, 3, 6 then the last one is forced in
	assert.Equal(t, []int64{0, 180, 360, 480}, timesOf(got))

	assert.Len(t, store.ViewportQuery(0, 540, 0), 10)
	assert.Len(t, store.ViewportQuery(0, 540, 50), 10)

	for maxPoints := 1; maxPoints < 10; maxPoints++ {
		got := store.ViewportQuery(60, 420, maxPoints)
		require.NotEmpty(t, got)
		assert.Equal(t, int64(420), got[len(got)-1].Time, "maxPoints=%d", maxPoints)
	}
}

func TestReadsAreCopies(t *testing.T) {
	store := NewCandleStore(4)
	store.BulkLoad(series(0, 2, 60))

	all := store.GetAll()
	all[0].Close = -1
	recent := store.GetRecent(1)
	recent[0].Close = -1

	for _, c := range store.GetAll() {
		assert.NotEqual(t, -1.0, c.Close)
	}
}

func TestStats(t *testing.T) {
	store := NewCandleStore(4)
	st := store.Stats()
	assert.Equal(t, BufferStats{Capacity: 4}, st)

	for _, c := range series(0, 6, 60) {
		store.Append(c)
	}
	st = store.Stats()
	assert.Equal(t, 4, st.Size)
	assert.Equal(t, 100.0, st.UtilizationPercent)
	assert.Equal(t, int64(120), st.OldestTime)
	assert.Equal(t, int64(300), st.NewestTime)
}

func TestSubscribe(t *testing.T) {
	store := NewCandleStore(4)
	updates, cancel := store.Subscribe(8)

	store.BulkLoad(series(0, 2, 60))
	store.Append(candleAt(120, 1))
	store.UpdateLast(candleAt(120, 2))

	assert.Equal(t, UpdateReset, (<-updates).Kind)
	assert.Equal(t, UpdateAppend, (<-updates).Kind)
	u := <-updates
	assert.Equal(t, UpdateLatest, u.Kind)
	assert.Equal(t, 2.0, u.Candle.Close)

	cancel()
	_, open := <-updates
	assert.False(t, open)
	cancel() // second call is a no-op
}

func TestConcurrentReadsDuringWrites(t *testing.T) {
	store := NewCandleStore(64)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, c := range series(0, 1000, 60) {
			store.Append(c)
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				all := store.GetAll()
				for j := 1; j < len(all); j++ {
					if all[j].Time <= all[j-1].Time {
						t.Errorf("unordered snapshot at %d", j)
						return
					}
				}
				_ = store.Stats()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 64, store.Len())
}
