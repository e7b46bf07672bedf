package backfill

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dexchart/internal/normalize"
	"dexchart/pkg/feed"
	"dexchart/pkg/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedSource fails the first `failures` calls, then returns records.
type scriptedSource struct {
	mu       sync.Mutex
	calls    int
	failures int
	records  []normalize.RawCandle
	delay    time.Duration
}

func (s *scriptedSource) GetCandles(ctx context.Context, symbol, intervalCode string, limit int) ([]normalize.RawCandle, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if call <= s.failures {
		return nil, &feed.StatusError{StatusCode: http.StatusServiceUnavailable, Body: "try later"}
	}
	return s.records, nil
}

func (s *scriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func records(n int) []normalize.RawCandle {
	out := make([]normalize.RawCandle, 0, n)
	for i := 0; i < n; i++ {
		p := float64(10 + i)
		out = append(out, normalize.Raw(int64(i*60), p, p+1, p-1, p, 1.0))
	}
	return out
}

func newTestFetcher(src CandleSource, base time.Duration) *Fetcher {
	return NewFetcher(src, NewCache(time.Minute), Options{BackoffBase: base, BackoffMax: time.Second}, zap.NewNop())
}

func request(market string) Request {
	return Request{Market: market, Timeframe: "1m", MaxCandles: 100, Timeout: time.Second, Retries: 3}
}

// go test -v --run TestFetchRetriesUntilSuccess
func TestFetchRetriesUntilSuccess(t *testing.T) {
	src := &scriptedSource{failures: 2, records: records(5)}
	base := 20 * time.Millisecond
	f := newTestFetcher(src, base)

	res := f.Fetch(context.Background(), request("SOL-PERP"))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 3, src.Calls())
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, res.Candles, 5)
	assert.Equal(t, 100.0, res.DataQuality)
	// base after attempt 1, 2*base after attempt 2
	assert.GreaterOrEqual(t, res.FetchTime, 3*base)
}

func TestFetchExhaustsRetries(t *testing.T) {
	src := &scriptedSource{failures: 10, records: records(5)}
	f := newTestFetcher(src, time.Millisecond)

	res := f.Fetch(context.Background(), request("SOL-PERP"))
	assert.False(t, res.Success)
	assert.Equal(t, 3, src.Calls())
	assert.ErrorIs(t, res.Err, market.ErrRetriesExhausted)
	assert.ErrorIs(t, res.Err, market.ErrNetwork)
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, res.Candles)
	assert.Zero(t, f.Cache().Len())
}

func TestFetchCacheHit(t *testing.T) {
	src := &scriptedSource{records: records(3)}
	f := newTestFetcher(src, time.Millisecond)

	first := f.Fetch(context.Background(), request("SOL-PERP"))
	require.True(t, first.Success)
	assert.False(t, first.Cached)

	second := f.Fetch(context.Background(), request("SOL-PERP"))
	require.True(t, second.Success)
	assert.True(t, second.Cached)
	assert.Zero(t, second.FetchTime)
	assert.Equal(t, 100.0, second.DataQuality)
	assert.Equal(t, first.Candles, second.Candles)
	assert.Equal(t, 1, src.Calls())

	// a different limit is a different key
	other := request("SOL-PERP")
	other.MaxCandles = 50
	f.Fetch(context.Background(), other)
	assert.Equal(t, 2, src.Calls())

	f.Invalidate(request("SOL-PERP"))
	f.Fetch(context.Background(), request("SOL-PERP"))
	assert.Equal(t, 3, src.Calls())
}

func TestFetchNoValidCandles(t *testing.T) {
	bad := []normalize.RawCandle{
		normalize.Raw(60, 10.0, 5.0, 9.0, 10.0, 1.0),
		normalize.Raw(120, "x", 5.0, 9.0, 10.0, 1.0),
	}
	src := &scriptedSource{records: bad}
	f := newTestFetcher(src, time.Millisecond)

	res := f.Fetch(context.Background(), request("SOL-PERP"))
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, market.ErrNoData)
	assert.Equal(t, 1, src.Calls(), "an empty but successful response is not retried")
	assert.Zero(t, f.Cache().Len())
}

func TestFetchDataQuality(t *testing.T) {
	raw := append(records(3), normalize.Raw(999, "bad", 1.0, 1.0, 1.0, 1.0))
	f := newTestFetcher(&scriptedSource{records: raw}, time.Millisecond)

	res := f.Fetch(context.Background(), request("SOL-PERP"))
	require.True(t, res.Success)
	assert.InDelta(t, 75.0, res.DataQuality, 1e-9)
}

func TestFetchTrimsToMaxCandles(t *testing.T) {
	f := newTestFetcher(&scriptedSource{records: records(10)}, time.Millisecond)
	req := request("SOL-PERP")
	req.MaxCandles = 4

	res := f.Fetch(context.Background(), req)
	require.True(t, res.Success)
	require.Len(t, res.Candles, 4)
	assert.Equal(t, int64(540), res.Candles[3].Time)
}

func TestFetchAttemptTimeout(t *testing.T) {
	src := &scriptedSource{records: records(2), delay: 200 * time.Millisecond}
	f := newTestFetcher(src, time.Millisecond)
	req := request("SOL-PERP")
	req.Timeout = 10 * time.Millisecond
	req.Retries = 2

	res := f.Fetch(context.Background(), req)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, market.ErrTimeout)
	assert.Equal(t, 2, src.Calls())
}

func TestFetchCallerCancel(t *testing.T) {
	src := &scriptedSource{records: records(2), delay: 100 * time.Millisecond}
	f := newTestFetcher(src, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res := f.Fetch(ctx, request("SOL-PERP"))
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, context.Canceled)

	// the detached upstream call still fills the cache
	require.Eventually(t, func() bool { return f.Cache().Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestFetchInvalidRequest(t *testing.T) {
	f := newTestFetcher(&scriptedSource{}, time.Millisecond)
	res := f.Fetch(context.Background(), Request{Market: "SOL-PERP", Timeframe: "7m"})
	assert.ErrorIs(t, res.Err, market.ErrValidation)
	res = f.Fetch(context.Background(), Request{Timeframe: "1m"})
	assert.ErrorIs(t, res.Err, market.ErrValidation)
}

func TestFetchConcurrentKeys(t *testing.T) {
	src := &scriptedSource{records: records(2), delay: 50 * time.Millisecond}
	f := newTestFetcher(src, time.Millisecond)

	var wg sync.WaitGroup
	var ok atomic.Int32
	start := time.Now()
	for _, m := range []string{"A", "B", "C", "D"} {
		wg.Add(1)
		go func(m string) {
			defer wg.Done()
			if f.Fetch(context.Background(), request(m)).Success {
				ok.Add(1)
			}
		}(m)
	}
	wg.Wait()

	assert.Equal(t, int32(4), ok.Load())
	assert.Less(t, time.Since(start), 180*time.Millisecond, "different keys must not serialize")
}

func TestFetchSameKeySharesCall(t *testing.T) {
	src := &scriptedSource{records: records(2), delay: 50 * time.Millisecond}
	f := newTestFetcher(src, time.Millisecond)

	var wg sync.WaitGroup
	results := make([]FetchResult, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.Fetch(context.Background(), request("SOL-PERP"))
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.True(t, r.Success)
		assert.Len(t, r.Candles, 2)
	}
	assert.LessOrEqual(t, src.Calls(), 3)
}

func TestBackoff(t *testing.T) {
	f := NewFetcher(&scriptedSource{}, nil, Options{BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second}, nil)
	assert.Equal(t, 100*time.Millisecond, f.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, f.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, f.Backoff(3))
	assert.Equal(t, time.Second, f.Backoff(5))
	assert.Equal(t, time.Second, f.Backoff(50))
}

// go test -v --run TestFetchOverHTTP
func TestFetchOverHTTP(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"records":[
			[1700000040000,"2","3","1","2.5","7"],
			[1700000000000,"1","2","0.5","1.5","4"]
		]}`))
	}))
	defer srv.Close()

	client := feed.NewRESTClient(srv.URL, time.Second, 0)
	f := newTestFetcher(client, time.Millisecond)
	res := f.Fetch(context.Background(), request("SOL-PERP"))
	require.True(t, res.Success, res.Error)
	require.Len(t, res.Candles, 2)
	assert.Equal(t, int64(1700000000), res.Candles[0].Time)
	assert.Equal(t, int64(1700000040), res.Candles[1].Time)
	assert.Equal(t, int32(2), hits.Load())
	assert.False(t, errors.Is(res.Err, market.ErrNetwork))
}

// go test -v --run TestFetchOverHTTPSkipsGarbledRecords
func TestFetchOverHTTPSkipsGarbledRecords(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"success":true,"records":[
			{"time":1700000000,"open":"1","high":"2","low":"0.5","close":"1.5"},
			"garbage",
			[1700000060,"2","3","1","2.5","7"]
		]}`))
	}))
	defer srv.Close()

	client := feed.NewRESTClient(srv.URL, time.Second, 0)
	f := newTestFetcher(client, time.Millisecond)
	res := f.Fetch(context.Background(), request("SOL-PERP"))

	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), hits.Load())
	require.Len(t, res.Candles, 2)
	assert.Equal(t, int64(1700000000), res.Candles[0].Time)
	assert.Equal(t, int64(1700000060), res.Candles[1].Time)
	assert.InDelta(t, 66.67, res.DataQuality, 0.01)
}
