// Package backfill loads the historical window of candles that seeds the chart
// before live updates begin.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dexchart/internal/normalize"
	"dexchart/pkg/market"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultRetries     = 3
	DefaultBackoffBase = 1 * time.Second
	DefaultBackoffMax  = 10 * time.Second
)

// CandleSource is the historical REST endpoint.
type CandleSource interface {
	GetCandles(ctx context.Context, symbol, intervalCode string, limit int) ([]normalize.RawCandle, error)
}

// Request describes one backfill.
type Request struct {
	Market     string
	Timeframe  market.Timeframe
	MaxCandles int
	Timeout    time.Duration // per attempt
	Retries    int           // total attempts, at least one
}

// FetchResult is the outcome of one backfill. Transport failures are reported
// here rather than returned as errors.
type FetchResult struct {
	Success     bool            `json:"success"`
	Candles     []market.Candle `json:"candles"`
	DataQuality float64         `json:"dataQuality"` // valid / total * 100
	FetchTime   time.Duration   `json:"fetchTime"`
	Attempts    int             `json:"attempts"`
	Cached      bool            `json:"cached"`
	Error       string          `json:"error,omitempty"`
	Err         error           `json:"-"`
}

func failed(err error, elapsed time.Duration, attempts int) FetchResult {
	return FetchResult{
		Success:   false,
		Candles:   []market.Candle{},
		FetchTime: elapsed,
		Attempts:  attempts,
		Error:     err.Error(),
		Err:       err,
	}
}

// Options tunes the retry backoff.
type Options struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Fetcher runs backfills with a per-attempt timeout, exponential backoff between
// attempts and a TTL cache. Fetches for different keys never wait on each other;
// concurrent fetches for the same key share one upstream call.
type Fetcher struct {
	source CandleSource
	cache  *Cache
	opts   Options
	group  singleflight.Group
	logger *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewFetcher wires a source and a cache. A nil cache gets a fresh one with DefaultCacheTTL.
func NewFetcher(source CandleSource, cache *Cache, opts Options, logger *zap.Logger) *Fetcher {
	if cache == nil {
		cache = NewCache(DefaultCacheTTL)
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = DefaultBackoffMax
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		source: source,
		cache:  cache,
		opts:   opts,
		logger: logger,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Cache exposes the fetcher's cache.
func (f *Fetcher) Cache() *Cache {
	return f.cache
}

// Invalidate drops the cached window for the request's key.
func (f *Fetcher) Invalidate(req Request) {
	f.cache.Delete(keyOf(req))
}

func keyOf(req Request) CacheKey {
	return CacheKey{Market: req.Market, IntervalCode: req.Timeframe.IntervalCode(), Limit: req.MaxCandles}
}

// Backoff returns the delay slept before attempt+1: base * 2^(attempt-1), capped.
func (f *Fetcher) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := f.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= f.opts.BackoffMax {
			return f.opts.BackoffMax
		}
	}
	if d > f.opts.BackoffMax {
		return f.opts.BackoffMax
	}
	return d
}

// Fetch returns the candles for req, from the cache when possible.
// Cancelling ctx makes Fetch return immediately; an upstream call already in
// flight keeps running and still populates the cache.
func (f *Fetcher) Fetch(ctx context.Context, req Request) FetchResult {
	start := time.Now()
	if !req.Timeframe.IsValid() {
		return failed(fmt.Errorf("%w: unknown timeframe %q", market.ErrValidation, req.Timeframe), 0, 0)
	}
	if req.Market == "" {
		return failed(fmt.Errorf("%w: empty market", market.ErrValidation), 0, 0)
	}

	key := keyOf(req)
	if cached, ok := f.cache.Get(key); ok {
		f.logger.Debug("backfill cache hit", zap.String("key", key.String()), zap.Int("candles", len(cached)))
		return FetchResult{Success: true, Candles: cached, DataQuality: 100, FetchTime: 0, Cached: true}
	}

	flight := f.group.DoChan(key.String(), func() (interface{}, error) {
		return f.fetchWithRetry(context.WithoutCancel(ctx), key, req), nil
	})

	select {
	case <-ctx.Done():
		return failed(ctx.Err(), time.Since(start), 0)
	case r := <-flight:
		res := r.Val.(FetchResult)
		if r.Shared {
			// the candle slice is shared by every waiter of the flight
			cp := make([]market.Candle, len(res.Candles))
			copy(cp, res.Candles)
			res.Candles = cp
		}
		return res
	}
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, key CacheKey, req Request) FetchResult {
	start := time.Now()
	attempts := req.Retries
	if attempts < 1 {
		attempts = 1
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	log := f.logger.With(zap.String("key", key.String()))

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := f.Backoff(attempt - 1)
			log.Warn("backfill attempt failed, retrying",
				zap.Int("attempt", attempt-1),
				zap.Int("max_attempts", attempts),
				zap.Duration("backoff", delay),
				zap.Error(lastErr))
			if err := f.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		raw, err := f.source.GetCandles(attemptCtx, req.Market, key.IntervalCode, req.MaxCandles)
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		cancel()
		if err != nil {
			if timedOut && !errors.Is(err, market.ErrTimeout) {
				err = fmt.Errorf("%w: %v", market.ErrTimeout, err)
			}
			lastErr = err
			continue
		}

		candles, rep := normalize.Series(raw)
		if len(candles) == 0 {
			err := fmt.Errorf("%w: %d records received", market.ErrNoData, rep.Total)
			log.Error("backfill returned no usable candles", zap.Int("records", rep.Total))
			res := failed(err, time.Since(start), attempt)
			res.DataQuality = rep.Percent
			return res
		}
		if req.MaxCandles > 0 && len(candles) > req.MaxCandles {
			candles = candles[len(candles)-req.MaxCandles:]
		}

		if rep.Invalid > 0 || rep.Duplicates > 0 {
			log.Debug("backfill dropped records",
				zap.Int("invalid", rep.Invalid),
				zap.Int("duplicates", rep.Duplicates))
		}
		f.cache.Set(key, candles)

		elapsed := time.Since(start)
		log.Info("backfill completed",
			zap.Int("candles", len(candles)),
			zap.Float64("quality", rep.Percent),
			zap.Int("attempts", attempt),
			zap.Duration("elapsed", elapsed))
		return FetchResult{
			Success:     true,
			Candles:     candles,
			DataQuality: rep.Percent,
			FetchTime:   elapsed,
			Attempts:    attempt,
		}
	}

	err := fmt.Errorf("%w after %d attempts: %w", market.ErrRetriesExhausted, attempts, lastErr)
	log.Error("backfill failed", zap.Error(err))
	return failed(err, time.Since(start), attempts)
}
