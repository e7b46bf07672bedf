// Package pipeline wires backfill, stream, aggregator and store together for
// the active (market, timeframe) selection.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dexchart/internal/aggregator"
	"dexchart/internal/backfill"
	"dexchart/internal/memorystore"
	"dexchart/internal/stream"
	"dexchart/pkg/market"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNotStarted is returned by control operations before Start.
	ErrNotStarted = errors.New("pipeline not started")
	// ErrClosed is returned by control operations after Close.
	ErrClosed = errors.New("pipeline closed")
)

// Options configures an Orchestrator.
type Options struct {
	Market     string
	Timeframe  market.Timeframe
	Channel    string
	MaxCandles int

	BackfillTimeout time.Duration
	BackfillRetries int
}

func (o Options) withDefaults() Options {
	if o.Timeframe == "" {
		o.Timeframe = market.Timeframe1Min
	}
	if o.Channel == "" {
		o.Channel = "price"
	}
	if o.MaxCandles <= 0 {
		o.MaxCandles = 500
	}
	return o
}

// Orchestrator owns the store and aggregator of the active selection.
type Orchestrator struct {
	opts    Options
	fetcher Backfiller
	client  StreamClient
	store   *memorystore.CandleStore
	agg     *aggregator.Aggregator
	logger  *zap.Logger

	mu          sync.Mutex
	ctx         context.Context
	gen         uint64 // bumped by every selection change and retry
	sel         Selection
	cancel      context.CancelFunc
	live        bool // ticks reach the store only after the backfill finished
	loading     LoadingState
	backfillErr string
	quality     float64
	last        *backfill.FetchResult
	connState   stream.State
	streamErr   string
	offline     bool
	closed      bool

	wg       sync.WaitGroup
	loopDone chan struct{}
}

func New(opts Options, fetcher Backfiller, client StreamClient, store *memorystore.CandleStore, logger *zap.Logger) *Orchestrator {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		opts:      opts,
		fetcher:   fetcher,
		client:    client,
		store:     store,
		agg:       aggregator.New(opts.Timeframe, store),
		logger:    logger,
		loading:   LoadingIdle,
		connState: client.State(),
	}
}

// Store returns the candle store read by consumers.
func (o *Orchestrator) Store() *memorystore.CandleStore {
	return o.store
}

// Start begins consuming stream events and loads the configured default selection.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.ctx != nil {
		o.mu.Unlock()
		return errors.New("pipeline already started")
	}
	o.ctx = ctx
	o.loopDone = make(chan struct{})
	o.mu.Unlock()

	go o.consume(o.client.Events())

	if o.opts.Market == "" {
		return nil
	}
	return o.Select(o.opts.Market, o.opts.Timeframe)
}

// Close cancels the in-flight backfill, tears the stream client down and waits
// for background work to finish.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.gen++
	done := o.loopDone
	o.mu.Unlock()

	o.wg.Wait()
	o.client.Close()
	if done != nil {
		<-done
	}
}

// SelectMarket switches the market, keeping the timeframe.
func (o *Orchestrator) SelectMarket(symbol string) error {
	o.mu.Lock()
	tf := o.sel.Timeframe
	o.mu.Unlock()
	if tf == "" {
		tf = o.opts.Timeframe
	}
	return o.Select(symbol, tf)
}

// SelectTimeframe switches the timeframe, keeping the market.
func (o *Orchestrator) SelectTimeframe(tf market.Timeframe) error {
	o.mu.Lock()
	symbol := o.sel.Market
	o.mu.Unlock()
	if symbol == "" {
		symbol = o.opts.Market
	}
	return o.Select(symbol, tf)
}

// Select makes (symbol, tf) the active selection: the previous subscription and
// backfill are torn down, the store is cleared and a fresh backfill starts.
// Re-selecting the active pair is a no-op.
func (o *Orchestrator) Select(symbol string, tf market.Timeframe) error {
	if symbol == "" {
		return fmt.Errorf("%w: empty market", market.ErrValidation)
	}
	if !tf.IsValid() {
		return fmt.Errorf("%w: invalid timeframe %q", market.ErrValidation, tf)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.ctx == nil {
		return ErrNotStarted
	}
	if o.sel.Market == symbol && o.sel.Timeframe == tf {
		return nil
	}

	prev := o.sel
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	if prev.Market != "" && prev.Market != symbol {
		if err := o.client.Unsubscribe(prev.Market, o.opts.Channel); err != nil {
			o.logger.Warn("unsubscribe failed", zap.String("market", prev.Market), zap.Error(err))
		}
	}

	o.sel = Selection{ID: uuid.NewString(), Market: symbol, Timeframe: tf}
	o.live = false
	o.store.Clear()
	o.agg.Reset(tf)
	o.quality = 0
	o.last = nil

	o.logger.Info("selection changed",
		zap.String("selection_id", o.sel.ID),
		zap.String("market", symbol),
		zap.String("timeframe", string(tf)),
		zap.String("previous_market", prev.Market))

	o.startBackfillLocked()
	return nil
}

// Retry re-runs the backfill for the active selection, bypassing the cache.
// Candles already in the store are kept until the new history lands.
func (o *Orchestrator) Retry() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.ctx == nil || o.sel.Market == "" {
		return ErrNotStarted
	}
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.fetcher.Invalidate(o.request())
	o.logger.Info("retrying backfill", zap.String("selection_id", o.sel.ID))
	o.startBackfillLocked()
	return nil
}

// Reconnect forces the stream client to reconnect.
func (o *Orchestrator) Reconnect() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.offline = false
	o.mu.Unlock()
	o.client.Reconnect()
}

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{
		Selection:     o.sel,
		Loading:       o.loading,
		Connection:    o.connState,
		BackfillError: o.backfillErr,
		StreamError:   o.streamErr,
		StreamOffline: o.offline,
		DataQuality:   o.quality,
		DroppedTicks:  o.client.DroppedTicks(),
		LastBackfill:  o.last,
		Store:         o.store.Stats(),
	}
}

func (o *Orchestrator) request() backfill.Request {
	return backfill.Request{
		Market:     o.sel.Market,
		Timeframe:  o.sel.Timeframe,
		MaxCandles: o.opts.MaxCandles,
		Timeout:    o.opts.BackfillTimeout,
		Retries:    o.opts.BackfillRetries,
	}
}

func (o *Orchestrator) startBackfillLocked() {
	o.gen++
	gen := o.gen
	o.loading = LoadingLoading
	o.backfillErr = ""

	ctx, cancel := context.WithCancel(o.ctx)
	o.cancel = cancel
	req := o.request()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		res := o.fetcher.Fetch(ctx, req)
		o.applyBackfill(gen, req, res)
	}()
}

// applyBackfill bulk-loads a finished backfill and opens the live stream.
// Results of superseded selections are dropped.
func (o *Orchestrator) applyBackfill(gen uint64, req backfill.Request, res backfill.FetchResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.gen {
		o.logger.Debug("discarding stale backfill",
			zap.String("market", req.Market),
			zap.String("timeframe", string(req.Timeframe)),
			zap.Bool("success", res.Success))
		return
	}
	o.cancel = nil
	o.last = &res

	if res.Success {
		o.store.BulkLoad(res.Candles)
		if n := len(res.Candles); n > 0 {
			newest := res.Candles[n-1]
			if cur, ok := o.agg.Current(); ok && cur.Time > newest.Time {
				// live candle formed while retrying is newer than the history
				o.store.Append(cur)
			} else {
				o.agg.Seed(newest)
			}
		}
		o.loading = LoadingSuccess
		o.quality = res.DataQuality
		o.logger.Info("backfill loaded",
			zap.String("selection_id", o.sel.ID),
			zap.Int("candles", len(res.Candles)),
			zap.Float64("quality", res.DataQuality),
			zap.Duration("elapsed", res.FetchTime),
			zap.Bool("cached", res.Cached))
	} else {
		o.loading = LoadingError
		o.backfillErr = res.Error
		o.logger.Error("backfill failed",
			zap.String("selection_id", o.sel.ID),
			zap.String("market", req.Market),
			zap.Int("attempts", res.Attempts),
			zap.String("error", res.Error))
	}

	// the stream starts whether or not history arrived
	o.live = true
	if err := o.client.Subscribe(o.sel.Market, o.opts.Channel); err != nil {
		o.logger.Warn("subscribe failed", zap.String("market", o.sel.Market), zap.Error(err))
	}
	o.client.Connect()
}

func (o *Orchestrator) consume(events <-chan stream.Event) {
	defer close(o.loopDone)
	for e := range events {
		o.handleEvent(e)
	}
}

func (o *Orchestrator) handleEvent(e stream.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch e.Kind {
	case stream.EventTick:
		if !o.live {
			return
		}
		if e.Tick.Market != "" && e.Tick.Market != o.sel.Market {
			return
		}
		o.agg.Apply(e.Tick)
	case stream.EventState:
		o.connState = e.State
		if e.State == stream.StateConnected {
			o.streamErr = ""
			o.offline = false
		}
	case stream.EventError:
		if e.Err != nil {
			o.streamErr = e.Err.Error()
		}
		if e.Terminal {
			o.offline = true
			o.logger.Error("stream offline", zap.String("market", o.sel.Market), zap.Error(e.Err))
		}
	}
}
