package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dexchart/config"
	"dexchart/internal/api"
	"dexchart/internal/backfill"
	"dexchart/internal/memorystore"
	"dexchart/internal/pipeline"
	"dexchart/internal/stream"
	"dexchart/logger"
	"dexchart/pkg/feed"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	// viper config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// zap logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("chartfeed failed", zap.Error(err))
	}
	log.Info("chartfeed stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if cfg.UseParameterStore() {
		resolveEndpoints(ctx, cfg, log)
	}

	// historical REST source + backfill
	restClient := feed.NewRESTClient(cfg.Feed.REST.BaseURL, cfg.Feed.REST.Timeout, cfg.Feed.REST.RateLimit)
	cache := backfill.NewCache(cfg.Backfill.CacheTTL)
	fetcher := backfill.NewFetcher(restClient, cache, backfill.Options{
		BackoffBase: cfg.Backfill.BackoffBase,
		BackoffMax:  cfg.Backfill.BackoffMax,
	}, log.Named("backfill"))

	// live stream
	dialer := feed.NewWSDialer(cfg.Feed.WS.ConnectTimeout)
	client := stream.NewClient(stream.Config{
		URL:                  cfg.Feed.WS.URL,
		MarketType:           cfg.Feed.WS.MarketType,
		ConnectTimeout:       cfg.Feed.WS.ConnectTimeout,
		HeartbeatInterval:    cfg.Feed.WS.HeartbeatInterval,
		ReconnectBaseDelay:   cfg.Feed.WS.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Feed.WS.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.Feed.WS.MaxReconnectAttempts,
		PriceScale:           cfg.Feed.WS.PriceScale,
	}, dialer.Dial, log.Named("stream"))

	store := memorystore.NewCandleStore(cfg.Store.Capacity)
	orchestrator := pipeline.New(pipeline.Options{
		Market:          cfg.Chart.DefaultMarket,
		Timeframe:       cfg.DefaultTimeframe(),
		Channel:         cfg.Feed.WS.Channel,
		MaxCandles:      cfg.Backfill.MaxCandles,
		BackfillTimeout: cfg.Backfill.Timeout,
		BackfillRetries: cfg.Backfill.Retries,
	}, fetcher, client, store, log.Named("pipeline"))

	if err := orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	defer orchestrator.Close()

	go sweepCache(ctx, cache, cfg.Backfill.CacheTTL, log.Named("backfill"))

	if cfg.Log.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.Setup(&api.Config{
		Pipeline:          orchestrator,
		Logger:            log.Named("api"),
		ViewportMaxPoints: cfg.Chart.ViewportMaxPoints,
		StreamKeepAlive:   15 * time.Second,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// cancels open SSE streams on shutdown
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// resolveEndpoints overrides feed URLs from SSM. Failures keep the file values.
func resolveEndpoints(ctx context.Context, cfg *config.Config, log *zap.Logger) {
	ps, err := config.NewParameterStore(ctx)
	if err != nil {
		log.Warn("parameter store unavailable, using configured endpoints", zap.Error(err))
		return
	}
	if err := cfg.ApplyParameterStore(ctx, ps); err != nil {
		log.Warn("failed to resolve some endpoints from parameter store", zap.Error(err))
	}
	log.Info("feed endpoints resolved",
		zap.String("rest_base_url", cfg.Feed.REST.BaseURL),
		zap.String("ws_url", cfg.Feed.WS.URL))
}

// sweepCache evicts expired backfill entries once per TTL.
func sweepCache(ctx context.Context, cache *backfill.Cache, ttl time.Duration, log *zap.Logger) {
	if ttl <= 0 {
		ttl = backfill.DefaultCacheTTL
	}
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := cache.Sweep(); n > 0 {
				log.Debug("expired backfill cache entries evicted", zap.Int("count", n))
			}
		}
	}
}
