// Package api exposes the candle store and the pipeline controls over HTTP.
package api

import (
	"net/http"
	"time"

	"dexchart/internal/memorystore"
	"dexchart/internal/pipeline"
	"dexchart/pkg/market"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	RequestIDHeaderKey  = "X-Request-ID"
	RequestIDContextKey = "request_id"

	DefaultViewportMaxPoints = 1000
)

// Pipeline is the control surface the handlers drive. *pipeline.Orchestrator satisfies it.
type Pipeline interface {
	Store() *memorystore.CandleStore
	Snapshot() pipeline.Snapshot
	SelectMarket(symbol string) error
	SelectTimeframe(tf market.Timeframe) error
	Retry() error
	Reconnect()
}

// Config holds router configuration.
type Config struct {
	Pipeline          Pipeline
	Logger            *zap.Logger
	ViewportMaxPoints int
	// StreamKeepAlive is the SSE comment interval; zero disables it.
	StreamKeepAlive time.Duration
}

// Setup builds the gin engine.
func Setup(cfg *Config) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestIDMiddleware(), loggerMiddleware(logger), corsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := NewChartHandler(cfg.Pipeline, logger, cfg.ViewportMaxPoints, cfg.StreamKeepAlive)
	v1 := r.Group("/api/v1")
	{
		v1.GET("/candles", h.GetAll)
		v1.GET("/candles/recent", h.GetRecent)
		v1.GET("/candles/viewport", h.GetViewport)
		v1.GET("/candles/latest", h.GetLatest)
		v1.GET("/stats", h.GetStats)
		v1.GET("/state", h.GetState)
		v1.GET("/stream", h.Stream)

		v1.PUT("/market/:symbol", h.SelectMarket)
		v1.PUT("/timeframe/:timeframe", h.SelectTimeframe)
		v1.POST("/retry", h.Retry)
		v1.POST("/reconnect", h.Reconnect)
	}
	return r
}
