package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"dexchart/internal/memorystore"
	"dexchart/internal/normalize"
	"dexchart/internal/pipeline"
	"dexchart/pkg/market"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ChartHandler serves store reads and pipeline controls.
type ChartHandler struct {
	pipeline  Pipeline
	logger    *zap.Logger
	maxPoints int
	keepAlive time.Duration
}

func NewChartHandler(p Pipeline, logger *zap.Logger, maxPoints int, keepAlive time.Duration) *ChartHandler {
	if maxPoints <= 0 {
		maxPoints = DefaultViewportMaxPoints
	}
	return &ChartHandler{pipeline: p, logger: logger, maxPoints: maxPoints, keepAlive: keepAlive}
}

type candlesResponse struct {
	Selection pipeline.Selection `json:"selection"`
	Candles   []market.Candle    `json:"candles"`
}

// GetAll returns the whole series.
// GET /api/v1/candles?fill_gaps=true
func (h *ChartHandler) GetAll(c *gin.Context) {
	snap := h.pipeline.Snapshot()
	store := h.pipeline.Store()
	candles := store.GetAll()
	if fill, _ := strconv.ParseBool(c.Query("fill_gaps")); fill {
		// padded output never exceeds what the store itself can hold
		candles = normalize.FillGaps(candles, snap.Selection.Timeframe.Seconds(), store.Capacity())
	}
	c.JSON(http.StatusOK, candlesResponse{Selection: snap.Selection, Candles: candles})
}

// GetRecent returns the newest n candles.
// GET /api/v1/candles/recent?n=100
func (h *ChartHandler) GetRecent(c *gin.Context) {
	n, err := strconv.Atoi(c.DefaultQuery("n", "100"))
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid n parameter"})
		return
	}
	c.JSON(http.StatusOK, candlesResponse{
		Selection: h.pipeline.Snapshot().Selection,
		Candles:   h.pipeline.Store().GetRecent(n),
	})
}

// GetViewport returns the decimated candles in [from, to].
// GET /api/v1/candles/viewport?from=0&to=1700000000&max_points=500
func (h *ChartHandler) GetViewport(c *gin.Context) {
	from, err := strconv.ParseInt(c.Query("from"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from parameter"})
		return
	}
	to, err := strconv.ParseInt(c.Query("to"), 10, 64)
	if err != nil || to < from {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to parameter"})
		return
	}
	maxPoints := h.maxPoints
	if s := c.Query("max_points"); s != "" {
		if maxPoints, err = strconv.Atoi(s); err != nil || maxPoints <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid max_points parameter"})
			return
		}
	}
	c.JSON(http.StatusOK, candlesResponse{
		Selection: h.pipeline.Snapshot().Selection,
		Candles:   h.pipeline.Store().ViewportQuery(from, to, maxPoints),
	})
}

// GetLatest returns the newest candle, or null when the store is empty.
// GET /api/v1/candles/latest
func (h *ChartHandler) GetLatest(c *gin.Context) {
	latest, ok := h.pipeline.Store().GetLatest()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"candle": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"candle": latest})
}

// GET /api/v1/stats
func (h *ChartHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.pipeline.Store().Stats())
}

// GET /api/v1/state
func (h *ChartHandler) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, h.pipeline.Snapshot())
}

// SelectMarket switches the active market.
// PUT /api/v1/market/:symbol
func (h *ChartHandler) SelectMarket(c *gin.Context) {
	if err := h.pipeline.SelectMarket(c.Param("symbol")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, h.pipeline.Snapshot())
}

// SelectTimeframe switches the active timeframe.
// PUT /api/v1/timeframe/:timeframe
func (h *ChartHandler) SelectTimeframe(c *gin.Context) {
	tf, err := market.ParseTimeframe(c.Param("timeframe"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.pipeline.SelectTimeframe(tf); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, h.pipeline.Snapshot())
}

// POST /api/v1/retry
func (h *ChartHandler) Retry(c *gin.Context) {
	if err := h.pipeline.Retry(); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, h.pipeline.Snapshot())
}

// POST /api/v1/reconnect
func (h *ChartHandler) Reconnect(c *gin.Context) {
	h.pipeline.Reconnect()
	c.JSON(http.StatusAccepted, h.pipeline.Snapshot())
}

// Stream pushes store updates as server-sent events. The first event is a
// reset carrying the current series; later events mirror store updates.
// GET /api/v1/stream
func (h *ChartHandler) Stream(c *gin.Context) {
	store := h.pipeline.Store()
	updates, cancel := store.Subscribe(0)
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent(string(memorystore.UpdateReset), candlesResponse{
		Selection: h.pipeline.Snapshot().Selection,
		Candles:   store.GetAll(),
	})
	c.Writer.Flush()

	var keepAlive <-chan time.Time
	if h.keepAlive > 0 {
		t := time.NewTicker(h.keepAlive)
		defer t.Stop()
		keepAlive = t.C
	}

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case u, ok := <-updates:
			if !ok {
				return false
			}
			if u.Kind == memorystore.UpdateReset {
				c.SSEvent(string(u.Kind), candlesResponse{
					Selection: h.pipeline.Snapshot().Selection,
					Candles:   store.GetAll(),
				})
				return true
			}
			c.SSEvent(string(u.Kind), u.Candle)
			return true
		case <-keepAlive:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		}
	})
}

func (h *ChartHandler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, market.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrNotStarted):
		status = http.StatusConflict
	case errors.Is(err, pipeline.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
