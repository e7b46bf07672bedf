package pipeline

import (
	"context"

	"dexchart/internal/backfill"
	"dexchart/internal/memorystore"
	"dexchart/internal/stream"
	"dexchart/pkg/market"
)

// LoadingState is the backfill state of the active selection.
type LoadingState string

const (
	LoadingIdle    LoadingState = "idle"
	LoadingLoading LoadingState = "loading"
	LoadingSuccess LoadingState = "success"
	LoadingError   LoadingState = "error"
)

// Backfiller is satisfied by *backfill.Fetcher.
type Backfiller interface {
	Fetch(ctx context.Context, req backfill.Request) backfill.FetchResult
	Invalidate(req backfill.Request)
}

// StreamClient is satisfied by *stream.Client.
type StreamClient interface {
	Events() <-chan stream.Event
	State() stream.State
	Subscribe(market, channel string) error
	Unsubscribe(market, channel string) error
	Connect()
	Reconnect()
	Close()
	DroppedTicks() uint64
}

// Selection is the active (market, timeframe) pair. ID changes on every
// selection so consumers can tell series lifetimes apart.
type Selection struct {
	ID        string           `json:"id"`
	Market    string           `json:"market"`
	Timeframe market.Timeframe `json:"timeframe"`
}

// Snapshot is the read-only state exposed to consumers. BackfillError ("no data")
// and StreamOffline ("stale/offline") are reported separately.
type Snapshot struct {
	Selection     Selection               `json:"selection"`
	Loading       LoadingState            `json:"loading"`
	Connection    stream.State            `json:"connection"`
	BackfillError string                  `json:"backfillError,omitempty"`
	StreamError   string                  `json:"streamError,omitempty"`
	StreamOffline bool                    `json:"streamOffline"`
	DataQuality   float64                 `json:"dataQuality"`
	DroppedTicks  uint64                  `json:"droppedTicks"`
	LastBackfill  *backfill.FetchResult   `json:"-"`
	Store         memorystore.BufferStats `json:"store"`
}
