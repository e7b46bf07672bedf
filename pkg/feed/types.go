package feed

import (
	"fmt"

	"dexchart/internal/normalize"
	"dexchart/pkg/market"
)

// CandlesResponse is the envelope of GET /market/{symbol}/candles/{intervalCode}.
type CandlesResponse struct {
	Success bool                  `json:"success"`
	Message string                `json:"message,omitempty"`
	Records []normalize.RawCandle `json:"records"`
}

// StatusError is returned for non-2xx responses. It matches market.ErrNetwork with errors.Is.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("candles endpoint returned %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return market.ErrNetwork
}
