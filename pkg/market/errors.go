package market

import "errors"

var (
	// ErrValidation marks a malformed candle record. Never fatal.
	ErrValidation = errors.New("invalid candle record")
	// ErrNetwork marks a transport failure (dial, read, non-2xx response).
	ErrNetwork = errors.New("network error")
	// ErrTimeout marks an attempt that exceeded its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrProtocol marks an unexpected or unparseable stream message.
	ErrProtocol = errors.New("protocol error")
	// ErrNoData is returned when a successful response yields zero valid candles.
	ErrNoData = errors.New("no valid candles")
	// ErrRetriesExhausted is returned once the retry ceiling has been reached.
	ErrRetriesExhausted = errors.New("retries exhausted")
)
