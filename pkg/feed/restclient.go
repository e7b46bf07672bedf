package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"dexchart/internal/normalize"
	"dexchart/pkg/market"

	"golang.org/x/time/rate"
)

// maxErrorBody bounds how much of a failed response body ends up in a StatusError.
const maxErrorBody = 512

type RESTClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewRESTClient creates a client for the historical candles endpoint.
// requestsPerSecond <= 0 disables client-side rate limiting.
func NewRESTClient(baseURL string, timeout time.Duration, requestsPerSecond int) *RESTClient {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if requestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
	return &RESTClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
	}
}

// GetCandles fetches up to limit raw candle records for symbol at the given interval code.
// Transport failures and non-2xx responses wrap market.ErrNetwork; deadline
// expiry wraps market.ErrTimeout.
func (c *RESTClient) GetCandles(ctx context.Context, symbol, intervalCode string, limit int) ([]normalize.RawCandle, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classify(ctx, fmt.Errorf("rate limiter: %w", err))
	}

	endpoint := fmt.Sprintf("%s/market/%s/candles/%s?limit=%s",
		c.baseURL,
		url.PathEscape(symbol),
		url.PathEscape(intervalCode),
		strconv.Itoa(limit),
	)

	// Construct the GET request with context for timeout/cancel support
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("http request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var payload CandlesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, classify(ctx, fmt.Errorf("decode response: %w", err))
	}
	if !payload.Success {
		return nil, fmt.Errorf("%w: endpoint reported failure: %s", market.ErrNetwork, payload.Message)
	}

	return payload.Records, nil
}

// classify tags err as a timeout when the request context expired, as a network error otherwise.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		return fmt.Errorf("%w: %v", market.ErrTimeout, err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%w: %w", context.Canceled, err)
	}
	return fmt.Errorf("%w: %v", market.ErrNetwork, err)
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
