package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ---------------------------------------------------------------------------
// Shared JSON HTTP client for third-party data providers (security scans,
// market data, swap aggregators). Enforces a per-minute request budget and
// trips a circuit breaker after repeated transport failures.
// ---------------------------------------------------------------------------

const (
	circuitThreshold = 5
	circuitCooldown  = 30 * time.Second
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.Code, body)
}

// ErrCircuitOpen is returned while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// ClientConfig configures an HTTPClient.
type ClientConfig struct {
	Name          string
	BaseURL       string
	Headers       map[string]string
	RatePerMinute int
	Timeout       time.Duration
}

// HTTPClient issues rate-limited JSON requests against one provider.
type HTTPClient struct {
	name    string
	baseURL string
	headers map[string]string
	http    *http.Client
	limiter *rate.Limiter

	requestCount atomic.Int64
	errorCount   atomic.Int64
	rateLimited  atomic.Int64

	consecutiveErrors atomic.Int64
	circuitOpen       atomic.Bool
}

// NewHTTPClient creates a client. A zero RatePerMinute disables limiting.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), cfg.RatePerMinute)
	}
	return &HTTPClient{
		name:    cfg.Name,
		baseURL: cfg.BaseURL,
		headers: cfg.Headers,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
	}
}

// Name returns the provider name used in errors and logs.
func (c *HTTPClient) Name() string { return c.name }

// GetJSON performs GET baseURL+path?query and decodes the body into out.
func (c *HTTPClient) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, u, nil, out)
}

// PostJSON encodes body as JSON, POSTs it to baseURL+path and decodes into out.
func (c *HTTPClient) PostJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", c.name, err)
	}
	return c.do(ctx, http.MethodPost, c.baseURL+path, payload, out)
}

func (c *HTTPClient) do(ctx context.Context, method, u string, payload []byte, out any) error {
	if c.circuitOpen.Load() {
		return fmt.Errorf("%s: %w", c.name, ErrCircuitOpen)
	}

	// Suspends until the per-minute budget has room.
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limiter: %w", c.name, err)
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", c.name, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	c.requestCount.Add(1)
	resp, err := c.http.Do(req)
	if err != nil {
		c.errorCount.Add(1)
		c.recordError()
		return fmt.Errorf("%s: HTTP error: %w", c.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.errorCount.Add(1)
		c.recordError()
		return fmt.Errorf("%s: read response: %w", c.name, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.rateLimited.Add(1)
		return &StatusError{Provider: c.name, Code: resp.StatusCode, Body: string(data)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.errorCount.Add(1)
		if resp.StatusCode >= 500 {
			c.recordError()
		}
		return &StatusError{Provider: c.name, Code: resp.StatusCode, Body: string(data)}
	}

	c.resetErrors()
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: parse response: %w", c.name, err)
	}
	return nil
}

func (c *HTTPClient) recordError() {
	count := c.consecutiveErrors.Add(1)
	if count >= circuitThreshold {
		if c.circuitOpen.CompareAndSwap(false, true) {
			log.Error().Str("provider", c.name).Int64("errors", count).Msg("adapters: circuit breaker open")
			time.AfterFunc(circuitCooldown, func() {
				c.circuitOpen.Store(false)
				c.consecutiveErrors.Store(0)
				log.Info().Str("provider", c.name).Msg("adapters: circuit breaker reset")
			})
		}
	}
}

func (c *HTTPClient) resetErrors() {
	c.consecutiveErrors.Store(0)
}

// IsRateLimited reports whether err is an HTTP 429 response.
func IsRateLimited(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusTooManyRequests
}

// IsTimeout reports whether err is a transport or deadline timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Stats are request counters for one provider.
type Stats struct {
	Provider    string `json:"provider"`
	Requests    int64  `json:"requests"`
	Errors      int64  `json:"errors"`
	RateLimited int64  `json:"rate_limited"`
	CircuitOpen bool   `json:"circuit_open"`
}

func (c *HTTPClient) Stats() Stats {
	return Stats{
		Provider:    c.name,
		Requests:    c.requestCount.Load(),
		Errors:      c.errorCount.Load(),
		RateLimited: c.rateLimited.Load(),
		CircuitOpen: c.circuitOpen.Load(),
	}
}
