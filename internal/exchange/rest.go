package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"cryptoflow/internal/metrics"
	"cryptoflow/internal/model"
)

// RateLimitError indicates the venue signalled throttling, or the local
// token bucket could not grant a token in time.
type RateLimitError struct {
	Exchange model.ExchangeID
	Endpoint string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s %s", e.Exchange, e.Endpoint)
}

// HTTPError is a non-2xx REST response.
type HTTPError struct {
	Endpoint string
	Status   int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d from %s", e.Status, e.Endpoint)
}

// RESTClient is the shared REST helper composed into the venue clients.
// All requests for one venue share a token bucket so that pollers cannot
// exceed the venue's declared budget.
type RESTClient struct {
	exchange model.ExchangeID
	base     string
	http     *http.Client
	limiter  *rate.Limiter
}

// NewRESTClient creates a venue REST client with the given requests/sec
// budget and burst.
func NewRESTClient(exchange model.ExchangeID, base string, rps float64, burst int) *RESTClient {
	return &RESTClient{
		exchange: exchange,
		base:     base,
		http:     &http.Client{Timeout: 10 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Limiter exposes the shared token bucket for components that schedule
// around it.
func (c *RESTClient) Limiter() *rate.Limiter { return c.limiter }

// GetJSON performs a rate-limited GET and decodes the JSON body into out.
// A token that cannot be acquired within one second yields
// RateLimitError so the caller can skip the tick instead of queueing.
func (c *RESTClient) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	tokenCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := c.limiter.Wait(tokenCtx); err != nil {
		metrics.RateLimitSkips.WithLabelValues(string(c.exchange)).Inc()
		return &RateLimitError{Exchange: c.exchange, Endpoint: path}
	}

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}

	timer := metrics.NewTimer()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RestFetchErrors.WithLabelValues(string(c.exchange), path).Inc()
		return fmt.Errorf("fetch %s: %w", path, err)
	}
	defer resp.Body.Close()
	timer.ObserveDuration(metrics.RestFetchDuration, string(c.exchange), path)

	if resp.StatusCode == http.StatusTooManyRequests {
		metrics.RestFetchErrors.WithLabelValues(string(c.exchange), path).Inc()
		return &RateLimitError{Exchange: c.exchange, Endpoint: path}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.RestFetchErrors.WithLabelValues(string(c.exchange), path).Inc()
		return &HTTPError{Endpoint: path, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
