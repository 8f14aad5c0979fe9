// Package http loads collections from a JSON REST API through a rate-limited,
// retrying client. Each collection maps to one path; results are paged with
// offset/limit query parameters.
package http

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

	"golang.org/x/time/rate"
)

// ClientConfig configures the HTTP client. Zero values take the defaults
// noted on each field.
type ClientConfig struct {
	BaseURL   string
	Auth      AuthConfig
	Headers   map[string]string
	UserAgent string // lap-ingest/1.0

	Timeout     time.Duration // 30s per attempt
	MaxRetries  int           // 3
	BaseBackoff time.Duration // 100ms, doubled per retry
	RateLimit   float64       // 10 requests/s
	RateBurst   int           // 5

	// Transport replaces http.DefaultTransport, mostly for tests.
	Transport http.RoundTripper
}

func (c *ClientConfig) withDefaults() ClientConfig {
	out := ClientConfig{}
	if c != nil {
		out = *c
	}
	if out.Auth == nil {
		out.Auth = noAuth
	}
	if out.UserAgent == "" {
		out.UserAgent = "lap-ingest/1.0"
	}
	if out.Timeout <= 0 {
		out.Timeout = 30 * time.Second
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	if out.BaseBackoff <= 0 {
		out.BaseBackoff = 100 * time.Millisecond
	}
	if out.RateLimit <= 0 {
		out.RateLimit = 10
	}
	if out.RateBurst <= 0 {
		out.RateBurst = 5
	}
	return out
}

// Client issues GET requests against one base URL. It is safe for
// concurrent use; all callers share the rate limit.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a client. A nil config uses every default.
func NewClient(config *ClientConfig) *Client {
	cfg := config.withDefaults()
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}
}

// Request is one page fetch relative to the base URL.
type Request struct {
	Path  string
	Query url.Values
}

// Response is a fully read 2xx response.
type Response struct {
	StatusCode int
	Body       []byte
}

// JSON decodes the body into target.
func (r *Response) JSON(target any) error {
	return json.Unmarshal(r.Body, target)
}

// Get fetches path with query.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, &Request{Path: path, Query: query})
}

// Do fetches req, retrying 429, 5xx and transport failures with exponential
// backoff. A Retry-After longer than the backoff wins.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	target := c.url(req)
	var err error
	for attempt := 0; ; attempt++ {
		if werr := c.limiter.Wait(ctx); werr != nil {
			return nil, fmt.Errorf("rate limiter: %w", werr)
		}
		var resp *Response
		resp, err = c.fetch(ctx, target)
		if err == nil {
			return resp, nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return nil, err
		}
		if attempt == c.cfg.MaxRetries {
			break
		}
		timer := time.NewTimer(c.backoff(attempt, err))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", c.cfg.MaxRetries+1, err)
}

func (c *Client) url(req *Request) string {
	u := c.cfg.BaseURL
	if req.Path != "" {
		u = strings.TrimRight(u, "/") + "/" + strings.TrimLeft(req.Path, "/")
	}
	if len(req.Query) == 0 {
		return u
	}
	if strings.Contains(u, "?") {
		return u + "&" + req.Query.Encode()
	}
	return u + "?" + req.Query.Encode()
}

func (c *Client) backoff(attempt int, err error) time.Duration {
	d := c.cfg.BaseBackoff << attempt
	var se *StatusError
	if errors.As(err, &se) && se.RetryAfter > d {
		d = se.RetryAfter
	}
	return d
}

func (c *Client) fetch(ctx context.Context, target string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	c.cfg.Auth.Apply(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// StatusError is a 4xx or 5xx response.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

// IsAuthError reports a 401 or 403.
func (e *StatusError) IsAuthError() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsRateLimited reports a 429.
func (e *StatusError) IsRateLimited() bool { return e.StatusCode == http.StatusTooManyRequests }

// TransportError wraps connection-level failures.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "http request: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.IsRateLimited() || se.StatusCode >= http.StatusInternalServerError
	}
	var te *TransportError
	return errors.As(err, &te)
}

func parseRetryAfter(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(max(secs, 0)) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		return max(time.Until(at), 0)
	}
	return 0
}
