// Package httpclient is a rate-limited, retrying HTTP client shared by the
// REST querier and the search-engine sink.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"
)

// Config configures the client
type Config struct {
	BaseURL    string
	Timeout    time.Duration // per request, default 30s
	MaxRetries int           // default 0, negative values are treated as 0
	RateLimit  float64       // requests per second, 0 disables limiting
	RateBurst  int           // default 1
	Headers    map[string]string
	Username   string
	Password   string
	APIKey     string // sent as "Authorization: ApiKey <key>"
	UserAgent  string
	Transport  http.RoundTripper // for tests
}

// Client is a rate-limited, retry-capable HTTP client
type Client struct {
	config      Config
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	logger      arbor.ILogger
}

// New creates a client with the given configuration
func New(config Config, logger arbor.ILogger) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RateBurst <= 0 {
		config.RateBurst = 1
	}
	if config.UserAgent == "" {
		config.UserAgent = "adstash/1.0"
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: config.Transport,
		},
		rateLimiter: rate.NewLimiter(limit, config.RateBurst),
		logger:      logger,
	}
}

// Request is one HTTP request. Body is a byte slice so it can be resent on retry.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Headers map[string]string
	Body    []byte
}

// Response wraps a fully read HTTP response
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// JSON unmarshals the response body into target
func (r *Response) JSON(target any) error {
	return json.Unmarshal(r.Body, target)
}

// Do executes a request with rate limiting and retry. Responses with status
// >= 400 are returned together with an *HTTPError.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	var lastResp *Response
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		resp, err := c.doOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		lastResp = resp

		if !isRetryable(ctx, err) || attempt == c.config.MaxRetries {
			break
		}

		backoff := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
		c.logger.Debug().
			Err(err).
			Str("method", req.Method).
			Str("path", req.Path).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Retrying HTTP request")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return lastResp, lastErr
}

func (c *Client) doOnce(ctx context.Context, req *Request) (*Response, error) {
	fullURL := c.config.BaseURL
	if req.Path != "" {
		fullURL = strings.TrimSuffix(fullURL, "/") + "/" + strings.TrimPrefix(req.Path, "/")
	}
	if len(req.Query) > 0 {
		fullURL += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	for k, v := range c.config.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	switch {
	case c.config.APIKey != "":
		httpReq.Header.Set("Authorization", "ApiKey "+c.config.APIKey)
	case c.config.Username != "":
		httpReq.SetBasicAuth(c.config.Username, c.config.Password)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	response := &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       data,
	}

	if resp.StatusCode >= 400 {
		return response, &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    string(data),
		}
	}

	return response, nil
}

// Get performs a GET request
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, &Request{
		Method: http.MethodGet,
		Path:   path,
		Query:  query,
	})
}

// RateLimitedTransport waits on a limiter before every round trip. It lets
// clients that bring their own request handling share the same rate limit.
type RateLimitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

// NewRateLimitedTransport wraps base (http.DefaultTransport when nil). A limit
// of 0 disables limiting.
func NewRateLimitedTransport(base http.RoundTripper, limit float64, burst int) *RateLimitedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if burst <= 0 {
		burst = 1
	}
	rl := rate.Inf
	if limit > 0 {
		rl = rate.Limit(limit)
	}
	return &RateLimitedTransport{base: base, limiter: rate.NewLimiter(rl, burst)}
}

func (t *RateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return t.base.RoundTrip(req)
}

// HTTPError represents an HTTP error response
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited returns true if this is a rate limit error
func (e *HTTPError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsServerError returns true if this is a server error
func (e *HTTPError) IsServerError() bool {
	return e.StatusCode >= 500
}

// isRetryable reports whether err is worth another attempt. Transport errors
// are retried unless the caller's context is done.
func isRetryable(ctx context.Context, err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsRateLimited() || httpErr.IsServerError()
	}
	return ctx.Err() == nil
}
