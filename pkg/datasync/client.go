package datasync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds each service request unless overridden.
const DefaultTimeout = 60 * time.Second

// Client talks to one datasync server. Table clients and the offline engine
// share it; every request runs through the configured middleware pipeline.
type Client struct {
	endpoint *url.URL
	http     *http.Client
	headers  map[string]string
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	httpClient *http.Client
	timeout    time.Duration
	headers    map[string]string
	middleware []Middleware
}

// WithHTTPClient supplies the underlying HTTP client. Its transport is still
// wrapped by the middleware pipeline.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *clientConfig) { c.httpClient = hc }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) ClientOption {
	return func(c *clientConfig) { c.headers[key] = value }
}

// WithAuthToken sends the token as a Bearer credential on every request.
func WithAuthToken(token string) ClientOption {
	return func(c *clientConfig) { c.headers["Authorization"] = "Bearer " + token }
}

// WithMiddleware appends middleware to the request pipeline. Middleware run
// in registration order, outermost first.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *clientConfig) { c.middleware = append(c.middleware, mw...) }
}

// NewClient creates a client for the table endpoint base URL, typically
// https://host/<basePath>.
func NewClient(endpoint string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint %q must be http or https", endpoint)
	}

	cfg := &clientConfig{
		timeout: DefaultTimeout,
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	hc := cfg.httpClient
	if hc == nil {
		hc = &http.Client{}
	}
	base := hc.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	wrapped := *hc
	wrapped.Transport = chain(base, cfg.middleware...)
	if wrapped.Timeout == 0 {
		wrapped.Timeout = cfg.timeout
	}

	return &Client{
		endpoint: u,
		http:     &wrapped,
		headers:  cfg.headers,
	}, nil
}

// Endpoint returns the base URL the client was built with.
func (c *Client) Endpoint() *url.URL { return c.endpoint }

// TableURL resolves the collection URL for a table name, with an optional
// item id.
func (c *Client) TableURL(table, id string) *url.URL {
	u := *c.endpoint
	u.Path = strings.TrimRight(u.Path, "/") + "/" + table
	if id != "" {
		u.Path += "/" + id
	}
	return &u
}

// Execute sends one request and returns the raw response. The offline
// drivers use it directly; Table methods wrap it with typed handling. The
// caller owns the response body.
func (c *Client) Execute(ctx context.Context, method string, u *url.URL, body []byte, headers http.Header) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, u, err)
	}
	return resp, nil
}

// executeJSON sends a request with an optional JSON body and decodes a JSON
// response into out when the status is successful. Non-2xx statuses are
// returned as *ResponseError with the body captured.
func (c *Client) executeJSON(ctx context.Context, method string, u *url.URL, in any, headers http.Header, out any) (*http.Response, error) {
	var body []byte
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		body = raw
	}

	resp, err := c.Execute(ctx, method, u, body, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, &ResponseError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			URL:        u.String(),
			Header:     resp.Header.Clone(),
			Body:       raw,
		}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp, nil
}
