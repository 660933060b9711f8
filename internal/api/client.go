// Package api is the HTTP transport used to reach the identity backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/and161185/goph-identity/internal/errs"
)

// Default header names.
const (
	HeaderAuthorization = "Authorization"
	HeaderProfileID     = "X-Profile-ID"
	HeaderRefreshToken  = "X-Refresh-Token"
)

// Client is the transport contract consumed by session, account and switch services.
type Client interface {
	Get(ctx context.Context, path string, opts ...CallOption) (*Response, error)
	Post(ctx context.Context, path string, body any, opts ...CallOption) (*Response, error)
	SetAccessToken(token string)
	SetRefreshToken(token string)
	SetProfileID(profileID string)
	// Headers returns a copy of the default outgoing headers.
	Headers() map[string]string
}

// Response is a successful backend response.
type Response struct {
	Status int
	Data   json.RawMessage
}

// Decode unmarshals the response body into dst.
func (r *Response) Decode(dst any) error {
	if r == nil || len(r.Data) == 0 {
		return fmt.Errorf("%w: empty body", errs.ErrMalformedResponse)
	}
	if err := json.Unmarshal(r.Data, dst); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrMalformedResponse, err)
	}
	return nil
}

type callOptions struct {
	timeout time.Duration
	noCache bool
}

// CallOption tunes a single request.
type CallOption func(*callOptions)

// WithTimeout bounds a single call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithNoCache asks intermediaries and the backend to bypass caches.
func WithNoCache() CallOption {
	return func(o *callOptions) { o.noCache = true }
}

// HTTPClient implements Client over net/http with JSON bodies.
type HTTPClient struct {
	base    string
	http    *http.Client
	timeout time.Duration

	mu      sync.RWMutex
	headers map[string]string
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient constructs a client for baseURL. A zero timeout means 30s.
func NewHTTPClient(baseURL string, hc *http.Client, timeout time.Duration) *HTTPClient {
	if hc == nil {
		hc = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		base:    strings.TrimRight(baseURL, "/"),
		http:    hc,
		timeout: timeout,
		headers: map[string]string{},
	}
}

func (c *HTTPClient) setHeader(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if value == "" {
		delete(c.headers, name)
		return
	}
	c.headers[name] = value
}

// SetAccessToken sets the default bearer token; empty clears it.
func (c *HTTPClient) SetAccessToken(token string) {
	if token == "" {
		c.setHeader(HeaderAuthorization, "")
		return
	}
	c.setHeader(HeaderAuthorization, "Bearer "+token)
}

// SetRefreshToken sets the default refresh token header; empty clears it.
func (c *HTTPClient) SetRefreshToken(token string) { c.setHeader(HeaderRefreshToken, token) }

// SetProfileID sets the default profile header; empty clears it.
func (c *HTTPClient) SetProfileID(profileID string) { c.setHeader(HeaderProfileID, profileID) }

// Headers returns a copy of the default headers.
func (c *HTTPClient) Headers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.headers))
	for k, v := range c.headers {
		out[k] = v
	}
	return out
}

// Get issues a GET request.
func (c *HTTPClient) Get(ctx context.Context, path string, opts ...CallOption) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil, opts)
}

// Post issues a POST request with a JSON body.
func (c *HTTPClient) Post(ctx context.Context, path string, body any, opts ...CallOption) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, body, opts)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, opts []CallOption) (*Response, error) {
	o := callOptions{timeout: c.timeout}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	for k, v := range c.Headers() {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if o.noCache {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", errs.ErrNetworkOrSystem, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", errs.ErrNetworkOrSystem, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newError(resp.StatusCode, data)
	}
	return &Response{Status: resp.StatusCode, Data: data}, nil
}

// IsStatus reports whether err is an *Error with one of the given statuses.
func IsStatus(err error, statuses ...int) bool {
	var ae *Error
	if !errors.As(err, &ae) {
		return false
	}
	for _, s := range statuses {
		if ae.Status == s {
			return true
		}
	}
	return false
}
