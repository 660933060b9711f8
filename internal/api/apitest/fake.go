// Package apitest provides an in-memory api.Client for tests.
package apitest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/and161185/goph-identity/internal/api"
	"github.com/and161185/goph-identity/internal/errs"
)

// Call records one request seen by Fake.
type Call struct {
	Method  string
	Path    string
	Body    any
	Headers map[string]string
}

// Handler answers one request. Returning a non-nil error simulates a failed call.
type Handler func(ctx context.Context, body any) (any, error)

// Fake routes requests to per-route handlers and tracks default headers.
type Fake struct {
	mu      sync.Mutex
	routes  map[string]Handler
	headers map[string]string
	calls   []Call
}

var _ api.Client = (*Fake)(nil)

// New returns an empty Fake.
func New() *Fake {
	return &Fake{routes: map[string]Handler{}, headers: map[string]string{}}
}

// Handle registers h for method+path.
func (f *Fake) Handle(method, path string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[method+" "+path] = h
}

// JSON registers a handler that always answers v.
func (f *Fake) JSON(method, path string, v any) {
	f.Handle(method, path, func(context.Context, any) (any, error) { return v, nil })
}

// Fail registers a handler that always answers with an api.Error.
func (f *Fake) Fail(method, path string, e *api.Error) {
	f.Handle(method, path, func(context.Context, any) (any, error) { return nil, e })
}

func (f *Fake) do(ctx context.Context, method, path string, body any) (*api.Response, error) {
	f.mu.Lock()
	h, ok := f.routes[method+" "+path]
	hdr := make(map[string]string, len(f.headers))
	for k, v := range f.headers {
		hdr[k] = v
	}
	f.calls = append(f.calls, Call{Method: method, Path: path, Body: body, Headers: hdr})
	f.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: no route %s %s", errs.ErrNetworkOrSystem, method, path)
	}
	v, err := h(ctx, body)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &api.Response{Status: 200, Data: b}, nil
}

func (f *Fake) Get(ctx context.Context, path string, _ ...api.CallOption) (*api.Response, error) {
	return f.do(ctx, "GET", path, nil)
}

func (f *Fake) Post(ctx context.Context, path string, body any, _ ...api.CallOption) (*api.Response, error) {
	return f.do(ctx, "POST", path, body)
}

func (f *Fake) set(name, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if value == "" {
		delete(f.headers, name)
		return
	}
	f.headers[name] = value
}

func (f *Fake) SetAccessToken(token string) {
	if token == "" {
		f.set(api.HeaderAuthorization, "")
		return
	}
	f.set(api.HeaderAuthorization, "Bearer "+token)
}

func (f *Fake) SetRefreshToken(token string)  { f.set(api.HeaderRefreshToken, token) }
func (f *Fake) SetProfileID(profileID string) { f.set(api.HeaderProfileID, profileID) }

func (f *Fake) Headers() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.headers))
	for k, v := range f.headers {
		out[k] = v
	}
	return out
}

// Calls returns the requests seen so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount returns how many requests hit method+path.
func (f *Fake) CallCount(method, path string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Method == method && c.Path == path {
			n++
		}
	}
	return n
}
