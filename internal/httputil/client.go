// Package httputil holds JSON response helpers for handlers and an HTTP
// client abstraction for callers of the sweep API.
package httputil

import (
	"net/http"
	"net/http/httptest"
	"sync"
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HandlerClient serves requests in-process through Handler, recording each
// request path. It lets API clients be tested without a listener.
type HandlerClient struct {
	Handler http.Handler

	mu    sync.Mutex
	paths []string
}

// NewHandlerClient returns a client that dispatches to h.
func NewHandlerClient(h http.Handler) *HandlerClient {
	return &HandlerClient{Handler: h}
}

// Do implements Doer.
func (c *HandlerClient) Do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	c.paths = append(c.paths, req.Method+" "+req.URL.Path)
	c.mu.Unlock()

	rec := httptest.NewRecorder()
	c.Handler.ServeHTTP(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

// Requests returns "METHOD /path" for every request seen so far.
func (c *HandlerClient) Requests() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.paths...)
}
