package api

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

	"github.com/banshee-data/modelsweep/internal/httputil"
	"github.com/banshee-data/modelsweep/internal/version"
)

// Client talks to a running sweep server.
type Client struct {
	BaseURL string
	HTTP    httputil.Doer
}

// NewClient returns a client for baseURL. A nil doer uses
// http.DefaultClient.
func NewClient(baseURL string, doer httputil.Doer) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Client{BaseURL: strings.TrimSuffix(baseURL, "/"), HTTP: doer}
}

// StatusError is a non-2xx response from the server.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, out interface{}) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er httputil.ErrorResponse
		if json.Unmarshal(data, &er) != nil || er.Error == "" {
			er.Error = strings.TrimSpace(string(data))
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: er.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Submit posts a sweep request. format is "json" or "yaml"; execID may be
// empty to let the server choose.
func (c *Client) Submit(ctx context.Context, request []byte, format, execID string) (string, error) {
	contentType := "application/json"
	if format == "yaml" || format == "yml" {
		contentType = "application/yaml"
	}
	path := "/api/sweeps"
	if execID != "" {
		path += "?execution_id=" + url.QueryEscape(execID)
	}
	var resp SubmitResponse
	if err := c.do(ctx, http.MethodPost, path, contentType, request, &resp); err != nil {
		return "", err
	}
	return resp.ExecutionID, nil
}

// Status fetches the state of a sweep.
func (c *Client) Status(ctx context.Context, execID string) (*SweepStatus, error) {
	var st SweepStatus
	if err := c.do(ctx, http.MethodGet, "/api/sweeps/"+url.PathEscape(execID), "", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Wait polls Status every interval until the sweep leaves the running
// state. A sweep that ends in error is returned as an error.
func (c *Client) Wait(ctx context.Context, execID string, interval time.Duration) (*SweepStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := c.Status(ctx, execID)
		if err != nil {
			return nil, err
		}
		switch st.Status {
		case StateComplete:
			return st, nil
		case StateError:
			return st, fmt.Errorf("sweep %s failed: %s", execID, st.Error)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
