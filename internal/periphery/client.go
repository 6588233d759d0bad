// Package periphery implements the coordinator-side client for talking to
// periphery agents (C1, spec.md §4.7): one typed HTTP call per request
// variant, passkey auth, per-call timeout, and no built-in retries — retry
// policy belongs to the caller (the dispatcher), not the transport.
//
// Grounded on the teacher's internal/registry.HTTPClient request shape
// (POST JSON, parse non-2xx into an error) with its retry/backoff loop
// deliberately dropped per spec.md §4.7.
package periphery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chis/corectl/internal/apperr"
)

// Client calls a single periphery agent over HTTPS+JSON.
type Client struct {
	address    string
	passkey    string
	httpClient *http.Client
}

// New builds a Client for one server. timeout bounds every call this client
// makes; spec.md §4.7 requires a per-request timeout, not a global one.
func New(address, passkey string, timeout time.Duration) *Client {
	return &Client{
		address: address,
		passkey: passkey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// errorBody is the shape a periphery agent returns alongside a non-2xx
// status code.
type errorBody struct {
	Error string `json:"error"`
}

// Call POSTs req (marshaled as JSON) to address+path and decodes the 2xx
// response body into resp. A non-2xx response becomes an
// apperr.KindTransport error; a context deadline or network failure is
// wrapped the same way so dispatch can treat every periphery failure
// uniformly.
func (c *Client) Call(ctx context.Context, path string, req any, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return apperr.Internal("encode periphery request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.address+path, bytes.NewReader(body))
	if err != nil {
		return apperr.Internal("build periphery request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.passkey != "" {
		httpReq.Header.Set("Authorization", c.passkey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return apperr.WrapTransport(fmt.Errorf("periphery %s: %w", path, err))
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return apperr.WrapTransport(fmt.Errorf("read periphery response: %w", err))
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
			return apperr.Transport("periphery %s returned %d: %s", path, httpResp.StatusCode, eb.Error)
		}
		return apperr.Transport("periphery %s returned %d", path, httpResp.StatusCode)
	}

	if resp == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, resp); err != nil {
		return apperr.WrapTransport(fmt.Errorf("decode periphery response: %w", err))
	}
	return nil
}

// Get issues a GET to path and decodes the body into resp — the shape of
// /health, /stats/*, /version and /container/list (spec.md §6).
func (c *Client) Get(ctx context.Context, path string, resp any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.address+path, nil)
	if err != nil {
		return apperr.Internal("build periphery request: %w", err)
	}
	if c.passkey != "" {
		httpReq.Header.Set("Authorization", c.passkey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return apperr.WrapTransport(fmt.Errorf("periphery %s: %w", path, err))
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return apperr.WrapTransport(fmt.Errorf("read periphery response: %w", err))
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return apperr.Transport("periphery %s returned %d", path, httpResp.StatusCode)
	}
	if resp == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, resp); err != nil {
		return apperr.WrapTransport(fmt.Errorf("decode periphery response: %w", err))
	}
	return nil
}
