package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client holds HTTP client state for CLI commands.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration // per request, long polls excepted
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status    int
	Message   string
	Kind      string
	Retryable bool
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// do sends a JSON request and decodes the JSON response into v (may be nil).
func (c *Client) do(ctx context.Context, method, path string, body, v any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(b))}
		var eb struct {
			Error     string `json:"error"`
			Kind      string `json:"kind"`
			Retryable bool   `json:"retryable"`
		}
		if json.Unmarshal(b, &eb) == nil && eb.Error != "" {
			apiErr.Message, apiErr.Kind, apiErr.Retryable = eb.Error, eb.Kind, eb.Retryable
		}
		return apiErr
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil && err != io.EOF {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) ctx() (context.Context, context.CancelFunc) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

// get performs a GET and decodes JSON into v.
func (c *Client) get(path string, v any) error {
	ctx, cancel := c.ctx()
	defer cancel()
	return c.do(ctx, http.MethodGet, path, nil, v)
}

// post performs a POST and decodes the JSON response into v (may be nil).
func (c *Client) post(path string, body, v any) error {
	ctx, cancel := c.ctx()
	defer cancel()
	return c.do(ctx, http.MethodPost, path, body, v)
}

// delete performs a DELETE and decodes the JSON response into v (may be nil).
func (c *Client) delete(path string, v any) error {
	ctx, cancel := c.ctx()
	defer cancel()
	return c.do(ctx, http.MethodDelete, path, nil, v)
}
