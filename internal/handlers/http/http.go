package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTP performs the request described by its payload. A request timeout
// bounds the call even when Client carries its own. A nil Client uses a
// client with the request's timeout, 30 seconds by default.
type HTTP struct {
	Client *http.Client
}

type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       []byte            `json:"body"`
}

func (h HTTP) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid HTTP request payload: %w", err)
	}

	if req.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}

	if req.Method == "" {
		req.Method = "GET"
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
		defer cancel()
	} else {
		req.Timeout = 30 // default 30 seconds
	}

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: time.Duration(req.Timeout) * time.Second}
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	// 4xx and 5xx count as failures
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}

	out := Response{StatusCode: resp.StatusCode, Headers: map[string]string{}, Body: respBody}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	return json.Marshal(out)
}
