// Package upstream contains HTTP clients for the external collaborators: the
// batched price endpoint, the portfolio read and trade execution endpoints,
// and the prediction endpoint.
package upstream

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

// UserHeader carries the externally authenticated user identity.
const UserHeader = "X-User-ID"

// maxBody caps how much of an upstream response is read.
const maxBody = 4 << 20

// StatusError is a non-2xx response from upstream.
type StatusError struct {
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("upstream: HTTP %d", e.Status)
	}
	return fmt.Sprintf("upstream: HTTP %d: %s", e.Status, e.Detail)
}

// base is the shared JSON-over-HTTP plumbing.
type base struct {
	baseURL string
	http    *http.Client
}

func newBase(baseURL string, hc *http.Client) base {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return base{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// do sends body (if any) as JSON and decodes a 2xx response into out.
// Non-2xx responses become *StatusError with the upstream detail message.
func (b base) do(ctx context.Context, method, path, userID string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set(UserHeader, userID)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Status: resp.StatusCode, Detail: detail(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// detail extracts the error message from {"detail": ...} or {"error": ...}.
func detail(data []byte) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
		Error  string          `json:"error"`
	}
	if json.Unmarshal(data, &body) != nil {
		return strings.TrimSpace(string(data))
	}
	if len(body.Detail) > 0 {
		var s string
		if json.Unmarshal(body.Detail, &s) == nil {
			return s
		}
		return string(body.Detail)
	}
	return body.Error
}
