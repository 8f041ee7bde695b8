package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nidhogg/standards-retrieval/internal/checkpoint"
	"github.com/nidhogg/standards-retrieval/internal/orchestrator"
)

// StatusError is a non-2xx reply from the server.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsBadRequest reports a rejected configuration or argument.
func (e *StatusError) IsBadRequest() bool { return e.StatusCode == http.StatusBadRequest }

// Client calls the HTTP API.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the server at base.
func NewClient(base string, timeout time.Duration) *Client {
	return &Client{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: timeout}}
}

func (c *Client) Start(ctx context.Context, req StartRequest) (*StartResponse, error) {
	var out StartResponse
	if err := c.do(ctx, http.MethodPost, "/api/runs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Stop(ctx context.Context, force bool) (*orchestrator.Snapshot, error) {
	var out orchestrator.Snapshot
	if err := c.do(ctx, http.MethodPost, "/api/runs/stop", StopRequest{Force: force}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Checkpoint(ctx context.Context) (checkpoint.ID, error) {
	var out struct {
		ID checkpoint.ID `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/checkpoints", nil, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) Checkpoints(ctx context.Context) ([]checkpoint.Metadata, error) {
	var out []checkpoint.Metadata
	if err := c.do(ctx, http.MethodGet, "/api/checkpoints", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context) (*orchestrator.Snapshot, error) {
	var out orchestrator.Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
