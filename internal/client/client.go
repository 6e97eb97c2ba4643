// Package client talks to a running jobqueue server over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"jobqueue/internal/controller"
	"jobqueue/internal/models"
)

// Error is a non-2xx response from the server.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	base   string
	http   *http.Client
	tenant string
}

// New returns a client for the server at addr ("host:port" or a full URL).
func New(addr, tenant string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base:   strings.TrimRight(addr, "/"),
		http:   &http.Client{Timeout: 30 * time.Second},
		tenant: tenant,
	}
}

type SubmitRequest struct {
	Type        string         `json:"type"`
	Payload     models.Payload `json:"payload,omitempty"`
	Priority    string         `json:"priority,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
}

type jobEnvelope struct {
	Job models.View `json:"job"`
}

func (c *Client) Submit(ctx context.Context, req SubmitRequest) (models.View, error) {
	var out jobEnvelope
	err := c.do(ctx, http.MethodPost, "/jobs", nil, req, &out)
	return out.Job, err
}

func (c *Client) Get(ctx context.Context, id string) (models.View, error) {
	var out jobEnvelope
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, nil, &out)
	return out.Job, err
}

// ListOptions mirrors the server's list filters. Zero values are omitted.
type ListOptions struct {
	Statuses []string
	Type     string
	Priority string
	Limit    int
	Offset   int
}

func (c *Client) List(ctx context.Context, opts ListOptions) ([]models.View, error) {
	q := url.Values{}
	for _, s := range opts.Statuses {
		q.Add("status", s)
	}
	if opts.Type != "" {
		q.Set("type", opts.Type)
	}
	if opts.Priority != "" {
		q.Set("priority", opts.Priority)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	var out struct {
		Jobs []models.View `json:"jobs"`
	}
	err := c.do(ctx, http.MethodGet, "/jobs", q, nil, &out)
	return out.Jobs, err
}

func (c *Client) Cancel(ctx context.Context, id string) (models.View, error) {
	var out jobEnvelope
	err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, nil, &out)
	return out.Job, err
}

// Retry re-queues a failed or cancelled job; priority may be empty.
func (c *Client) Retry(ctx context.Context, id, priority string) (models.View, error) {
	var body any
	if priority != "" {
		body = map[string]string{"priority": priority}
	}
	var out jobEnvelope
	err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/retry", nil, body, &out)
	return out.Job, err
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(id), nil, nil, nil)
}

// Clear removes finished jobs older than olderThan, or every failed job when
// failedOnly is set.
func (c *Client) Clear(ctx context.Context, olderThan time.Duration, failedOnly bool) (int64, error) {
	q := url.Values{}
	if failedOnly {
		q.Set("status", "failed")
	} else {
		q.Set("older_than", olderThan.String())
	}
	var out struct {
		Removed int64 `json:"removed"`
	}
	err := c.do(ctx, http.MethodPost, "/jobs/clear", q, nil, &out)
	return out.Removed, err
}

func (c *Client) Stats(ctx context.Context) (controller.Stats, error) {
	var out controller.Stats
	err := c.do(ctx, http.MethodGet, "/stats", nil, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tenant != "" {
		req.Header.Set("X-Tenant-ID", c.tenant)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &Error{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
