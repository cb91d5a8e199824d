package vhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/flipsession/vsession/internal/vunix"
	"github.com/flipsession/vsession/vepoch"
	"github.com/flipsession/vsession/vnode"
	"github.com/flipsession/vsession/vstate"
	"github.com/flipsession/vsession/vstore"
)

// Client calls the control API of a running session client.
type Client struct {
	hc   *http.Client
	base string
}

// NewClient returns a client for the control API at addr,
// an http URL or a "unix:" socket address.
func NewClient(addr string, timeout time.Duration) (*Client, error) {
	hc, base, err := vunix.NewClient(addr, timeout)
	if err != nil {
		return nil, err
	}
	return &Client{hc: hc, base: base}, nil
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("control API returned %d: %s", e.Code, e.Message)
}

func (c *Client) State(ctx context.Context) (vstate.State, error) {
	var st vstate.State
	err := c.do(ctx, http.MethodGet, "/state", nil, &st)
	return st, err
}

func (c *Client) Epoch(ctx context.Context) (vepoch.Snapshot, error) {
	var s vepoch.Snapshot
	err := c.do(ctx, http.MethodGet, "/epoch", nil, &s)
	return s, err
}

func (c *Client) Next(ctx context.Context, k vstate.Kind) (vstate.State, error) {
	return c.sessionPost(ctx, k, "/next", nil)
}

func (c *Client) Prev(ctx context.Context, k vstate.Kind) (vstate.State, error) {
	return c.sessionPost(ctx, k, "/prev", nil)
}

func (c *Client) Pick(ctx context.Context, k vstate.Kind, idx int) (vstate.State, error) {
	if idx < 0 {
		return vstate.State{}, fmt.Errorf("invalid flip index %d", idx)
	}
	return c.sessionPost(ctx, k, "/pick/"+strconv.Itoa(idx), nil)
}

func (c *Client) Answer(ctx context.Context, k vstate.Kind, a vstate.Answer) (vstate.State, error) {
	return c.sessionPost(ctx, k, "/answer", AnswerRequest{Answer: a.String()})
}

func (c *Client) Submit(ctx context.Context, k vstate.Kind) (vnode.SubmitResult, error) {
	var res vnode.SubmitResult
	err := c.do(ctx, http.MethodPost, "/sessions/"+k.String()+"/submit", nil, &res)
	return res, err
}

func (c *Client) ToggleIrrelevantWords(ctx context.Context) (vstate.State, error) {
	var st vstate.State
	err := c.do(ctx, http.MethodPost, "/sessions/long/words/toggle", nil, &st)
	return st, err
}

func (c *Client) Settings(ctx context.Context) (vstore.Settings, error) {
	var set vstore.Settings
	err := c.do(ctx, http.MethodGet, "/settings", nil, &set)
	return set, err
}

func (c *Client) PutSettings(ctx context.Context, set vstore.Settings) (vstore.Settings, error) {
	var out vstore.Settings
	err := c.do(ctx, http.MethodPut, "/settings", set, &out)
	return out, err
}

func (c *Client) sessionPost(ctx context.Context, k vstate.Kind, suffix string, body any) (vstate.State, error) {
	var st vstate.State
	err := c.do(ctx, http.MethodPost, "/sessions/"+k.String()+suffix, body, &st)
	return st, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Message: string(bytes.TrimSpace(msg))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
