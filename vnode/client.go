package vnode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/flipsession/vsession/internal/vunix"
	"github.com/flipsession/vsession/vstate"
	"github.com/gorilla/rpc/v2/json2"
)

// ErrNullResult is returned when the node answered with a null result.
var ErrNullResult = errors.New("node returned a null result")

// ClientConfig is the configuration for [NewClient].
type ClientConfig struct {
	// URL is an http(s) URL or a "unix:" socket address of the node RPC endpoint.
	URL string

	// APIKey is added to every request body as "key", when set.
	APIKey string

	// Timeout bounds each request. Zero means no client-side timeout.
	Timeout time.Duration
}

// Client is a JSON-RPC client for the node.
// Client methods are safe to call concurrently.
type Client struct {
	log *slog.Logger

	hc     *http.Client
	url    string
	apiKey string
}

func NewClient(log *slog.Logger, cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("node URL required")
	}

	hc, base, err := vunix.NewClient(cfg.URL, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to build node HTTP client: %w", err)
	}
	if _, isUnix := vunix.SocketPath(cfg.URL); isUnix {
		base += "/"
	}

	return &Client{
		log: log,

		hc:     hc,
		url:    base,
		apiKey: cfg.APIKey,
	}, nil
}

// Epoch returns the node's current epoch and period.
func (c *Client) Epoch(ctx context.Context) (Epoch, error) {
	var e Epoch
	if err := c.call(ctx, MethodEpoch, &e); err != nil {
		return Epoch{}, err
	}
	return e, nil
}

// FlipHashes returns the flip list for the session of kind k.
// A nil slice with a nil error means the node has no list for the session yet.
func (c *Client) FlipHashes(ctx context.Context, k vstate.Kind) ([]FlipHash, error) {
	var hashes []FlipHash
	err := c.call(ctx, hashesMethod(k), &hashes)
	if errors.Is(err, ErrNullResult) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if hashes == nil {
		hashes = []FlipHash{}
	}
	return hashes, nil
}

// Flip returns the encoded content of the flip with the given hash.
func (c *Client) Flip(ctx context.Context, hash string) (Flip, error) {
	var f Flip
	if err := c.call(ctx, MethodFlip, &f, hash); err != nil {
		return Flip{}, err
	}
	return f, nil
}

// Words returns the words of the flip with the given hash.
func (c *Client) Words(ctx context.Context, hash string) (Words, error) {
	var w Words
	if err := c.call(ctx, MethodWords, &w, hash); err != nil {
		return Words{}, err
	}
	return w, nil
}

// SubmitAnswers submits the answers of the session of kind k.
func (c *Client) SubmitAnswers(ctx context.Context, k vstate.Kind, answers []SubmittedAnswer) (SubmitResult, error) {
	var res SubmitResult
	if err := c.call(ctx, submitMethod(k), &res, SubmitAnswersArgs{Answers: answers}); err != nil {
		return SubmitResult{}, err
	}
	return res, nil
}

func (c *Client) call(ctx context.Context, method string, reply any, params ...any) error {
	if params == nil {
		params = []any{}
	}

	body, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("%s: failed to encode request: %w", method, err)
	}
	if c.apiKey != "" {
		body, err = withKey(body, c.apiKey)
		if err != nil {
			return fmt.Errorf("%s: failed to add API key: %w", method, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: failed to build request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: unexpected HTTP status %s: %s", method, resp.Status, bytes.TrimSpace(msg))
	}

	if err := json2.DecodeClientResponse(resp.Body, reply); err != nil {
		if errors.Is(err, json2.ErrNullResult) {
			return fmt.Errorf("%s: %w", method, ErrNullResult)
		}
		return fmt.Errorf("%s: %w", method, err)
	}

	return nil
}

// withKey adds the "key" member to an encoded JSON-RPC request object.
func withKey(body []byte, key string) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, err
	}
	k, err := json.Marshal(key)
	if err != nil {
		return nil, err
	}
	obj["key"] = k
	return json.Marshal(obj)
}
