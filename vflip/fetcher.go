package vflip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flipsession/vsession/internal/vmetrics"
	"github.com/flipsession/vsession/vnode"
	"github.com/flipsession/vsession/vstate"
	"golang.org/x/sync/errgroup"
)

// ErrNoFlipHashes is returned by [Fetcher.Fetch]
// when the node has no flip list for the session.
var ErrNoFlipHashes = errors.New("no flip hashes")

// Node is the subset of [*vnode.Client] used by the [Fetcher].
type Node interface {
	FlipHashes(ctx context.Context, k vstate.Kind) ([]vnode.FlipHash, error)
	Flip(ctx context.Context, hash string) (vnode.Flip, error)
}

type FetcherConfig struct {
	// Concurrency bounds the number of flip contents fetched at once.
	// Zero uses DefaultConcurrency.
	Concurrency int
}

const DefaultConcurrency = 4

// Fetcher retrieves session flips from the node.
type Fetcher struct {
	log *slog.Logger

	node Node
	m    *vmetrics.Metrics

	concurrency int
}

// NewFetcher returns a Fetcher. m may be nil.
func NewFetcher(log *slog.Logger, node Node, m *vmetrics.Metrics, cfg FetcherConfig) *Fetcher {
	c := cfg.Concurrency
	if c <= 0 {
		c = DefaultConcurrency
	}
	return &Fetcher{
		log: log,

		node: node,
		m:    m,

		concurrency: c,
	}
}

// Fetch returns one entry per flip in the node's list for session k,
// in the node's order.
//
// Flips in held that are already settled are reported without fetching their content.
// A failure of the list request or of any content request fails the whole call.
// Content that cannot be decoded only marks that entry.
//
// Fetch does not register pictures; entries carry no URLs.
// The holder of the state registers them when the entries are applied.
func (f *Fetcher) Fetch(ctx context.Context, k vstate.Kind, held []vstate.Flip) ([]vstate.FetchedFlip, error) {
	kind := k.String()
	f.m.FetchAttempt(kind)

	out, err := f.fetch(ctx, k, held)
	if err != nil {
		f.m.FetchFailure(kind)
		return nil, err
	}
	return out, nil
}

func (f *Fetcher) fetch(ctx context.Context, k vstate.Kind, held []vstate.Flip) ([]vstate.FetchedFlip, error) {
	hashes, err := f.node.FlipHashes(ctx, k)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s flip hashes: %w", k, err)
	}
	if hashes == nil {
		return nil, ErrNoFlipHashes
	}

	settled := make(map[string]bool, len(held))
	for _, h := range held {
		settled[h.Hash] = (h.Ready && h.Loaded) || h.Failed
	}

	out := make([]vstate.FetchedFlip, len(hashes))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(f.concurrency)

	for i, h := range hashes {
		out[i] = vstate.FetchedFlip{Hash: h.Hash, Hidden: h.Extra, Ready: h.Ready}
		if !h.Ready || settled[h.Hash] {
			continue
		}

		eg.Go(func() error {
			ff, err := f.fetchOne(egCtx, k, h)
			if err != nil {
				return err
			}
			out[i] = ff
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, k vstate.Kind, h vnode.FlipHash) (vstate.FetchedFlip, error) {
	f.m.FlipFetched(k.String())

	ff := vstate.FetchedFlip{Hash: h.Hash, Hidden: h.Extra, Ready: true}

	raw, err := f.node.Flip(ctx, h.Hash)
	if err != nil {
		return ff, fmt.Errorf("failed to fetch flip %s: %w", h.Hash, err)
	}

	c, err := Decode(raw.Hex)
	if err != nil {
		f.log.Info("Marking flip as failed", "kind", k, "hash", h.Hash, "err", err)
		f.m.DecodeFailure(k.String())
		ff.DecodeFailed = true
		return ff, nil
	}

	ff.Content = &c
	return ff, nil
}
