package vengine

import (
	"context"
	"errors"
	"time"

	"github.com/flipsession/vsession/vflip"
	"github.com/flipsession/vsession/vstate"
)

// runShort drives the short session until ctx is canceled:
// flips are fetched until the session is ready or submitted,
// and after the extra flips delay the reserves replace unready flips.
func (e *Engine) runShort(ctx context.Context, gen uint64) {
	defer e.wg.Done()

	log := e.log.With("e_sys", "short", "gen", gen)
	log.Debug("Starting short session effect")

	extra := time.NewTimer(e.timing.ExtraFlipsDelay)
	defer extra.Stop()

	tick := time.NewTicker(e.timing.FetchInterval)
	defer tick.Stop()

	e.fetchRound(ctx, gen, vstate.KindShort)

	for {
		select {
		case <-ctx.Done():
			log.Debug("Stopping short session effect", "cause", context.Cause(ctx))
			return

		case <-tick.C:
			e.fetchRound(ctx, gen, vstate.KindShort)

		case <-extra.C:
			st, err := e.State(ctx)
			if err != nil {
				return
			}
			if st.Short.Ready || st.Short.Submitted {
				continue
			}
			log.Info("Showing extra flips")
			if _, _, err := e.dispatch(ctx, gen, vstate.ShowExtraFlips{}); err != nil {
				return
			}
		}
	}
}

// runLong drives the long session until ctx is canceled:
// flips are fetched until the session is ready or submitted,
// and the words of visible flips are requested in round robin.
func (e *Engine) runLong(ctx context.Context, gen uint64) {
	defer e.wg.Done()

	log := e.log.With("e_sys", "long", "gen", gen)
	log.Debug("Starting long session effect")

	fetchTick := time.NewTicker(e.timing.FetchInterval)
	defer fetchTick.Stop()

	wordsTick := time.NewTicker(e.timing.WordsInterval)
	defer wordsTick.Stop()

	cur := wordsCursor{attempts: e.timing.WordsAttempts}

	e.fetchRound(ctx, gen, vstate.KindLong)

	for {
		select {
		case <-ctx.Done():
			log.Debug("Stopping long session effect", "cause", context.Cause(ctx))
			return

		case <-fetchTick.C:
			e.fetchRound(ctx, gen, vstate.KindLong)

		case <-wordsTick.C:
			e.wordsRound(ctx, gen, &cur)
		}
	}
}

// fetchRound runs one flip fetch for session k, unless it is ready or submitted.
func (e *Engine) fetchRound(ctx context.Context, gen uint64, k vstate.Kind) {
	st, err := e.State(ctx)
	if err != nil {
		return
	}
	sess := st.Session(k)
	if sess.Ready || sess.Submitted {
		return
	}

	if _, ok, err := e.dispatch(ctx, gen, vstate.FetchFlipsStarted{Kind: k, At: time.Now().UTC()}); err != nil || !ok {
		return
	}

	flips, err := e.fetcher.Fetch(ctx, k, sess.Flips)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		if errors.Is(err, vflip.ErrNoFlipHashes) {
			e.log.Debug("Node has no flip list yet", "kind", k)
		} else {
			e.log.Info("Flip fetch failed", "kind", k, "err", err)
		}
		_, _, _ = e.dispatch(ctx, gen, vstate.FetchFlipsFailed{Kind: k, Err: err.Error()})
		return
	}

	_, _, _ = e.dispatch(ctx, gen, vstate.FetchFlipsSucceeded{Kind: k, Flips: flips})
}

// wordsRound makes at most one words request for the long session.
func (e *Engine) wordsRound(ctx context.Context, gen uint64, cur *wordsCursor) {
	st, err := e.State(ctx)
	if err != nil || st.Long.Submitted {
		return
	}

	unfetched := unfetchedWords(st.Long)
	idx, ok := cur.next(len(unfetched))
	if !ok {
		return
	}
	hash := unfetched[idx]

	w, err := e.node.Words(ctx, hash)
	if err != nil {
		if ctx.Err() == nil {
			e.m.WordsRequest("error")
			e.log.Debug("Words request failed", "hash", hash, "err", err)
		}
		return
	}
	if len(w.Words) == 0 {
		e.m.WordsRequest("empty")
	} else {
		e.m.WordsRequest("found")
	}

	if _, ok, err := e.dispatch(ctx, gen, vstate.WordsFetched{Hash: hash, Words: w.Words}); err == nil && ok {
		cur.succeeded()
	}
}

// unfetchedWords returns the hashes of visible flips without words, in display order.
func unfetchedWords(sess vstate.Session) []string {
	var out []string
	for _, f := range sess.Flips {
		if !f.Hidden && f.Words == nil {
			out = append(out, f.Hash)
		}
	}
	return out
}

// wordsCursor walks the unfetched flips,
// spending a fixed number of attempts on each before advancing.
type wordsCursor struct {
	attempts int

	idx   int
	takes int
}

// next returns the index among n unfetched flips to request on this tick.
// It returns false when there is nothing to request
// or when the tick is spent advancing to the next flip.
func (c *wordsCursor) next(n int) (int, bool) {
	if n == 0 {
		return 0, false
	}
	if c.idx >= n {
		c.idx = 0
	}

	if c.takes < c.attempts {
		c.takes++
		return c.idx, true
	}

	c.takes = 0
	c.idx = (c.idx + 1) % n
	return 0, false
}

// succeeded restarts the walk from the first unfetched flip.
func (c *wordsCursor) succeeded() {
	c.idx = 0
	c.takes = 0
}
