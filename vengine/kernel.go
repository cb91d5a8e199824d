package vengine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/flipsession/vsession/internal/vmetrics"
	"github.com/flipsession/vsession/vepoch"
	"github.com/flipsession/vsession/vflip"
	"github.com/flipsession/vsession/vnode"
	"github.com/flipsession/vsession/vstate"
	"github.com/flipsession/vsession/vstore"
)

type actionRequest struct {
	Action vstate.Action
	Gen    uint64

	// Check, when set, must accept the current state for Action to apply.
	Check func(vstate.State) error

	Resp chan actionResult
}

type actionResult struct {
	State   vstate.State
	Applied bool

	// Err is the rejection returned by the request's Check.
	Err error
}

type snapshotRequest struct {
	Resp chan vstate.State
}

// kernel is the sole writer of the engine state.
type kernel struct {
	log *slog.Logger
	e   *Engine

	store vstore.Store
	blobs *vflip.Blobs
	m     *vmetrics.Metrics

	state vstate.State

	// Last period reported by the poller; empty before the first valid snapshot.
	period vnode.Period

	// gen identifies the running effects.
	// Actions dispatched by effects of an older generation are dropped.
	gen          uint64
	cancelEffect context.CancelFunc

	epochUpdates     <-chan vepoch.Snapshot
	actionRequests   <-chan actionRequest
	snapshotRequests <-chan snapshotRequest
}

func (k *kernel) mainLoop(ctx context.Context) {
	defer k.e.wg.Done()
	defer k.stopEffect()

	for {
		select {
		case <-ctx.Done():
			k.log.Info("Stopping due to context cancellation", "cause", context.Cause(ctx))
			return

		case snap, ok := <-k.epochUpdates:
			if !ok {
				k.log.Info("Epoch updates closed; effects stopped")
				k.epochUpdates = nil
				k.stopEffect()
				continue
			}
			k.handleEpoch(ctx, snap)

		case req := <-k.actionRequests:
			k.handleAction(ctx, req)

		case req := <-k.snapshotRequests:
			req.Resp <- k.state
		}
	}
}

func (k *kernel) handleAction(ctx context.Context, req actionRequest) {
	if req.Gen != 0 && req.Gen != k.gen {
		k.log.Debug(
			"Dropping stale action",
			"action", actionName(req.Action), "gen", req.Gen, "current_gen", k.gen,
		)
		req.Resp <- actionResult{State: k.state}
		return
	}

	if req.Check != nil {
		if err := req.Check(k.state); err != nil {
			req.Resp <- actionResult{State: k.state, Err: err}
			return
		}
	}

	k.apply(ctx, req.Action)
	req.Resp <- actionResult{State: k.state, Applied: true}
}

// apply reduces a into the kernel state, then persists the result
// and releases pictures of flips no longer loaded.
//
// Fetched pictures are registered in the same step that makes their flips loaded.
func (k *kernel) apply(ctx context.Context, a vstate.Action) {
	if s, ok := a.(vstate.FetchFlipsSucceeded); ok && k.blobs != nil {
		a = registerPictures(k.blobs, s)
	}

	k.state = vstate.Reduce(k.state, a)
	k.m.Action(actionName(a))

	if err := vstore.SaveValidation(ctx, k.store, k.state); err != nil {
		k.log.Warn("Failed to persist state", "action", actionName(a), "err", err)
	}

	if k.blobs != nil {
		k.blobs.Retain(liveHashes(k.state))
	}
}

func (k *kernel) handleEpoch(ctx context.Context, snap vepoch.Snapshot) {
	if !snap.Valid {
		return
	}

	epochChanged := snap.Epoch.Epoch != k.state.Epoch
	if epochChanged {
		k.log.Info("Starting new epoch", "old", k.state.Epoch, "new", snap.Epoch.Epoch)
		k.apply(ctx, vstate.EpochChanged{Epoch: snap.Epoch.Epoch})
	}

	prev := k.period
	k.period = snap.Epoch.CurrentPeriod
	if prev == k.period && !epochChanged {
		return
	}

	k.log.Info("Period changed", "epoch", snap.Epoch.Epoch, "from", prev, "to", k.period)

	if prev == vnode.PeriodShortSession && k.period != vnode.PeriodShortSession && needsAutoSubmit(k.state) {
		k.e.wg.Add(1)
		go k.e.autoSubmitShort(ctx)
	}

	k.restartEffect(ctx)
}

// restartEffect stops the running effect and starts the one for the current period.
func (k *kernel) restartEffect(ctx context.Context) {
	k.stopEffect()
	k.gen++

	var run func(context.Context, uint64)
	switch k.period {
	case vnode.PeriodShortSession:
		run = k.e.runShort
	case vnode.PeriodLongSession:
		run = k.e.runLong
	default:
		return
	}

	effCtx, cancel := context.WithCancel(ctx)
	k.cancelEffect = cancel

	k.e.wg.Add(1)
	go run(effCtx, k.gen)
}

func (k *kernel) stopEffect() {
	if k.cancelEffect != nil {
		k.cancelEffect()
		k.cancelEffect = nil
	}
}

// needsAutoSubmit reports whether short answers were recorded but not submitted.
func needsAutoSubmit(st vstate.State) bool {
	if st.Short.Submitted {
		return false
	}
	for _, c := range st.Short.Answers {
		if c.Recorded {
			return true
		}
	}
	return false
}

// registerPictures registers the pictures of every decoded entry of a
// and returns a copy of a whose entries reference them.
func registerPictures(b *vflip.Blobs, a vstate.FetchFlipsSucceeded) vstate.FetchFlipsSucceeded {
	flips := slices.Clone(a.Flips)
	for i, f := range flips {
		if f.Content != nil {
			flips[i].URLs = b.Register(f.Hash, f.Content.Pics)
		}
	}
	a.Flips = flips
	return a
}

// liveHashes returns the hashes of the loaded flips in st.
func liveHashes(st vstate.State) []string {
	out := make([]string, 0, len(st.Short.Flips)+len(st.Long.Flips))
	for _, sess := range []vstate.Session{st.Short, st.Long} {
		for _, f := range sess.Flips {
			if f.Loaded {
				out = append(out, f.Hash)
			}
		}
	}
	return out
}

func actionName(a vstate.Action) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", a), "vstate.")
}
