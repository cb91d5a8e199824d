// Package vengine runs a validation session against a node.
//
// The [Engine] owns the [vstate.State].
// A single kernel goroutine applies every action through [vstate.Reduce],
// persists the result, and starts or stops the session effects
// (flip fetching, the extra flips timer, words fetching, auto-submission)
// as the epoch poller reports period changes.
//
// Engine methods are safe to call concurrently.
package vengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flipsession/vsession/internal/vchan"
	"github.com/flipsession/vsession/internal/vmetrics"
	"github.com/flipsession/vsession/vepoch"
	"github.com/flipsession/vsession/vflip"
	"github.com/flipsession/vsession/vnode"
	"github.com/flipsession/vsession/vstate"
	"github.com/flipsession/vsession/vstore"
)

var (
	// ErrAlreadySubmitted is returned by [Engine.Submit]
	// when the session's answers were already accepted.
	ErrAlreadySubmitted = errors.New("answers already submitted")

	// ErrCannotSubmit is returned by [Engine.Submit]
	// when the session is not at its last flip and lacks answers.
	ErrCannotSubmit = errors.New("session cannot be submitted yet")

	// ErrStopped is returned by Engine methods called after the engine's context was canceled.
	ErrStopped = errors.New("engine stopped")
)

// Node is the subset of [*vnode.Client] used by the [Engine].
type Node interface {
	Words(ctx context.Context, hash string) (vnode.Words, error)
	SubmitAnswers(ctx context.Context, k vstate.Kind, answers []vnode.SubmittedAnswer) (vnode.SubmitResult, error)
}

// Fetcher is satisfied by [*vflip.Fetcher].
type Fetcher interface {
	Fetch(ctx context.Context, k vstate.Kind, held []vstate.Flip) ([]vstate.FetchedFlip, error)
}

// Timing controls the pace of the session effects.
type Timing struct {
	// FetchInterval is the delay between flip fetch rounds
	// while a session is not ready.
	FetchInterval time.Duration

	// ExtraFlipsDelay is how long after the short session starts
	// the extra flips replace the ones that never became ready.
	ExtraFlipsDelay time.Duration

	// WordsInterval is the delay between words requests in the long session.
	WordsInterval time.Duration

	// WordsAttempts is how many requests are made for one flip's words
	// before moving on to the next flip.
	WordsAttempts int
}

func DefaultTiming() Timing {
	return Timing{
		FetchInterval:   time.Second,
		ExtraFlipsDelay: 35 * time.Second,
		WordsInterval:   time.Second,
		WordsAttempts:   3,
	}
}

// Config holds the dependencies of an [Engine].
type Config struct {
	Store   vstore.Store
	Node    Node
	Fetcher Fetcher

	// EpochUpdates usually comes from [*vepoch.Poller.Updates].
	EpochUpdates <-chan vepoch.Snapshot

	// Blobs, when set, holds the pictures of the flips in the current state.
	Blobs *vflip.Blobs

	Metrics *vmetrics.Metrics

	Timing Timing
}

type Engine struct {
	log *slog.Logger

	rootCtx context.Context

	node    Node
	fetcher Fetcher
	m       *vmetrics.Metrics
	timing  Timing

	actionRequests   chan<- actionRequest
	snapshotRequests chan<- snapshotRequest

	// Held for the duration of a submission.
	submitMu sync.Mutex

	// Tracks the kernel and every effect goroutine.
	wg sync.WaitGroup
}

// New loads the persisted state from cfg.Store and starts the engine.
//
// The engine runs background goroutines associated with ctx.
// Stop it by canceling the context and calling Wait.
func New(ctx context.Context, log *slog.Logger, cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Node == nil || cfg.Fetcher == nil {
		return nil, errors.New("vengine: Store, Node, and Fetcher are required")
	}
	if cfg.EpochUpdates == nil {
		return nil, errors.New("vengine: EpochUpdates is required")
	}

	t := cfg.Timing
	if t == (Timing{}) {
		t = DefaultTiming()
	}
	if t.FetchInterval <= 0 || t.ExtraFlipsDelay <= 0 || t.WordsInterval <= 0 || t.WordsAttempts <= 0 {
		return nil, fmt.Errorf("vengine: invalid timing %+v", t)
	}

	st, err := vstore.LoadValidation(ctx, cfg.Store)
	if errors.Is(err, vstore.ErrCorrupt) {
		log.Warn("Discarding unreadable persisted state", "err", err)
		st, err = vstate.Initial(), nil
	}
	if err != nil {
		return nil, err
	}
	if cfg.Blobs != nil {
		restoreBlobs(cfg.Blobs, st)
	}

	// Callers always wait for the response,
	// so the request channels are unbuffered.
	actionRequests := make(chan actionRequest)
	snapshotRequests := make(chan snapshotRequest)

	e := &Engine{
		log: log,

		rootCtx: ctx,

		node:    cfg.Node,
		fetcher: cfg.Fetcher,
		m:       cfg.Metrics,
		timing:  t,

		actionRequests:   actionRequests,
		snapshotRequests: snapshotRequests,
	}

	k := &kernel{
		log: log.With("e_sys", "kernel"),
		e:   e,

		store: cfg.Store,
		blobs: cfg.Blobs,
		m:     cfg.Metrics,

		state: st,

		epochUpdates:     cfg.EpochUpdates,
		actionRequests:   actionRequests,
		snapshotRequests: snapshotRequests,
	}

	e.wg.Add(1)
	go k.mainLoop(ctx)

	return e, nil
}

// Wait blocks until the kernel and every effect goroutine have stopped.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// State returns the current state.
func (e *Engine) State(ctx context.Context) (vstate.State, error) {
	ctx, stop := e.bound(ctx)
	defer stop()

	resp := make(chan vstate.State, 1)
	st, ok := vchan.ReqResp(
		ctx, e.log,
		e.snapshotRequests, snapshotRequest{Resp: resp},
		resp,
		"requesting state",
	)
	if !ok {
		return vstate.State{}, e.stopErr(ctx)
	}
	return st, nil
}

// Dispatch applies a to the state and returns the resulting state.
func (e *Engine) Dispatch(ctx context.Context, a vstate.Action) (vstate.State, error) {
	st, _, err := e.dispatch(ctx, 0, a)
	return st, err
}

// dispatch sends a to the kernel on behalf of the effect generation gen.
// Generation zero is always current.
// The returned bool is false when the kernel discarded a as stale.
func (e *Engine) dispatch(ctx context.Context, gen uint64, a vstate.Action) (vstate.State, bool, error) {
	return e.send(ctx, actionRequest{Action: a, Gen: gen})
}

// dispatchIf applies a only if check accepts the state a would apply to.
// The check and the transition happen in one kernel step.
// A rejection returns the error from check and the unchanged state.
func (e *Engine) dispatchIf(ctx context.Context, check func(vstate.State) error, a vstate.Action) (vstate.State, error) {
	st, _, err := e.send(ctx, actionRequest{Action: a, Check: check})
	return st, err
}

func (e *Engine) send(ctx context.Context, req actionRequest) (vstate.State, bool, error) {
	ctx, stop := e.bound(ctx)
	defer stop()

	resp := make(chan actionResult, 1)
	req.Resp = resp
	res, ok := vchan.ReqResp(
		ctx, e.log,
		e.actionRequests, req,
		resp,
		"dispatching action",
	)
	if !ok {
		return vstate.State{}, false, e.stopErr(ctx)
	}
	if res.Err != nil {
		return res.State, false, res.Err
	}
	return res.State, res.Applied, nil
}

// bound derives a context from ctx that is also canceled when the engine stops.
func (e *Engine) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stopAfter := context.AfterFunc(e.rootCtx, cancel)
	return ctx, func() {
		stopAfter()
		cancel()
	}
}

func (e *Engine) stopErr(ctx context.Context) error {
	if e.rootCtx.Err() != nil {
		return ErrStopped
	}
	return context.Cause(ctx)
}

// restoreBlobs registers the pictures of every loaded flip in st.
func restoreBlobs(b *vflip.Blobs, st vstate.State) {
	for _, sess := range []vstate.Session{st.Short, st.Long} {
		for _, f := range sess.Flips {
			if f.Loaded {
				b.Register(f.Hash, f.Pics)
			}
		}
	}
}
