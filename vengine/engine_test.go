package vengine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flipsession/vsession/internal/vtest"
	"github.com/flipsession/vsession/vengine"
	"github.com/flipsession/vsession/vepoch"
	"github.com/flipsession/vsession/vflip"
	"github.com/flipsession/vsession/vnode"
	"github.com/flipsession/vsession/vnode/vnodetest"
	"github.com/flipsession/vsession/vstate"
	"github.com/flipsession/vsession/vstore"
	"github.com/flipsession/vsession/vstore/vmemstore"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(
		m,
		// Idle keep-alive connections of the default HTTP transport.
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

var fastTiming = vengine.Timing{
	FetchInterval:   5 * time.Millisecond,
	ExtraFlipsDelay: time.Hour,
	WordsInterval:   2 * time.Millisecond,
	WordsAttempts:   3,
}

type fixture struct {
	Node   *vnodetest.Node
	Store  *vmemstore.Store
	Blobs  *vflip.Blobs
	Epochs chan vepoch.Snapshot

	Timing vengine.Timing

	// Optional wrappers around the node client and the fetcher used by Start.
	WrapNode    func(vengine.Node) vengine.Node
	WrapFetcher func(vengine.Fetcher) vengine.Fetcher
}

func newFixture() *fixture {
	return &fixture{
		Node:   vnodetest.New(),
		Store:  vmemstore.NewStore(),
		Blobs:  vflip.NewBlobs(),
		Epochs: make(chan vepoch.Snapshot, 1),

		Timing: fastTiming,
	}
}

func (f *fixture) node(n vengine.Node) vengine.Node {
	if f.WrapNode == nil {
		return n
	}
	return f.WrapNode(n)
}

func (f *fixture) fetcher(fe vengine.Fetcher) vengine.Fetcher {
	if f.WrapFetcher == nil {
		return fe
	}
	return f.WrapFetcher(fe)
}

// Start starts an engine that is stopped when t finishes.
func (f *fixture) Start(t *testing.T) *vengine.Engine {
	t.Helper()

	log := vtest.NewLogger(t)
	c, err := vnode.NewClient(log, vnode.ClientConfig{URL: f.Node.Start(t), Timeout: 5 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	e, err := vengine.New(ctx, log, vengine.Config{
		Store:        f.Store,
		Node:         f.node(c),
		Fetcher:      f.fetcher(vflip.NewFetcher(log, c, nil, vflip.FetcherConfig{})),
		EpochUpdates: f.Epochs,
		Blobs:        f.Blobs,
		Timing:       f.Timing,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		cancel()
		e.Wait()
	})
	return e
}

func (f *fixture) SetPeriod(ctx context.Context, t *testing.T, epoch uint64, p vnode.Period) {
	t.Helper()

	e := vnode.Epoch{Epoch: epoch, CurrentPeriod: p}
	f.Node.SetEpoch(e)
	select {
	case f.Epochs <- vepoch.Snapshot{Epoch: e, Valid: true}:
	case <-ctx.Done():
		t.Fatal("timed out sending epoch snapshot")
	}
}

func (f *fixture) ReadyAll(flips []vnodetest.FakeFlip) {
	for _, fl := range flips {
		f.Node.SetReady(fl.Hash, true)
	}
}

func eventuallyState(t *testing.T, e *vengine.Engine, cond func(vstate.State) bool) vstate.State {
	t.Helper()

	var last vstate.State
	require.Eventually(t, func() bool {
		st, err := e.State(context.Background())
		require.NoError(t, err)
		last = st
		return cond(st)
	}, 5*time.Second, time.Millisecond)
	return last
}

func TestEngine_shortSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newFixture()
	flips := f.Node.Seed(vstate.KindShort, 0, 3, 1)
	f.Node.SetReady(flips[0].Hash, true)

	e := f.Start(t)
	f.SetPeriod(ctx, t, 1, vnode.PeriodShortSession)

	st := eventuallyState(t, e, func(st vstate.State) bool {
		return !st.Short.Loading && st.Short.TotalReady == 1
	})
	require.Equal(t, uint64(1), st.Epoch)
	require.Equal(t, 3, st.Short.Total)
	require.False(t, st.Short.Ready)
	require.NotEmpty(t, st.Retries)

	f.ReadyAll(flips)
	st = eventuallyState(t, e, func(st vstate.State) bool { return st.Short.Ready })
	require.Equal(t, 3, st.Short.TotalReady)
	for _, fl := range st.Short.Visible() {
		require.True(t, fl.Loaded)
		require.Len(t, fl.URLs, 4)
	}

	// Nothing to submit yet.
	_, err := e.Submit(ctx, vstate.KindShort)
	require.ErrorIs(t, err, vengine.ErrCannotSubmit)

	for i, a := range []vstate.Answer{vstate.AnswerLeft, vstate.AnswerRight, vstate.AnswerNone} {
		st, err = e.Dispatch(ctx, vstate.Pick{Kind: vstate.KindShort, Index: i})
		require.NoError(t, err)
		st, err = e.Dispatch(ctx, vstate.AnswerFlip{Kind: vstate.KindShort, Option: a})
		require.NoError(t, err)
	}
	require.True(t, st.Short.HasAllAnswers)
	require.True(t, st.Short.CanSubmit)
	visible := st.Short.Visible()

	res, err := e.Submit(ctx, vstate.KindShort)
	require.NoError(t, err)
	require.NotEmpty(t, res.TxHash)

	require.Equal(t, [][]vnode.SubmittedAnswer{{
		{Hash: visible[0].Hash, Answer: vstate.AnswerLeft},
		{Hash: visible[1].Hash, Answer: vstate.AnswerRight},
		{Hash: visible[2].Hash, Answer: vstate.AnswerNone},
	}}, f.Node.Submissions(vstate.KindShort))

	st, err = e.State(ctx)
	require.NoError(t, err)
	require.True(t, st.Short.Submitted)
	require.True(t, st.SubmitAttempted)

	_, err = e.Submit(ctx, vstate.KindShort)
	require.ErrorIs(t, err, vengine.ErrAlreadySubmitted)
}

func TestEngine_extraFlips(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newFixture()
	f.Timing.ExtraFlipsDelay = 50 * time.Millisecond

	flips := f.Node.Seed(vstate.KindShort, 0, 2, 1)
	f.Node.SetReady(flips[0].Hash, true)
	f.Node.SetReady(flips[2].Hash, true) // The extra flip.

	e := f.Start(t)
	f.SetPeriod(ctx, t, 1, vnode.PeriodShortSession)

	st := eventuallyState(t, e, func(st vstate.State) bool { return st.Short.Ready })
	require.Equal(t, 2, st.Short.Total)

	visible := st.Short.Visible()
	require.Equal(t, flips[0].Hash, visible[0].Hash)
	require.Equal(t, flips[2].Hash, visible[1].Hash)

	last := st.Short.Flips[len(st.Short.Flips)-1]
	require.Equal(t, flips[1].Hash, last.Hash)
	require.True(t, last.Hidden)
	require.True(t, last.Failed)
}

func TestEngine_autoSubmitWhenShortSessionEnds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newFixture()
	f.ReadyAll(f.Node.Seed(vstate.KindShort, 0, 2, 0))

	e := f.Start(t)
	f.SetPeriod(ctx, t, 1, vnode.PeriodShortSession)
	eventuallyState(t, e, func(st vstate.State) bool { return st.Short.Ready })

	_, err := e.Dispatch(ctx, vstate.AnswerFlip{Kind: vstate.KindShort, Option: vstate.AnswerRight})
	require.NoError(t, err)

	f.SetPeriod(ctx, t, 1, vnode.PeriodLongSession)

	eventuallyState(t, e, func(st vstate.State) bool { return st.Short.Submitted })
	subs := f.Node.Submissions(vstate.KindShort)
	require.Len(t, subs, 1)
	require.Len(t, subs[0], 2)
	require.Equal(t, vstate.AnswerRight, subs[0][0].Answer)
	require.Equal(t, vstate.AnswerNone, subs[0][1].Answer)
}

func TestEngine_noAutoSubmitWithoutAnswers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newFixture()
	f.ReadyAll(f.Node.Seed(vstate.KindShort, 0, 2, 0))

	e := f.Start(t)
	f.SetPeriod(ctx, t, 1, vnode.PeriodShortSession)
	eventuallyState(t, e, func(st vstate.State) bool { return st.Short.Ready })

	f.SetPeriod(ctx, t, 1, vnode.PeriodLongSession)
	eventuallyState(t, e, func(st vstate.State) bool { return !st.Long.Loading })

	require.Empty(t, f.Node.Submissions(vstate.KindShort))
}

func TestEngine_longSessionWords(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newFixture()
	flips := f.Node.Seed(vstate.KindLong, 10, 3, 0)
	f.ReadyAll(flips[:2])

	e := f.Start(t)
	f.SetPeriod(ctx, t, 1, vnode.PeriodLongSession)

	st := eventuallyState(t, e, func(st vstate.State) bool {
		vis := st.Long.Visible()
		if len(vis) != 2 {
			return false
		}
		for _, fl := range vis {
			if fl.Words == nil {
				return false
			}
		}
		return true
	})

	// The unready flip is hidden in the long session.
	require.Equal(t, 2, st.Long.Total)
	require.Len(t, st.Long.Flips, 3)
	require.True(t, st.Long.Flips[2].Hidden)
	require.Nil(t, st.Long.Flips[2].Words)

	for _, fl := range st.Long.Visible() {
		for _, want := range flips {
			if want.Hash == fl.Hash {
				require.Equal(t, want.Words, fl.Words)
			}
		}
	}

	st, err := e.Dispatch(ctx, vstate.IrrelevantWordsToggled{})
	require.NoError(t, err)
	require.True(t, st.Long.Flips[0].IrrelevantWords)

	f.ReadyAll(flips)
	st = eventuallyState(t, e, func(st vstate.State) bool { return st.Long.Ready && st.Long.Total == 3 })

	for range st.Long.Total - 1 {
		_, err = e.Dispatch(ctx, vstate.Next{Kind: vstate.KindLong})
		require.NoError(t, err)
	}
	_, err = e.Submit(ctx, vstate.KindLong)
	require.NoError(t, err)

	st, err = e.State(ctx)
	require.NoError(t, err)
	require.True(t, st.Long.Submitted)
	require.Empty(t, st.Long.Flips)
	require.Equal(t, uint64(1), st.Epoch)
	require.Len(t, f.Node.Submissions(vstate.KindLong), 1)
}

func TestEngine_submitFailureIsReturned(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newFixture()
	f.ReadyAll(f.Node.Seed(vstate.KindShort, 0, 1, 0))
	f.Node.SetError(vnode.MethodSubmitShortAnswers, errors.New("mempool full"))

	e := f.Start(t)
	f.SetPeriod(ctx, t, 1, vnode.PeriodShortSession)
	st := eventuallyState(t, e, func(st vstate.State) bool { return st.Short.Ready })
	require.True(t, st.Short.CanSubmit)

	_, err := e.Submit(ctx, vstate.KindShort)
	require.ErrorContains(t, err, "mempool full")
	var se *vengine.SubmitError
	require.ErrorAs(t, err, &se)
	require.Equal(t, vstate.KindShort, se.Kind)

	st, err = e.State(ctx)
	require.NoError(t, err)
	require.True(t, st.SubmitAttempted)
	require.False(t, st.Short.Submitted)

	// No automatic retry happened.
	require.Equal(t, 1, f.Node.Calls(vnode.MethodSubmitShortAnswers))
}

func TestEngine_fetchFailureRecorded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newFixture()
	f.Node.SetNullList(vstate.KindShort, true)

	e := f.Start(t)
	f.SetPeriod(ctx, t, 1, vnode.PeriodShortSession)

	st := eventuallyState(t, e, func(st vstate.State) bool { return st.Error != "" })
	require.Contains(t, st.Error, vflip.ErrNoFlipHashes.Error())
	require.False(t, st.Short.Loading)
}

func TestEngine_epochChangeResetsState(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newFixture()
	f.ReadyAll(f.Node.Seed(vstate.KindShort, 0, 2, 0))

	e := f.Start(t)
	f.SetPeriod(ctx, t, 1, vnode.PeriodShortSession)
	eventuallyState(t, e, func(st vstate.State) bool { return st.Short.Ready })
	require.Equal(t, 2, f.Blobs.Len())

	f.Node.Reset()
	f.SetPeriod(ctx, t, 2, vnode.PeriodNone)

	st := eventuallyState(t, e, func(st vstate.State) bool { return st.Epoch == 2 })
	require.Empty(t, st.Short.Flips)
	require.True(t, st.Short.Loading)
	require.Zero(t, f.Blobs.Len())
}

func TestEngine_restoresPersistedState(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newFixture()
	f.ReadyAll(f.Node.Seed(vstate.KindShort, 0, 2, 0))

	saved := func() vstate.State {
		// Run the first engine in a subtest so it stops before the second starts.
		var st vstate.State
		t.Run("first run", func(t *testing.T) {
			e := f.Start(t)
			f.SetPeriod(ctx, t, 4, vnode.PeriodShortSession)
			eventuallyState(t, e, func(st vstate.State) bool { return st.Short.Ready })

			var err error
			st, err = e.Dispatch(ctx, vstate.AnswerFlip{Kind: vstate.KindShort, Option: vstate.AnswerLeft})
			require.NoError(t, err)
		})
		return st
	}()

	persisted, err := vstore.LoadValidation(ctx, f.Store)
	require.NoError(t, err)
	require.Equal(t, saved, persisted)

	f.Blobs.Reset()
	e := f.Start(t)

	st, err := e.State(ctx)
	require.NoError(t, err)
	require.Equal(t, saved, st)

	// Pictures of loaded flips are served again after a restart.
	require.Equal(t, 2, f.Blobs.Len())

	// Same epoch: the state survives the first snapshot.
	f.SetPeriod(ctx, t, 4, vnode.PeriodShortSession)
	st = eventuallyState(t, e, func(st vstate.State) bool { return st.Epoch == 4 })
	require.True(t, st.Short.Answers[0].Has())
}

func TestEngine_stopped(t *testing.T) {
	f := newFixture()
	log := vtest.NewLogger(t)

	ctx, cancel := context.WithCancel(context.Background())
	c, err := vnode.NewClient(log, vnode.ClientConfig{URL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	e, err := vengine.New(ctx, log, vengine.Config{
		Store:        f.Store,
		Node:         c,
		Fetcher:      vflip.NewFetcher(log, c, nil, vflip.FetcherConfig{}),
		EpochUpdates: f.Epochs,
	})
	require.NoError(t, err)

	cancel()
	e.Wait()

	_, err = e.State(context.Background())
	require.ErrorIs(t, err, vengine.ErrStopped)

	_, err = e.Dispatch(context.Background(), vstate.Next{Kind: vstate.KindShort})
	require.ErrorIs(t, err, vengine.ErrStopped)
}

func TestNew_validatesConfig(t *testing.T) {
	log := vtest.NewLogger(t)

	_, err := vengine.New(context.Background(), log, vengine.Config{})
	require.Error(t, err)
}

// pausingFetcher holds the first fetch of one session kind
// after it completed, until resume is closed.
type pausingFetcher struct {
	vengine.Fetcher

	kind    vstate.Kind
	once    sync.Once
	fetched chan struct{}
	resume  chan struct{}
}

func newPausingFetcher(k vstate.Kind) *pausingFetcher {
	return &pausingFetcher{
		kind:    k,
		fetched: make(chan struct{}),
		resume:  make(chan struct{}),
	}
}

func (p *pausingFetcher) Fetch(ctx context.Context, k vstate.Kind, held []vstate.Flip) ([]vstate.FetchedFlip, error) {
	out, err := p.Fetcher.Fetch(ctx, k, held)
	if k != p.kind {
		return out, err
	}

	first := false
	p.once.Do(func() { first = true })
	if first {
		close(p.fetched)
		select {
		case <-p.resume:
		case <-ctx.Done():
		}
	}
	return out, err
}

func (p *pausingFetcher) wrap(inner vengine.Fetcher) vengine.Fetcher {
	p.Fetcher = inner
	return p
}

func waitFor(ctx context.Context, t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-ctx.Done():
		t.Fatalf("timed out waiting for %s", what)
	}
}

// requirePicturesServed asserts that every URL of every loaded flip in st resolves in b.
func requirePicturesServed(t *testing.T, b *vflip.Blobs, st vstate.State) {
	t.Helper()

	n := 0
	for _, sess := range []vstate.Session{st.Short, st.Long} {
		for _, fl := range sess.Flips {
			if !fl.Loaded {
				continue
			}
			require.Len(t, fl.URLs, len(fl.Pics), "flip %s", fl.Hash)
			for i, u := range fl.URLs {
				hash, idx, err := vflip.ParseHandle(u)
				require.NoError(t, err)
				require.Equal(t, fl.Hash, hash)
				require.Equal(t, i, idx)

				pic, ok := b.Get(hash, idx)
				require.True(t, ok, "flip %s picture %d was released", fl.Hash, i)
				require.Equal(t, fl.Pics[i], pic)
			}
			n++
		}
	}
	require.NotZero(t, n, "no loaded flips to check")
}

func TestEngine_picturesSurviveActionsDuringFetch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newFixture()
	f.ReadyAll(f.Node.Seed(vstate.KindShort, 0, 2, 0))

	pf := newPausingFetcher(vstate.KindShort)
	f.WrapFetcher = pf.wrap

	e := f.Start(t)
	f.SetPeriod(ctx, t, 1, vnode.PeriodShortSession)

	// The fetched content has not reached the state yet.
	waitFor(ctx, t, pf.fetched, "first short fetch")
	_, err := e.Dispatch(ctx, vstate.Next{Kind: vstate.KindShort})
	require.NoError(t, err)
	close(pf.resume)

	st := eventuallyState(t, e, func(st vstate.State) bool { return st.Short.Ready })
	require.Equal(t, 2, st.Short.TotalReady)
	requirePicturesServed(t, f.Blobs, st)
	require.Equal(t, 2, f.Blobs.Len())
}

func TestEngine_picturesSurviveAutoSubmitDuringLongFetch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newFixture()
	f.ReadyAll(f.Node.Seed(vstate.KindShort, 0, 2, 0))
	f.ReadyAll(f.Node.Seed(vstate.KindLong, 100, 3, 0))

	pf := newPausingFetcher(vstate.KindLong)
	f.WrapFetcher = pf.wrap

	e := f.Start(t)
	f.SetPeriod(ctx, t, 1, vnode.PeriodShortSession)
	eventuallyState(t, e, func(st vstate.State) bool { return st.Short.Ready })

	_, err := e.Dispatch(ctx, vstate.AnswerFlip{Kind: vstate.KindShort, Option: vstate.AnswerLeft})
	require.NoError(t, err)

	// Leaving the short session starts the auto-submit and the first long fetch together.
	f.SetPeriod(ctx, t, 1, vnode.PeriodLongSession)
	waitFor(ctx, t, pf.fetched, "first long fetch")
	eventuallyState(t, e, func(st vstate.State) bool { return st.Short.Submitted })
	close(pf.resume)

	st := eventuallyState(t, e, func(st vstate.State) bool { return st.Long.Ready })
	require.Equal(t, 3, st.Long.TotalReady)
	requirePicturesServed(t, f.Blobs, st)

	// Short flips stay loaded after their submission, so their pictures remain too.
	require.Equal(t, 5, f.Blobs.Len())
}

// blockingNode holds the first submission until release is closed.
type blockingNode struct {
	vengine.Node

	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (n *blockingNode) SubmitAnswers(
	ctx context.Context, k vstate.Kind, answers []vnode.SubmittedAnswer,
) (vnode.SubmitResult, error) {
	n.once.Do(func() {
		close(n.entered)
		select {
		case <-n.release:
		case <-ctx.Done():
		}
	})
	return n.Node.SubmitAnswers(ctx, k, answers)
}

func TestEngine_autoSubmitDoesNotMarkNextEpoch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newFixture()
	f.ReadyAll(f.Node.Seed(vstate.KindShort, 0, 2, 0))

	bn := &blockingNode{entered: make(chan struct{}), release: make(chan struct{})}
	f.WrapNode = func(inner vengine.Node) vengine.Node {
		bn.Node = inner
		return bn
	}

	e := f.Start(t)
	f.SetPeriod(ctx, t, 1, vnode.PeriodShortSession)
	eventuallyState(t, e, func(st vstate.State) bool { return st.Short.Ready })

	_, err := e.Dispatch(ctx, vstate.AnswerFlip{Kind: vstate.KindShort, Option: vstate.AnswerRight})
	require.NoError(t, err)

	f.SetPeriod(ctx, t, 1, vnode.PeriodLongSession)
	waitFor(ctx, t, bn.entered, "automatic submission")

	// A new epoch starts while the submission is in flight.
	f.SetPeriod(ctx, t, 2, vnode.PeriodShortSession)
	eventuallyState(t, e, func(st vstate.State) bool { return st.Epoch == 2 })
	close(bn.release)

	require.Eventually(t, func() bool {
		return len(f.Node.Submissions(vstate.KindShort)) == 1
	}, 5*time.Second, time.Millisecond)

	require.Never(t, func() bool {
		st, err := e.State(context.Background())
		return err == nil && st.Short.Submitted
	}, 100*time.Millisecond, 5*time.Millisecond)
}

func TestEngine_corruptPersistedStateDiscarded(t *testing.T) {
	ctx := context.Background()

	f := newFixture()
	require.NoError(t, f.Store.Put(ctx, vstore.KeyValidation, []byte("{")))

	e := f.Start(t)

	st, err := e.State(ctx)
	require.NoError(t, err)
	require.Equal(t, vstate.Initial(), st)
}
