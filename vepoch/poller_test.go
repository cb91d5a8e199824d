package vepoch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flipsession/vsession/internal/vtest"
	"github.com/flipsession/vsession/vepoch"
	"github.com/flipsession/vsession/vnode"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeNode returns whatever epoch or error was last set.
type fakeNode struct {
	mu    sync.Mutex
	epoch vnode.Epoch
	err   error
	calls int
}

func (n *fakeNode) Epoch(context.Context) (vnode.Epoch, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return n.epoch, n.err
}

func (n *fakeNode) set(e vnode.Epoch, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.epoch, n.err = e, err
}

func (n *fakeNode) Calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

func TestPoller_pollsImmediately(t *testing.T) {
	t.Parallel()

	n := &fakeNode{epoch: vnode.Epoch{Epoch: 3, CurrentPeriod: vnode.PeriodShortSession}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := vepoch.NewPoller(ctx, vtest.NewLogger(t), n, nil, vepoch.Config{Interval: time.Hour})
	defer p.Wait()
	defer cancel()

	select {
	case s := <-p.Updates():
		require.True(t, s.Valid)
		require.True(t, s.IsValidationRunning())
		require.Equal(t, uint64(3), s.Epoch.Epoch)
	case <-time.After(2 * time.Second):
		t.Fatal("no update")
	}

	require.Equal(t, uint64(3), p.Snapshot().Epoch.Epoch)
}

func TestPoller_onlyChangesPublished(t *testing.T) {
	t.Parallel()

	n := &fakeNode{epoch: vnode.Epoch{Epoch: 1, CurrentPeriod: vnode.PeriodFlipLottery}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := vepoch.NewPoller(ctx, vtest.NewLogger(t), n, nil, vepoch.Config{Interval: time.Millisecond})
	defer p.Wait()
	defer cancel()

	s := <-p.Updates()
	require.Equal(t, vnode.PeriodFlipLottery, s.Epoch.CurrentPeriod)
	require.False(t, s.IsValidationRunning())

	// Several polls pass without any change.
	require.Eventually(t, func() bool { return n.Calls() > 5 }, 2*time.Second, time.Millisecond)
	select {
	case s := <-p.Updates():
		t.Fatalf("unexpected update %+v", s)
	default:
	}

	n.set(vnode.Epoch{Epoch: 1, CurrentPeriod: vnode.PeriodLongSession}, nil)
	select {
	case s := <-p.Updates():
		require.Equal(t, vnode.PeriodLongSession, s.Epoch.CurrentPeriod)
	case <-time.After(2 * time.Second):
		t.Fatal("no update after period change")
	}
}

func TestPoller_errorKeepsPreviousSnapshot(t *testing.T) {
	t.Parallel()

	n := &fakeNode{epoch: vnode.Epoch{Epoch: 9, CurrentPeriod: vnode.PeriodShortSession}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := vepoch.NewPoller(ctx, vtest.NewLogger(t), n, nil, vepoch.Config{Interval: time.Millisecond})
	defer p.Wait()
	defer cancel()

	<-p.Updates()

	n.set(vnode.Epoch{}, errors.New("connection refused"))
	before := n.Calls()
	require.Eventually(t, func() bool { return n.Calls() > before+3 }, 2*time.Second, time.Millisecond)

	s := p.Snapshot()
	require.True(t, s.Valid)
	require.Equal(t, uint64(9), s.Epoch.Epoch)
}

func TestPoller_neverValidBeforeFirstSuccess(t *testing.T) {
	t.Parallel()

	n := &fakeNode{err: errors.New("down")}

	ctx, cancel := context.WithCancel(context.Background())
	p := vepoch.NewPoller(ctx, vtest.NewLogger(t), n, nil, vepoch.Config{Interval: time.Millisecond})

	require.Eventually(t, func() bool { return n.Calls() > 2 }, 2*time.Second, time.Millisecond)
	require.False(t, p.Snapshot().Valid)
	require.False(t, p.Snapshot().IsValidationRunning())

	cancel()
	p.Wait()

	_, open := <-p.Updates()
	require.False(t, open)
}
