// Package vepoch polls the node for the current epoch and validation period.
package vepoch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/flipsession/vsession/internal/vmetrics"
	"github.com/flipsession/vsession/vnode"
)

// Node is the subset of [*vnode.Client] used by the [Poller].
type Node interface {
	Epoch(ctx context.Context) (vnode.Epoch, error)
}

// Snapshot is the last epoch successfully read from the node.
type Snapshot struct {
	Epoch vnode.Epoch `json:"epoch"`

	// Valid is false until the first successful poll.
	Valid bool `json:"valid"`
}

// IsValidationRunning reports whether the node is in the short or long session.
func (s Snapshot) IsValidationRunning() bool {
	return s.Valid && s.Epoch.CurrentPeriod.ValidationRunning()
}

func (s Snapshot) differs(o Snapshot) bool {
	return s.Valid != o.Valid ||
		s.Epoch.Epoch != o.Epoch.Epoch ||
		s.Epoch.CurrentPeriod != o.Epoch.CurrentPeriod ||
		!s.Epoch.NextValidation.Equal(o.Epoch.NextValidation)
}

type Config struct {
	// Interval between polls. Zero uses DefaultInterval.
	Interval time.Duration
}

const DefaultInterval = time.Second

// Poller queries the node for the epoch immediately and then on every interval.
type Poller struct {
	log *slog.Logger

	node Node
	m    *vmetrics.Metrics

	interval time.Duration

	cur     atomic.Pointer[Snapshot]
	updates chan Snapshot

	done chan struct{}
}

// NewPoller starts a Poller that runs until ctx is canceled.
// m may be nil.
func NewPoller(ctx context.Context, log *slog.Logger, node Node, m *vmetrics.Metrics, cfg Config) *Poller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	p := &Poller{
		log: log,

		node: node,
		m:    m,

		interval: interval,

		updates: make(chan Snapshot, 1),

		done: make(chan struct{}),
	}
	p.cur.Store(&Snapshot{})

	go p.run(ctx)

	return p
}

// Wait blocks until the poller's goroutine has exited.
func (p *Poller) Wait() {
	<-p.done
}

// Snapshot returns the most recent successful poll result.
func (p *Poller) Snapshot() Snapshot {
	return *p.cur.Load()
}

// Updates delivers the snapshot each time it changes.
// Only the latest unread change is kept.
// The channel is closed when the poller stops.
func (p *Poller) Updates() <-chan Snapshot {
	return p.updates
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	defer close(p.updates)

	t := time.NewTicker(p.interval)
	defer t.Stop()

	for {
		p.poll(ctx)

		select {
		case <-ctx.Done():
			p.log.Info("Stopping due to context cancellation", "cause", context.Cause(ctx))
			return
		case <-t.C:
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	e, err := p.node.Epoch(ctx)
	p.m.EpochPoll(err)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("Failed to poll epoch", "err", err)
		}
		return
	}

	next := Snapshot{Epoch: e, Valid: true}
	if !next.differs(*p.cur.Load()) {
		return
	}

	p.log.Debug("Epoch changed", "epoch", e.Epoch, "period", e.CurrentPeriod)
	p.cur.Store(&next)
	p.publish(next)
}

func (p *Poller) publish(s Snapshot) {
	select {
	case p.updates <- s:
		return
	default:
	}

	// Replace the unread snapshot.
	select {
	case <-p.updates:
	default:
	}
	p.updates <- s
}
