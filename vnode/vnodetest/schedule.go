package vnodetest

import (
	"context"
	"log/slog"
	"time"

	"github.com/flipsession/vsession/vnode"
	"github.com/flipsession/vsession/vstate"
)

// Phase is one step of a schedule run by [RunSchedule].
type Phase struct {
	Period   vnode.Period
	Duration time.Duration
}

// ScheduleConfig configures [RunSchedule].
type ScheduleConfig struct {
	Phases []Phase

	// ReadyInterval is how often another flip becomes ready.
	ReadyInterval time.Duration

	ShortFlips, ShortExtra int
	LongFlips              int
}

// DefaultScheduleConfig returns a schedule that runs one ceremony in a few minutes.
func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		Phases: []Phase{
			{Period: vnode.PeriodFlipLottery, Duration: 10 * time.Second},
			{Period: vnode.PeriodShortSession, Duration: 2 * time.Minute},
			{Period: vnode.PeriodLongSession, Duration: 5 * time.Minute},
			{Period: vnode.PeriodAfterLongSession, Duration: 10 * time.Second},
			{Period: vnode.PeriodNone, Duration: 30 * time.Second},
		},
		ReadyInterval: 2 * time.Second,

		ShortFlips: 5,
		ShortExtra: 2,
		LongFlips:  20,
	}
}

// RunSchedule cycles n through the configured phases until ctx is canceled,
// starting a new epoch with freshly seeded flips at each lottery.
func RunSchedule(ctx context.Context, log *slog.Logger, n *Node, cfg ScheduleConfig) {
	if len(cfg.Phases) == 0 {
		panic("BUG: RunSchedule requires at least one phase")
	}

	readyTick := time.NewTicker(cfg.ReadyInterval)
	defer readyTick.Stop()

	epoch := n.Epoch().Epoch
	for i := 0; ; i = (i + 1) % len(cfg.Phases) {
		p := cfg.Phases[i]

		if p.Period == vnode.PeriodFlipLottery {
			epoch++
			n.Reset()
			seed := int(epoch) * 1000
			n.Seed(vstate.KindShort, seed, cfg.ShortFlips, cfg.ShortExtra)
			n.Seed(vstate.KindLong, seed+500, cfg.LongFlips, 0)
		}

		n.SetEpoch(vnode.Epoch{
			Epoch:          epoch,
			CurrentPeriod:  p.Period,
			NextValidation: time.Now().Add(p.Duration),
		})
		log.Info("Entering period", "epoch", epoch, "period", p.Period, "duration", p.Duration)

		phaseTimer := time.NewTimer(p.Duration)
	PHASE:
		for {
			select {
			case <-ctx.Done():
				phaseTimer.Stop()
				return
			case <-phaseTimer.C:
				break PHASE
			case <-readyTick.C:
				if !p.Period.ValidationRunning() {
					continue
				}
				if hash, ok := n.ReadyNext(); ok {
					log.Debug("Flip became ready", "hash", hash)
				}
			}
		}
	}
}
