// Package scheduler promotes due messages from Postgres onto the
// dispatcher's bounded handoff channel. It never sends anything itself --
// that boundary belongs entirely to internal/dispatcher.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sms-gateway/internal/dispatcher"
	"sms-gateway/internal/observability"
	"sms-gateway/internal/store"
)

type Config struct {
	Tick      time.Duration
	BatchSize int
}

type Scheduler struct {
	cfg     Config
	store   *store.Store
	tasks   chan<- dispatcher.Task
	metrics *observability.Metrics
	log     *zap.Logger
	paused  atomic.Bool
}

// Pause stops new claims from going out; in-flight sends are unaffected.
func (sch *Scheduler) Pause() { sch.paused.Store(true) }

func (sch *Scheduler) Resume() { sch.paused.Store(false) }

func (sch *Scheduler) IsPaused() bool { return sch.paused.Load() }

func New(cfg Config, s *store.Store, tasks chan<- dispatcher.Task, metrics *observability.Metrics, log *zap.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	return &Scheduler{cfg: cfg, store: s, tasks: tasks, metrics: metrics, log: log}
}

// Recover runs the startup orphan-recovery pass once, before the first tick.
func (sch *Scheduler) Recover(ctx context.Context) error {
	n, err := sch.store.RecoverOrphans(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		sch.log.Info("recovered orphaned in-flight messages at startup", zap.Int("count", n))
	}
	return nil
}

// Run drives the ticker loop until ctx is cancelled. A batch that comes
// back full re-ticks immediately instead of waiting for the next interval,
// so a backlog drains as fast as the dispatcher can absorb it.
func (sch *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(sch.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			full := sch.tick(ctx)
			if full {
				sch.drainWhileFull(ctx)
			}
		}
	}
}

func (sch *Scheduler) drainWhileFull(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if full := sch.tick(ctx); !full {
			return
		}
	}
}

// tick claims one batch and hands each message to the dispatcher,
// releasing the claim if the channel is saturated. It returns whether the
// batch came back at full size, signalling more work is likely queued.
func (sch *Scheduler) tick(ctx context.Context) bool {
	if sch.paused.Load() {
		return false
	}
	start := time.Now()
	claimed, err := sch.store.ClaimDueForScheduling(ctx, sch.cfg.BatchSize)
	sch.metrics.SchedulerClaimLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		sch.log.Error("failed to claim due messages", zap.Error(err))
		return false
	}
	if len(claimed) == 0 {
		return false
	}
	sch.metrics.SchedulerClaimedTotal.Add(float64(len(claimed)))

	for i, m := range claimed {
		select {
		case sch.tasks <- dispatcher.Task{Message: m}:
		default:
			// Dispatcher is saturated: release this claim and every remaining
			// one and end the tick, so the messages are picked up again next
			// tick in claim order instead of being stranded CLAIMED.
			for _, rest := range claimed[i:] {
				if err := sch.store.ReleaseClaim(ctx, rest.ID); err != nil {
					sch.log.Error("failed to release claim under backpressure", zap.Int64("messageId", rest.ID), zap.Error(err))
				}
			}
			return len(claimed) == sch.cfg.BatchSize
		}
	}

	return len(claimed) == sch.cfg.BatchSize
}
