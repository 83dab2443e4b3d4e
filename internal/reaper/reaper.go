package reaper

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/snaphunt/duel-server/internal/duel"
	"github.com/snaphunt/duel-server/internal/matchqueue"
	"github.com/snaphunt/duel-server/internal/obslog"
)

type Config struct {
	// Sweep cadence.
	Interval time.Duration
	// Queue entries waiting longer than this are dropped.
	QueueTimeout time.Duration
	// ACTIVE matches older than this are expired with no winner.
	MatchTimeout time.Duration
}

// Reaper bounds the lifetime of abandoned state: ghost searchers blocking
// FIFO fairness and duels whose participants walked away. It never runs on
// a user-facing request path, so sweep failures are logged and the next
// sweep simply tries again.
type Reaper struct {
	sched gocron.Scheduler
	queue *matchqueue.Manager
	duels *duel.Manager
	cfg   Config
}

func New(queue *matchqueue.Manager, duels *duel.Manager, cfg Config) (*Reaper, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = 2 * time.Minute
	}
	if cfg.MatchTimeout <= 0 {
		cfg.MatchTimeout = 5 * time.Minute
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Reaper{sched: sched, queue: queue, duels: duels, cfg: cfg}, nil
}

func (r *Reaper) Start() error {
	_, err := r.sched.NewJob(
		gocron.DurationJob(r.cfg.Interval),
		gocron.NewTask(r.RunOnce),
	)
	if err != nil {
		return err
	}
	r.sched.Start()
	obslog.L().Info("reaper_start",
		zap.Duration("interval", r.cfg.Interval),
		zap.Duration("queue_timeout", r.cfg.QueueTimeout),
		zap.Duration("match_timeout", r.cfg.MatchTimeout),
	)
	return nil
}

func (r *Reaper) Stop() error {
	return r.sched.Shutdown()
}

// RunOnce performs a single sweep. Each sub-sweep fails independently; an
// error in one never blocks the other or a later cycle.
func (r *Reaper) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Interval)
	defer cancel()

	if _, err := r.queue.ReapStale(ctx, r.cfg.QueueTimeout); err != nil {
		obslog.L().Error("reaper_queue_sweep_error", zap.Error(err))
	}
	if n, err := r.duels.ExpireOverdue(ctx, r.cfg.MatchTimeout); err != nil {
		obslog.L().Error("reaper_match_sweep_error", zap.Error(err))
	} else if n > 0 {
		obslog.L().Info("reaper_match_sweep", zap.Int("expired", n))
	}
}
