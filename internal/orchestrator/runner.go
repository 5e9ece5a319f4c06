// Package orchestrator drives the pipeline: a single-slot queue feeds a
// worker goroutine, and a ticker enqueues scheduled runs.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/opsframe/adrflow/internal/clock"
	"github.com/opsframe/adrflow/internal/config"
	"github.com/opsframe/adrflow/internal/orchestrator/domain"
	"github.com/opsframe/adrflow/internal/orchestrator/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type RunnerParams struct {
	fx.In

	Log    *zap.Logger
	Config config.Config
	Clock  clock.Clock
	Queue  *queue.Queue
	Svc    domain.Service
}

type Runner struct {
	log   *zap.Logger
	cfg   config.Config
	clock clock.Clock
	queue *queue.Queue
	svc   domain.Service
}

func NewRunner(p RunnerParams) *Runner {
	return &Runner{
		log:   p.Log.Named("orchestrator.runner"),
		cfg:   p.Config,
		clock: p.Clock,
		queue: p.Queue,
		svc:   p.Svc,
	}
}

// EnqueueScheduled queues a timer-driven run. A run already in flight wins;
// the tick is dropped, not queued behind it.
func (r *Runner) EnqueueScheduled() {
	req := domain.Request{
		RequestID:   uuid.NewString(),
		RequestedBy: "Scheduler",
		RequestedAt: r.clock.Now(),
	}
	if err := r.queue.Enqueue(req); err != nil {
		if errors.Is(err, queue.ErrAlreadyRunning) {
			r.log.Info("scheduled run skipped, previous run still active")
			return
		}
		r.log.Warn("scheduled run not queued", zap.Error(err))
	}
}

// EnqueueManual queues an operator-requested run.
func (r *Runner) EnqueueManual(requestedBy string) (string, error) {
	req := domain.Request{
		RequestID:   uuid.NewString(),
		RequestedBy: requestedBy,
		RequestedAt: r.clock.Now(),
	}
	if err := r.queue.Enqueue(req); err != nil {
		return "", err
	}
	return req.RequestID, nil
}

// Work consumes the queue until the context ends. One run at a time; a run
// failure is logged and recorded on its row, never fatal to the loop.
func (r *Runner) Work(ctx context.Context) {
	for {
		req, ok := r.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if err := r.svc.RunPipeline(ctx, req); err != nil {
			r.log.Error("pipeline run failed",
				zap.String("request_id", req.RequestID),
				zap.Error(err),
			)
		}
		r.queue.Finish()
	}
}

// Tick enqueues a scheduled run at every interval until the context ends.
func (r *Runner) Tick(ctx context.Context) {
	interval := time.Duration(r.cfg.RunIntervalMinutes) * time.Minute
	if interval <= 0 {
		r.log.Info("scheduled runs disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EnqueueScheduled()
		}
	}
}

// Start recovers abandoned work, then launches the worker and ticker.
func (r *Runner) Start(ctx context.Context) {
	if delay := time.Duration(r.cfg.StartupDelaySeconds) * time.Second; delay > 0 {
		r.log.Info("startup delay", zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	if err := r.svc.RecoverOnStartup(ctx); err != nil {
		r.log.Error("startup recovery failed", zap.Error(err))
	}

	go r.Work(ctx)
	go r.Tick(ctx)
}

func RegisterRunner(lc fx.Lifecycle, runner *Runner) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go runner.Start(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
