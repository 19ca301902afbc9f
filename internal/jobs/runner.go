package jobs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const defaultInterval = time.Minute

// Task is one unit of periodic work. ProcessNow returns the number of items
// handled and must be safe to call concurrently.
type Task interface {
	ProcessNow(ctx context.Context) (int, error)
}

// BusyReporter is implemented by tasks that can tell whether a run is already
// in flight in this process.
type BusyReporter interface {
	Running() bool
}

// TickRecorder receives the outcome of every tick.
type TickRecorder interface {
	IncJobTick(job string, outcome string)
}

// Runner drives a Task on a fixed interval.
type Runner struct {
	name     string
	task     Task
	gate     Gate
	interval time.Duration
	logger   *zap.Logger
	recorder TickRecorder
}

func NewRunner(name string, task Task, gate Gate, interval time.Duration, logger *zap.Logger) (*Runner, error) {
	if name == "" {
		return nil, fmt.Errorf("job name is required")
	}
	if task == nil {
		return nil, fmt.Errorf("task is required")
	}
	if gate == nil {
		gate = OpenGate{}
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Runner{
		name:     name,
		task:     task,
		gate:     gate,
		interval: interval,
		logger:   logger.With(zap.String("job", name)),
	}, nil
}

func (r *Runner) SetRecorder(recorder TickRecorder) {
	if r == nil {
		return
	}
	r.recorder = recorder
}

func (r *Runner) Name() string { return r.name }

// Start runs an initial tick and then one per interval until ctx is done.
func (r *Runner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	r.logger.Info("job started", zap.Duration("interval", r.interval))
	r.tick(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job stopped")
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	if !ShouldRun(ctx, r.gate, r.name, r.logger) {
		r.logger.Debug("job paused by gate")
		r.record("skipped_gate")
		return
	}

	if busy, ok := r.task.(BusyReporter); ok && busy.Running() {
		r.logger.Debug("previous run still in flight, skipping tick")
		r.record("skipped_busy")
		return
	}

	processed, err := r.task.ProcessNow(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("job tick failed", zap.Error(err))
		r.record("error")
		return
	}

	r.record("ran")
	if processed > 0 {
		r.logger.Debug("job tick completed", zap.Int("processed", processed))
	}
}

func (r *Runner) record(outcome string) {
	if r.recorder != nil {
		r.recorder.IncJobTick(r.name, outcome)
	}
}
