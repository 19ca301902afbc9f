package jobs

import (
	"context"

	"go.uber.org/zap"
)

// Gate decides whether a periodic job should run this tick.
type Gate interface {
	ShouldRun(ctx context.Context, job string) (bool, error)
}

// OpenGate always allows the job to run.
type OpenGate struct{}

func (OpenGate) ShouldRun(context.Context, string) (bool, error) { return true, nil }

// ShouldRun consults gate and fails open: a gate error lets the job run.
func ShouldRun(ctx context.Context, gate Gate, job string, logger *zap.Logger) bool {
	if gate == nil {
		return true
	}

	allowed, err := gate.ShouldRun(ctx, job)
	if err != nil {
		if logger != nil {
			logger.Warn("job gate unavailable, running anyway",
				zap.String("job", job),
				zap.Error(err),
			)
		}
		return true
	}
	return allowed
}
