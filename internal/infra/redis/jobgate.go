package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kursadbilgin/delivery-engine/internal/jobs"
	goredis "github.com/redis/go-redis/v9"
)

const DefaultJobGatePrefix = "jobs:paused:"

var _ jobs.Gate = (*JobGate)(nil)

// JobGate lets operators pause a periodic job across all instances by setting
// <prefix><job> to a truthy value. A missing key means the job runs.
type JobGate struct {
	client *goredis.Client
	prefix string
}

func NewJobGate(client *goredis.Client, prefix string) (*JobGate, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultJobGatePrefix
	}
	return &JobGate{client: client, prefix: prefix}, nil
}

func (g *JobGate) ShouldRun(ctx context.Context, job string) (bool, error) {
	value, err := g.client.Get(ctx, g.prefix+job).Result()
	if errors.Is(err, goredis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read job gate: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "0", "false", "no":
		return true, nil
	}
	return false, nil
}

// Pause sets the pause flag for job.
func (g *JobGate) Pause(ctx context.Context, job string) error {
	return g.client.Set(ctx, g.prefix+job, "1", 0).Err()
}

func (g *JobGate) Resume(ctx context.Context, job string) error {
	return g.client.Del(ctx, g.prefix+job).Err()
}
