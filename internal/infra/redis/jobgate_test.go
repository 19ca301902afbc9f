package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func TestJobGatePauseAndResume(t *testing.T) {
	t.Parallel()

	gate, err := NewJobGate(newTestRedisClient(t), "")
	if err != nil {
		t.Fatalf("NewJobGate() error = %v", err)
	}
	ctx := context.Background()

	allowed, err := gate.ShouldRun(ctx, "webhooks")
	if err != nil || !allowed {
		t.Fatalf("ShouldRun() = %v, %v; want true, nil", allowed, err)
	}

	if err := gate.Pause(ctx, "webhooks"); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	allowed, err = gate.ShouldRun(ctx, "webhooks")
	if err != nil || allowed {
		t.Fatalf("ShouldRun() after pause = %v, %v; want false, nil", allowed, err)
	}

	allowed, _ = gate.ShouldRun(ctx, "outbox")
	if !allowed {
		t.Fatal("pausing one job should not affect another")
	}

	if err := gate.Resume(ctx, "webhooks"); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	allowed, _ = gate.ShouldRun(ctx, "webhooks")
	if !allowed {
		t.Fatal("ShouldRun() after resume should be true")
	}
}

func TestJobGateFalsyValueRuns(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	if err := mr.Set("ops:paused:retention", "false"); err != nil {
		t.Fatalf("miniredis Set() error = %v", err)
	}

	gate, _ := NewJobGate(client, "ops:paused:")
	allowed, err := gate.ShouldRun(context.Background(), "retention")
	if err != nil || !allowed {
		t.Fatalf("ShouldRun() = %v, %v; want true, nil", allowed, err)
	}
}

func TestJobGateUnavailableReturnsError(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	gate, _ := NewJobGate(client, "")
	if _, err := gate.ShouldRun(context.Background(), "outbox"); err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
}
