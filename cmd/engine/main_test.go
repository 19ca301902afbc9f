package main

import (
	"context"
	"testing"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/bus"
	"github.com/kursadbilgin/delivery-engine/internal/config"
	"github.com/kursadbilgin/delivery-engine/internal/service"
	"go.uber.org/zap"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	for _, name := range []string{"run", "migrate", "sweep", "emit"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd == root {
			t.Fatalf("subcommand %q not registered: %v", name, err)
		}
	}

	migrate, _, _ := root.Find([]string{"migrate"})
	if migrate.Flags().Lookup("rollback") == nil {
		t.Fatal("migrate must expose --rollback")
	}
}

func TestEmitRejectsInvalidPayload(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	root.SetArgs([]string{"emit", "--tenant", "t1", "--type", "order.created", "--payload", "{not json"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error for invalid payload")
	}
}

func TestNewPublisher(t *testing.T) {
	t.Parallel()

	p, err := newPublisher(&config.Config{EventBus: config.EventBusMemory}, zap.NewNop())
	if err != nil {
		t.Fatalf("newPublisher(memory) error = %v", err)
	}
	if _, ok := p.(*bus.MemoryBus); !ok {
		t.Fatalf("publisher = %T, want *bus.MemoryBus", p)
	}

	if _, err := newPublisher(&config.Config{EventBus: "sqs"}, zap.NewNop()); err == nil {
		t.Fatal("expected error for unknown bus")
	}
}

type noopTask struct{}

func (noopTask) ProcessNow(context.Context) (int, error) { return 0, nil }

func TestJobScheduleNamesMatchGateKeysAndRoutes(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		OutboxDispatchIntervalSec:  60,
		FanOutIntervalSec:          30,
		WebhookDispatchIntervalSec: 15,
		RetentionIntervalMin:       60,
	}
	schedule := jobSchedule(cfg, noopTask{}, noopTask{}, noopTask{}, noopTask{})

	want := []struct {
		name     string
		interval time.Duration
	}{
		{service.OutboxDispatcherJobName, time.Minute},
		{service.WebhookFanOutJobName, 30 * time.Second},
		{service.WebhookDispatcherJobName, 15 * time.Second},
		{service.RetentionJobName, time.Hour},
	}
	if len(schedule) != len(want) {
		t.Fatalf("len(schedule) = %d, want %d", len(schedule), len(want))
	}
	for i, w := range want {
		if schedule[i].name != w.name || schedule[i].interval != w.interval {
			t.Fatalf("schedule[%d] = %s/%s, want %s/%s", i, schedule[i].name, schedule[i].interval, w.name, w.interval)
		}
	}

	names := []string{schedule[0].name, schedule[1].name, schedule[2].name, schedule[3].name}
	if names[0] != "outbox" || names[1] != "fanout" || names[2] != "webhooks" || names[3] != "retention" {
		t.Fatalf("job names = %v, want [outbox fanout webhooks retention]", names)
	}
}
