package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"ticksched/internal/eventbus"
	"ticksched/internal/tick/engine"
	logx "ticksched/pkg/logx"
)

func TestServiceRecordsBusEvents(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "runs.jsonl")
	sink, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sink.Close()

	bus := eventbus.New()
	svc := NewService(sink, bus, logx.Nop())
	svc.Start(context.Background())

	bus.Publish(eventbus.Event{
		Type: eventbus.TopicTaskCompleted,
		Data: engine.TaskEvent{
			ID:         "tsk-abc",
			Name:       "cleanup",
			Type:       "entity",
			Worker:     2,
			Tick:       40,
			State:      "completed",
			Executions: 4,
			Duration:   12 * time.Millisecond,
		},
	})
	// non-task payloads are ignored
	bus.Publish(eventbus.Event{Type: "config.reloaded", Data: "noise"})

	svc.Stop(context.Background())

	got, err := svc.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("recorded %d records, want 1", len(got))
	}
	r := got[0]
	if r.TaskID != "tsk-abc" || r.State != "completed" || r.Worker != 2 || r.Tick != 40 {
		t.Fatalf("unexpected record: %+v", r)
	}
	if r.DurationMS != 12 {
		t.Fatalf("DurationMS = %d, want 12", r.DurationMS)
	}
}

func TestServiceDisabledIsNoop(t *testing.T) {
	t.Parallel()
	svc := NewService(nil, eventbus.New(), logx.Nop())
	svc.Start(context.Background())
	svc.Stop(context.Background())
	if _, err := svc.Recent(context.Background(), 5); err != ErrDisabled {
		t.Fatalf("Recent on disabled journal: err = %v, want ErrDisabled", err)
	}
}
