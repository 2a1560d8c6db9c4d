package cronbridge

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"ticksched/internal/tick/engine"
	logx "ticksched/pkg/logx"
)

func newTestBridge(t *testing.T) (*Service, *engine.Service) {
	t.Helper()
	eng := engine.New(engine.Config{Workers: 1, AsyncWorkers: 1}, nil, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() { eng.Stop(context.Background()) })
	return New(Config{Enabled: true}, eng, logx.Nop()), eng
}

func TestUpsertByNameKeepsOneDefinition(t *testing.T) {
	t.Parallel()
	s, _ := newTestBridge(t)
	job := func(ctx context.Context) error { return nil }

	if _, err := s.AddCron("report", "0 0 * * *", job); err != nil {
		t.Fatalf("AddCron: %v", err)
	}
	if _, err := s.AddInterval("report", time.Hour, job); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}

	snap := s.Snapshot()
	if len(snap.Schedules) != 1 {
		t.Fatalf("schedules = %d, want 1", len(snap.Schedules))
	}
	if snap.Schedules[0].Spec != "@every 1h0m0s" {
		t.Fatalf("spec = %q, want the interval form", snap.Schedules[0].Spec)
	}
}

func TestRemoveUnregistersSchedulesAndTimers(t *testing.T) {
	t.Parallel()
	s, _ := newTestBridge(t)
	job := func(ctx context.Context) error { return nil }

	if _, err := s.AddCron("nightly", "0 3 * * *", job); err != nil {
		t.Fatalf("AddCron: %v", err)
	}
	if _, err := s.AddOnce("later", time.Now().Add(time.Hour), TriggerOptions{}, job); err != nil {
		t.Fatalf("AddOnce: %v", err)
	}

	if !s.Remove("nightly") {
		t.Fatal("Remove(nightly) = false")
	}
	if !s.Remove("later") {
		t.Fatal("Remove(later) = false")
	}
	if s.Remove("nightly") {
		t.Fatal("second Remove should report nothing left")
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 0 || snap.Once != 0 {
		t.Fatalf("snapshot not empty after removal: %+v", snap)
	}
}

func TestAddScheduleRejectsInvalid(t *testing.T) {
	t.Parallel()
	s, _ := newTestBridge(t)
	if _, err := s.AddSchedule("x", "nonsense", func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if _, err := s.AddCron("", "* * * * *", func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestOnceTriggerSubmitsIntoEngine(t *testing.T) {
	t.Parallel()
	s, eng := newTestBridge(t)

	var ran atomic.Int32
	if _, err := s.AddOnce("soon", time.Now(), TriggerOptions{}, func(ctx context.Context) error {
		ran.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("AddOnce: %v", err)
	}

	// The timer fires on the wall clock; ticks move the submitted task
	// through the shared pool.
	deadline := time.Now().Add(2 * time.Second)
	now := engine.Tick(0)
	for ran.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("once job never ran")
		}
		eng.Tick(engine.WorkerMain, now)
		now++
		time.Sleep(5 * time.Millisecond)
	}
	if got := s.Snapshot().Once; got != 0 {
		t.Fatalf("once definitions after fire = %d, want 0", got)
	}
}

func TestOverlapSkipReportsWithoutSubmitting(t *testing.T) {
	t.Parallel()
	s, eng := newTestBridge(t)

	var flag atomic.Bool
	flag.Store(true) // simulate a run still in flight
	before := eng.Snapshot().Submitted
	s.submitRun("busy", TriggerOptions{Overlap: OverlapSkipIfRunning}, func(ctx context.Context) error { return nil }, &flag)
	if got := eng.Snapshot().Submitted; got != before {
		t.Fatalf("Submitted = %d, want unchanged %d", got, before)
	}

	flag.Store(false)
	s.submitRun("busy", TriggerOptions{Overlap: OverlapSkipIfRunning}, func(ctx context.Context) error { return nil }, &flag)
	if got := eng.Snapshot().Submitted; got != before+1 {
		t.Fatalf("Submitted = %d, want %d", got, before+1)
	}
	if !flag.Load() {
		t.Fatal("in-flight flag should stay set until the body runs")
	}
}

func TestApplyTimezoneRestartsCron(t *testing.T) {
	t.Parallel()
	s, _ := newTestBridge(t)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if _, err := s.AddCron("tzjob", "0 12 * * *", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("AddCron: %v", err)
	}
	s.Apply(Config{Enabled: true, Timezone: "UTC"})

	snap := s.Snapshot()
	if snap.Timezone != "UTC" {
		t.Fatalf("Timezone = %q, want UTC", snap.Timezone)
	}
	if len(snap.Schedules) != 1 || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("schedule lost across restart: %+v", snap.Schedules)
	}
}
