package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "ticksched/pkg/logx"
)

// fakeResolver is a mutable ownership table for tests.
type fakeResolver struct {
	mu     sync.Mutex
	owners map[any]Resolution
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{owners: map[any]Resolution{}}
}

func (r *fakeResolver) set(ref any, res Resolution) {
	r.mu.Lock()
	r.owners[ref] = res
	r.mu.Unlock()
}

func (r *fakeResolver) Resolve(b Binding) Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.owners[b.Ref]
	if !ok {
		return Gone()
	}
	return res
}

func newTestEngine(t *testing.T, workers int, r Resolver) *Service {
	t.Helper()
	return New(Config{Workers: workers}, r, logx.Nop(), nil)
}

func driveTicks(s *Service, worker WorkerID, from, to Tick) {
	for now := from; now <= to; now++ {
		s.Tick(worker, now)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	body := func(ctx context.Context) error { return nil }
	ctxBody := func(ctx context.Context, run *Execution) error { return nil }

	tests := []struct {
		name string
		spec Spec
		want error
	}{
		{name: "no body", spec: Spec{}, want: ErrNoBody},
		{name: "two bodies", spec: Spec{Body: body, ContextBody: ctxBody}, want: ErrTwoBodies},
		{name: "two bindings", spec: Spec{Body: body, Entity: 1, Location: 2}, want: ErrTwoBindings},
		{name: "negative max executions", spec: Spec{Body: body, MaxExecutions: -1}, want: ErrNegativeMaxExecs},
		{name: "entity type without binding", spec: Spec{Body: body, Type: TypeEntity}, want: ErrTypeBindMismatch},
		{name: "async type with binding", spec: Spec{Body: body, Type: TypeAsync, Entity: 1}, want: ErrTypeBindMismatch},
	}

	s := newTestEngine(t, 1, newFakeResolver())
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := s.Submit(tt.spec); !errors.Is(err, tt.want) {
				t.Fatalf("Submit() err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubmitBoundWithoutResolver(t *testing.T) {
	t.Parallel()
	s := newTestEngine(t, 1, nil)
	_, err := s.Submit(Spec{Body: func(ctx context.Context) error { return nil }, Entity: 7})
	if !errors.Is(err, ErrNoResolver) {
		t.Fatalf("err = %v, want ErrNoResolver", err)
	}
}

func TestNegativeDelayAndPeriodClamped(t *testing.T) {
	t.Parallel()
	s := newTestEngine(t, 1, nil)
	var runs int32
	h, err := s.Submit(Spec{
		Delay:  -3,
		Period: -1,
		Body:   func(ctx context.Context) error { atomic.AddInt32(&runs, 1); return nil },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	s.Tick(WorkerMain, 0)
	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
	if st := h.Snapshot(); st.State != StateCompleted {
		t.Fatalf("state = %v, want completed", st.State)
	}
}

func TestOneShotRunsOnce(t *testing.T) {
	t.Parallel()
	s := newTestEngine(t, 1, nil)
	var runs int32
	var completed int32
	h, err := s.Submit(Spec{
		Name:       "oneshot",
		Delay:      2,
		Body:       func(ctx context.Context) error { atomic.AddInt32(&runs, 1); return nil },
		OnComplete: func() { atomic.AddInt32(&completed, 1) },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	s.Tick(WorkerMain, 1)
	if atomic.LoadInt32(&runs) != 0 {
		t.Fatal("ran before due tick")
	}
	driveTicks(s, WorkerMain, 2, 10)
	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&completed); got != 1 {
		t.Fatalf("completion callbacks = %d, want 1", got)
	}
	st := h.Snapshot()
	if st.State != StateCompleted || st.ExecutionCount != 1 {
		t.Fatalf("snapshot = %+v, want completed with 1 execution", st)
	}
	if st.LastExecutedAt != 2 {
		t.Fatalf("LastExecutedAt = %d, want 2", st.LastExecutedAt)
	}
}

// Scenario: delay 0, period 5, cap 3. After tick 15 the task completed
// exactly 3 runs.
func TestRepeatingTaskHitsExecutionCap(t *testing.T) {
	t.Parallel()
	s := newTestEngine(t, 1, nil)
	var runTicks []Tick
	var mu sync.Mutex
	h, err := s.Submit(Spec{
		Period:        5,
		MaxExecutions: 3,
		ContextBody: func(ctx context.Context, run *Execution) error {
			mu.Lock()
			runTicks = append(runTicks, run.Tick())
			mu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	driveTicks(s, WorkerMain, 0, 16)

	st := h.Snapshot()
	if st.ExecutionCount != 3 {
		t.Fatalf("ExecutionCount = %d, want 3", st.ExecutionCount)
	}
	if st.State != StateCompleted {
		t.Fatalf("state = %v, want completed", st.State)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []Tick{0, 5, 10}
	if len(runTicks) != len(want) {
		t.Fatalf("run ticks = %v, want %v", runTicks, want)
	}
	for i := range want {
		if runTicks[i] != want[i] {
			t.Fatalf("run ticks = %v, want %v", runTicks, want)
		}
	}
}

// Scenario: entity removed before the first due tick. The task retires, the
// body never runs, the retirement callback runs exactly once.
func TestEntityGoneBeforeFirstRunRetires(t *testing.T) {
	t.Parallel()
	r := newFakeResolver()
	r.set("mob-1", Owned(0))
	s := newTestEngine(t, 1, r)

	var runs, retired int32
	h, err := s.Submit(Spec{
		Entity:    "mob-1",
		Delay:     3,
		Body:      func(ctx context.Context) error { atomic.AddInt32(&runs, 1); return nil },
		OnRetired: func() { atomic.AddInt32(&retired, 1) },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	driveTicks(s, WorkerMain, 0, 2)
	r.set("mob-1", Gone())
	driveTicks(s, WorkerMain, 3, 6)

	st := h.Snapshot()
	if st.State != StateRetired {
		t.Fatalf("state = %v, want retired", st.State)
	}
	if atomic.LoadInt32(&runs) != 0 {
		t.Fatal("body ran for a retired task")
	}
	if got := atomic.LoadInt32(&retired); got != 1 {
		t.Fatalf("retirement callbacks = %d, want 1", got)
	}
	if st.ExecutionCount != 0 {
		t.Fatalf("ExecutionCount = %d, want 0", st.ExecutionCount)
	}
}

// Scenario: a body that throws on every run with no handler set. Failures do
// not halt repetition under the default policy; the task still completes its
// five runs and records the last error.
func TestFailingBodyKeepsRepeatingByDefault(t *testing.T) {
	t.Parallel()
	s := newTestEngine(t, 1, nil)
	boom := errors.New("boom")
	h, err := s.Submit(Spec{
		Period:        1,
		MaxExecutions: 5,
		Body:          func(ctx context.Context) error { return boom },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	driveTicks(s, WorkerMain, 0, 10)

	st := h.Snapshot()
	if st.ExecutionCount != 5 {
		t.Fatalf("ExecutionCount = %d, want 5", st.ExecutionCount)
	}
	if st.State != StateCompleted {
		t.Fatalf("state = %v, want completed", st.State)
	}
	if !errors.Is(st.LastException, boom) {
		t.Fatalf("LastException = %v, want %v", st.LastException, boom)
	}
}

func TestFailFastPolicyStopsOnFirstError(t *testing.T) {
	t.Parallel()
	s := newTestEngine(t, 1, nil)
	var runs int32
	h, err := s.Submit(Spec{
		Period:  1,
		Failure: FailFast,
		Body: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return errors.New("boom")
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	driveTicks(s, WorkerMain, 0, 5)

	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
	if st := h.Snapshot(); st.State != StateFailed {
		t.Fatalf("state = %v, want failed", st.State)
	}
}

func TestPanickingBodyIsContained(t *testing.T) {
	t.Parallel()
	s := newTestEngine(t, 1, nil)
	h, err := s.Submit(Spec{
		Period:        1,
		MaxExecutions: 2,
		Body:          func(ctx context.Context) error { panic("kaboom") },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	driveTicks(s, WorkerMain, 0, 3)

	st := h.Snapshot()
	if st.ExecutionCount != 2 {
		t.Fatalf("ExecutionCount = %d, want 2", st.ExecutionCount)
	}
	if st.LastException == nil {
		t.Fatal("LastException not recorded for panic")
	}
	if s.Snapshot().Panics != 2 {
		t.Fatalf("panic counter = %d, want 2", s.Snapshot().Panics)
	}
}

// Scenario: Cancel twice. First call wins (if non-terminal), second reports
// no effect.
func TestCancelSemantics(t *testing.T) {
	t.Parallel()
	s := newTestEngine(t, 1, nil)
	var runs int32
	h, err := s.Submit(Spec{
		Delay: 5,
		Body:  func(ctx context.Context) error { atomic.AddInt32(&runs, 1); return nil },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if !h.Cancel() {
		t.Fatal("first Cancel() = false, want true")
	}
	if h.Cancel() {
		t.Fatal("second Cancel() = true, want false")
	}

	driveTicks(s, WorkerMain, 0, 10)
	if atomic.LoadInt32(&runs) != 0 {
		t.Fatal("cancelled task executed")
	}
	st := h.Snapshot()
	if st.State != StateCancelled || st.ExecutionCount != 0 {
		t.Fatalf("snapshot = %+v, want cancelled with 0 executions", st)
	}
}

func TestCancelAfterTerminalReturnsFalse(t *testing.T) {
	t.Parallel()
	s := newTestEngine(t, 1, nil)
	h, err := s.Submit(Spec{Body: func(ctx context.Context) error { return nil }})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	s.Tick(WorkerMain, 0)
	if h.Snapshot().State != StateCompleted {
		t.Fatal("task did not complete")
	}
	if h.Cancel() {
		t.Fatal("Cancel() on completed task = true, want false")
	}
}

func TestExceptionHandlerCanCancelOwnTask(t *testing.T) {
	t.Parallel()
	s := newTestEngine(t, 1, nil)
	var h *Handle
	var runs int32
	h, err := s.Submit(Spec{
		Period: 1,
		Body: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return errors.New("boom")
		},
		OnException: func(err error) { h.Cancel() },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	driveTicks(s, WorkerMain, 0, 5)

	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
	if st := h.Snapshot(); st.State != StateCancelled {
		t.Fatalf("state = %v, want cancelled", st.State)
	}
}

func TestMigrationReroutesInsteadOfExecuting(t *testing.T) {
	t.Parallel()
	r := newFakeResolver()
	r.set("mob-2", Owned(0))
	s := newTestEngine(t, 2, r)

	h, err := s.Submit(Spec{
		Entity: "mob-2",
		Delay:  1,
		Body:   func(ctx context.Context) error { return nil },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Ownership migrates before the due tick.
	r.set("mob-2", Owned(1))

	s.Tick(0, 1)
	if st := h.Snapshot(); st.State != StatePending {
		t.Fatalf("state after reroute = %v, want pending", st.State)
	}
	if s.Snapshot().Rerouted != 1 {
		t.Fatalf("rerouted = %d, want 1", s.Snapshot().Rerouted)
	}

	s.Tick(1, 2)
	if st := h.Snapshot(); st.State != StateCompleted {
		t.Fatalf("state after new owner tick = %v, want completed", st.State)
	}
}

// Re-resolution idempotence: a stable owner never causes spurious re-routing.
func TestStableOwnerNeverReroutes(t *testing.T) {
	t.Parallel()
	r := newFakeResolver()
	r.set("mob-3", Owned(1))
	s := newTestEngine(t, 2, r)

	h, err := s.Submit(Spec{
		Entity:        "mob-3",
		Period:        2,
		MaxExecutions: 4,
		Body:          func(ctx context.Context) error { return nil },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for now := Tick(0); now <= 8; now++ {
		s.Tick(0, now)
		s.Tick(1, now)
	}
	if st := h.Snapshot(); st.ExecutionCount != 4 || st.State != StateCompleted {
		t.Fatalf("snapshot = %+v, want 4 completed runs", st)
	}
	if got := s.Snapshot().Rerouted; got != 0 {
		t.Fatalf("rerouted = %d, want 0", got)
	}
}

func TestUnownedTargetDefersUntilClaimed(t *testing.T) {
	t.Parallel()
	r := newFakeResolver()
	r.set("chunk-1", Unowned())
	s := newTestEngine(t, 1, r)

	var runs int32
	h, err := s.Submit(Spec{
		Location: "chunk-1",
		Body:     func(ctx context.Context) error { atomic.AddInt32(&runs, 1); return nil },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	driveTicks(s, WorkerMain, 0, 3)
	if atomic.LoadInt32(&runs) != 0 {
		t.Fatal("ran while unowned")
	}
	if st := h.Snapshot(); st.State != StatePending {
		t.Fatalf("state = %v, want pending while unowned", st.State)
	}

	r.set("chunk-1", Owned(0))
	driveTicks(s, WorkerMain, 4, 6)
	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Fatalf("runs = %d, want 1 after claim", got)
	}
}

func TestRetirementPrecedesExceptionPath(t *testing.T) {
	t.Parallel()
	r := newFakeResolver()
	s := newTestEngine(t, 1, r)

	var excs int32
	h, err := s.Submit(Spec{
		Entity:      "never-existed",
		Body:        func(ctx context.Context) error { return errors.New("boom") },
		OnException: func(err error) { atomic.AddInt32(&excs, 1) },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	s.Tick(WorkerMain, 0)

	if st := h.Snapshot(); st.State != StateRetired {
		t.Fatalf("state = %v, want retired", st.State)
	}
	if atomic.LoadInt32(&excs) != 0 {
		t.Fatal("exception handler invoked on the retirement path")
	}
}

func TestExecutionContextCounters(t *testing.T) {
	t.Parallel()
	s := newTestEngine(t, 1, nil)
	type obs struct {
		iter    int
		elapsed Tick
	}
	var mu sync.Mutex
	var seen []obs
	_, err := s.Submit(Spec{
		Delay:         2,
		Period:        3,
		MaxExecutions: 2,
		ContextBody: func(ctx context.Context, run *Execution) error {
			mu.Lock()
			seen = append(seen, obs{iter: run.Iteration(), elapsed: run.Elapsed()})
			mu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	driveTicks(s, WorkerMain, 0, 8)

	mu.Lock()
	defer mu.Unlock()
	want := []obs{{iter: 1, elapsed: 2}, {iter: 2, elapsed: 5}}
	if len(seen) != len(want) {
		t.Fatalf("observations = %+v, want %+v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("observations = %+v, want %+v", seen, want)
		}
	}
}

func TestAsyncTaskRunsOnSharedPool(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, AsyncWorkers: 2}, nil, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	done := make(chan struct{})
	var once sync.Once
	_, err := s.Submit(Spec{
		Type:  TypeAsync,
		Delay: 2,
		Body: func(ctx context.Context) error {
			once.Do(func() { close(done) })
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// The region worker's ticks advance the shared clock; the pool executes.
	for now := Tick(0); now <= 5; now++ {
		s.Tick(WorkerMain, now)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async task did not run on the shared pool")
	}
}

// A full hand-off channel must never lose due pool tasks: entries that do
// not fit go back on the unconstrained index and run on a later tick.
func TestPoolBackpressureKeepsDueTasksQueued(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, AsyncWorkers: 1, AsyncQueueSize: 1}, nil, logx.Nop(), nil)

	const n = 3
	handles := make([]*Handle, 0, n)
	for i := 0; i < n; i++ {
		h, err := s.Submit(Spec{
			Type: TypeAsync,
			Body: func(ctx context.Context) error { return nil },
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		handles = append(handles, h)
	}

	// No pool workers running yet, so the hand-off fills after one entry.
	// The two entries that did not fit must survive this tick.
	s.Tick(WorkerMain, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	deadline := time.After(2 * time.Second)
	for now := Tick(1); ; now++ {
		s.Tick(WorkerMain, now)
		done := 0
		for _, h := range handles {
			if h.Snapshot().State == StateCompleted {
				done++
			}
		}
		if done == n {
			return
		}
		select {
		case <-deadline:
			for i, h := range handles {
				st := h.Snapshot()
				t.Logf("task %d: state=%v executions=%d", i, st.State, st.ExecutionCount)
			}
			t.Fatalf("%d of %d pool tasks completed", done, n)
		default:
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1}, nil, logx.Nop(), nil)
	s.Start(context.Background())
	s.Stop(context.Background())
	_, err := s.Submit(Spec{Body: func(ctx context.Context) error { return nil }})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestSnapshotCounters(t *testing.T) {
	t.Parallel()
	s := newTestEngine(t, 1, nil)
	for i := 0; i < 3; i++ {
		if _, err := s.Submit(Spec{Body: func(ctx context.Context) error { return nil }}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	s.Tick(WorkerMain, 0)

	snap := s.Snapshot()
	if snap.Submitted != 3 || snap.Executed != 3 || snap.Completed != 3 {
		t.Fatalf("snapshot = %+v, want 3 submitted/executed/completed", snap)
	}
}
