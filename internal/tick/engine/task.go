package engine

import (
	"context"
	"sync/atomic"

	logx "ticksched/pkg/logx"
)

// Task is the engine's internal record: an immutable identity plus one
// atomically-swapped mutable snapshot (see taskState). Calling code only ever
// sees a *Handle.
type Task struct {
	id   string
	name string
	typ  TaskType

	period   Tick
	maxExecs int

	body    func(ctx context.Context) error
	ctxBody func(ctx context.Context, run *Execution) error

	binding Binding

	onRetired   func()
	onException func(err error)
	onComplete  func()
	failure     FailurePolicy

	submittedAt Tick

	state atomic.Pointer[taskState]
}

func (t *Task) snapshot() TaskStatus {
	st := t.state.Load()
	return TaskStatus{
		ID:                 t.id,
		Name:               t.name,
		Type:               t.typ,
		State:              st.state,
		ExecutionCount:     st.executions,
		LastExecutedAt:     st.lastRunAt,
		NextExecutionAt:    st.nextRunAt,
		TotalExecutionTime: st.totalRunTime,
		LastException:      st.lastErr,
	}
}

// oneShot reports whether the task terminates after one successful run.
func (t *Task) oneShot() bool { return t.period == 0 }

// capReached reports whether executions has hit the configured bound.
func (t *Task) capReached(executions int) bool {
	if t.oneShot() {
		return executions >= 1
	}
	return t.maxExecs > 0 && executions >= t.maxExecs
}

// Handle is the caller-facing reference to a submitted task.
type Handle struct {
	t *Task
	s *Service
}

func (h *Handle) ID() string   { return h.t.id }
func (h *Handle) Name() string { return h.t.name }

// Snapshot returns a read-only, lock-free view of the task's state and
// statistics. Safe from any goroutine.
func (h *Handle) Snapshot() TaskStatus { return h.t.snapshot() }

// Cancel requests cancellation. It reports whether the cancellation actually
// took effect (false if the task already reached a terminal state).
//
// Cancelling a Running task is advisory: the in-flight execution is not
// interrupted, but the task is never re-armed afterwards.
func (h *Handle) Cancel() bool {
	t := h.t
	for {
		cur := t.state.Load()
		if cur.state != StatePending && cur.state != StateRunning {
			return false
		}
		next := *cur
		next.state = StateCancelled
		next.nextRunAt = 0
		if t.state.CompareAndSwap(cur, &next) {
			h.s.onCancelled(t)
			return true
		}
	}
}

// Execution is the short-lived value handed to a context-aware body. It is
// only valid for the duration of that one run.
type Execution struct {
	h         *Handle
	iteration int
	now       Tick
}

// Handle returns the running task's own handle (for self-cancellation).
func (e *Execution) Handle() *Handle { return e.h }

// Iteration is the 1-based number of this execution.
func (e *Execution) Iteration() int { return e.iteration }

// Tick is the scheduling tick this execution was dispatched at.
func (e *Execution) Tick() Tick { return e.now }

// Elapsed is the number of ticks since the task was submitted.
func (e *Execution) Elapsed() Tick { return e.now - e.h.t.submittedAt }

// CancelRequested reports whether Cancel() was called while this body is
// running. Long bodies can poll it to bail out early; the engine itself never
// preempts a running body.
func (e *Execution) CancelRequested() bool {
	return e.h.t.state.Load().state == StateCancelled
}

// invoke runs whichever body the task carries inside the panic boundary of
// the caller. Exactly one of body/ctxBody is non-nil (validated at Submit).
func (t *Task) invoke(ctx context.Context, run *Execution) error {
	if t.body != nil {
		return t.body(ctx)
	}
	return t.ctxBody(ctx, run)
}

// callGuarded invokes an optional user callback, converting panics into a
// log line instead of letting them unwind the worker loop.
func (s *Service) callGuarded(name string, t *Task, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task callback panicked",
				logx.String("callback", name),
				logx.String("task", t.id),
				logx.Any("panic", r),
			)
		}
	}()
	fn()
}
