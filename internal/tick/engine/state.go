package engine

import (
	"time"
)

// State is the lifecycle state of a task.
//
// Transitions are monotonic except the Pending<->Running cycle of repeating
// tasks (a re-armed task goes back to Pending, it is not re-created).
type State int

const (
	// StatePending: created or re-armed, waiting for its due tick.
	StatePending State = iota
	// StateRunning: body executing right now (transient).
	StateRunning
	// StateCompleted: terminal; one-shot done or repeat cap reached.
	StateCompleted
	// StateCancelled: terminal; cancelled before or between executions.
	StateCancelled
	// StateRetired: terminal; the bound entity/location no longer exists.
	StateRetired
	// StateFailed: terminal; a body error under the FailFast policy.
	StateFailed
)

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateRetired, StateFailed:
		return true
	}
	return false
}

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateRetired:
		return "retired"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// taskState is the immutable per-task snapshot swapped by CAS.
//
// Keeping the state enum and the statistics in one value means a reader can
// never observe a partially-updated pair (e.g. Completed with a stale
// execution count). Every transition copies the current snapshot, edits the
// copy, and CASes it in; a failed CAS reloads and re-decides.
type taskState struct {
	state State

	executions   int
	lastRunAt    Tick
	nextRunAt    Tick
	totalRunTime time.Duration
	lastErr      error
}

// tryTransition CASes the task from an expected state into next, carrying the
// statistics over unchanged. Returns false if the task was not in `from`
// (e.g. a concurrent Cancel won the race).
func (t *Task) tryTransition(from, to State) bool {
	for {
		cur := t.state.Load()
		if cur.state != from {
			return false
		}
		next := *cur
		next.state = to
		if t.state.CompareAndSwap(cur, &next) {
			return true
		}
	}
}
