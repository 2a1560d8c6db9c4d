package engine

import (
	"context"
	"time"
)

// Tick is one discrete scheduling quantum of the host simulation loop.
// The host decides how long a tick is in wall-clock terms.
type Tick int64

// WorkerID identifies one region worker. WorkerMain is the "main" worker that
// unbound Sync tasks run on; in a single-threaded host it is the only worker.
// WorkerShared is a pseudo-id used in diagnostics for the async pool.
type WorkerID int32

const (
	WorkerMain   WorkerID = 0
	WorkerShared WorkerID = -1
)

// TaskType classifies a task. The type decides which queue a task is
// submitted to and whether affinity re-resolution applies; execution
// semantics are otherwise identical across types.
type TaskType int

const (
	// TypeSync runs on the main worker's tick.
	TypeSync TaskType = iota
	// TypeAsync runs on the shared pool, unconstrained.
	TypeAsync
	// TypeGlobal runs on the shared pool; semantically "whole-host" work.
	TypeGlobal
	// TypeEntity runs on the worker owning the bound entity.
	TypeEntity
	// TypeLocation runs on the worker owning the bound location.
	TypeLocation
)

func (t TaskType) String() string {
	switch t {
	case TypeSync:
		return "sync"
	case TypeAsync:
		return "async"
	case TypeGlobal:
		return "global"
	case TypeEntity:
		return "entity"
	case TypeLocation:
		return "location"
	default:
		return "unknown"
	}
}

// FailurePolicy decides what a body error does to a repeating task.
type FailurePolicy int

const (
	// ContinueOnError keeps re-arming a repeating task after a failed run.
	// This is the default: one bad run does not cancel future runs.
	ContinueOnError FailurePolicy = iota
	// FailFast finalizes the task as Failed on the first body error.
	FailFast
)

// Spec configures a task for Submit.
//
// Exactly one of Body/ContextBody is required. Entity and Location are
// mutually exclusive; setting either forces the corresponding task type.
// Negative Delay/Period are clamped to 0 (Period 0 means one-shot).
type Spec struct {
	Name string
	Type TaskType

	Delay  Tick
	Period Tick
	// MaxExecutions bounds repeat count; 0 means unbounded for repeating
	// tasks. Negative values are rejected.
	MaxExecutions int

	Body        func(ctx context.Context) error
	ContextBody func(ctx context.Context, run *Execution) error

	// Bound object references. Opaque to the engine; only the injected
	// Resolver interprets them. The engine never keeps the object alive.
	Entity   any
	Location any

	// OnRetired runs in place of the body when the bound object is gone.
	OnRetired func()
	// OnException is invoked synchronously with each body error. Calling
	// Cancel() on the task's own handle from here stops further runs.
	OnException func(err error)
	// OnComplete runs once when the task reaches Completed.
	OnComplete func()

	Failure FailurePolicy
}

// TaskStatus is a read-only, lock-free snapshot of a task.
type TaskStatus struct {
	ID   string
	Name string
	Type TaskType

	State              State
	ExecutionCount     int
	LastExecutedAt     Tick
	NextExecutionAt    Tick
	TotalExecutionTime time.Duration
	LastException      error
}

// Config controls the engine.
type Config struct {
	// Workers is the number of region workers (>=1). Worker 0 is the main
	// worker; a value of 1 is the classic single-threaded tick model.
	Workers int

	// AsyncWorkers is the shared pool size for Global/Async tasks.
	AsyncWorkers int
	// AsyncQueueSize bounds the pool hand-off channel. Due pool tasks that
	// do not fit stay in the time index and are retried next tick.
	AsyncQueueSize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.AsyncWorkers <= 0 {
		c.AsyncWorkers = 2
	}
	if c.AsyncQueueSize <= 0 {
		c.AsyncQueueSize = 256
	}
	return c
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name,omitempty"`
	Type       string        `json:"type"`
	Worker     int           `json:"worker"`
	Tick       int64         `json:"tick"`
	State      string        `json:"state"`
	Executions int           `json:"executions"`
	Duration   time.Duration `json:"duration,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view of the engine for diagnostics.
type Snapshot struct {
	Workers      int
	AsyncWorkers int

	Submitted uint64
	Executed  uint64
	Completed uint64
	Cancelled uint64
	Retired   uint64
	Failed    uint64
	Rerouted  uint64
	Panics    uint64

	QueueLens []int
	PoolDepth int
	PoolCap   int
}
