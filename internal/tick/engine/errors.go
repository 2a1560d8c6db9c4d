package engine

import "errors"

// Spec validation errors, raised synchronously by Submit.
var (
	ErrNoBody           = errors.New("task spec: either Body or ContextBody is required")
	ErrTwoBodies        = errors.New("task spec: Body and ContextBody are mutually exclusive")
	ErrTwoBindings      = errors.New("task spec: Entity and Location are mutually exclusive")
	ErrNegativeMaxExecs = errors.New("task spec: MaxExecutions must be >= 0")
	ErrTypeBindMismatch = errors.New("task spec: task type conflicts with bound reference")
	ErrNoResolver       = errors.New("engine: bound task submitted but no resolver configured")
)

var (
	// ErrStopped is returned by Submit after the engine was stopped.
	ErrStopped = errors.New("engine stopped")
)
