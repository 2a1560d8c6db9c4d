package journal

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("journal disabled")

// Config configures the run journal.
//
// Driver values:
//   - "file": dependency-free JSONL backend with size-capped rotation
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", the journal is disabled.
type Config struct {
	Driver      string
	Path        string
	MaxBytes    int64         // file only; rotate threshold, 0 means default
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is one journalled task run outcome.
// Keep it compact and schema-stable.
type Record struct {
	At         time.Time `json:"at"`
	TaskID     string    `json:"task_id"`
	Name       string    `json:"name,omitempty"`
	Type       string    `json:"type"`
	Worker     int       `json:"worker"`
	Tick       int64     `json:"tick"`
	State      string    `json:"state"`
	Executions int       `json:"executions"`
	DurationMS int64     `json:"took_ms"`
	Error      string    `json:"error,omitempty"`
}
