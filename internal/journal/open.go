package journal

import (
	"context"
	"errors"
	"strings"

	logx "ticksched/pkg/logx"
)

// Sink is the minimal persistence API used by the recorder service.
type Sink interface {
	Append(ctx context.Context, r Record) error
	Recent(ctx context.Context, n int) ([]Record, error)
	Close() error
}

// Open initializes the configured sink.
// It returns (nil, nil) if the journal is disabled.
func Open(cfg Config, log logx.Logger) (Sink, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown journal driver: " + driver)
	}
}
