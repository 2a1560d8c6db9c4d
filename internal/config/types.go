package config

// Config is the root host configuration.
//
// All durations are Go duration strings (e.g. "50ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Engine controls the tick task engine (workers, async pool).
	Engine EngineConfig `json:"engine"`

	// Host controls how the binary paces the engine.
	Host HostConfig `json:"host"`

	// Bridge controls wall-clock triggers (cron/interval/once).
	Bridge BridgeConfig `json:"bridge"`

	// Journal controls optional run-history persistence.
	// Nil means disabled.
	Journal *JournalConfig `json:"journal,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert mirrors the rate-limited alert sink: messages at or above
// MinLevel are forwarded to the host's alert hook.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// EngineConfig controls the tick task engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 1
//   - async_workers: 2
//   - async_queue_size: 256
type EngineConfig struct {
	Workers        int `json:"workers,omitempty"`
	AsyncWorkers   int `json:"async_workers,omitempty"`
	AsyncQueueSize int `json:"async_queue_size,omitempty"`
}

// HostConfig controls the pacing loops the binary runs.
//
// TickRate is the wall-clock length of one tick. The engine itself never
// paces; the host calls Tick per worker at this rate.
type HostConfig struct {
	TickRate string `json:"tick_rate,omitempty"` // default "50ms"
}

// BridgeConfig controls the wall-clock trigger bridge.
type BridgeConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "Asia/Jakarta"
}

// JournalConfig controls the optional run-history sink.
//
// Example:
//
//	"journal": { "driver": "file", "path": "./ticksched_runs.jsonl" }
type JournalConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	MaxBytes    int64  `json:"max_bytes,omitempty"`    // file driver rotate threshold
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
