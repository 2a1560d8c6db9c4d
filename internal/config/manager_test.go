package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAMLConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
logging:
  level: debug
  console: true
engine:
  workers: 4
  async_workers: 2
host:
  tick_rate: 50ms
bridge:
  enabled: true
  timezone: UTC
journal:
  driver: file
  path: ./runs.jsonl
`)
	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.Workers != 4 || !cfg.Bridge.Enabled || cfg.Bridge.Timezone != "UTC" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Journal == nil || cfg.Journal.Driver != "file" {
		t.Fatalf("journal section not parsed: %+v", cfg.Journal)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
engine:
  workers: 2
  threads: 8
`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("host.tick_rate", "50ms")
	if err != nil || d.Milliseconds() != 50 {
		t.Fatalf("got %v, %v", d, err)
	}
	if _, err := ParseDurationField("host.tick_rate", "-1s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
	if d, err := ParseDurationOrDefault("host.tick_rate", "", 42); err != nil || d != 42 {
		t.Fatalf("default not applied: %v, %v", d, err)
	}
}

func TestParseTickRate(t *testing.T) {
	t.Parallel()
	if d, err := ParseTickRate("", 50*time.Millisecond); err != nil || d != 50*time.Millisecond {
		t.Fatalf("default not applied: %v, %v", d, err)
	}
	if d, err := ParseTickRate("250ms", 50*time.Millisecond); err != nil || d != 250*time.Millisecond {
		t.Fatalf("got %v, %v", d, err)
	}
	if _, err := ParseTickRate("100us", 50*time.Millisecond); err == nil {
		t.Fatal("expected error for sub-millisecond tick rate")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Engine: EngineConfig{Workers: 1}}
	newCfg := &Config{
		Engine:  EngineConfig{Workers: 4},
		Bridge:  BridgeConfig{Enabled: true},
		Journal: &JournalConfig{Driver: "file", Path: "x"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"bridge", "engine", "journal"}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Fatalf("changed = %v, want %v", changed, want)
		}
	}
	if len(attrs) == 0 {
		t.Fatal("expected structured attrs")
	}
}
