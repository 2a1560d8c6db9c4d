package config

import (
	"reflect"
	"sort"
	"strings"

	logx "ticksched/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	// Engine
	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.async_workers", newCfg.Engine.AsyncWorkers),
			logx.Int("engine.async_queue_size", newCfg.Engine.AsyncQueueSize),
		)
	}

	// Host pacing
	if strings.TrimSpace(oldCfg.Host.TickRate) != strings.TrimSpace(newCfg.Host.TickRate) {
		changed = append(changed, "host")
		attrs = append(attrs,
			logx.String("host.tick_rate", strings.TrimSpace(newCfg.Host.TickRate)),
		)
	}

	// Bridge (triggers)
	if oldCfg.Bridge.Enabled != newCfg.Bridge.Enabled ||
		strings.TrimSpace(oldCfg.Bridge.Timezone) != strings.TrimSpace(newCfg.Bridge.Timezone) {
		changed = append(changed, "bridge")
		attrs = append(attrs,
			logx.Bool("bridge.enabled", newCfg.Bridge.Enabled),
			logx.String("bridge.timezone", strings.TrimSpace(newCfg.Bridge.Timezone)),
		)
	}

	// Journal (persistence). Nil means disabled.
	oldJ := oldCfg.Journal
	newJ := newCfg.Journal
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	var oMax, nMax int64
	if oldJ != nil {
		oDriver = strings.TrimSpace(oldJ.Driver)
		oBusy = strings.TrimSpace(oldJ.BusyTimeout)
		oPathSet = strings.TrimSpace(oldJ.Path) != ""
		oMax = oldJ.MaxBytes
	}
	if newJ != nil {
		nDriver = strings.TrimSpace(newJ.Driver)
		nBusy = strings.TrimSpace(newJ.BusyTimeout)
		nPathSet = strings.TrimSpace(newJ.Path) != ""
		nMax = newJ.MaxBytes
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet || oMax != nMax {
		changed = append(changed, "journal")
		attrs = append(attrs,
			logx.String("journal.driver", nDriver),
			logx.Bool("journal.path_set", nPathSet),
			logx.String("journal.busy_timeout", nBusy),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
