package app

import (
	"time"

	"ticksched/internal/config"
	"ticksched/internal/runtime/supervisor"
	"ticksched/internal/tick/cronbridge"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.ConfigManager

var NewConfigManager = config.NewConfigManager

// SummarizeConfigChange produces a safe, structured summary of config diffs.
var SummarizeConfigChange = config.SummarizeConfigChange

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

func parseTickRate(raw string, def time.Duration) (time.Duration, error) {
	return config.ParseTickRate(raw, def)
}

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

type SupervisorOption = supervisor.SupervisorOption

var NewSupervisor = supervisor.NewSupervisor

var WithLogger = supervisor.WithLogger

var WithCancelOnError = supervisor.WithCancelOnError

// ---- Schedule parsing helpers (re-exported for hosts) ----

type ScheduleKind = cronbridge.SpecKind
type ParsedSchedule = cronbridge.ParsedSpec
type TriggerOptions = cronbridge.TriggerOptions

const (
	ScheduleCron     = cronbridge.SpecCron
	ScheduleInterval = cronbridge.SpecInterval

	OverlapAllow         = cronbridge.OverlapAllow
	OverlapSkipIfRunning = cronbridge.OverlapSkipIfRunning
)

func ParseSchedule(raw string) (ParsedSchedule, error) {
	return cronbridge.ParseSchedule(raw)
}
