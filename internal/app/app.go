package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ticksched/internal/config"
	"ticksched/internal/eventbus"
	"ticksched/internal/journal"
	"ticksched/internal/ownership"
	"ticksched/internal/tick/cronbridge"
	"ticksched/internal/tick/engine"
	logx "ticksched/pkg/logx"
)

const defaultTickRate = 50 * time.Millisecond

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	owners *ownership.Table
	engine *engine.Service
	bridge *cronbridge.Service

	sink journal.Sink
	jrnl *journal.Service

	tickRate time.Duration
	workers  int
}

func NewApp(cfgPath string) (*App, error) {
	return NewAppWithAlert(cfgPath, nil)
}

// NewAppWithAlert is NewApp with a hook for rate-limited log alerts
// (pager, chat webhook, whatever the operator wires up).
func NewAppWithAlert(cfgPath string, alertFn logx.AlertFunc) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogxConfig(cfg), alertFn)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Journal (optional)
	var sink journal.Sink
	if jc, enabled, err := mapJournalConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		s, err := journal.Open(jc, log.With(logx.String("comp", "journal")))
		if err != nil {
			return nil, err
		}
		sink = s
		log.Info("journal enabled", logx.String("driver", jc.Driver))
	}
	jrnl := journal.NewService(sink, bus, log.With(logx.String("comp", "journal")))

	engCfg, workers, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	owners := ownership.New()
	engineSvc := engine.New(engCfg, owners, log.With(logx.String("comp", "engine")), bus)

	bridgeSvc := cronbridge.New(cronbridge.Config{
		Enabled:  cfg.Bridge.Enabled,
		Timezone: cfg.Bridge.Timezone,
	}, engineSvc, log.With(logx.String("comp", "bridge")))

	tickRate, err := parseTickRate(cfg.Host.TickRate, defaultTickRate)
	if err != nil {
		return nil, err
	}

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		owners:   owners,
		engine:   engineSvc,
		bridge:   bridgeSvc,
		sink:     sink,
		jrnl:     jrnl,
		tickRate: tickRate,
		workers:  workers,
	}, nil
}

// Engine exposes the task engine for hosts to submit tasks.
func (a *App) Engine() *engine.Service { return a.engine }

// Owners exposes the ownership table hosts claim objects in.
func (a *App) Owners() *ownership.Table { return a.owners }

// Bridge exposes wall-clock trigger registration.
func (a *App) Bridge() *cronbridge.Service { return a.bridge }

// Journal exposes run-history queries (may be disabled).
func (a *App) Journal() *journal.Service { return a.jrnl }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(c context.Context, cfg *Config) error {
			_ = c
			if _, _, err := mapEngineConfig(cfg); err != nil {
				return err
			}
			if _, err := parseTickRate(cfg.Host.TickRate, defaultTickRate); err != nil {
				return err
			}
			if tz := strings.TrimSpace(cfg.Bridge.Timezone); tz != "" {
				if _, err := time.LoadLocation(tz); err != nil {
					return fmt.Errorf("bridge.timezone: invalid %q: %w", tz, err)
				}
			}
			if _, _, err := mapJournalConfig(cfg); err != nil {
				return err
			}
			return nil
		})
	}

	a.jrnl.Start(a.sup.Context())
	a.engine.Start(a.sup.Context())
	if a.bridge.Enabled() {
		a.bridge.Start(a.sup.Context())
	}

	// Pacing: one ticker loop per region worker plus one for the shared
	// clock. The engine never starts timers of its own.
	for w := 0; w < a.workers; w++ {
		wid := engine.WorkerID(w)
		a.sup.Go0(fmt.Sprintf("tick.worker.%d", w), func(c context.Context) {
			t := time.NewTicker(a.tickRate)
			defer t.Stop()
			var now engine.Tick
			for {
				select {
				case <-c.Done():
					return
				case <-t.C:
					now++
					a.engine.Tick(wid, now)
				}
			}
		})
	}

	// Optional: log events for observability/debug (components can also subscribe themselves).
	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					// Keep this debug-level to avoid noise on busy schedules.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				lastApplied = newCfg

				for _, s := range sections {
					if s == "engine" || s == "host" || s == "journal" {
						a.log.Warn("config section requires restart to take effect", logx.String("section", s))
					}
				}

				// apply logging updates
				a.logs.Apply(mapLogxConfig(newCfg))

				// apply bridge updates (live)
				prevEnabled := a.bridge.Enabled()
				a.bridge.Apply(cronbridge.Config{
					Enabled:  newCfg.Bridge.Enabled,
					Timezone: newCfg.Bridge.Timezone,
				})
				if prevEnabled && !newCfg.Bridge.Enabled {
					a.log.Info("bridge disabled via config")
					stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
					a.bridge.Stop(stopCtx)
					cancel()
				} else if !prevEnabled && newCfg.Bridge.Enabled {
					a.log.Info("bridge enabled via config")
					a.bridge.Start(c)
				}

				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("workers", a.workers),
		logx.Duration("tick_rate", a.tickRate),
		logx.Bool("bridge", a.bridge.Enabled()),
	)
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// First, cancel the app run context so tick loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("bridge", 2*time.Second, func(c context.Context) error { a.bridge.Stop(c); return nil })
	step("engine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("journal", 2*time.Second, func(c context.Context) error { a.jrnl.Stop(c); return nil })
	step("journal.sink", 1*time.Second, func(c context.Context) error {
		if a.sink != nil {
			return a.sink.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (tick loops, config watch, ...)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func mapLogxConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{Console: true}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, int, error) {
	if cfg == nil {
		return engine.Config{}, 1, nil
	}
	ec := cfg.Engine
	if ec.Workers < 0 {
		return engine.Config{}, 0, fmt.Errorf("engine.workers must be >= 0")
	}
	if ec.AsyncWorkers < 0 {
		return engine.Config{}, 0, fmt.Errorf("engine.async_workers must be >= 0")
	}
	if ec.AsyncQueueSize < 0 {
		return engine.Config{}, 0, fmt.Errorf("engine.async_queue_size must be >= 0")
	}
	workers := ec.Workers
	if workers <= 0 {
		workers = 1
	}
	return engine.Config{
		Workers:        workers,
		AsyncWorkers:   ec.AsyncWorkers,
		AsyncQueueSize: ec.AsyncQueueSize,
	}, workers, nil
}

func mapJournalConfig(cfg *config.Config) (journal.Config, bool, error) {
	if cfg == nil || cfg.Journal == nil {
		return journal.Config{}, false, nil
	}
	jc := cfg.Journal
	driver := strings.ToLower(strings.TrimSpace(jc.Driver))
	if driver == "" || driver == "none" {
		return journal.Config{}, false, nil
	}
	path := strings.TrimSpace(jc.Path)

	switch driver {
	case "file":
		if path == "" {
			return journal.Config{}, false, fmt.Errorf("journal.path is required when journal.driver=file")
		}
		return journal.Config{Driver: driver, Path: path, MaxBytes: jc.MaxBytes}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return journal.Config{}, false, fmt.Errorf("journal.path is required when journal.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("journal.busy_timeout", jc.BusyTimeout, time.Second)
		if err != nil {
			return journal.Config{}, false, err
		}
		return journal.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return journal.Config{}, false, fmt.Errorf("unknown journal.driver: %s", jc.Driver)
	}
}
