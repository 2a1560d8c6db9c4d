package cronbridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"ticksched/internal/tick/engine"
	logx "ticksched/pkg/logx"
)

// AddSchedule parses schedule and registers either a cron or interval trigger.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "55 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
func (s *Service) AddSchedule(name, schedule string, job func(ctx context.Context) error) (string, error) {
	// Default for scheduled jobs is to skip if a previous run is still
	// in-flight, to avoid pool blow-ups on slow jobs.
	return s.AddScheduleOpt(name, schedule, TriggerOptions{Overlap: OverlapSkipIfRunning}, job)
}

// AddScheduleOpt is AddSchedule with trigger options.
func (s *Service) AddScheduleOpt(name, schedule string, opt TriggerOptions, job func(ctx context.Context) error) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	switch ps.Kind {
	case SpecCron:
		return s.AddCronOpt(name, ps.Cron, opt, job)
	case SpecInterval:
		return s.AddIntervalOpt(name, ps.Every, opt, job)
	default:
		return "", fmt.Errorf("unsupported schedule kind")
	}
}

func (s *Service) AddCron(name, spec string, job func(ctx context.Context) error) (string, error) {
	return s.AddCronOpt(name, spec, TriggerOptions{Overlap: OverlapSkipIfRunning}, job)
}

func (s *Service) AddCronOpt(name, spec string, opt TriggerOptions, job func(ctx context.Context) error) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(name) == "" {
		return "", errors.New("name required")
	}
	// Upsert by name: remove previous schedule with the same name to prevent
	// duplicates across hot-reloads or repeated registrations.
	_ = s.removeScheduleLocked(name)
	s.removeOnceLocked(name)
	id := fmt.Sprintf("cron:%d", time.Now().UnixNano())
	d := triggerDef{
		id:      id,
		name:    name,
		spec:    spec,
		opt:     opt,
		job:     job,
		running: &atomic.Bool{},
	}
	s.defs = append(s.defs, d)
	if s.c != nil {
		err := s.addCronLocked(&s.defs[len(s.defs)-1])
		if err != nil {
			s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Any("err", err))
		} else {
			next := s.previewNextRunsLocked(spec, 4)
			args := []logx.Field{logx.String("name", name), logx.String("id", id), logx.String("spec", spec)}
			if next != "" {
				args = append(args, logx.String("next", next))
			}
			s.log.Debug("schedule registered", args...)
		}
		// Return the schedule name (stable identifier for Remove(name)).
		return name, err
	}
	// Bridge not started yet: keep definition and register when Start() runs.
	return name, nil
}

func (s *Service) AddInterval(name string, every time.Duration, job func(ctx context.Context) error) (string, error) {
	return s.AddIntervalOpt(name, every, TriggerOptions{Overlap: OverlapSkipIfRunning}, job)
}

func (s *Service) AddIntervalOpt(name string, every time.Duration, opt TriggerOptions, job func(ctx context.Context) error) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(name) == "" {
		return "", errors.New("name required")
	}
	_ = s.removeScheduleLocked(name)
	s.removeOnceLocked(name)
	id := fmt.Sprintf("interval:%d", time.Now().UnixNano())
	spec := fmt.Sprintf("@every %s", every.String())
	d := triggerDef{
		id:      id,
		name:    name,
		spec:    spec,
		opt:     opt,
		job:     job,
		running: &atomic.Bool{},
	}
	s.defs = append(s.defs, d)
	if s.c != nil {
		err := s.addCronLocked(&s.defs[len(s.defs)-1])
		if err != nil {
			s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Any("err", err))
		} else {
			next := s.previewNextRunsLocked(spec, 4)
			args := []logx.Field{logx.String("name", name), logx.String("id", id), logx.String("spec", spec)}
			if next != "" {
				args = append(args, logx.String("next", next))
			}
			s.log.Debug("schedule registered", args...)
		}
		return name, err
	}
	return name, nil
}

// AddOnce fires job once at the given wall-clock time.
func (s *Service) AddOnce(name string, at time.Time, opt TriggerOptions, job func(ctx context.Context) error) (string, error) {
	if name == "" {
		return "", errors.New("name required")
	}
	if at.IsZero() {
		return "", errors.New("at required")
	}

	// snapshot location under s.mu (also remove any cron/interval schedule
	// with the same name)
	s.mu.Lock()
	loc := s.loc
	_ = s.removeScheduleLocked(name)
	s.mu.Unlock()
	if loc == nil {
		loc = time.Local
	}
	runAt := at.In(loc)

	localName := name

	s.tmu.Lock()
	// upsert: stop existing timer with the same name
	if t, ok := s.timers[localName]; ok {
		_ = t.Stop()
		delete(s.timers, localName)
	}
	// bump version to ignore stale callbacks from previously scheduled timers
	ver := s.onceVer[localName] + 1
	s.onceVer[localName] = ver

	s.onceAt[localName] = runAt
	s.onceOpt[localName] = opt
	s.onceJob[localName] = job

	delay := time.Until(runAt)
	if delay < 0 {
		delay = 0
	}
	localVer := ver
	timer := time.AfterFunc(delay, func() { s.fireOnce(localName, localVer) })
	s.timers[localName] = timer
	s.tmu.Unlock()

	return localName, nil
}

// fireOnce runs the once definition for name unless it was removed or
// replaced since the timer was armed.
func (s *Service) fireOnce(name string, ver uint64) {
	s.tmu.Lock()
	curVer := s.onceVer[name]
	jobNow := s.onceJob[name]
	optNow := s.onceOpt[name]
	_, okAt := s.onceAt[name]
	if curVer != ver || jobNow == nil || !okAt {
		s.tmu.Unlock()
		return
	}
	// cleanup persisted definition first (prevents double-fire on restart)
	delete(s.timers, name)
	delete(s.onceAt, name)
	delete(s.onceOpt, name)
	delete(s.onceJob, name)
	delete(s.onceVer, name)
	s.tmu.Unlock()

	s.submitRun(name, optNow, jobNow, nil)
}

// Helper: daily at HH:MM (bridge timezone)
func (s *Service) AddDaily(name string, atHHMM string, job func(ctx context.Context) error) (string, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	spec := fmt.Sprintf("%d %d * * *", m, h)
	return s.AddCronOpt(name, spec, TriggerOptions{Overlap: OverlapSkipIfRunning}, job)
}

// Helper: weekly at HH:MM for given weekday (bridge timezone)
func (s *Service) AddWeekly(name string, weekday time.Weekday, atHHMM string, job func(ctx context.Context) error) (string, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	dow := int(weekday) // Sunday=0
	spec := fmt.Sprintf("%d %d * * %d", m, h, dow)
	return s.AddCronOpt(name, spec, TriggerOptions{Overlap: OverlapSkipIfRunning}, job)
}

// Remove unschedules all schedules with the given name. It returns true if
// something was removed. Safe to call before Start().
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	removed := false

	s.mu.Lock()
	removed = s.removeScheduleLocked(name) || removed
	s.mu.Unlock()

	s.tmu.Lock()
	if t, ok := s.timers[name]; ok {
		_ = t.Stop()
		delete(s.timers, name)
		removed = true
	}
	if _, ok := s.onceAt[name]; ok {
		delete(s.onceAt, name)
		removed = true
	}
	if _, ok := s.onceJob[name]; ok {
		delete(s.onceJob, name)
		removed = true
	}
	delete(s.onceOpt, name)
	delete(s.onceVer, name)
	s.tmu.Unlock()

	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// removeScheduleLocked removes all defs matching name and unregisters them
// from cron if running. Call with s.mu held.
func (s *Service) removeScheduleLocked(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	removed := false
	if s.c != nil {
		for i := range s.defs {
			if s.defs[i].name == name && s.defs[i].entryID != 0 {
				s.c.Remove(s.defs[i].entryID)
				s.defs[i].entryID = 0
				removed = true
			}
		}
	}
	// remove from persisted defs regardless of running state
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	if n < len(s.defs) {
		s.defs = s.defs[:n]
	}
	return removed
}

func (s *Service) removeOnceLocked(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	removed := false
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if t, ok := s.timers[name]; ok {
		_ = t.Stop()
		delete(s.timers, name)
		removed = true
	}
	if _, ok := s.onceAt[name]; ok {
		delete(s.onceAt, name)
		removed = true
	}
	delete(s.onceOpt, name)
	delete(s.onceJob, name)
	delete(s.onceVer, name)
	return removed
}

func (s *Service) addCronLocked(d *triggerDef) error {
	spec := strings.TrimSpace(d.spec)
	local := *d
	job := cron.FuncJob(func() {
		s.submitRun(local.name, local.opt, local.job, local.running)
	})

	// Spread applies only to interval schedules (@every ...); cron specs
	// already pin their own wall-clock instants.
	if strings.HasPrefix(spec, "@every") {
		everyStr := strings.TrimSpace(strings.TrimPrefix(spec, "@every"))
		every, err := time.ParseDuration(everyStr)
		if err == nil && every > 0 {
			loc := s.loc
			if loc == nil {
				loc = time.Local
			}
			sched, jitter := intervalWithSpread(every, time.Now().In(loc), d.name)
			d.startupSpread = jitter
			eid := s.c.Schedule(sched, job)
			d.entryID = eid
			return nil
		}
	}

	// Fallback: normal cron parsing.
	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}

// submitRun hands one trigger fire to the tick engine as a one-shot
// unconstrained task. running may be nil (once triggers never overlap
// themselves).
func (s *Service) submitRun(name string, opt TriggerOptions, job func(ctx context.Context) error, running *atomic.Bool) {
	if s.engine == nil || job == nil {
		return
	}
	guarded := opt.Overlap == OverlapSkipIfRunning && running != nil
	if guarded && !running.CompareAndSwap(false, true) {
		s.reportSubmitError(name, ErrOverlapSkip)
		return
	}
	clear := func() {
		if guarded {
			running.Store(false)
		}
	}
	_, err := s.engine.Submit(engine.Spec{
		Name: name,
		Type: engine.TypeAsync,
		Body: func(ctx context.Context) error {
			defer clear()
			if opt.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opt.Timeout)
				defer cancel()
			}
			return job(ctx)
		},
	})
	if err != nil {
		clear()
		s.reportSubmitError(name, err)
	}
}

// rebuildOnceTimersLocked recreates runtime timers from the persisted once
// definitions. Call with s.mu held.
func (s *Service) rebuildOnceTimersLocked() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	// stop any existing timers (should already be empty after Stop())
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}

	for name, runAt := range s.onceAt {
		job := s.onceJob[name]
		if job == nil {
			delete(s.onceAt, name)
			delete(s.onceOpt, name)
			delete(s.onceJob, name)
			delete(s.onceVer, name)
			continue
		}
		ver := s.onceVer[name]
		if ver == 0 {
			ver = 1
			s.onceVer[name] = ver
		}
		localName := name
		localVer := ver
		delay := time.Until(runAt)
		if delay < 0 {
			delay = 0
		}
		tmr := time.AfterFunc(delay, func() { s.fireOnce(localName, localVer) })
		s.timers[localName] = tmr
	}
}

// previewNextRunsLocked returns a short, human-friendly list of upcoming run
// times for the given cron spec. Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if s.log.IsZero() {
		return ""
	}
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	if n <= 0 {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
