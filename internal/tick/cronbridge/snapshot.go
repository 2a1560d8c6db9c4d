package cronbridge

import (
	"time"

	"ticksched/internal/tick/engine"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	defs := make([]triggerDef, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	loc := s.loc
	eng := s.engine
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	if tz == "" && loc != nil {
		tz = loc.String()
	}

	items := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{ID: d.id, Name: d.name, Spec: d.spec}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		items = append(items, it)
	}

	s.tmu.Lock()
	once := len(s.onceAt)
	s.tmu.Unlock()

	var es engine.Snapshot
	if eng != nil {
		es = eng.Snapshot()
	}

	return Snapshot{
		Enabled:   enabled,
		Timezone:  tz,
		Schedules: items,
		Once:      once,
		Engine:    es,
	}
}
