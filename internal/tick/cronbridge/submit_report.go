package cronbridge

import (
	"errors"
	"time"

	logx "ticksched/pkg/logx"
)

const submitWarnThrottle = 5 * time.Second

func (s *Service) reportSubmitError(name string, err error) {
	if err == nil {
		return
	}
	// Overlap skips happen during normal operation.
	if errors.Is(err, ErrOverlapSkip) {
		if !s.log.IsZero() {
			s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Any("err", err))
		}
		return
	}

	now := time.Now()
	s.subMu.Lock()
	if s.lastSubWarn == nil {
		s.lastSubWarn = make(map[string]time.Time)
	}
	last := s.lastSubWarn[name]
	if !last.IsZero() && now.Sub(last) < submitWarnThrottle {
		s.subMu.Unlock()
		return
	}
	s.lastSubWarn[name] = now
	s.subMu.Unlock()

	if s.log.IsZero() {
		return
	}

	// Engine-stopped errors are important but can be bursty.
	s.log.Warn("schedule failed to submit task", logx.String("schedule", name), logx.Any("err", err))
}
