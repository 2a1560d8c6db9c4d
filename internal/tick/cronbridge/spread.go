package cronbridge

import (
	"hash/maphash"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
)

// Interval schedules registered together at host start would all fire on the
// same wall-clock instant forever. Spread jitters each schedule's first run
// so periodic batches of engine submissions don't land on one tick.
const maxFirstRunSpread = 30 * time.Second

var spreadSeed = maphash.MakeSeed()

// spreadSchedule overrides only the first fire time, then delegates to the
// underlying interval schedule.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// intervalWithSpread builds an @every schedule whose first run lands at
// now + every + jitter, with jitter in [0, min(every, maxFirstRunSpread)).
// The schedule name salts the jitter so same-period schedules diverge.
func intervalWithSpread(every time.Duration, now time.Time, name string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	span := min(every, maxFirstRunSpread)
	if span <= 0 {
		return base, 0
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(maphash.String(spreadSeed, name))))
	jitter := time.Duration(rng.Int63n(int64(span)))
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}
