package cronbridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"ticksched/internal/tick/engine"
	logx "ticksched/pkg/logx"
)

// Config controls the trigger bridge.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

// OverlapPolicy decides what a trigger does when the previous run of the
// same schedule is still in flight.
type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

// TriggerOptions tunes a registered schedule.
type TriggerOptions struct {
	Overlap OverlapPolicy
	// Timeout bounds one run via the body context; 0 means no limit.
	Timeout time.Duration
}

// ErrOverlapSkip is reported when a trigger fires while the previous run is
// still in flight and the schedule uses OverlapSkipIfRunning.
var ErrOverlapSkip = errors.New("previous run still in flight")

type triggerDef struct {
	id            string
	name          string
	spec          string // cron spec or @every
	opt           TriggerOptions
	job           func(ctx context.Context) error
	entryID       cron.EntryID
	startupSpread time.Duration // initial random delay for @every schedules
	running       *atomic.Bool
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	engine *engine.Service

	parser cron.Parser
	c      *cron.Cron
	defs   []triggerDef

	// Submit error throttling, keyed by schedule name.
	subMu       sync.Mutex
	lastSubWarn map[string]time.Time

	// one-time timers (timers are runtime; onceAt/onceOpt/onceJob persist
	// across Stop/Start)
	tmu     sync.Mutex
	timers  map[string]*time.Timer
	onceAt  map[string]time.Time
	onceOpt map[string]TriggerOptions
	onceJob map[string]func(ctx context.Context) error
	onceVer map[string]uint64
}

// ScheduleInfo describes one registered schedule for diagnostics.
type ScheduleInfo struct {
	ID   string
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

// Snapshot is the bridge view plus the engine diagnostics behind it.
type Snapshot struct {
	Enabled  bool
	Timezone string

	Schedules []ScheduleInfo
	Once      int

	Engine engine.Snapshot
}
