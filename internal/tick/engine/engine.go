package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ticksched/internal/eventbus"
	rtsup "ticksched/internal/runtime/supervisor"
	logx "ticksched/pkg/logx"
)

const poolFullWarnEvery = 5 * time.Second

// Service is the scheduler façade: submission, cancellation, query, and the
// per-worker Tick entry point. It holds no global lock across workers; each
// worker's time index is independently synchronized and all task state moves
// through per-task CAS.
type Service struct {
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	resolver Resolver

	queues []*timeIndex // one per region worker
	shared *timeIndex   // unconstrained (Global/Async)

	// workerNow[i] is the last tick each worker reported; sharedNow is the
	// max tick observed anywhere. Submit uses these to translate a relative
	// delay into an absolute due tick.
	workerNow []atomic.Int64
	sharedNow atomic.Int64

	entrySeq atomic.Uint64

	pool chan *entry

	mu       sync.Mutex
	sup      *rtsup.Supervisor
	runCtx   context.Context
	stopped  bool
	poolWarn atomic.Int64

	// Best-effort counters for diagnostics.
	submitted uint64
	executed  uint64
	completed uint64
	cancelled uint64
	retired   uint64
	failed    uint64
	rerouted  uint64
	panics    uint64
}

// New builds an engine. resolver may be nil if no bound tasks will ever be
// submitted; log and bus may be zero/nil.
func New(cfg Config, resolver Resolver, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		resolver:  resolver,
		queues:    make([]*timeIndex, cfg.Workers),
		shared:    newTimeIndex(),
		workerNow: make([]atomic.Int64, cfg.Workers),
		pool:      make(chan *entry, cfg.AsyncQueueSize),
		runCtx:    context.Background(),
	}
	for i := range s.queues {
		s.queues[i] = newTimeIndex()
	}
	return s
}

// Start launches the shared async pool. Tick-driven execution works without
// Start, but Global/Async tasks will sit in the pool hand-off until it runs.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.stopped = false
	s.runCtx = ctx
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "tickengine"))),
		// Pool worker failures are isolated per task; never hard-kill the host.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	workers := s.cfg.AsyncWorkers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("pool.%d", i)
		// Auto-restart pool workers if they somehow exit with an error.
		sup.GoRestart(name, func(c context.Context) error {
			s.poolWorker(c)
			return c.Err()
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("tick engine started",
		logx.Int("workers", s.cfg.Workers),
		logx.Int("async_workers", workers),
		logx.Int("pool_queue", cap(s.pool)),
	)
}

// Stop shuts the async pool down and rejects further submissions. Region
// workers simply stop calling Tick; pending tasks stay queued in memory and
// are dropped with the engine (no task state is persisted, ever).
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.stopped = true
	s.mu.Unlock()

	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("tick engine stop", logx.Any("err", err))
		return
	}
	s.log.Info("tick engine stopped")
}

// Submit validates the spec, assigns an id, computes initial affinity for
// bound variants and enqueues the task in Pending state. It never blocks.
func (s *Service) Submit(spec Spec) (*Handle, error) {
	t, err := s.buildTask(spec)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return nil, ErrStopped
	}

	atomic.AddUint64(&s.submitted, 1)

	// Initial routing. For bound tasks this is only a placement hint: the
	// owner is re-resolved before every execution attempt anyway, so a stale
	// (or failed) initial resolution self-corrects at the first due tick.
	worker, q := s.initialQueue(t)

	now := s.nowFor(worker, t)
	t.submittedAt = now
	due := now + spec.Delay
	st := &taskState{state: StatePending, nextRunAt: due}
	t.state.Store(st)

	q.push(&entry{t: t, due: due, seq: s.entrySeq.Add(1)})

	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("task submitted",
			logx.String("id", t.id),
			logx.String("name", t.name),
			logx.String("type", t.typ.String()),
			logx.Int64("due", int64(due)),
			logx.Int("worker", int(worker)),
		)
	}
	return &Handle{t: t, s: s}, nil
}

func (s *Service) buildTask(spec Spec) (*Task, error) {
	if spec.Body == nil && spec.ContextBody == nil {
		return nil, ErrNoBody
	}
	if spec.Body != nil && spec.ContextBody != nil {
		return nil, ErrTwoBodies
	}
	if spec.Entity != nil && spec.Location != nil {
		return nil, ErrTwoBindings
	}
	if spec.MaxExecutions < 0 {
		return nil, ErrNegativeMaxExecs
	}

	binding := Binding{Kind: BindNone}
	typ := spec.Type
	switch {
	case spec.Entity != nil:
		if typ != TypeSync && typ != TypeEntity {
			return nil, ErrTypeBindMismatch
		}
		typ = TypeEntity
		binding = Binding{Kind: BindEntity, Ref: spec.Entity}
	case spec.Location != nil:
		if typ != TypeSync && typ != TypeLocation {
			return nil, ErrTypeBindMismatch
		}
		typ = TypeLocation
		binding = Binding{Kind: BindLocation, Ref: spec.Location}
	default:
		if typ == TypeEntity || typ == TypeLocation {
			return nil, ErrTypeBindMismatch
		}
	}
	if binding.Kind != BindNone && s.resolver == nil {
		return nil, ErrNoResolver
	}

	// Clamp, not reject: callers computing delays from tick arithmetic easily
	// underflow by one.
	if spec.Delay < 0 {
		spec.Delay = 0
	}
	if spec.Period < 0 {
		spec.Period = 0
	}

	t := &Task{
		id:          "tsk-" + uuid.NewString(),
		name:        strings.TrimSpace(spec.Name),
		typ:         typ,
		period:      spec.Period,
		maxExecs:    spec.MaxExecutions,
		body:        spec.Body,
		ctxBody:     spec.ContextBody,
		binding:     binding,
		onRetired:   spec.OnRetired,
		onException: spec.OnException,
		onComplete:  spec.OnComplete,
		failure:     spec.Failure,
	}
	return t, nil
}

// initialQueue picks the queue a fresh task starts on.
func (s *Service) initialQueue(t *Task) (WorkerID, *timeIndex) {
	switch {
	case t.binding.Kind != BindNone:
		res := s.resolver.Resolve(t.binding)
		if res.State == ResolveOwned && s.validWorker(res.Owner) {
			return res.Owner, s.queues[res.Owner]
		}
		// Unowned, gone, or out-of-range owner: park on the main worker;
		// its next tick retires or re-routes as appropriate.
		return WorkerMain, s.queues[WorkerMain]
	case t.typ == TypeAsync || t.typ == TypeGlobal:
		return WorkerShared, s.shared
	default:
		return WorkerMain, s.queues[WorkerMain]
	}
}

func (s *Service) validWorker(w WorkerID) bool {
	return w >= 0 && int(w) < len(s.queues)
}

// nowFor returns the reference tick used to anchor a task's delay.
func (s *Service) nowFor(worker WorkerID, t *Task) Tick {
	if worker == WorkerShared {
		return Tick(s.sharedNow.Load())
	}
	return Tick(s.workerNow[worker].Load())
}

// Tick is called once per scheduling quantum by each worker's own loop. It
// drains the worker's due tasks and, on every call, advances the shared
// clock so Global/Async tasks become due without the engine owning a timer.
func (s *Service) Tick(worker WorkerID, now Tick) {
	if !s.validWorker(worker) {
		return
	}
	storeMax(&s.workerNow[worker], int64(now))
	storeMax(&s.sharedNow, int64(now))

	s.dispatchShared()

	for _, e := range s.queues[worker].popDue(now) {
		s.processEntry(worker, now, e)
	}
}

// dispatchShared moves due unconstrained entries into the pool hand-off.
// Entries that don't fit stay in the index and are retried on the next Tick
// from any worker.
func (s *Service) dispatchShared() {
	now := Tick(s.sharedNow.Load())
	if !s.shared.peekDue(now) {
		return
	}
	due := s.shared.popDue(now)
	for i, e := range due {
		select {
		case s.pool <- e:
		default:
			// Hand-off full. Everything popped but not yet dispatched goes
			// back on the index, not just the entry that failed to send.
			for _, rest := range due[i:] {
				s.shared.push(rest)
			}
			s.warnPoolFull()
			return
		}
	}
}

func (s *Service) warnPoolFull() {
	now := time.Now().UnixNano()
	prev := s.poolWarn.Load()
	if prev != 0 && now-prev < int64(poolFullWarnEvery) {
		return
	}
	if s.poolWarn.CompareAndSwap(prev, now) {
		s.log.Warn("async pool hand-off full; due tasks deferred",
			logx.Int("pool_cap", cap(s.pool)),
		)
	}
}

// Snapshot returns engine-level diagnostics.
func (s *Service) Snapshot() Snapshot {
	snap := Snapshot{
		Workers:      s.cfg.Workers,
		AsyncWorkers: s.cfg.AsyncWorkers,
		Submitted:    atomic.LoadUint64(&s.submitted),
		Executed:     atomic.LoadUint64(&s.executed),
		Completed:    atomic.LoadUint64(&s.completed),
		Cancelled:    atomic.LoadUint64(&s.cancelled),
		Retired:      atomic.LoadUint64(&s.retired),
		Failed:       atomic.LoadUint64(&s.failed),
		Rerouted:     atomic.LoadUint64(&s.rerouted),
		Panics:       atomic.LoadUint64(&s.panics),
		PoolDepth:    len(s.pool),
		PoolCap:      cap(s.pool),
	}
	snap.QueueLens = make([]int, len(s.queues))
	for i, q := range s.queues {
		snap.QueueLens[i] = q.len()
	}
	return snap
}

func (s *Service) onCancelled(t *Task) {
	atomic.AddUint64(&s.cancelled, 1)
	s.publish(eventbus.TopicTaskCancelled, t, WorkerShared, Tick(s.sharedNow.Load()), 0, nil)
}

func (s *Service) publish(typ string, t *Task, worker WorkerID, now Tick, dur time.Duration, err error) {
	if s.bus == nil {
		return
	}
	st := t.state.Load()
	ev := TaskEvent{
		ID:         t.id,
		Name:       t.name,
		Type:       t.typ.String(),
		Worker:     int(worker),
		Tick:       int64(now),
		State:      st.state.String(),
		Executions: st.executions,
		Duration:   dur,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func storeMax(a *atomic.Int64, v int64) {
	for {
		cur := a.Load()
		if v <= cur || a.CompareAndSwap(cur, v) {
			return
		}
	}
}
