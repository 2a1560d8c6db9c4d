package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"ticksched/internal/eventbus"
	logx "ticksched/pkg/logx"
)

// processEntry handles one popped occurrence on a region worker's tick.
//
// Order matters and is fixed by contract: affinity re-resolution (and with it
// the retirement check) happens strictly before the Pending->Running
// transition, so a retired task's body can never have started.
func (s *Service) processEntry(worker WorkerID, now Tick, e *entry) {
	t := e.t

	st := t.state.Load()
	if st.state != StatePending {
		// Lazily-deleted entry: cancelled, already finalized, or superseded.
		return
	}
	if st.nextRunAt != e.due {
		// Stale occurrence of a re-armed task; the live entry is elsewhere.
		return
	}

	if t.binding.Kind != BindNone {
		res := s.resolver.Resolve(t.binding)
		switch res.State {
		case ResolveGone:
			s.retire(t, worker, now)
			return
		case ResolveUnowned:
			// Target exists but nobody owns it (mid-migration / unloaded).
			// Wait a tick and ask again.
			e.due = now + 1
			s.retarget(t, e.due)
			e.seq = s.entrySeq.Add(1)
			s.queues[worker].push(e)
			return
		case ResolveOwned:
			if !s.validWorker(res.Owner) {
				s.log.Warn("resolver returned unknown worker; deferring task",
					logx.String("task", t.id),
					logx.Int("owner", int(res.Owner)),
				)
				e.due = now + 1
				s.retarget(t, e.due)
				e.seq = s.entrySeq.Add(1)
				s.queues[worker].push(e)
				return
			}
			if res.Owner != worker {
				// Ownership migrated since this entry was queued: hand the
				// task to its new owner instead of executing. Same due tick;
				// it runs on the new owner's next quantum.
				atomic.AddUint64(&s.rerouted, 1)
				e.seq = s.entrySeq.Add(1)
				s.queues[res.Owner].push(e)
				s.publish(eventbus.TopicTaskRerouted, t, res.Owner, now, 0, nil)
				return
			}
		}
	}

	s.run(t, worker, now)
}

// retarget updates nextRunAt on a still-Pending task so the deferred entry
// stays the live one. Lost races (concurrent cancel) are fine: the pushed
// entry will be skipped lazily.
func (s *Service) retarget(t *Task, due Tick) {
	for {
		cur := t.state.Load()
		if cur.state != StatePending {
			return
		}
		next := *cur
		next.nextRunAt = due
		if t.state.CompareAndSwap(cur, &next) {
			return
		}
	}
}

// retire finalizes a task whose bound object is gone. The retirement path and
// the execution path are mutually exclusive by construction: retire is only
// reachable before the Running transition.
func (s *Service) retire(t *Task, worker WorkerID, now Tick) {
	if !t.tryTransition(StatePending, StateRetired) {
		return
	}
	atomic.AddUint64(&s.retired, 1)
	s.callGuarded("on_retired", t, t.onRetired)
	s.publish(eventbus.TopicTaskRetired, t, worker, now, 0, nil)
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("task retired",
			logx.String("id", t.id),
			logx.String("name", t.name),
			logx.String("bind", t.binding.Kind.String()),
		)
	}
}

// run executes one occurrence: Pending->Running, body inside the panic/error
// boundary, statistics, then re-arm or finalize.
func (s *Service) run(t *Task, worker WorkerID, now Tick) {
	if !t.tryTransition(StatePending, StateRunning) {
		// A concurrent Cancel won between pop and here.
		return
	}

	h := &Handle{t: t, s: s}
	st := t.state.Load()
	run := &Execution{h: h, iteration: st.executions + 1, now: now}

	start := time.Now()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				atomic.AddUint64(&s.panics, 1)
				s.log.Error("task body panicked",
					logx.String("task", t.id),
					logx.String("name", t.name),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())),
				)
			}
		}()
		err = t.invoke(s.baseContext(), run)
	}()
	dur := time.Since(start)
	atomic.AddUint64(&s.executed, 1)

	final := s.record(t, now, dur, err)

	switch final {
	case StatePending:
		// Re-armed. Bound tasks go back on this worker's index and get
		// re-resolved at their next due tick; unconstrained pool tasks go
		// back to the shared index.
		due := now + t.period
		e := &entry{t: t, due: due, seq: s.entrySeq.Add(1)}
		if worker == WorkerShared {
			s.shared.push(e)
		} else {
			s.queues[worker].push(e)
		}
	case StateCompleted:
		atomic.AddUint64(&s.completed, 1)
		s.callGuarded("on_complete", t, t.onComplete)
		s.publish(eventbus.TopicTaskCompleted, t, worker, now, dur, err)
	case StateFailed:
		atomic.AddUint64(&s.failed, 1)
		s.publish(eventbus.TopicTaskFailed, t, worker, now, dur, err)
	case StateCancelled:
		// Cancelled mid-run; Cancel already counted and published.
	}

	if err != nil {
		s.log.Warn("task run failed",
			logx.String("task", t.id),
			logx.String("name", t.name),
			logx.Int("worker", int(worker)),
			logx.Duration("dur", dur),
			logx.Any("err", err),
		)
		// Invoked after the state settles so a handler calling Cancel() on
		// its own handle reliably stops a re-armed task.
		if t.onException != nil {
			s.callGuarded("on_exception", t, func() { t.onException(err) })
		}
	} else if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("task run completed",
			logx.String("task", t.id),
			logx.String("name", t.name),
			logx.Int("worker", int(worker)),
			logx.Duration("dur", dur),
		)
	}
}

// record folds one execution's outcome into the task snapshot and decides the
// post-run state. A concurrent Cancel during Running sticks: statistics are
// still recorded but the terminal Cancelled state is preserved.
func (s *Service) record(t *Task, now Tick, dur time.Duration, err error) State {
	for {
		cur := t.state.Load()
		next := *cur
		next.executions++
		next.lastRunAt = now
		next.totalRunTime += dur
		if err != nil {
			next.lastErr = err
		}

		if cur.state == StateRunning {
			switch {
			case err != nil && t.failure == FailFast:
				next.state = StateFailed
				next.nextRunAt = 0
			case !t.oneShot() && !t.capReached(next.executions):
				next.state = StatePending
				next.nextRunAt = now + t.period
			default:
				next.state = StateCompleted
				next.nextRunAt = 0
			}
		} else {
			// Cancelled while running: keep the terminal state, no re-arm.
			next.nextRunAt = 0
		}

		if t.state.CompareAndSwap(cur, &next) {
			return next.state
		}
	}
}

func (s *Service) baseContext() context.Context {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// poolWorker drains the shared hand-off channel. Global/Async occurrences go
// through the same state machine as region-worker runs; there is just no
// affinity step.
func (s *Service) poolWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.pool:
			st := e.t.state.Load()
			if st.state != StatePending || st.nextRunAt != e.due {
				continue
			}
			s.run(e.t, WorkerShared, Tick(s.sharedNow.Load()))
		}
	}
}
