package journal

import (
	"context"
	"sync"
	"time"

	"ticksched/internal/eventbus"
	"ticksched/internal/tick/engine"
	logx "ticksched/pkg/logx"
)

const subscribeBuffer = 512

// Service drains task lifecycle events from the bus into a sink.
type Service struct {
	log  logx.Logger
	bus  eventbus.Bus
	sink Sink

	mu    sync.Mutex
	stop  func()
	done  chan struct{}
	drops uint64
}

func NewService(sink Sink, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log, bus: bus, sink: sink}
}

// Start subscribes to the bus and begins recording. No-op when the sink or
// bus is absent (journal disabled).
func (s *Service) Start(ctx context.Context) {
	_ = ctx
	if s.sink == nil || s.bus == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	ch, unsub := s.bus.Subscribe(subscribeBuffer)
	done := make(chan struct{})
	s.stop = unsub
	s.done = done
	go s.drain(ch, done)
	s.log.Info("journal started")
}

// Stop unsubscribes and waits for the drain goroutine to flush.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stop := s.stop
	done := s.done
	s.stop = nil
	s.done = nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	stop()
	select {
	case <-done:
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("journal stopped")
}

// Recent returns the latest n records, oldest first.
func (s *Service) Recent(ctx context.Context, n int) ([]Record, error) {
	if s.sink == nil {
		return nil, ErrDisabled
	}
	return s.sink.Recent(ctx, n)
}

func (s *Service) drain(ch <-chan eventbus.Event, done chan struct{}) {
	defer close(done)
	for ev := range ch {
		te, ok := ev.Data.(engine.TaskEvent)
		if !ok {
			continue
		}
		r := Record{
			At:         ev.Time,
			TaskID:     te.ID,
			Name:       te.Name,
			Type:       te.Type,
			Worker:     te.Worker,
			Tick:       te.Tick,
			State:      te.State,
			Executions: te.Executions,
			DurationMS: te.Duration.Milliseconds(),
			Error:      te.Error,
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := s.sink.Append(ctx, r); err != nil {
			s.drops++
			if s.drops == 1 || s.drops%100 == 0 {
				s.log.Warn("journal append failed", logx.Uint64("drops", s.drops), logx.Any("err", err))
			}
		}
		cancel()
	}
}
