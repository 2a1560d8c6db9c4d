package engine

import (
	"sync"
	"testing"

	logx "ticksched/pkg/logx"
)

func TestStateTerminal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state State
		want  bool
	}{
		{StatePending, false},
		{StateRunning, false},
		{StateCompleted, true},
		{StateCancelled, true},
		{StateRetired, true},
		{StateFailed, true},
	}
	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.want {
			t.Fatalf("%v.Terminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestTryTransitionExpectsPriorState(t *testing.T) {
	t.Parallel()
	task := &Task{}
	task.state.Store(&taskState{state: StatePending})

	if !task.tryTransition(StatePending, StateRunning) {
		t.Fatal("pending -> running should succeed")
	}
	if task.tryTransition(StatePending, StateRunning) {
		t.Fatal("transition from stale expected state should fail")
	}
	if got := task.state.Load().state; got != StateRunning {
		t.Fatalf("state = %v, want running", got)
	}
}

// Exactly one of many racing cancels may finalize a task.
func TestConcurrentCancelIsLinearizable(t *testing.T) {
	t.Parallel()
	task := &Task{}
	task.state.Store(&taskState{state: StatePending})
	s := New(Config{Workers: 1}, nil, logx.Nop(), nil)
	h := &Handle{t: task, s: s}

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- h.Cancel()
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for w := range wins {
		if w {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("%d cancels took effect, want exactly 1", won)
	}
	if got := task.state.Load().state; got != StateCancelled {
		t.Fatalf("state = %v, want cancelled", got)
	}
}
