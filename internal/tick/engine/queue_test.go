package engine

import (
	"testing"
)

func TestTimeIndexOrdering(t *testing.T) {
	t.Parallel()
	q := newTimeIndex()
	mk := func(due Tick, seq uint64) *entry { return &entry{due: due, seq: seq} }

	// Push out of order, with ties on due.
	q.push(mk(5, 3))
	q.push(mk(1, 2))
	q.push(mk(5, 1))
	q.push(mk(2, 4))
	q.push(mk(9, 5))

	got := q.popDue(5)
	wantDue := []Tick{1, 2, 5, 5}
	wantSeq := []uint64{2, 4, 1, 3}
	if len(got) != len(wantDue) {
		t.Fatalf("popDue returned %d entries, want %d", len(got), len(wantDue))
	}
	for i, e := range got {
		if e.due != wantDue[i] || e.seq != wantSeq[i] {
			t.Fatalf("entry %d = (due %d, seq %d), want (due %d, seq %d)", i, e.due, e.seq, wantDue[i], wantSeq[i])
		}
	}

	if q.len() != 1 {
		t.Fatalf("len = %d, want 1 remaining", q.len())
	}
	if q.peekDue(8) {
		t.Fatal("peekDue(8) = true, want false")
	}
	if !q.peekDue(9) {
		t.Fatal("peekDue(9) = false, want true")
	}
}

func TestTimeIndexPopDueEmpty(t *testing.T) {
	t.Parallel()
	q := newTimeIndex()
	if got := q.popDue(100); got != nil {
		t.Fatalf("popDue on empty index = %v, want nil", got)
	}
}
