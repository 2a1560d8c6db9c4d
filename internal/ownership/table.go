// Package ownership provides an in-memory ownership table that answers the
// engine's affinity resolutions. The host claims objects for workers as
// regions load, transfers them on migration and removes them on despawn.
package ownership

import (
	"fmt"
	"hash/maphash"
	"sync"

	"ticksched/internal/tick/engine"
)

const shardCount = 16

var seed = maphash.MakeSeed()

type key struct {
	kind engine.BindKind
	ref  any
}

type entry struct {
	owner   engine.WorkerID
	unowned bool
}

type shard struct {
	mu sync.RWMutex
	m  map[key]entry
}

// Table is a sharded ownership map. Resolve is called for every due bound
// task on every tick from all workers, so reads take only a shard RLock.
//
// Binding.Ref is used as a map key, so
// every method panics on a non-comparable ref (slice, map, func). Hosts must
// bind by id value, per the Binding contract.
type Table struct {
	shards [shardCount]shard
}

func New() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i].m = make(map[key]entry)
	}
	return t
}

func (t *Table) shardFor(k key) *shard {
	h := maphash.String(seed, fmt.Sprintf("%d\x00%T\x00%v", k.kind, k.ref, k.ref))
	return &t.shards[h%shardCount]
}

// Claim records w as the owner of the bound object, creating the record if
// needed. Claiming over an existing owner is a transfer.
func (t *Table) Claim(b engine.Binding, w engine.WorkerID) {
	k := key{kind: b.Kind, ref: b.Ref}
	s := t.shardFor(k)
	s.mu.Lock()
	s.m[k] = entry{owner: w}
	s.mu.Unlock()
}

// Transfer moves ownership to w. It returns false when the object is not in
// the table (gone), in which case nothing is recorded.
func (t *Table) Transfer(b engine.Binding, w engine.WorkerID) bool {
	k := key{kind: b.Kind, ref: b.Ref}
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[k]; !ok {
		return false
	}
	s.m[k] = entry{owner: w}
	return true
}

// Release keeps the object in the table but marks it unowned, as during a
// migration window or a region unload. Bound tasks defer until re-claimed.
func (t *Table) Release(b engine.Binding) bool {
	k := key{kind: b.Kind, ref: b.Ref}
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[k]; !ok {
		return false
	}
	s.m[k] = entry{unowned: true}
	return true
}

// Remove deletes the record entirely. Subsequent resolutions report gone and
// the engine retires the task.
func (t *Table) Remove(b engine.Binding) bool {
	k := key{kind: b.Kind, ref: b.Ref}
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[k]; !ok {
		return false
	}
	delete(s.m, k)
	return true
}

// Resolve implements engine.Resolver.
func (t *Table) Resolve(b engine.Binding) engine.Resolution {
	if b.Kind == engine.BindNone {
		return engine.Owned(engine.WorkerMain)
	}
	k := key{kind: b.Kind, ref: b.Ref}
	s := t.shardFor(k)
	s.mu.RLock()
	e, ok := s.m[k]
	s.mu.RUnlock()
	switch {
	case !ok:
		return engine.Gone()
	case e.unowned:
		return engine.Unowned()
	default:
		return engine.Owned(e.owner)
	}
}

// Len reports the number of tracked objects across all shards.
func (t *Table) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}
