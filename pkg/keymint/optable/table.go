// Package optable implements OperationTable, the bounded handle->Operation
// registry the dispatcher uses to track in-flight cryptographic sessions.
//
// A single mutex guards the map, making Table safe for concurrent use by
// multiple goroutines. Entries also sit on an intrusive doubly linked list
// ordered by last-touch time, so eviction-on-capacity is an O(1) pop from
// the tail.
package optable

import (
	"sync"

	"github.com/marmos91/keymintcore/pkg/keymint/kmerror"
	"github.com/marmos91/keymintcore/pkg/keymint/operation"
)

// entry wraps an operation.Operation with its position in the LRU list.
type entry struct {
	handle uint64
	op     operation.Operation
	prev   *entry
	next   *entry
}

// Table is a bounded registry of at most N live operations, keyed by
// opaque handle. Eviction policy on Add-when-full is least-recently-
// touched: the entry at the tail of the internal list is Aborted and
// removed first.
//
// Table is safe for concurrent use.
type Table struct {
	mu        sync.Mutex
	capacity  int
	entries   map[uint64]*entry
	head      *entry // most-recently-touched
	tail      *entry // least-recently-touched (next eviction victim)
	evictions uint64 // cumulative capacity evictions, for diagnostics/metrics
}

// New creates a Table bounded to at most capacity live operations.
// capacity must be >= 1.
func New(capacity int) *Table {
	if capacity < 1 {
		capacity = 1
	}
	return &Table{
		capacity: capacity,
		entries:  make(map[uint64]*entry, capacity),
	}
}

// Len returns the number of live operations currently tracked.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Evictions returns the cumulative count of capacity-triggered evictions
// since the table was created. Monotonically increasing; callers that want
// a delta (e.g. for a Prometheus counter) must track the last value they
// observed themselves.
func (t *Table) Evictions() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evictions
}

// unlinkLocked removes e from the LRU list. Caller holds t.mu.
func (t *Table) unlinkLocked(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		t.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		t.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

// pushFrontLocked inserts e as the most-recently-touched entry. Caller
// holds t.mu.
func (t *Table) pushFrontLocked(e *entry) {
	e.prev = nil
	e.next = t.head
	if t.head != nil {
		t.head.prev = e
	}
	t.head = e
	if t.tail == nil {
		t.tail = e
	}
}

// touchLocked moves e to the front (most-recently-touched). Caller holds
// t.mu.
func (t *Table) touchLocked(e *entry) {
	if t.head == e {
		return
	}
	t.unlinkLocked(e)
	t.pushFrontLocked(e)
}

// Add installs op under op.OperationHandle(). If the table is already at
// capacity, the least-recently-touched entry is Aborted and evicted first.
// Returns UnknownError on the astronomically unlikely handle collision.
func (t *Table) Add(op operation.Operation) *kmerror.Error {
	h := op.OperationHandle()
	if h == 0 {
		return kmerror.New(kmerror.UnknownError, "operation table: refusing to add handle 0")
	}

	t.mu.Lock()

	if _, exists := t.entries[h]; exists {
		t.mu.Unlock()
		return kmerror.New(kmerror.UnknownError, "operation table: handle collision")
	}

	var victim *entry
	if len(t.entries) >= t.capacity {
		victim = t.tail
		if victim != nil {
			t.unlinkLocked(victim)
			delete(t.entries, victim.handle)
			t.evictions++
		}
	}

	e := &entry{handle: h, op: op}
	t.entries[h] = e
	t.pushFrontLocked(e)
	t.mu.Unlock()

	// Abort the evicted operation outside the lock: Operation.Abort may
	// call into algorithm-specific code that must not reenter the table.
	if victim != nil {
		victim.op.Abort()
	}
	return nil
}

// Find returns the operation installed under handle, or nil if absent.
// A successful Find touches the LRU position.
func (t *Table) Find(handle uint64) operation.Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[handle]
	if !ok {
		return nil
	}
	t.touchLocked(e)
	return e.op
}

// Delete idempotently removes handle from the table without calling
// Abort — the caller is already terminating the operation itself.
func (t *Table) Delete(handle uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[handle]
	if !ok {
		return
	}
	t.unlinkLocked(e)
	delete(t.entries, handle)
}

// Handles returns every live handle, most-recently-touched first. Used by
// diagnostics tooling (cmd/kmcore inspect) and tests; not part of the
// dispatcher's own request surface.
func (t *Table) Handles() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]uint64, 0, len(t.entries))
	for e := t.head; e != nil; e = e.next {
		out = append(out, e.handle)
	}
	return out
}
