// Package locktable implements the snap-read lock table (SPEC_FULL.md
// §4.7, component C7): a hashed, in-memory set of per-origin-chunk locks
// that serializes origin writes against in-flight snapshot reads without
// ever blocking the single-threaded event loop — a write whose chunk is
// locked has its reply parked instead of suspended.
//
// Grounded on the teacher's reference-counted handle idiom (inode/dentry
// refcounting in fs/ and dlm/'s lock-with-waiters shape) adapted to this
// component's specific holder/waiter/pending structure.
package locktable

import (
	"sync"
)

// DefaultHashBits is snaplock_hash_bits' default from SPEC_FULL.md §3.
const DefaultHashBits = 8

// Pending is a counted, deferred response: a reply function that fires
// once every chunk it depends on has released. One Pending is shared by
// every waiter entry queued on behalf of a single origin-write request.
type Pending struct {
	holdCount int
	reply     func()
	fired     bool
}

type holder struct {
	client uint64
}

type waiter struct {
	client  uint64
	pending *Pending
}

type lock struct {
	holders []holder
	waiters []waiter
}

// Table is the hashed lock set. One instance per daemon.
type Table struct {
	mu    sync.Mutex
	bits  uint
	locks map[uint64]*lock
}

// New creates a lock table with 1<<bits buckets (the bucket count is
// informational only here — Go's map does its own hashing — but is kept
// so Table's construction mirrors the original's fixed hash-bin sizing).
func New(bits uint) *Table {
	return &Table{bits: bits, locks: map[uint64]*lock{}}
}

// ReadlockChunk creates the lock for chunk if absent and appends a holder
// record for client. Called on every snapshot-read that finds no existing
// exception (SPEC_FULL.md §4.7 snapshot-read flow).
func (t *Table) ReadlockChunk(chunk uint64, client uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[chunk]
	if !ok {
		l = &lock{}
		t.locks[chunk] = l
	}
	l.holders = append(l.holders, holder{client: client})
}

// WaitforChunk, if chunk is currently locked, links a waiter entry against
// pending and increments pending's hold count; it is a no-op if chunk has
// no lock. The caller supplies one Pending shared across every chunk in
// one origin-write request and decrements it once more itself after
// issuing waits for every chunk (SPEC_FULL.md §4.7).
func (t *Table) WaitforChunk(chunk uint64, client uint64, pending *Pending) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[chunk]
	if !ok || len(l.holders) == 0 {
		return
	}
	pending.holdCount++
	l.waiters = append(l.waiters, waiter{client: client, pending: pending})
}

// ReleaseChunk removes client's holder record for chunk. When no holders
// remain, every queued waiter's pending is decremented; a pending whose
// count reaches zero fires its reply exactly once. The lock itself is then
// freed.
func (t *Table) ReleaseChunk(chunk uint64, client uint64) {
	t.mu.Lock()
	l, ok := t.locks[chunk]
	if !ok {
		t.mu.Unlock()
		return
	}
	for i, h := range l.holders {
		if h.client == client {
			l.holders = append(l.holders[:i], l.holders[i+1:]...)
			break
		}
	}
	if len(l.holders) > 0 {
		t.mu.Unlock()
		return
	}

	fired := t.drainWaitersLocked(l)
	delete(t.locks, chunk)
	t.mu.Unlock()

	for _, p := range fired {
		p.reply()
	}
}

// drainWaitersLocked decrements every waiter's pending and collects the
// ones that just reached zero, to be fired after the mutex is released.
func (t *Table) drainWaitersLocked(l *lock) []*Pending {
	var ready []*Pending
	for _, w := range l.waiters {
		w.pending.holdCount--
		if w.pending.holdCount == 0 && !w.pending.fired {
			w.pending.fired = true
			ready = append(ready, w.pending)
		}
	}
	l.waiters = nil
	return ready
}

// ReleaseClient releases every holder record belonging to client across
// the whole table — used when a client session closes unexpectedly
// (SPEC_FULL.md §5 "Cancellation and timeout").
func (t *Table) ReleaseClient(client uint64) {
	t.mu.Lock()
	var allFired []*Pending
	for chunk, l := range t.locks {
		held := false
		for i, h := range l.holders {
			if h.client == client {
				l.holders = append(l.holders[:i], l.holders[i+1:]...)
				held = true
				break
			}
		}
		if held && len(l.holders) == 0 {
			allFired = append(allFired, t.drainWaitersLocked(l)...)
			delete(t.locks, chunk)
		}
	}
	t.mu.Unlock()

	for _, p := range allFired {
		p.reply()
	}
}

// NewPending builds a Pending with its initial reference count of 1,
// balanced by the one decrement the origin-write flow performs itself
// after issuing WaitforChunk for every chunk in the request
// (SPEC_FULL.md §4.7).
func NewPending(reply func()) *Pending {
	return &Pending{holdCount: 1, reply: reply}
}

// Release decrements pending's hold count by one (the "balancing" final
// decrement in the origin-write flow) and fires reply if it reaches zero.
func (p *Pending) Release() {
	p.holdCount--
	if p.holdCount == 0 && !p.fired {
		p.fired = true
		p.reply()
	}
}
