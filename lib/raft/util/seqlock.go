// Package util holds small concurrency primitives shared by the core
// packages: a seqlock standing in for Java's StampedLock optimistic reads,
// a bounded MPSC queue standing in for the disruptor ring buffer, and an
// ordered index structure for ReadOnlyService's pending-notify cache.
package util

import "sync"

// SeqLock is a stamped, writer-exclusive lock offering an optimistic read
// path: a reader takes a stamp, reads the protected fields without
// blocking a concurrent writer, then validates the stamp. If validation
// fails (a writer ran in between), the caller falls back to RLock. This
// mirrors java.util.concurrent.locks.StampedLock's tryOptimisticRead, used
// by BallotBox to keep getLastCommittedIndex off the write lock's hot path.
//
// Unlike sync.RWMutex, the optimistic path never waits for a writer to
// finish; it only takes the short internal mutex that guards the writer's
// sequence counter. Callers must read every field consumed during the
// optimistic section after TryOptimisticRead returns and must not act on
// unvalidated values.
type SeqLock struct {
	mu   sync.Mutex
	seq  uint64 // odd while a writer holds the lock, even otherwise
	rmu  sync.RWMutex
}

// NewSeqLock returns an unlocked SeqLock.
func NewSeqLock() *SeqLock {
	return &SeqLock{}
}

// TryOptimisticRead returns a stamp for a subsequent Validate call. The
// returned stamp is never itself sufficient: callers must read the
// protected state, then call Validate before trusting what they read.
// A stamp is the sequence value plus 2, so no valid stamp is 0.
func (l *SeqLock) TryOptimisticRead() uint64 {
	l.mu.Lock()
	seq := l.seq
	l.mu.Unlock()
	if seq&1 == 1 {
		// a writer is in flight; caller should fall back immediately
		return 0
	}
	return seq + 2
}

// Validate reports whether no writer has run since stamp was taken. A
// stamp of 0 never validates, forcing the fallback path.
func (l *SeqLock) Validate(stamp uint64) bool {
	if stamp == 0 {
		return false
	}
	l.mu.Lock()
	cur := l.seq
	l.mu.Unlock()
	return cur+2 == stamp
}

// WriteLock acquires exclusive access and bumps the sequence to odd,
// signalling readers in flight that they must not trust their stamp.
func (l *SeqLock) WriteLock() {
	l.rmu.Lock()
	l.mu.Lock()
	l.seq++
	l.mu.Unlock()
}

// Unlock releases exclusive access and bumps the sequence back to even.
func (l *SeqLock) Unlock() {
	l.mu.Lock()
	l.seq++
	l.mu.Unlock()
	l.rmu.Unlock()
}

// RLock acquires the fallback shared lock, used when optimistic
// validation fails.
func (l *SeqLock) RLock() {
	l.rmu.RLock()
}

// RUnlock releases the fallback shared lock.
func (l *SeqLock) RUnlock() {
	l.rmu.RUnlock()
}
