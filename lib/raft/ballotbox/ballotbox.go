// Package ballotbox tallies per-index replication acknowledgements and
// advances the commit index once a quorum (or, during a joint-consensus
// reconfiguration, both the old and new quorums) has granted an index.
package ballotbox

import (
	"fmt"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/nimbusdb/raft/lib/raft"
	"github.com/nimbusdb/raft/lib/raft/util"
)

var log = logger.GetLogger("ballotbox")

// Waiter is notified once BallotBox advances the commit index. FSMCaller
// implements this to schedule the now-committed entries for application.
type Waiter interface {
	OnCommitted(lastCommittedIndex uint64)
}

// BallotBox is the leader-side quorum tally described in the design: one
// Ballot per pending log index, committed in order as acknowledgements
// arrive. A follower never appends pending tasks; it only ever calls
// SetLastCommittedIndex as the leader's AppendEntries tells it the commit
// point advanced.
type BallotBox struct {
	lock util.SeqLock

	waiter       Waiter
	closureQueue *raft.ClosureQueue

	lastCommittedIndex uint64
	pendingIndex       uint64
	pendingMetaQueue   []*raft.Ballot
}

// New builds a BallotBox. waiter and closureQueue must both be non-nil.
func New(waiter Waiter, closureQueue *raft.ClosureQueue) (*BallotBox, error) {
	if waiter == nil || closureQueue == nil {
		return nil, fmt.Errorf("raft: ballotbox requires a waiter and a closure queue")
	}
	return &BallotBox{waiter: waiter, closureQueue: closureQueue}, nil
}

// GetLastCommittedIndex reads the commit index via the seqlock's
// optimistic path, falling back to the shared lock only if a concurrent
// writer invalidated the optimistic read.
func (b *BallotBox) GetLastCommittedIndex() uint64 {
	stamp := b.lock.TryOptimisticRead()
	v := b.lastCommittedIndex
	if b.lock.Validate(stamp) {
		return v
	}
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.lastCommittedIndex
}

// PendingIndex returns the index the next AppendPendingTask call will be
// assigned. Exposed for tests; production callers don't need it.
func (b *BallotBox) PendingIndex() uint64 {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.pendingIndex
}

// ResetPendingIndex is called when a candidate becomes leader. Per Raft,
// entries from previous terms can't be committed until an entry from the
// new term commits, so newPendingIndex must be lastLogIndex+1.
func (b *BallotBox) ResetPendingIndex(newPendingIndex uint64) bool {
	b.lock.WriteLock()
	defer b.lock.Unlock()
	if b.pendingIndex != 0 || len(b.pendingMetaQueue) != 0 {
		log.Errorf("resetPendingIndex fail, pendingIndex=%d, pendingMetaQueueSize=%d", b.pendingIndex, len(b.pendingMetaQueue))
		return false
	}
	if newPendingIndex <= b.lastCommittedIndex {
		log.Errorf("resetPendingIndex fail, newPendingIndex=%d, lastCommittedIndex=%d", newPendingIndex, b.lastCommittedIndex)
		return false
	}
	b.pendingIndex = newPendingIndex
	b.closureQueue.ResetFirstIndex(newPendingIndex)
	return true
}

// AppendPendingTask records a new pending Ballot for the task about to be
// appended to the log at pendingIndex+len(pendingMetaQueue), matched
// against conf (and, if non-nil, the old configuration for a joint vote).
func (b *BallotBox) AppendPendingTask(conf raft.Configuration, oldConf *raft.Configuration, done raft.Closure) bool {
	bl := raft.NewBallot(conf, oldConf)

	b.lock.WriteLock()
	defer b.lock.Unlock()
	if b.pendingIndex <= 0 {
		log.Errorf("fail to appendPendingTask, pendingIndex=%d", b.pendingIndex)
		return false
	}
	b.pendingMetaQueue = append(b.pendingMetaQueue, bl)
	b.closureQueue.AppendPendingClosure(done)
	return true
}

// CommitAt is called by the leader's replicator as a peer acknowledges
// entries in [firstLogIndex, lastLogIndex]. It walks the pending ballots
// covering that range, grants peer's vote on each, and advances the commit
// index past the longest granted prefix.
func (b *BallotBox) CommitAt(firstLogIndex, lastLogIndex uint64, peer raft.PeerID) bool {
	b.lock.WriteLock()
	var newlyCommitted uint64
	ok := func() bool {
		defer b.lock.Unlock()
		if b.pendingIndex == 0 {
			return false
		}
		if lastLogIndex < b.pendingIndex {
			return true
		}
		if lastLogIndex >= b.pendingIndex+uint64(len(b.pendingMetaQueue)) {
			panic(fmt.Sprintf("raft: commitAt out of range, lastLogIndex=%d pendingIndex=%d queueLen=%d",
				lastLogIndex, b.pendingIndex, len(b.pendingMetaQueue)))
		}

		startAt := firstLogIndex
		if b.pendingIndex > startAt {
			startAt = b.pendingIndex
		}
		hint := raft.PosHint{}
		for logIndex := startAt; logIndex <= lastLogIndex; logIndex++ {
			bl := b.pendingMetaQueue[logIndex-b.pendingIndex]
			hint = bl.Grant(peer, hint)
			if bl.IsGranted() {
				newlyCommitted = logIndex
			}
		}
		if newlyCommitted == 0 {
			return true
		}
		// When removing a peer from a configuration with an even member
		// count, the quorum size can drop (3-of-4 becomes 2-of-3). The log
		// entry that performs the removal may then commit ahead of some
		// still-pending earlier entries; it's safe to commit those too,
		// since the removal itself already reflects the new configuration's
		// quorum requirement.
		drop := int(newlyCommitted-b.pendingIndex) + 1
		b.pendingMetaQueue = b.pendingMetaQueue[drop:]
		b.pendingIndex = newlyCommitted + 1
		b.lastCommittedIndex = newlyCommitted
		return true
	}()
	if !ok || newlyCommitted == 0 {
		return ok
	}
	b.waiter.OnCommitted(newlyCommitted)
	return true
}

// SetLastCommittedIndex is called by a follower applying the commit index
// carried on an AppendEntries RPC. Must not be called while this BallotBox
// is acting as a leader (i.e. has a nonzero pending index).
func (b *BallotBox) SetLastCommittedIndex(lastCommittedIndex uint64) bool {
	b.lock.WriteLock()
	if b.pendingIndex != 0 || len(b.pendingMetaQueue) != 0 {
		b.lock.Unlock()
		if lastCommittedIndex >= b.pendingIndex {
			panic(fmt.Sprintf("raft: node changed to leader, pendingIndex=%d, lastCommittedIndex=%d", b.pendingIndex, lastCommittedIndex))
		}
		return false
	}
	if lastCommittedIndex < b.lastCommittedIndex {
		b.lock.Unlock()
		return false
	}
	advanced := lastCommittedIndex > b.lastCommittedIndex
	if advanced {
		b.lastCommittedIndex = lastCommittedIndex
	}
	b.lock.Unlock()
	if advanced {
		b.waiter.OnCommitted(lastCommittedIndex)
	}
	return true
}

// ClearPendingTasks is called when a leader steps down: every pending
// ballot is discarded and the closure queue is drained so outstanding
// client calls fail fast rather than wait for a commit that will never
// come from this term.
func (b *BallotBox) ClearPendingTasks() {
	b.lock.WriteLock()
	b.pendingMetaQueue = nil
	b.pendingIndex = 0
	drained := b.closureQueue.Clear()
	b.lock.Unlock()
	if len(drained) == 0 {
		return
	}
	// Run the closures off the caller's goroutine: Node steps down with its
	// own lock held, and a closure may take that lock.
	status := raft.StatusFromError(raft.NewError(raft.ErrCodeNotLeader, "leader stepped down before the task committed"))
	go func() {
		for _, done := range drained {
			if done != nil {
				done(status)
			}
		}
	}()
}

// Shutdown releases pending state. Safe to call multiple times.
func (b *BallotBox) Shutdown() {
	b.ClearPendingTasks()
}

// Describe reports internal counters, used by Node's status/diagnostics
// surface.
func (b *BallotBox) Describe() (lastCommittedIndex, pendingIndex uint64, pendingMetaQueueSize int) {
	stamp := b.lock.TryOptimisticRead()
	lastCommittedIndex = b.lastCommittedIndex
	pendingIndex = b.pendingIndex
	pendingMetaQueueSize = len(b.pendingMetaQueue)
	if b.lock.Validate(stamp) {
		return
	}
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.lastCommittedIndex, b.pendingIndex, len(b.pendingMetaQueue)
}
