package ballotbox

import (
	"testing"

	"github.com/nimbusdb/raft/lib/raft"
)

type recordingWaiter struct {
	committed []uint64
}

func (w *recordingWaiter) OnCommitted(index uint64) {
	w.committed = append(w.committed, index)
}

func peers(n int) []raft.PeerID {
	out := make([]raft.PeerID, n)
	for i := range out {
		out[i] = raft.PeerID{Host: "127.0.0.1", Port: 9000 + i}
	}
	return out
}

func TestBallotBoxCommitAtSimpleQuorum(t *testing.T) {
	w := &recordingWaiter{}
	cq := raft.NewClosureQueue()
	bb, err := New(w, cq)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	conf := raft.NewConfiguration(peers(3), nil)
	if !bb.ResetPendingIndex(1) {
		t.Fatalf("resetPendingIndex failed")
	}
	for i := 0; i < 3; i++ {
		if !bb.AppendPendingTask(conf, nil, nil) {
			t.Fatalf("appendPendingTask %d failed", i)
		}
	}

	p := peers(3)
	// self always counts: grant self first to mirror the leader's local ack.
	if !bb.CommitAt(1, 3, p[0]) {
		t.Fatalf("commitAt failed")
	}
	if got := bb.GetLastCommittedIndex(); got != 0 {
		t.Fatalf("expected no commit yet with only 1/3 granted, got %d", got)
	}

	if !bb.CommitAt(1, 3, p[1]) {
		t.Fatalf("commitAt failed")
	}
	if got := bb.GetLastCommittedIndex(); got != 3 {
		t.Fatalf("expected commit index 3 once quorum reached, got %d", got)
	}
	if len(w.committed) != 1 || w.committed[0] != 3 {
		t.Fatalf("expected exactly one OnCommitted(3) call, got %v", w.committed)
	}
}

func TestBallotBoxJointConsensusRequiresBothQuorums(t *testing.T) {
	w := &recordingWaiter{}
	cq := raft.NewClosureQueue()
	bb, _ := New(w, cq)

	oldPeers := peers(3)
	newPeers := []raft.PeerID{oldPeers[0], oldPeers[1], {Host: "127.0.0.1", Port: 9100}}
	conf := raft.NewConfiguration(newPeers, nil)
	oldConf := raft.NewConfiguration(oldPeers, nil)

	bb.ResetPendingIndex(1)
	bb.AppendPendingTask(conf, &oldConf, nil)

	// Grant from the new-only peer: satisfies new quorum alone is not enough.
	bb.CommitAt(1, 1, newPeers[2])
	if got := bb.GetLastCommittedIndex(); got != 0 {
		t.Fatalf("expected no commit with only new-quorum votes in a joint ballot, got %d", got)
	}

	bb.CommitAt(1, 1, oldPeers[0])
	if got := bb.GetLastCommittedIndex(); got != 0 {
		t.Fatalf("expected no commit with 1/3 old-quorum votes, got %d", got)
	}
	bb.CommitAt(1, 1, oldPeers[1])
	if got := bb.GetLastCommittedIndex(); got != 1 {
		t.Fatalf("expected commit once both quorums satisfied, got %d", got)
	}
}

func TestBallotBoxClearPendingTasks(t *testing.T) {
	w := &recordingWaiter{}
	cq := raft.NewClosureQueue()
	bb, _ := New(w, cq)

	conf := raft.NewConfiguration(peers(3), nil)
	bb.ResetPendingIndex(5)
	bb.AppendPendingTask(conf, nil, nil)

	bb.ClearPendingTasks()
	if got := bb.PendingIndex(); got != 0 {
		t.Fatalf("expected pendingIndex reset to 0, got %d", got)
	}
	// A fresh ResetPendingIndex must now succeed again.
	if !bb.ResetPendingIndex(6) {
		t.Fatalf("expected resetPendingIndex to succeed after clear")
	}
}

func TestBallotBoxSetLastCommittedIndexAsFollower(t *testing.T) {
	w := &recordingWaiter{}
	cq := raft.NewClosureQueue()
	bb, _ := New(w, cq)

	if !bb.SetLastCommittedIndex(5) {
		t.Fatalf("expected SetLastCommittedIndex to succeed on a fresh follower ballotbox")
	}
	if got := bb.GetLastCommittedIndex(); got != 5 {
		t.Fatalf("GetLastCommittedIndex = %d, want 5", got)
	}
	if len(w.committed) != 1 || w.committed[0] != 5 {
		t.Fatalf("expected OnCommitted(5), got %v", w.committed)
	}

	// A lower or equal index must not regress or double-notify.
	if bb.SetLastCommittedIndex(3) {
		t.Fatalf("expected SetLastCommittedIndex(3) to be rejected after 5")
	}
	if !bb.SetLastCommittedIndex(5) {
		t.Fatalf("expected SetLastCommittedIndex(5) (no-op) to report success")
	}
	if len(w.committed) != 1 {
		t.Fatalf("expected no additional OnCommitted call for a repeated index, got %v", w.committed)
	}
}

func TestBallotBoxResetPendingIndexRejectsNonEmptyState(t *testing.T) {
	w := &recordingWaiter{}
	cq := raft.NewClosureQueue()
	bb, _ := New(w, cq)

	bb.ResetPendingIndex(1)
	conf := raft.NewConfiguration(peers(3), nil)
	bb.AppendPendingTask(conf, nil, nil)

	if bb.ResetPendingIndex(2) {
		t.Fatalf("expected resetPendingIndex to fail while pending tasks exist")
	}
}
