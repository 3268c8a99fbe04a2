package node

import (
	"context"
	"fmt"
	"time"

	"github.com/nimbusdb/raft/lib/raft"
	"github.com/nimbusdb/raft/lib/raft/rpcpb"
)

// aliveWindow bounds how stale a peer's last acknowledged AppendEntries
// can be before listAlivePeers stops counting it as reachable.
func (n *Node) aliveWindow() time.Duration {
	return n.opts.heartbeatInterval() * 4
}

// listPeers returns every voting member of the current configuration.
func (n *Node) listPeers() []raft.PeerID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.activeConf.ListPeers()
}

// listLearners returns every non-voting learner of the current
// configuration.
func (n *Node) listLearners() []raft.PeerID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.activeConf.ListLearners()
}

// listAlivePeers returns the voting members this node has heard from
// within aliveWindow; self always counts as alive.
func (n *Node) listAlivePeers() []raft.PeerID {
	return n.filterAlive(n.listPeers())
}

// listAliveLearners returns the learners this node has heard from within
// aliveWindow.
func (n *Node) listAliveLearners() []raft.PeerID {
	return n.filterAlive(n.listLearners())
}

func (n *Node) filterAlive(peers []raft.PeerID) []raft.PeerID {
	n.mu.Lock()
	defer n.mu.Unlock()
	window := n.aliveWindow()
	out := make([]raft.PeerID, 0, len(peers))
	for _, p := range peers {
		if p.Equal(n.self) {
			out = append(out, p)
			continue
		}
		if seen, ok := n.peerLastSeen[p.String()]; ok && time.Since(seen) < window {
			out = append(out, p)
		}
	}
	return out
}

// readCommittedUserLog resolves index to its (term, data) pair, failing
// if index is above the commit point or the entry was never a data entry.
func (n *Node) readCommittedUserLog(index uint64) (UserLog, error) {
	committed := n.ballot.GetLastCommittedIndex()
	if index > committed {
		return UserLog{}, raft.NewErrorf(raft.ErrCodeInvalidArgument, "index %d is above the committed index %d", index, committed)
	}
	entry, err := n.logs.GetEntry(index)
	if err != nil {
		return UserLog{}, raft.NewErrorf(raft.ErrCodeStorageIO, "read log entry %d: %v", index, err)
	}
	if entry == nil {
		return UserLog{}, raft.NewErrorf(raft.ErrCodeLogGap, "no log entry at index %d, likely compacted by a snapshot", index)
	}
	if entry.Type != raft.EntryTypeData {
		return UserLog{}, raft.NewErrorf(raft.ErrCodeInvalidArgument, "entry at index %d is not a user log entry", index)
	}
	return UserLog{Index: entry.ID.Index, Term: entry.ID.Term, Data: entry.Data}, nil
}

// Describe reports a diagnostic snapshot of the node's internal state, for
// operator tooling and tests.
func (n *Node) Describe() string {
	n.mu.Lock()
	role, term := n.role, n.currentTerm
	var leader string
	if n.leaderID != nil {
		leader = n.leaderID.String()
	}
	n.mu.Unlock()
	lastCommitted, pendingIndex, pendingQueueLen := n.ballot.Describe()
	return fmt.Sprintf(
		"node=%s group=%s role=%s term=%d leader=%s appliedIndex=%d lastCommittedIndex=%d pendingIndex=%d pendingQueueLen=%d lastLogIndex=%d",
		n.self, n.opts.GroupID, role, term, leader, n.fsm.LastAppliedIndex(), lastCommitted, pendingIndex, pendingQueueLen, n.logs.LastLogIndex(),
	)
}

// TransferLeadershipTo hands leadership to peer: it waits for peer's log
// to fully catch up, then issues a TimeoutNow so peer skips its remaining
// election timeout rather than waiting for this leader's lease to expire.
func (n *Node) TransferLeadershipTo(ctx context.Context, peer raft.PeerID) error {
	n.mu.Lock()
	if n.role != RoleLeader {
		n.mu.Unlock()
		return raft.NewError(raft.ErrCodeNotLeader, "not currently the leader")
	}
	if !n.activeConf.Contains(peer) {
		n.mu.Unlock()
		return raft.NewErrorf(raft.ErrCodeInvalidArgument, "peer %s is not a voting member", peer)
	}
	r, ok := n.replicators[peer.String()]
	term := n.currentTerm
	n.mu.Unlock()
	if !ok {
		return raft.NewErrorf(raft.ErrCodeInvalidArgument, "no replicator for peer %s", peer)
	}

	target := n.logs.LastLogIndex()
	deadline := time.Now().Add(n.opts.RPCTimeout * 10)
	for r.MatchIndex() < target {
		if time.Now().After(deadline) {
			return raft.NewError(raft.ErrCodeTimeout, "timed out waiting for transfer target to catch up")
		}
		select {
		case <-ctx.Done():
			return raft.NewErrorf(raft.ErrCodeCanceled, "transfer leadership: %v", ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, n.opts.RPCTimeout)
	defer cancel()
	_, err := n.sender.TimeoutNow(callCtx, peer.Endpoint(), &rpcpb.TimeoutNowRequest{GroupID: n.opts.GroupID, ServerID: peer, Term: term}, n.opts.RPCTimeout)
	return err
}
