package node

import (
	"context"
	"time"

	"github.com/nimbusdb/raft/lib/raft"
	"github.com/nimbusdb/raft/lib/raft/replicator"
	"github.com/nimbusdb/raft/lib/raft/rpcpb"
)

// startReplicatorsLocked launches one Replicator per voting peer and
// learner other than self. Callers must hold n.mu and must have already
// set n.role to RoleLeader.
func (n *Node) startReplicatorsLocked(term, nextIndex uint64) {
	targets := append(append([]raft.PeerID{}, n.activeConf.ListPeers()...), n.activeConf.ListLearners()...)
	for _, peer := range targets {
		if peer.Equal(n.self) {
			continue
		}
		n.startReplicatorForLocked(peer, term, nextIndex)
	}
}

func (n *Node) startReplicatorForLocked(peer raft.PeerID, term, nextIndex uint64) {
	if _, ok := n.replicators[peer.String()]; ok {
		return
	}
	self := n.self
	r := replicator.New(replicator.Options{
		GroupID:           n.opts.GroupID,
		LeaderID:          self,
		Peer:              peer,
		HeartbeatInterval: n.opts.heartbeatInterval(),
		RPCTimeout:        n.opts.RPCTimeout,
		MaxEntriesPerBatch: n.opts.MaxEntriesPerBatch,
		OnHigherTerm: func(observedTerm uint64) {
			n.mu.Lock()
			if observedTerm > n.currentTerm {
				n.stepDownLocked(observedTerm, nil)
			}
			n.mu.Unlock()
		},
	}, n.logs, &peerContactTracker{n: n, peer: peer, inner: n.ballot}, n, n.sender, n.sender, term, nextIndex)
	n.replicators[peer.String()] = r
	r.Start()
}

// peerContactTracker wraps BallotBox's CommitAt to also record the last
// time each peer successfully acknowledged entries, feeding
// listAlivePeers/listAliveLearners.
type peerContactTracker struct {
	n     *Node
	peer  raft.PeerID
	inner replicatorCommitNotifier
}

// replicatorCommitNotifier is the narrow slice of *ballotbox.BallotBox
// peerContactTracker forwards to; declared as an interface so this file
// doesn't need to import ballotbox just to name the concrete type.
type replicatorCommitNotifier interface {
	CommitAt(firstLogIndex, lastLogIndex uint64, peer raft.PeerID) bool
}

func (t *peerContactTracker) CommitAt(firstLogIndex, lastLogIndex uint64, peer raft.PeerID) bool {
	t.n.mu.Lock()
	t.n.peerLastSeen[peer.String()] = time.Now()
	t.n.mu.Unlock()
	ok := t.inner.CommitAt(firstLogIndex, lastLogIndex, peer)

	// Pass the commit point on to every follower, capped at what that
	// follower has acknowledged, so its next AppendEntries lets it apply.
	committed := t.n.ballot.GetLastCommittedIndex()
	t.n.mu.Lock()
	for _, r := range t.n.replicators {
		c := committed
		if m := r.MatchIndex(); m < c {
			c = m
		}
		r.SetCommittedIndex(c)
	}
	t.n.mu.Unlock()
	return ok
}

// stopReplicatorsLocked tears down every running Replicator. Callers must
// hold n.mu.
func (n *Node) stopReplicatorsLocked() {
	for id, r := range n.replicators {
		r.Stop()
		delete(n.replicators, id)
	}
}

// wakeReplicators nudges every running Replicator to re-check for new
// entries immediately, rather than waiting for its heartbeat interval.
func (n *Node) wakeReplicators() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, r := range n.replicators {
		r.Wake()
	}
}

// LatestSnapshot implements replicator.SnapshotSource.
func (n *Node) LatestSnapshot() (lastIncludedIndex, lastIncludedTerm uint64, conf raft.Configuration, data []byte, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.lastSnapshot == nil {
		return 0, 0, raft.Configuration{}, nil, false
	}
	return n.lastSnapshot.lastIncludedIndex, n.lastSnapshot.lastIncludedTerm, n.lastSnapshot.conf, n.lastSnapshot.data, true
}

// HandleAppendEntries implements transport.RPCHandler's replication path.
func (n *Node) HandleAppendEntries(ctx context.Context, req *rpcpb.AppendEntriesRequest) *rpcpb.AppendEntriesResponse {
	n.mu.Lock()

	if req.Term < n.currentTerm {
		term := n.currentTerm
		n.mu.Unlock()
		return &rpcpb.AppendEntriesResponse{Term: term, Success: false, LastLogIndex: n.logs.LastLogIndex()}
	}

	if req.Term > n.currentTerm || n.role != RoleFollower {
		n.stepDownLocked(req.Term, &req.LeaderID)
	} else {
		n.leaderID = &req.LeaderID
		n.resetElectionTimerLocked()
	}
	n.lastContact = time.Now()
	term := n.currentTerm
	n.mu.Unlock()

	if req.PrevLogIndex > 0 {
		localTerm := n.logs.GetTerm(req.PrevLogIndex)
		if localTerm != req.PrevLogTerm {
			return &rpcpb.AppendEntriesResponse{Term: term, Success: false, LastLogIndex: n.logs.LastLogIndex()}
		}
	}

	if len(req.Entries) > 0 {
		first := req.Entries[0].ID.Index
		if last := n.logs.LastLogIndex(); last >= first {
			// The follower's suffix from `first` onward may conflict; the
			// safe move is to always truncate and re-append rather than
			// diffing term-by-term, since AppendEntriesRequest only ever
			// carries the leader's authoritative view of that range.
			if err := n.logs.TruncateSuffix(first - 1); err != nil {
				return &rpcpb.AppendEntriesResponse{Term: term, Success: false, LastLogIndex: n.logs.LastLogIndex(),
					Error: rpcpb.NewErrorResponse(raft.NewErrorf(raft.ErrCodeStorageIO, "truncate suffix: %v", err))}
			}
		}
		if err := n.logs.AppendEntries(req.Entries); err != nil {
			return &rpcpb.AppendEntriesResponse{Term: term, Success: false, LastLogIndex: n.logs.LastLogIndex(),
				Error: rpcpb.NewErrorResponse(raft.NewErrorf(raft.ErrCodeStorageIO, "append entries: %v", err))}
		}
	}

	if req.CommittedIndex > 0 {
		n.ballot.SetLastCommittedIndex(req.CommittedIndex)
		if n.gauges != nil {
			n.gauges.SetCommitIndex(req.CommittedIndex)
		}
	}

	return &rpcpb.AppendEntriesResponse{Term: term, Success: true, LastLogIndex: n.logs.LastLogIndex()}
}
