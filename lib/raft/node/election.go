package node

import (
	"context"
	"sync"
	"time"

	"github.com/nimbusdb/raft/lib/raft"
	"github.com/nimbusdb/raft/lib/raft/rpcpb"
)

// campaign runs one election attempt. preVoteOnly restricts it to the
// non-disruptive probe round: no term bump, no vote persisted, used only
// to decide whether a real election is worth starting.
func (n *Node) campaign(preVoteOnly bool) {
	n.mu.Lock()
	if n.role == RoleLearner {
		n.mu.Unlock()
		return
	}
	conf := n.activeConf
	self := n.self
	if !conf.Contains(self) {
		n.mu.Unlock()
		return
	}
	lastIndex := n.logs.LastLogIndex()
	lastTerm := n.logs.GetTerm(lastIndex)
	candidateTerm := n.currentTerm + 1
	n.mu.Unlock()

	if !n.preVote(conf, self, lastIndex, lastTerm) {
		log.Infof("node %s: pre-vote failed, staying follower", self)
		return
	}

	n.mu.Lock()
	// Re-check nothing changed (a real leader may have appeared) while the
	// pre-vote round was in flight.
	if n.role == RoleLeader {
		n.mu.Unlock()
		return
	}
	n.role = RoleCandidate
	n.currentTerm = candidateTerm
	n.votedFor = &self
	n.leaderID = nil
	n.resetElectionTimerLocked()
	term := n.currentTerm
	n.mu.Unlock()

	log.Infof("node %s: starting election for term %d", self, term)
	granted := n.runElectionRound(conf, self, term, lastIndex, lastTerm, false)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != RoleCandidate || n.currentTerm != term {
		// Stepped down, or a newer term observed, while votes were in flight.
		return
	}
	if granted {
		n.becomeLeaderLocked()
	}
}

func (n *Node) preVote(conf raft.Configuration, self raft.PeerID, lastIndex, lastTerm uint64) bool {
	n.mu.Lock()
	term := n.currentTerm + 1
	n.mu.Unlock()
	return n.runElectionRound(conf, self, term, lastIndex, lastTerm, true)
}

// runElectionRound solicits votes from every peer (self counts itself
// automatically via raft.Ballot's quorum bookkeeping) and blocks until a
// quorum is reached or every peer has answered or timed out.
func (n *Node) runElectionRound(conf raft.Configuration, self raft.PeerID, term, lastIndex, lastTerm uint64, preVote bool) bool {
	ballot := raft.NewBallot(conf, nil)
	if conf.Contains(self) {
		ballot.Grant(self, raft.PosHint{})
	}
	if ballot.IsGranted() {
		return true
	}

	peers := conf.ListPeers()
	var mu sync.Mutex
	var wg sync.WaitGroup
	resultCh := make(chan bool, len(peers))

	for _, peer := range peers {
		if peer.Equal(self) {
			continue
		}
		wg.Add(1)
		go func(peer raft.PeerID) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), n.opts.RPCTimeout)
			defer cancel()
			req := &rpcpb.RequestVoteRequest{
				GroupID:     n.opts.GroupID,
				ServerID:    peer,
				Term:        term,
				CandidateID: self,
				LastLogID:   raft.LogID{Index: lastIndex, Term: lastTerm},
				PreVote:     preVote,
			}
			resp, err := n.sender.RequestVote(ctx, peer.Endpoint(), req, n.opts.RPCTimeout)
			if err != nil {
				log.Warningf("node %s: request vote to %s failed: %v", self, peer, err)
				resultCh <- false
				return
			}
			if resp.Term > term && !preVote {
				n.mu.Lock()
				if resp.Term > n.currentTerm {
					n.stepDownLocked(resp.Term, nil)
				}
				n.mu.Unlock()
			}
			if !resp.Granted {
				resultCh <- false
				return
			}
			mu.Lock()
			ballot.Grant(peer, raft.PosHint{})
			granted := ballot.IsGranted()
			mu.Unlock()
			resultCh <- granted
		}(peer)
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	for range resultCh {
		mu.Lock()
		done := ballot.IsGranted()
		mu.Unlock()
		if done {
			return true
		}
	}
	mu.Lock()
	defer mu.Unlock()
	return ballot.IsGranted()
}

func (n *Node) becomeLeaderLocked() {
	self := n.self
	term := n.currentTerm
	n.role = RoleLeader
	n.leaderID = &self
	n.electionTimer.Stop()
	n.lastContact = time.Now()

	lastIndex := n.logs.LastLogIndex()
	n.ballot.ResetPendingIndex(lastIndex + 1)
	n.closureQueue.ResetFirstIndex(lastIndex + 1)

	n.startReplicatorsLocked(term, lastIndex+1)

	log.Infof("node %s: became leader for term %d", self, term)

	// Commit a NO_OP anchor so entries from earlier terms become
	// committable once this entry itself commits (Raft's Figure 8 safety
	// rule: a leader can only conclude an index committed via matching on
	// its own current term).
	entry := &raft.LogEntry{Type: raft.EntryTypeNoOp}
	go n.proposeEntry(entry, nil)
}

// HandleRequestVote implements transport.RPCHandler's vote path.
func (n *Node) HandleRequestVote(ctx context.Context, req *rpcpb.RequestVoteRequest) *rpcpb.RequestVoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return &rpcpb.RequestVoteResponse{Term: n.currentTerm, Granted: false}
	}

	lastIndex := n.logs.LastLogIndex()
	lastTerm := n.logs.GetTerm(lastIndex)
	candidateUpToDate := req.LastLogID.Term > lastTerm ||
		(req.LastLogID.Term == lastTerm && req.LastLogID.Index >= lastIndex)

	if req.PreVote {
		granted := candidateUpToDate && req.Term >= n.currentTerm && n.withinElectionGraceLocked()
		return &rpcpb.RequestVoteResponse{Term: n.currentTerm, Granted: granted}
	}

	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term, nil)
	}

	alreadyVoted := n.votedFor != nil && !n.votedFor.Equal(req.CandidateID)
	if alreadyVoted || !candidateUpToDate {
		return &rpcpb.RequestVoteResponse{Term: n.currentTerm, Granted: false}
	}

	n.votedFor = &req.CandidateID
	n.resetElectionTimerLocked()
	return &rpcpb.RequestVoteResponse{Term: n.currentTerm, Granted: true}
}

// withinElectionGraceLocked denies pre-votes shortly after hearing from a
// live leader, the standard defense against a partitioned node forever
// disrupting the cluster with pre-vote probes. Callers must hold n.mu.
func (n *Node) withinElectionGraceLocked() bool {
	return n.leaderID == nil || n.role != RoleFollower || time.Since(n.lastContact) > n.opts.heartbeatInterval()*2
}

// HandleTimeoutNow implements transport.RPCHandler: it asks this follower
// to skip its remaining election timeout and campaign immediately, used
// during a leadership transfer.
func (n *Node) HandleTimeoutNow(ctx context.Context, req *rpcpb.TimeoutNowRequest) *rpcpb.TimeoutNowResponse {
	n.mu.Lock()
	if req.Term < n.currentTerm {
		term := n.currentTerm
		n.mu.Unlock()
		return &rpcpb.TimeoutNowResponse{Term: term}
	}
	n.mu.Unlock()
	go n.campaign(false)
	return &rpcpb.TimeoutNowResponse{Term: req.Term}
}
