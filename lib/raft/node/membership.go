package node

import (
	"github.com/nimbusdb/raft/lib/raft"
	"github.com/nimbusdb/raft/lib/raft/confmanager"
)

// changePeers proposes a joint-consensus reconfiguration from the current
// configuration to newConf: one CONFIGURATION entry carries both the new
// and the (implicit) old configuration, so BallotBox builds a Ballot
// requiring both quorums to grant before the entry can commit. Once that
// entry commits, a second plain CONFIGURATION entry (new config only) is
// proposed automatically to leave joint mode, matching the two-entry
// transition the design describes.
func (n *Node) changePeers(newConf raft.Configuration, done raft.Closure) {
	n.mu.Lock()
	if n.role != RoleLeader {
		leader := n.leaderID
		n.mu.Unlock()
		if done == nil {
			return
		}
		if leader != nil {
			done(raft.StatusFromError(raft.NewRedirectError(*leader)))
		} else {
			done(raft.StatusFromError(raft.NewError(raft.ErrCodeNotLeader, "not currently the leader")))
		}
		return
	}
	if n.jointOldConf != nil {
		n.mu.Unlock()
		if done != nil {
			done(raft.StatusFromError(raft.NewError(raft.ErrCodeBusy, "a reconfiguration is already in progress")))
		}
		return
	}
	// activeConf stays the old configuration until the joint entry below
	// actually commits: flipping it early would let drainApplyRing build
	// single-quorum ballots for data entries interleaved during the joint
	// window, when both the old and new quorums must agree. jointOldConf
	// records the old side so that window's ballots can still require
	// both, and also fences out a second reconfiguration from starting
	// before this one resolves.
	oldConf := n.activeConf
	old := oldConf
	n.jointOldConf = &old
	n.reconcileReplicatorsLocked(newConf)
	term := n.currentTerm
	n.mu.Unlock()

	entry := &raft.LogEntry{
		Type:        raft.EntryTypeConfiguration,
		Peers:       newConf.ListPeers(),
		Learners:    newConf.ListLearners(),
		OldPeers:    oldConf.ListPeers(),
		OldLearners: oldConf.ListLearners(),
	}

	n.proposeEntry(entry, func(status raft.Status) {
		n.mu.Lock()
		n.jointOldConf = nil
		if status.OK {
			n.activeConf = newConf
		}
		n.mu.Unlock()
		if status.OK {
			n.leaveJointConsensus(newConf, term)
		}
		if done != nil {
			done(status)
		}
	})
}

// leaveJointConsensus proposes the plain follow-up entry once the joint
// entry itself has committed. If leadership has since changed the new
// leader (having replayed the same joint entry) will propose its own
// follow-up, so a failure here is not itself unsafe, only redundant.
func (n *Node) leaveJointConsensus(conf raft.Configuration, joinedTerm uint64) {
	n.mu.Lock()
	if n.role != RoleLeader || n.currentTerm != joinedTerm {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	entry := &raft.LogEntry{
		Type:     raft.EntryTypeConfiguration,
		Peers:    conf.ListPeers(),
		Learners: conf.ListLearners(),
	}
	n.proposeEntry(entry, nil)
}

// reconcileReplicatorsLocked starts a Replicator for every voter/learner
// newly present in conf and stops the ones no longer present. It never
// stops the replicator for a peer still present under joint consensus.
// Callers must hold n.mu and must be the leader.
func (n *Node) reconcileReplicatorsLocked(conf raft.Configuration) {
	want := make(map[string]raft.PeerID)
	for _, p := range conf.ListPeers() {
		want[p.String()] = p
	}
	for _, p := range conf.ListLearners() {
		want[p.String()] = p
	}

	nextIndex := n.logs.LastLogIndex() + 1
	for id, peer := range want {
		if peer.Equal(n.self) {
			continue
		}
		if _, ok := n.replicators[id]; !ok {
			n.startReplicatorForLocked(peer, n.currentTerm, nextIndex)
		}
	}
	for id, r := range n.replicators {
		if _, ok := want[id]; !ok {
			r.Stop()
			delete(n.replicators, id)
		}
	}
}

// addPeer proposes adding peer as a voting member via joint consensus.
func (n *Node) addPeer(peer raft.PeerID, done raft.Closure) {
	n.mu.Lock()
	newConf := n.activeConf.WithPeer(peer)
	n.mu.Unlock()
	n.changePeers(newConf, done)
}

// removePeer proposes removing peer from the voting set via joint
// consensus.
func (n *Node) removePeer(peer raft.PeerID, done raft.Closure) {
	n.mu.Lock()
	newConf := n.activeConf.WithoutPeer(peer)
	n.mu.Unlock()
	n.changePeers(newConf, done)
}

// addLearners proposes adding peers as non-voting learners.
func (n *Node) addLearners(peers []raft.PeerID, done raft.Closure) {
	n.mu.Lock()
	newConf := n.activeConf.Copy()
	n.mu.Unlock()
	for _, p := range peers {
		newConf.Learners[p] = struct{}{}
	}
	n.changePeers(newConf, done)
}

// removeLearners proposes removing peers from the learner set.
func (n *Node) removeLearners(peers []raft.PeerID, done raft.Closure) {
	n.mu.Lock()
	newConf := n.activeConf.Copy()
	n.mu.Unlock()
	for _, p := range peers {
		delete(newConf.Learners, p)
	}
	n.changePeers(newConf, done)
}

// resetLearners replaces the learner set wholesale.
func (n *Node) resetLearners(peers []raft.PeerID, done raft.Closure) {
	n.mu.Lock()
	newConf := n.activeConf.Copy()
	n.mu.Unlock()
	newConf.Learners = make(map[raft.PeerID]struct{}, len(peers))
	for _, p := range peers {
		newConf.Learners[p] = struct{}{}
	}
	n.changePeers(newConf, done)
}

// resetPeers unsafely rewrites the group's membership without going
// through joint consensus or requiring a quorum's agreement: it is meant
// for disaster recovery, when enough voters have been permanently lost
// that no quorum can ever be reached under the current configuration. The
// caller is trusted to only invoke this with the group otherwise quiesced.
func (n *Node) resetPeers(conf raft.Configuration) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	entry := &raft.LogEntry{
		ID:       raft.LogID{Index: n.logs.LastLogIndex() + 1, Term: n.currentTerm},
		Type:     raft.EntryTypeConfiguration,
		Peers:    conf.ListPeers(),
		Learners: conf.ListLearners(),
	}
	if err := n.logs.AppendEntry(entry); err != nil {
		return err
	}
	n.activeConf = conf
	n.jointOldConf = nil
	n.confs.Add(confmanager.Entry{ID: entry.ID, Conf: conf})
	if n.role == RoleLeader {
		n.reconcileReplicatorsLocked(conf)
	}
	return nil
}
