package node

import (
	"github.com/nimbusdb/raft/lib/raft"
)

// ListPeers returns every voting member of the current configuration.
func (n *Node) ListPeers() []raft.PeerID { return n.listPeers() }

// ListAlivePeers returns the voting members this node has heard from
// recently (always including itself).
func (n *Node) ListAlivePeers() []raft.PeerID { return n.listAlivePeers() }

// ListLearners returns every non-voting learner of the current
// configuration.
func (n *Node) ListLearners() []raft.PeerID { return n.listLearners() }

// ListAliveLearners returns the learners this node has heard from
// recently.
func (n *Node) ListAliveLearners() []raft.PeerID { return n.listAliveLearners() }

// AddPeer proposes adding peer as a voting member via joint consensus.
// done is invoked once the reconfiguration commits or fails.
func (n *Node) AddPeer(peer raft.PeerID, done raft.Closure) { n.addPeer(peer, done) }

// RemovePeer proposes removing peer from the voting set via joint
// consensus.
func (n *Node) RemovePeer(peer raft.PeerID, done raft.Closure) { n.removePeer(peer, done) }

// ChangePeers proposes replacing the entire voting set with newConf via
// joint consensus.
func (n *Node) ChangePeers(newConf raft.Configuration, done raft.Closure) {
	n.changePeers(newConf, done)
}

// ResetPeers unsafely rewrites the group's membership without
// replication. Only safe to call when a majority of the current
// configuration is permanently lost and no quorum can otherwise be
// reached.
func (n *Node) ResetPeers(conf raft.Configuration) error { return n.resetPeers(conf) }

// AddLearners proposes adding peers as non-voting learners.
func (n *Node) AddLearners(peers []raft.PeerID, done raft.Closure) { n.addLearners(peers, done) }

// RemoveLearners proposes removing peers from the learner set.
func (n *Node) RemoveLearners(peers []raft.PeerID, done raft.Closure) {
	n.removeLearners(peers, done)
}

// ResetLearners replaces the learner set wholesale.
func (n *Node) ResetLearners(peers []raft.PeerID, done raft.Closure) { n.resetLearners(peers, done) }

// Snapshot saves the state machine's current image and truncates the log
// prefix it makes redundant. done is invoked exactly once.
func (n *Node) Snapshot(done func(err *raft.Error)) { n.snapshot(done) }

// ReadCommittedUserLog resolves a committed index to its (term, data)
// pair, failing if index is above the commit point or is not a user data
// entry.
func (n *Node) ReadCommittedUserLog(index uint64) (UserLog, error) {
	return n.readCommittedUserLog(index)
}
