package rpcpb

import "github.com/nimbusdb/raft/lib/raft"

// RequestVoteRequest is sent by a candidate to solicit a vote for a term.
type RequestVoteRequest struct {
	GroupID     string
	ServerID    raft.PeerID
	Term        uint64
	CandidateID raft.PeerID
	LastLogID   raft.LogID
	// PreVote marks a pre-election probe: granting it does not persist a
	// vote and never bumps the responder's term, per the pre-vote
	// extension used to avoid disruptive elections from a partitioned node.
	PreVote bool
}

// RequestVoteResponse answers a RequestVoteRequest.
type RequestVoteResponse struct {
	Term    uint64
	Granted bool
	Error   ErrorResponse
}

// AppendEntriesRequest replicates a batch of entries, or serves as a
// heartbeat when Entries is empty.
type AppendEntriesRequest struct {
	GroupID        string
	ServerID       raft.PeerID
	Term           uint64
	LeaderID       raft.PeerID
	PrevLogIndex   uint64
	PrevLogTerm    uint64
	Entries        []*raft.LogEntry
	CommittedIndex uint64
}

// AppendEntriesResponse answers an AppendEntriesRequest.
type AppendEntriesResponse struct {
	Term    uint64
	Success bool
	// LastLogIndex lets the leader fast-forward its next-index cursor
	// instead of decrementing one index at a time on repeated conflicts.
	LastLogIndex uint64
	Error        ErrorResponse
}

// InstallSnapshotRequest transfers a snapshot to a follower whose
// nextIndex has fallen behind the leader's firstLogIndex.
type InstallSnapshotRequest struct {
	GroupID           string
	ServerID          raft.PeerID
	Term              uint64
	LeaderID          raft.PeerID
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	// Peers/Learners describe the configuration effective at the snapshot,
	// carried as slices rather than raft.Configuration's peer-set maps so
	// every serializer in the transport package (including JSON, which
	// cannot key a map by a struct) can round-trip this message untouched.
	Peers    []raft.PeerID
	Learners []raft.PeerID
	// Data is one chunk of the snapshot payload; Done marks the last chunk
	// of a (possibly multi-RPC) transfer.
	Data []byte
	Done bool
}

// Configuration reconstructs the raft.Configuration this snapshot was
// taken at.
func (r *InstallSnapshotRequest) Configuration() raft.Configuration {
	return raft.NewConfiguration(r.Peers, r.Learners)
}

// InstallSnapshotResponse answers an InstallSnapshotRequest.
type InstallSnapshotResponse struct {
	Term    uint64
	Success bool
	Error   ErrorResponse
}

// ReadIndexRequest asks the leader to establish a commit index that is
// safe to read past, on behalf of one batched group of waiters. Each
// entry in RequestContexts is opaque to the leader and is not echoed back
// in the response; a single Index answers the whole batch.
type ReadIndexRequest struct {
	GroupID         string
	ServerID        raft.PeerID
	Peer            raft.PeerID
	RequestContexts [][]byte
}

// ReadIndexResponse answers a ReadIndexRequest.
type ReadIndexResponse struct {
	Index uint64
	Error ErrorResponse
}

// TimeoutNowRequest asks a follower to immediately start an election,
// used during leadership transfer to avoid waiting out the follower's
// remaining election timeout.
type TimeoutNowRequest struct {
	GroupID  string
	ServerID raft.PeerID
	Term     uint64
}

// TimeoutNowResponse answers a TimeoutNowRequest.
type TimeoutNowResponse struct {
	Term  uint64
	Error ErrorResponse
}

// PingRequest is a liveness probe carrying no consensus state.
type PingRequest struct {
	GroupID  string
	ServerID raft.PeerID
}
