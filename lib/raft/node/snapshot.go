package node

import (
	"context"
	"time"

	"github.com/nimbusdb/raft/lib/raft"
	"github.com/nimbusdb/raft/lib/raft/confmanager"
	"github.com/nimbusdb/raft/lib/raft/rpcpb"
)

// runSnapshotLoop periodically triggers a snapshot once the log has grown
// past SnapshotLogIndexMargin since the last one, then truncates the log
// prefix the new snapshot makes redundant.
func (n *Node) runSnapshotLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(time.Duration(n.opts.SnapshotIntervalSecs) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.maybeSnapshot()
		}
	}
}

func (n *Node) maybeSnapshot() {
	n.mu.Lock()
	var sinceLast uint64
	if n.lastSnapshot != nil {
		sinceLast = n.logs.LastLogIndex() - n.lastSnapshot.lastIncludedIndex
	} else {
		sinceLast = n.logs.LastLogIndex() - n.logs.FirstLogIndex()
	}
	n.mu.Unlock()

	if sinceLast < n.opts.SnapshotLogIndexMargin {
		return
	}
	done := make(chan struct{})
	n.snapshot(func(err *raft.Error) { close(done) })
	<-done
}

// snapshot saves the state machine's current image, records it as the
// latest snapshot available to replicator.SnapshotSource, and truncates
// the log prefix it makes redundant. done is invoked exactly once.
func (n *Node) snapshot(done func(err *raft.Error)) {
	n.fsm.Snapshot(func(err *raft.Error, data []byte, lastIncludedIndex uint64) {
		if err != nil {
			done(err)
			return
		}
		lastIncludedTerm := n.logs.GetTerm(lastIncludedIndex)

		n.mu.Lock()
		conf := n.activeConf
		if entry, ok := n.confs.Get(lastIncludedIndex); ok {
			conf = entry.Conf
		}
		n.lastSnapshot = &snapshotState{
			lastIncludedIndex: lastIncludedIndex,
			lastIncludedTerm:  lastIncludedTerm,
			conf:              conf,
			data:              data,
		}
		n.mu.Unlock()

		margin := n.opts.SnapshotLogIndexMargin
		if lastIncludedIndex > margin {
			if truncErr := n.logs.TruncatePrefix(lastIncludedIndex - margin); truncErr != nil {
				log.Warningf("node %s: truncate log prefix after snapshot: %v", n.self, truncErr)
			} else {
				n.confs.TruncatePrefix(lastIncludedIndex - margin)
			}
		}
		done(nil)
	})
}

// HandleInstallSnapshot implements transport.RPCHandler's snapshot path.
func (n *Node) HandleInstallSnapshot(ctx context.Context, req *rpcpb.InstallSnapshotRequest) *rpcpb.InstallSnapshotResponse {
	n.mu.Lock()
	if req.Term < n.currentTerm {
		term := n.currentTerm
		n.mu.Unlock()
		return &rpcpb.InstallSnapshotResponse{Term: term, Success: false}
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

	if !req.Done {
		// Chunked transfers are not yet reassembled across RPCs; every
		// snapshot this build produces fits in one chunk (see
		// replicator.installSnapshot), so a non-final chunk from a peer
		// running a different build is simply rejected rather than
		// silently truncated.
		return &rpcpb.InstallSnapshotResponse{Term: term, Success: false,
			Error: rpcpb.NewErrorResponse(raft.NewError(raft.ErrCodeInvalidArgument, "chunked snapshot transfer not supported"))}
	}

	installErr := make(chan *raft.Error, 1)
	n.fsm.InstallSnapshot(req.LastIncludedIndex, req.Data, func(err *raft.Error) { installErr <- err })
	if err := <-installErr; err != nil {
		return &rpcpb.InstallSnapshotResponse{Term: term, Success: false, Error: rpcpb.NewErrorResponse(err)}
	}

	if err := n.logs.Reset(req.LastIncludedIndex + 1); err != nil {
		raftErr := raft.NewErrorf(raft.ErrCodeStorageIO, "node: reset log after snapshot install: %v", err)
		return &rpcpb.InstallSnapshotResponse{Term: term, Success: false, Error: rpcpb.NewErrorResponse(raftErr)}
	}

	conf := req.Configuration()
	n.mu.Lock()
	n.activeConf = conf
	n.lastSnapshot = &snapshotState{
		lastIncludedIndex: req.LastIncludedIndex,
		lastIncludedTerm:  req.LastIncludedTerm,
		conf:              conf,
		data:              req.Data,
	}
	n.mu.Unlock()
	n.confs.Add(confmanager.Entry{ID: raft.LogID{Index: req.LastIncludedIndex, Term: req.LastIncludedTerm}, Conf: conf})

	return &rpcpb.InstallSnapshotResponse{Term: term, Success: true}
}
