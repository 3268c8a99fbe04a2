package node

import (
	"context"
	"sync"
	"time"

	"github.com/nimbusdb/raft/lib/raft"
	"github.com/nimbusdb/raft/lib/raft/rpcpb"
)

// ReadIndex asks the group to establish a safe-to-read commit index for
// requestContext, parking the caller until that index has applied. It
// blocks the calling goroutine; callers wanting a non-blocking form should
// wrap this in their own goroutine.
func (n *Node) ReadIndex(ctx context.Context, requestContext []byte) (uint64, error) {
	type result struct {
		index uint64
		err   error
	}
	ch := make(chan result, 1)
	n.reads.AddRequest(requestContext, func(status raft.Status, index uint64, _ []byte) {
		if !status.OK {
			ch <- result{err: status.Err}
			return
		}
		ch <- result{index: index}
	})
	select {
	case r := <-ch:
		return r.index, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// HandleReadIndexRequest implements readonly.ReadIndexRequestHandler: it
// is invoked by ReadOnlyService's consumer goroutine for a batch of
// waiters, and returns the leader's current commit index once a quorum of
// followers has confirmed this node is still the leader (skipped, per
// EnableLeaseRead, when the lease from the last confirmed round hasn't
// expired yet).
func (n *Node) HandleReadIndexRequest(ctx context.Context, requestContexts [][]byte) (uint64, error) {
	n.mu.Lock()
	if n.role != RoleLeader {
		leader := n.leaderID
		n.mu.Unlock()
		if leader != nil {
			return 0, raft.NewRedirectError(*leader)
		}
		return 0, raft.NewError(raft.ErrCodeNotLeader, "not currently the leader")
	}
	committed := n.ballot.GetLastCommittedIndex()
	conf := n.activeConf
	self := n.self
	leaseOK := n.opts.EnableLeaseRead && n.withinLeaseLocked()
	n.mu.Unlock()

	if leaseOK {
		return committed, nil
	}
	if err := n.confirmLeadership(ctx, conf, self); err != nil {
		return 0, err
	}
	return committed, nil
}

func (n *Node) withinLeaseLocked() bool {
	if n.opts.LeaderLeaseTimeoutMs <= 0 {
		return false
	}
	elapsed := time.Since(n.lastContact)
	return elapsed < time.Duration(n.opts.LeaderLeaseTimeoutMs)*time.Millisecond
}

// confirmLeadership blocks until a quorum of the current configuration's
// voters has responded to a Ping issued at this instant, proving no
// newer leader has been elected without this node observing it yet.
func (n *Node) confirmLeadership(ctx context.Context, conf raft.Configuration, self raft.PeerID) error {
	ballot := raft.NewBallot(conf, nil)
	if conf.Contains(self) {
		ballot.Grant(self, raft.PosHint{})
	}
	if ballot.IsGranted() {
		return nil
	}

	peers := conf.ListPeers()
	var mu sync.Mutex
	var wg sync.WaitGroup
	granted := make(chan struct{}, len(peers))

	n.mu.Lock()
	term := n.currentTerm
	n.mu.Unlock()

	for _, peer := range peers {
		if peer.Equal(self) {
			continue
		}
		wg.Add(1)
		go func(peer raft.PeerID) {
			defer wg.Done()
			resp, err := n.sender.Ping(ctx, peer.Endpoint(), &rpcpb.PingRequest{GroupID: n.opts.GroupID, ServerID: peer}, n.opts.RPCTimeout)
			if err != nil || !resp.OK() {
				return
			}
			mu.Lock()
			ballot.Grant(peer, raft.PosHint{})
			isGranted := ballot.IsGranted()
			mu.Unlock()
			if isGranted {
				select {
				case granted <- struct{}{}:
				default:
				}
			}
		}(peer)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-granted:
		n.mu.Lock()
		if n.currentTerm != term || n.role != RoleLeader {
			n.mu.Unlock()
			return raft.NewError(raft.ErrCodeNotLeader, "stepped down while confirming leadership")
		}
		n.lastContact = time.Now()
		n.mu.Unlock()
		return nil
	case <-done:
		mu.Lock()
		isGranted := ballot.IsGranted()
		mu.Unlock()
		if isGranted {
			return nil
		}
		return raft.NewError(raft.ErrCodeTransient, "failed to confirm leadership with a quorum of peers")
	case <-ctx.Done():
		return raft.NewErrorf(raft.ErrCodeTimeout, "confirm leadership: %v", ctx.Err())
	}
}

// HandlePing implements transport.RPCHandler's liveness probe.
func (n *Node) HandlePing(ctx context.Context, req *rpcpb.PingRequest) rpcpb.ErrorResponse {
	n.mu.Lock()
	defer n.mu.Unlock()
	if req.GroupID != n.opts.GroupID {
		return rpcpb.NewErrorResponse(raft.NewErrorf(raft.ErrCodeInvalidArgument, "unknown group %q", req.GroupID))
	}
	return rpcpb.NewErrorResponse(nil)
}

// HandleReadIndex implements transport.RPCHandler's ReadIndex RPC path:
// the leader serves it directly; any other node answers with a not-leader
// error carrying the leader it knows of, if any, and does not forward the
// request.
func (n *Node) HandleReadIndex(ctx context.Context, req *rpcpb.ReadIndexRequest) *rpcpb.ReadIndexResponse {
	index, err := n.HandleReadIndexRequest(ctx, req.RequestContexts)
	if err != nil {
		raftErr, ok := err.(*raft.Error)
		if !ok {
			raftErr = raft.NewErrorf(raft.ErrCodeTransient, "%v", err)
		}
		return &rpcpb.ReadIndexResponse{Error: rpcpb.NewErrorResponse(raftErr)}
	}
	return &rpcpb.ReadIndexResponse{Index: index}
}
