package transport

import (
	"context"
	"fmt"

	"github.com/nimbusdb/raft/lib/raft"
	"github.com/nimbusdb/raft/lib/raft/rpcpb"
)

// GroupRouter dispatches an incoming RPC to the RPCHandler registered for
// its GroupID, letting one RaftServer/ServerTransport pair serve several
// independent replication groups (the teacher's "shards") out of a single
// listener. Every rpcpb request already carries its own GroupID, so the
// router only needs to peek at that field, not decode the whole envelope
// itself.
type GroupRouter struct {
	groups map[string]RPCHandler
}

// NewGroupRouter builds an empty router. Register groups with Register
// before wiring it into NewRaftServer.
func NewGroupRouter() *GroupRouter {
	return &GroupRouter{groups: make(map[string]RPCHandler)}
}

// Register adds or replaces the handler for groupID.
func (r *GroupRouter) Register(groupID string, handler RPCHandler) {
	r.groups[groupID] = handler
}

// Unregister removes groupID, e.g. when a shard is torn down.
func (r *GroupRouter) Unregister(groupID string) {
	delete(r.groups, groupID)
}

func (r *GroupRouter) lookup(groupID string) (RPCHandler, error) {
	h, ok := r.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("transport: no group registered for %q", groupID)
	}
	return h, nil
}

func (r *GroupRouter) HandleRequestVote(ctx context.Context, req *rpcpb.RequestVoteRequest) *rpcpb.RequestVoteResponse {
	h, err := r.lookup(req.GroupID)
	if err != nil {
		return &rpcpb.RequestVoteResponse{Error: errResponse(err)}
	}
	return h.HandleRequestVote(ctx, req)
}

func (r *GroupRouter) HandleAppendEntries(ctx context.Context, req *rpcpb.AppendEntriesRequest) *rpcpb.AppendEntriesResponse {
	h, err := r.lookup(req.GroupID)
	if err != nil {
		return &rpcpb.AppendEntriesResponse{Error: errResponse(err)}
	}
	return h.HandleAppendEntries(ctx, req)
}

func (r *GroupRouter) HandleInstallSnapshot(ctx context.Context, req *rpcpb.InstallSnapshotRequest) *rpcpb.InstallSnapshotResponse {
	h, err := r.lookup(req.GroupID)
	if err != nil {
		return &rpcpb.InstallSnapshotResponse{Error: errResponse(err)}
	}
	return h.HandleInstallSnapshot(ctx, req)
}

func (r *GroupRouter) HandleReadIndex(ctx context.Context, req *rpcpb.ReadIndexRequest) *rpcpb.ReadIndexResponse {
	h, err := r.lookup(req.GroupID)
	if err != nil {
		return &rpcpb.ReadIndexResponse{Error: errResponse(err)}
	}
	return h.HandleReadIndex(ctx, req)
}

func (r *GroupRouter) HandleTimeoutNow(ctx context.Context, req *rpcpb.TimeoutNowRequest) *rpcpb.TimeoutNowResponse {
	h, err := r.lookup(req.GroupID)
	if err != nil {
		return &rpcpb.TimeoutNowResponse{Error: errResponse(err)}
	}
	return h.HandleTimeoutNow(ctx, req)
}

func (r *GroupRouter) HandlePing(ctx context.Context, req *rpcpb.PingRequest) rpcpb.ErrorResponse {
	h, err := r.lookup(req.GroupID)
	if err != nil {
		return errResponse(err)
	}
	return h.HandlePing(ctx, req)
}

func errResponse(err error) rpcpb.ErrorResponse {
	return rpcpb.ErrorResponse{ErrCode: raft.ErrCodeInvalidArgument, ErrMsg: err.Error()}
}
