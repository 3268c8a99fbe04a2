package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/nimbusdb/raft/lib/raft"
	"github.com/nimbusdb/raft/lib/raft/rpcpb"
)

// RaftClient is the concrete realization of spec's abstract ClientService:
// invokeSync/invokeAsync generalized into one typed method per RPC, built
// on a pluggable ClientTransport (framing) and Serializer (encoding).
type RaftClient struct {
	transport ClientTransport
	codec     Serializer
}

// NewRaftClient wires a ClientTransport and Serializer together.
func NewRaftClient(transport ClientTransport, codec Serializer) *RaftClient {
	return &RaftClient{transport: transport, codec: codec}
}

func (c *RaftClient) call(ctx context.Context, endpoint string, groupID string, kind Kind, req, resp interface{}) error {
	body, err := c.codec.Marshal(req)
	if err != nil {
		return fmt.Errorf("transport: encode %s request: %w", kind, err)
	}
	env := &Envelope{Kind: kind, Payload: body}
	envBytes, err := c.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: encode %s envelope: %w", kind, err)
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := c.transport.Send(endpoint, groupID, envBytes)
		done <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		return raft.NewErrorf(raft.ErrCodeTimeout, "rpc %s to %s: %v", kind, endpoint, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return raft.NewErrorf(raft.ErrCodeTransient, "rpc %s to %s failed: %v", kind, endpoint, r.err)
		}
		var respEnv Envelope
		if err := c.codec.Unmarshal(r.data, &respEnv); err != nil {
			return fmt.Errorf("transport: decode %s response envelope: %w", kind, err)
		}
		return c.codec.Unmarshal(respEnv.Payload, resp)
	}
}

// RequestVote issues a RequestVote RPC with the given timeout.
func (c *RaftClient) RequestVote(ctx context.Context, endpoint string, req *rpcpb.RequestVoteRequest, timeout time.Duration) (*rpcpb.RequestVoteResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp := &rpcpb.RequestVoteResponse{}
	if err := c.call(ctx, endpoint, req.GroupID, KindRequestVote, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AppendEntries issues an AppendEntries RPC (batched entries or a bare
// heartbeat when req.Entries is empty).
func (c *RaftClient) AppendEntries(ctx context.Context, endpoint string, req *rpcpb.AppendEntriesRequest, timeout time.Duration) (*rpcpb.AppendEntriesResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp := &rpcpb.AppendEntriesResponse{}
	if err := c.call(ctx, endpoint, req.GroupID, KindAppendEntries, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// InstallSnapshot transfers one snapshot chunk to a lagging follower.
func (c *RaftClient) InstallSnapshot(ctx context.Context, endpoint string, req *rpcpb.InstallSnapshotRequest, timeout time.Duration) (*rpcpb.InstallSnapshotResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp := &rpcpb.InstallSnapshotResponse{}
	if err := c.call(ctx, endpoint, req.GroupID, KindInstallSnapshot, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ReadIndex asks a leader endpoint to establish a commit index for a
// batch of read-only waiters.
func (c *RaftClient) ReadIndex(ctx context.Context, endpoint string, req *rpcpb.ReadIndexRequest, timeout time.Duration) (*rpcpb.ReadIndexResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp := &rpcpb.ReadIndexResponse{}
	if err := c.call(ctx, endpoint, req.GroupID, KindReadIndex, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// TimeoutNow asks a follower to start an election immediately, used
// during leadership transfer.
func (c *RaftClient) TimeoutNow(ctx context.Context, endpoint string, req *rpcpb.TimeoutNowRequest, timeout time.Duration) (*rpcpb.TimeoutNowResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp := &rpcpb.TimeoutNowResponse{}
	if err := c.call(ctx, endpoint, req.GroupID, KindTimeoutNow, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Ping is a bare liveness probe.
func (c *RaftClient) Ping(ctx context.Context, endpoint string, req *rpcpb.PingRequest, timeout time.Duration) (rpcpb.ErrorResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp := &rpcpb.ErrorResponse{}
	if err := c.call(ctx, endpoint, req.GroupID, KindPing, req, resp); err != nil {
		return rpcpb.ErrorResponse{}, err
	}
	return *resp, nil
}

// Connect establishes the underlying transport connection to endpoint.
func (c *RaftClient) Connect(endpoint string) error { return c.transport.Connect(endpoint) }

// CheckConnection reports whether endpoint currently looks reachable.
func (c *RaftClient) CheckConnection(endpoint string) bool { return c.transport.CheckConnection(endpoint) }

// Close releases every connection this client owns.
func (c *RaftClient) Close() error { return c.transport.Close() }
