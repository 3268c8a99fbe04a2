package transport

import (
	"context"
	"fmt"

	"github.com/nimbusdb/raft/lib/raft/rpcpb"
)

// RPCHandler is what a Node exposes to the transport layer. Kept as a
// narrow interface (rather than importing node directly) so transport has
// no dependency on the orchestrator package, the same decoupling
// readonly.ReadIndexRequestHandler uses for the same reason.
type RPCHandler interface {
	HandleRequestVote(ctx context.Context, req *rpcpb.RequestVoteRequest) *rpcpb.RequestVoteResponse
	HandleAppendEntries(ctx context.Context, req *rpcpb.AppendEntriesRequest) *rpcpb.AppendEntriesResponse
	HandleInstallSnapshot(ctx context.Context, req *rpcpb.InstallSnapshotRequest) *rpcpb.InstallSnapshotResponse
	HandleReadIndex(ctx context.Context, req *rpcpb.ReadIndexRequest) *rpcpb.ReadIndexResponse
	HandleTimeoutNow(ctx context.Context, req *rpcpb.TimeoutNowRequest) *rpcpb.TimeoutNowResponse
	HandlePing(ctx context.Context, req *rpcpb.PingRequest) rpcpb.ErrorResponse
}

// RaftServer decodes an Envelope off a ServerTransport, dispatches it to
// the RPCHandler by Kind, and re-encodes the typed response, mirroring
// the teacher's rpcServer.registerTransportHandler dispatch-by-MsgType
// shape but keyed on Kind instead of a single polymorphic Message.
type RaftServer struct {
	transport ServerTransport
	codec     Serializer
	handler   RPCHandler
}

// NewRaftServer wires a ServerTransport, Serializer and RPCHandler
// together. Call Serve to start listening.
func NewRaftServer(transport ServerTransport, codec Serializer, handler RPCHandler) *RaftServer {
	s := &RaftServer{transport: transport, codec: codec, handler: handler}
	transport.RegisterHandler(s.handle)
	return s
}

// Serve starts the underlying transport listening on addr. Blocks until
// Close is called.
func (s *RaftServer) Serve(addr string) error {
	log.Infof("raft server listening on %s", addr)
	return s.transport.Listen(addr)
}

// Close stops accepting new connections.
func (s *RaftServer) Close() error { return s.transport.Close() }

func (s *RaftServer) handle(groupID string, req []byte) []byte {
	var env Envelope
	if err := s.codec.Unmarshal(req, &env); err != nil {
		return s.errorEnvelope(KindUnknown, fmt.Errorf("decode envelope: %w", err))
	}

	ctx := context.Background()
	switch env.Kind {
	case KindRequestVote:
		var r rpcpb.RequestVoteRequest
		if err := s.codec.Unmarshal(env.Payload, &r); err != nil {
			return s.errorEnvelope(env.Kind, err)
		}
		return s.reply(env.Kind, s.handler.HandleRequestVote(ctx, &r))
	case KindAppendEntries:
		var r rpcpb.AppendEntriesRequest
		if err := s.codec.Unmarshal(env.Payload, &r); err != nil {
			return s.errorEnvelope(env.Kind, err)
		}
		return s.reply(env.Kind, s.handler.HandleAppendEntries(ctx, &r))
	case KindInstallSnapshot:
		var r rpcpb.InstallSnapshotRequest
		if err := s.codec.Unmarshal(env.Payload, &r); err != nil {
			return s.errorEnvelope(env.Kind, err)
		}
		return s.reply(env.Kind, s.handler.HandleInstallSnapshot(ctx, &r))
	case KindReadIndex:
		var r rpcpb.ReadIndexRequest
		if err := s.codec.Unmarshal(env.Payload, &r); err != nil {
			return s.errorEnvelope(env.Kind, err)
		}
		return s.reply(env.Kind, s.handler.HandleReadIndex(ctx, &r))
	case KindTimeoutNow:
		var r rpcpb.TimeoutNowRequest
		if err := s.codec.Unmarshal(env.Payload, &r); err != nil {
			return s.errorEnvelope(env.Kind, err)
		}
		return s.reply(env.Kind, s.handler.HandleTimeoutNow(ctx, &r))
	case KindPing:
		var r rpcpb.PingRequest
		if err := s.codec.Unmarshal(env.Payload, &r); err != nil {
			return s.errorEnvelope(env.Kind, err)
		}
		return s.reply(env.Kind, s.handler.HandlePing(ctx, &r))
	default:
		return s.errorEnvelope(env.Kind, fmt.Errorf("unknown rpc kind %d", env.Kind))
	}
}

func (s *RaftServer) reply(kind Kind, resp interface{}) []byte {
	payload, err := s.codec.Marshal(resp)
	if err != nil {
		return s.errorEnvelope(kind, err)
	}
	out, err := s.codec.Marshal(&Envelope{Kind: kind, Payload: payload})
	if err != nil {
		log.Errorf("raft server: failed to encode %s response envelope: %v", kind, err)
		return nil
	}
	return out
}

// errorEnvelope is used when the request cannot be decoded, its Kind is
// unknown, or the typed response cannot be encoded; it carries an empty
// Payload instead of a typed response shape, and the client's
// Unmarshal into its expected response type will surface this as a
// decode error, which callers treat the same as a transport failure.
func (s *RaftServer) errorEnvelope(kind Kind, err error) []byte {
	log.Warningf("raft server: %s rpc failed: %v", kind, err)
	out, encErr := s.codec.Marshal(&Envelope{Kind: kind, Payload: nil})
	if encErr != nil {
		return nil
	}
	return out
}
