package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nimbusdb/raft/lib/raft"
	"github.com/nimbusdb/raft/lib/raft/rpcpb"
)

var testSerializers = map[string]func() Serializer{
	"json": func() Serializer { s, _ := NewSerializer("json"); return s },
	"gob":  func() Serializer { s, _ := NewSerializer("gob"); return s },
}

func TestSerializerEnvelopeRoundTrip(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			s := factory()
			env := &Envelope{Kind: KindAppendEntries, Payload: []byte("hello")}
			data, err := s.Marshal(env)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var got Envelope
			if err := s.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Kind != env.Kind || string(got.Payload) != string(env.Payload) {
				t.Fatalf("round trip mismatch: got %+v want %+v", got, env)
			}
		})
	}
}

func TestNewSerializerUnknownName(t *testing.T) {
	if _, err := NewSerializer("carrier-pigeon"); err == nil {
		t.Fatalf("expected an error for an unknown serializer name")
	}
}

type fakeHandler struct{}

func (fakeHandler) HandleRequestVote(ctx context.Context, req *rpcpb.RequestVoteRequest) *rpcpb.RequestVoteResponse {
	return &rpcpb.RequestVoteResponse{Term: req.Term, Granted: true}
}
func (fakeHandler) HandleAppendEntries(ctx context.Context, req *rpcpb.AppendEntriesRequest) *rpcpb.AppendEntriesResponse {
	return &rpcpb.AppendEntriesResponse{Term: req.Term, Success: true, LastLogIndex: req.PrevLogIndex + uint64(len(req.Entries))}
}
func (fakeHandler) HandleInstallSnapshot(ctx context.Context, req *rpcpb.InstallSnapshotRequest) *rpcpb.InstallSnapshotResponse {
	return &rpcpb.InstallSnapshotResponse{Term: req.Term, Success: true}
}
func (fakeHandler) HandleReadIndex(ctx context.Context, req *rpcpb.ReadIndexRequest) *rpcpb.ReadIndexResponse {
	return &rpcpb.ReadIndexResponse{Index: 42}
}
func (fakeHandler) HandleTimeoutNow(ctx context.Context, req *rpcpb.TimeoutNowRequest) *rpcpb.TimeoutNowResponse {
	return &rpcpb.TimeoutNowResponse{Term: req.Term}
}
func (fakeHandler) HandlePing(ctx context.Context, req *rpcpb.PingRequest) rpcpb.ErrorResponse {
	return rpcpb.NewErrorResponse(nil)
}

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to allocate a free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestTCPTransportAppendEntriesRoundTrip(t *testing.T) {
	addr := freeTCPAddr(t)
	codec, _ := NewSerializer("gob")

	server := NewRaftServer(NewTCPServerTransport(), codec, fakeHandler{})
	go server.Serve(addr)
	defer server.Close()

	waitForListener(t, addr)

	client := NewRaftClient(NewTCPClientTransport(), codec)
	defer client.Close()

	req := &rpcpb.AppendEntriesRequest{
		GroupID:      "shard-1",
		ServerID:     raft.PeerID{Host: "127.0.0.1", Port: 1},
		Term:         3,
		PrevLogIndex: 5,
		Entries: []*raft.LogEntry{
			{ID: raft.LogID{Index: 6, Term: 3}, Type: raft.EntryTypeData, Data: []byte("x")},
		},
	}

	resp, err := client.AppendEntries(context.Background(), addr, req, time.Second)
	if err != nil {
		t.Fatalf("AppendEntries: %v", err)
	}
	if !resp.Success || resp.Term != 3 || resp.LastLogIndex != 6 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHTTPTransportReadIndexRoundTrip(t *testing.T) {
	addr := freeTCPAddr(t)
	codec, _ := NewSerializer("json")

	server := NewRaftServer(NewHTTPServerTransport(), codec, fakeHandler{})
	go server.Serve(addr)
	defer server.Close()

	waitForListener(t, addr)

	client := NewRaftClient(NewHTTPClientTransport(time.Second), codec)
	defer client.Close()

	req := &rpcpb.ReadIndexRequest{GroupID: "shard-1", RequestContexts: [][]byte{[]byte("a")}}
	resp, err := client.ReadIndex(context.Background(), addr, req, time.Second)
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if resp.Index != 42 {
		t.Fatalf("expected index 42, got %d", resp.Index)
	}
}

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("listener at %s never came up", addr)
}

func TestRaftClientFailsAgainstClosedPort(t *testing.T) {
	addr := freeTCPAddr(t) // nothing listening here
	codec, _ := NewSerializer("gob")
	client := NewRaftClient(NewTCPClientTransport(), codec)
	defer client.Close()

	req := &rpcpb.PingRequest{GroupID: "shard-1"}
	if _, err := client.Ping(context.Background(), addr, req, 500*time.Millisecond); err == nil {
		t.Fatalf("expected an error dialing a closed port")
	}
}
