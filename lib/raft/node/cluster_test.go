package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nimbusdb/raft/examplefsm"
	"github.com/nimbusdb/raft/lib/raft"
	"github.com/nimbusdb/raft/lib/raft/rpcpb"
	"github.com/nimbusdb/raft/lib/raft/storage"
)

// fakeSender routes RPCs directly to the target Node's Handle* methods by
// endpoint, bypassing any real transport. registry is shared by every
// fakeSender in a test cluster so nodes can reach each other by the
// endpoint their raft.PeerID resolves to.
type fakeSender struct {
	registry *nodeRegistry
}

type nodeRegistry struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

func newNodeRegistry() *nodeRegistry {
	return &nodeRegistry{nodes: make(map[string]*Node)}
}

func (r *nodeRegistry) register(endpoint string, n *Node) {
	r.mu.Lock()
	r.nodes[endpoint] = n
	r.mu.Unlock()
}

func (r *nodeRegistry) lookup(endpoint string) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[endpoint]
}

func (s *fakeSender) RequestVote(ctx context.Context, endpoint string, req *rpcpb.RequestVoteRequest, timeout time.Duration) (*rpcpb.RequestVoteResponse, error) {
	n := s.registry.lookup(endpoint)
	if n == nil {
		return nil, errNoSuchPeer
	}
	return n.HandleRequestVote(ctx, req), nil
}

func (s *fakeSender) AppendEntries(ctx context.Context, endpoint string, req *rpcpb.AppendEntriesRequest, timeout time.Duration) (*rpcpb.AppendEntriesResponse, error) {
	n := s.registry.lookup(endpoint)
	if n == nil {
		return nil, errNoSuchPeer
	}
	return n.HandleAppendEntries(ctx, req), nil
}

func (s *fakeSender) InstallSnapshot(ctx context.Context, endpoint string, req *rpcpb.InstallSnapshotRequest, timeout time.Duration) (*rpcpb.InstallSnapshotResponse, error) {
	n := s.registry.lookup(endpoint)
	if n == nil {
		return nil, errNoSuchPeer
	}
	return n.HandleInstallSnapshot(ctx, req), nil
}

func (s *fakeSender) ReadIndex(ctx context.Context, endpoint string, req *rpcpb.ReadIndexRequest, timeout time.Duration) (*rpcpb.ReadIndexResponse, error) {
	n := s.registry.lookup(endpoint)
	if n == nil {
		return nil, errNoSuchPeer
	}
	return n.HandleReadIndex(ctx, req), nil
}

func (s *fakeSender) TimeoutNow(ctx context.Context, endpoint string, req *rpcpb.TimeoutNowRequest, timeout time.Duration) (*rpcpb.TimeoutNowResponse, error) {
	n := s.registry.lookup(endpoint)
	if n == nil {
		return nil, errNoSuchPeer
	}
	return n.HandleTimeoutNow(ctx, req), nil
}

func (s *fakeSender) Ping(ctx context.Context, endpoint string, req *rpcpb.PingRequest, timeout time.Duration) (rpcpb.ErrorResponse, error) {
	n := s.registry.lookup(endpoint)
	if n == nil {
		return rpcpb.ErrorResponse{}, errNoSuchPeer
	}
	return n.HandlePing(ctx, req), nil
}

var errNoSuchPeer = &peerNotFoundError{}

type peerNotFoundError struct{}

func (*peerNotFoundError) Error() string { return "node: no such peer registered in test cluster" }

// testCluster wires up n real Nodes, each pebble-backed under its own
// t.TempDir() subdirectory, all sharing one nodeRegistry/fakeSender so
// they can reach each other without any real network transport.
type testCluster struct {
	t        *testing.T
	registry *nodeRegistry
	nodes    []*Node
	fsms     []*examplefsm.KVStateMachine
	peers    []raft.PeerID
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	registry := newNodeRegistry()
	peers := make([]raft.PeerID, n)
	for i := 0; i < n; i++ {
		peers[i] = raft.PeerID{Host: "127.0.0.1", Port: 10000 + i}
	}
	conf := raft.NewConfiguration(peers, nil)

	c := &testCluster{t: t, registry: registry, peers: peers}
	for i := 0; i < n; i++ {
		dir := t.TempDir()
		logs := storage.NewPebbleLogStorage(storage.Options{Path: dir})
		fsm := examplefsm.New()
		nd := New(Options{
			GroupID:           "test-group",
			ElectionTimeoutMs: 30,
			RPCTimeout:        2 * time.Second,
		}, peers[i], conf, logs, &fakeSender{registry: registry}, fsm, noopRecorder{})
		registry.register(peers[i].Endpoint(), nd)
		c.nodes = append(c.nodes, nd)
		c.fsms = append(c.fsms, fsm)
	}
	return c
}

func (c *testCluster) start() {
	for _, n := range c.nodes {
		if err := n.Start(context.Background()); err != nil {
			c.t.Fatalf("start node %s: %v", n.Self(), err)
		}
	}
}

func (c *testCluster) shutdown() {
	for _, n := range c.nodes {
		n.Shutdown()
	}
}

// addStandbyNode creates and starts an additional Node sharing this
// cluster's registry, with an empty initial configuration: it sits idle,
// never campaigning, until some existing member proposes adding it via
// AddPeer/ChangePeers. Mirrors how a brand new replica joins a running
// group before it has ever appeared in any configuration entry.
func (c *testCluster) addStandbyNode(t *testing.T) (*Node, raft.PeerID) {
	t.Helper()
	peer := raft.PeerID{Host: "127.0.0.1", Port: 10000 + len(c.peers)}
	dir := t.TempDir()
	logs := storage.NewPebbleLogStorage(storage.Options{Path: dir})
	fsm := examplefsm.New()
	nd := New(Options{
		GroupID:           "test-group",
		ElectionTimeoutMs: 30,
		RPCTimeout:        2 * time.Second,
	}, peer, raft.NewConfiguration(nil, nil), logs, &fakeSender{registry: c.registry}, fsm, noopRecorder{})
	c.registry.register(peer.Endpoint(), nd)
	if err := nd.Start(context.Background()); err != nil {
		t.Fatalf("start standby node %s: %v", peer, err)
	}
	c.peers = append(c.peers, peer)
	c.nodes = append(c.nodes, nd)
	c.fsms = append(c.fsms, fsm)
	return nd, peer
}

// kill simulates a crashed node: it stops responding to RPCs (removed from
// the registry every fakeSender looks peers up in) and is shut down. Unlike
// shutdown, this is meant to be called on a single node while the rest of
// the cluster keeps running.
func (c *testCluster) kill(n *Node) {
	c.registry.mu.Lock()
	delete(c.registry.nodes, n.Self().Endpoint())
	c.registry.mu.Unlock()
	n.Shutdown()
}

// awaitLeader polls until exactly one node reports RoleLeader, or fails
// the test once timeout elapses.
func (c *testCluster) awaitLeader(timeout time.Duration) *Node {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range c.nodes {
			if n.Role() == RoleLeader {
				return n
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.t.Fatalf("no leader elected within %s", timeout)
	return nil
}

type noopRecorder struct{}

func (noopRecorder) IncReadIndexOverload()    {}
func (noopRecorder) IncReadIndexLagExceeded() {}
