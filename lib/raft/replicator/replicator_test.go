package replicator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nimbusdb/raft/lib/raft"
	"github.com/nimbusdb/raft/lib/raft/rpcpb"
)

func peer(port int) raft.PeerID { return raft.PeerID{Host: "127.0.0.1", Port: port} }

// fakeLog is a minimal in-memory LogReader stand-in.
type fakeLog struct {
	mu      sync.Mutex
	first   uint64
	entries map[uint64]*raft.LogEntry
}

func newFakeLog(first, last uint64) *fakeLog {
	fl := &fakeLog{first: first, entries: make(map[uint64]*raft.LogEntry)}
	for i := first; i <= last; i++ {
		fl.entries[i] = &raft.LogEntry{ID: raft.LogID{Index: i, Term: 1}, Type: raft.EntryTypeData, Data: []byte("v")}
	}
	return fl
}

func (f *fakeLog) FirstLogIndex() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.first
}

func (f *fakeLog) LastLogIndex() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var max uint64
	for i := range f.entries {
		if i > max {
			max = i
		}
	}
	return max
}

func (f *fakeLog) GetTerm(index uint64) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[index]; ok {
		return e.ID.Term
	}
	return 0
}

func (f *fakeLog) GetEntry(index uint64) (*raft.LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[index], nil
}

type fakeCommit struct {
	mu    sync.Mutex
	calls []struct{ first, last uint64 }
}

func (c *fakeCommit) CommitAt(first, last uint64, peer raft.PeerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, struct{ first, last uint64 }{first, last})
	return true
}

func (c *fakeCommit) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type fakeSnapshots struct {
	ok                                 bool
	lastIncludedIndex, lastIncludedTerm uint64
}

func (s *fakeSnapshots) LatestSnapshot() (uint64, uint64, raft.Configuration, []byte, bool) {
	if !s.ok {
		return 0, 0, raft.Configuration{}, nil, false
	}
	return s.lastIncludedIndex, s.lastIncludedTerm, raft.NewConfiguration([]raft.PeerID{peer(9001)}, nil), []byte("snap"), true
}

type fakeSender struct {
	mu    sync.Mutex
	resp  *rpcpb.AppendEntriesResponse
	err   error
	calls []*rpcpb.AppendEntriesRequest
}

func (s *fakeSender) AppendEntries(ctx context.Context, endpoint string, req *rpcpb.AppendEntriesRequest, timeout time.Duration) (*rpcpb.AppendEntriesResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func (s *fakeSender) setResp(r *rpcpb.AppendEntriesResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resp = r
}

func (s *fakeSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeSender) lastReq() *rpcpb.AppendEntriesRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return nil
	}
	return s.calls[len(s.calls)-1]
}

type fakeSnapshotSender struct {
	resp *rpcpb.InstallSnapshotResponse
	err  error
}

func (s *fakeSnapshotSender) InstallSnapshot(ctx context.Context, endpoint string, req *rpcpb.InstallSnapshotRequest, timeout time.Duration) (*rpcpb.InstallSnapshotResponse, error) {
	return s.resp, s.err
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never became true")
}

func newTestReplicator(logs LogReader, commit CommitNotifier, snaps SnapshotSource, sender AppendEntriesSender, snapSend SnapshotSender, higherTerm *uint64) *Replicator {
	opts := Options{
		GroupID:            "shard-1",
		LeaderID:           peer(9000),
		Peer:               peer(9001),
		HeartbeatInterval:  10 * time.Millisecond,
		RPCTimeout:         time.Second,
		MaxEntriesPerBatch: 8,
		OnHigherTerm: func(term uint64) {
			if higherTerm != nil {
				*higherTerm = term
			}
		},
	}
	return New(opts, logs, commit, snaps, sender, snapSend, 1, 1)
}

func TestReplicatorAdvancesOnSuccess(t *testing.T) {
	logs := newFakeLog(1, 3)
	commit := &fakeCommit{}
	sender := &fakeSender{resp: &rpcpb.AppendEntriesResponse{Term: 1, Success: true, LastLogIndex: 3}}

	r := newTestReplicator(logs, commit, &fakeSnapshots{}, sender, &fakeSnapshotSender{}, nil)
	r.Start()
	defer r.Stop()

	waitFor(t, func() bool { return r.NextIndex() == 4 })
	waitFor(t, func() bool { return commit.count() > 0 })

	req := sender.lastReq()
	if req == nil || len(req.Entries) != 3 {
		t.Fatalf("expected a batch of 3 entries, got %+v", req)
	}
}

func TestReplicatorBacksOffOnMismatch(t *testing.T) {
	logs := newFakeLog(1, 5)
	commit := &fakeCommit{}
	sender := &fakeSender{resp: &rpcpb.AppendEntriesResponse{Term: 1, Success: false, LastLogIndex: 2}}

	opts := Options{
		GroupID:            "shard-1",
		LeaderID:           peer(9000),
		Peer:               peer(9001),
		HeartbeatInterval:  10 * time.Millisecond,
		RPCTimeout:         time.Second,
		MaxEntriesPerBatch: 8,
	}
	r := New(opts, logs, commit, &fakeSnapshots{}, sender, &fakeSnapshotSender{}, 1, 6)
	r.Start()
	defer r.Stop()

	waitFor(t, func() bool { return r.NextIndex() == 3 })
	if commit.count() != 0 {
		t.Fatalf("expected no commits on a failed append, got %d", commit.count())
	}
}

func TestReplicatorStepsDownOnHigherTerm(t *testing.T) {
	logs := newFakeLog(1, 1)
	commit := &fakeCommit{}
	sender := &fakeSender{resp: &rpcpb.AppendEntriesResponse{Term: 9, Success: false}}

	var observedTerm uint64
	r := newTestReplicator(logs, commit, &fakeSnapshots{}, sender, &fakeSnapshotSender{}, &observedTerm)
	r.Start()
	defer r.Stop()

	waitFor(t, func() bool { return observedTerm == 9 })
	if r.NextIndex() != 1 {
		t.Fatalf("expected nextIndex left unchanged on a higher-term response, got %d", r.NextIndex())
	}
}

func TestReplicatorInstallsSnapshotWhenBehindRetainedLog(t *testing.T) {
	logs := newFakeLog(10, 15)
	commit := &fakeCommit{}
	snaps := &fakeSnapshots{ok: true, lastIncludedIndex: 9, lastIncludedTerm: 1}
	snapSend := &fakeSnapshotSender{resp: &rpcpb.InstallSnapshotResponse{Term: 1, Success: true}}
	sender := &fakeSender{resp: &rpcpb.AppendEntriesResponse{Term: 1, Success: true}}

	opts := Options{
		GroupID:            "shard-1",
		LeaderID:           peer(9000),
		Peer:               peer(9001),
		HeartbeatInterval:  10 * time.Millisecond,
		RPCTimeout:         time.Second,
		MaxEntriesPerBatch: 8,
	}
	r := New(opts, logs, commit, snaps, sender, snapSend, 1, 1)
	r.Start()
	defer r.Stop()

	waitFor(t, func() bool { return r.NextIndex() == 10 })
	if r.MatchIndex() != 9 {
		t.Fatalf("expected matchIndex 9 after snapshot install, got %d", r.MatchIndex())
	}
	if sender.callCount() != 0 {
		t.Fatalf("expected no AppendEntries calls while behind the retained log, got %d", sender.callCount())
	}
}

func TestReplicatorSendsHeartbeatWhenUpToDate(t *testing.T) {
	logs := newFakeLog(1, 1)
	commit := &fakeCommit{}
	sender := &fakeSender{resp: &rpcpb.AppendEntriesResponse{Term: 1, Success: true}}

	opts := Options{
		GroupID:            "shard-1",
		LeaderID:           peer(9000),
		Peer:               peer(9001),
		HeartbeatInterval:  10 * time.Millisecond,
		RPCTimeout:         time.Second,
		MaxEntriesPerBatch: 8,
	}
	r := New(opts, logs, commit, &fakeSnapshots{}, sender, &fakeSnapshotSender{}, 1, 2)
	r.Start()
	defer r.Stop()

	waitFor(t, func() bool { return sender.callCount() >= 2 })
	req := sender.lastReq()
	if req == nil || len(req.Entries) != 0 {
		t.Fatalf("expected an empty-entries heartbeat, got %+v", req)
	}
}

func TestReplicatorWakeTriggersImmediateReplication(t *testing.T) {
	logs := newFakeLog(1, 1)
	commit := &fakeCommit{}
	sender := &fakeSender{resp: &rpcpb.AppendEntriesResponse{Term: 1, Success: true, LastLogIndex: 1}}

	opts := Options{
		GroupID:            "shard-1",
		LeaderID:           peer(9000),
		Peer:               peer(9001),
		HeartbeatInterval:  time.Hour, // effectively disable the ticker
		RPCTimeout:         time.Second,
		MaxEntriesPerBatch: 8,
	}
	r := New(opts, logs, commit, &fakeSnapshots{}, sender, &fakeSnapshotSender{}, 1, 1)
	r.Start()
	defer r.Stop()

	r.Wake()
	waitFor(t, func() bool { return r.NextIndex() == 2 })
}

func TestReplicatorStopCancelsInFlightAndHalts(t *testing.T) {
	logs := newFakeLog(1, 1)
	commit := &fakeCommit{}
	sender := &fakeSender{resp: &rpcpb.AppendEntriesResponse{Term: 1, Success: true, LastLogIndex: 1}}

	r := newTestReplicator(logs, commit, &fakeSnapshots{}, sender, &fakeSnapshotSender{}, nil)
	r.Start()
	waitFor(t, func() bool { return sender.callCount() > 0 })
	r.Stop()

	seen := sender.callCount()
	time.Sleep(30 * time.Millisecond)
	if sender.callCount() != seen {
		t.Fatalf("expected no further calls after Stop, calls went from %d to %d", seen, sender.callCount())
	}
}
