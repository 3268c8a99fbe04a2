package storage

import (
	"context"
	"testing"

	"github.com/nimbusdb/raft/lib/raft"
)

func newTestStorage(t *testing.T) LogStorage {
	t.Helper()
	dir := t.TempDir()
	s := NewPebbleLogStorage(Options{Path: dir})
	if _, err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPebbleLogStorageAppendAndGet(t *testing.T) {
	s := newTestStorage(t)

	entries := []*raft.LogEntry{
		{ID: raft.LogID{Index: 1, Term: 1}, Type: raft.EntryTypeNoOp},
		{ID: raft.LogID{Index: 2, Term: 1}, Type: raft.EntryTypeData, Data: []byte("v1")},
		{ID: raft.LogID{Index: 3, Term: 2}, Type: raft.EntryTypeData, Data: []byte("v2")},
	}
	if err := s.AppendEntries(entries); err != nil {
		t.Fatalf("append: %v", err)
	}

	if got := s.FirstLogIndex(); got != 1 {
		t.Errorf("FirstLogIndex = %d, want 1", got)
	}
	if got := s.LastLogIndex(); got != 3 {
		t.Errorf("LastLogIndex = %d, want 3", got)
	}
	if got := s.GetTerm(3); got != 2 {
		t.Errorf("GetTerm(3) = %d, want 2", got)
	}
	if got := s.GetTerm(99); got != 0 {
		t.Errorf("GetTerm(99) = %d, want 0", got)
	}

	e, err := s.GetEntry(2)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if e == nil || string(e.Data) != "v1" {
		t.Errorf("GetEntry(2) = %+v, want Data=v1", e)
	}

	if e, _ := s.GetEntry(999); e != nil {
		t.Errorf("expected nil for missing entry, got %+v", e)
	}
}

func TestPebbleLogStorageTruncatePrefix(t *testing.T) {
	s := newTestStorage(t)
	var entries []*raft.LogEntry
	for i := uint64(1); i <= 5; i++ {
		entries = append(entries, &raft.LogEntry{ID: raft.LogID{Index: i, Term: 1}, Type: raft.EntryTypeData, Data: []byte("x")})
	}
	if err := s.AppendEntries(entries); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := s.TruncatePrefix(3); err != nil {
		t.Fatalf("truncate prefix: %v", err)
	}
	if got := s.FirstLogIndex(); got != 3 {
		t.Errorf("FirstLogIndex = %d, want 3", got)
	}
	if e, _ := s.GetEntry(2); e != nil {
		t.Errorf("expected entry 2 to be gone, got %+v", e)
	}
	if e, _ := s.GetEntry(3); e == nil {
		t.Errorf("expected entry 3 to remain")
	}
}

func TestPebbleLogStorageTruncateSuffix(t *testing.T) {
	s := newTestStorage(t)
	var entries []*raft.LogEntry
	for i := uint64(1); i <= 5; i++ {
		entries = append(entries, &raft.LogEntry{ID: raft.LogID{Index: i, Term: 1}, Type: raft.EntryTypeData, Data: []byte("x")})
	}
	if err := s.AppendEntries(entries); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := s.TruncateSuffix(3); err != nil {
		t.Fatalf("truncate suffix: %v", err)
	}
	if got := s.LastLogIndex(); got != 3 {
		t.Errorf("LastLogIndex = %d, want 3", got)
	}
	if e, _ := s.GetEntry(4); e != nil {
		t.Errorf("expected entry 4 to be gone, got %+v", e)
	}
}

func TestPebbleLogStorageReset(t *testing.T) {
	s := newTestStorage(t)
	entries := []*raft.LogEntry{
		{ID: raft.LogID{Index: 1, Term: 1}, Type: raft.EntryTypeData, Data: []byte("x")},
		{ID: raft.LogID{Index: 2, Term: 1}, Type: raft.EntryTypeData, Data: []byte("y")},
	}
	if err := s.AppendEntries(entries); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := s.Reset(100); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := s.FirstLogIndex(); got != 99 {
		t.Errorf("FirstLogIndex = %d, want 99", got)
	}
	if got := s.LastLogIndex(); got != 99 {
		t.Errorf("LastLogIndex = %d, want 99", got)
	}
	if e, _ := s.GetEntry(1); e != nil {
		t.Errorf("expected old entry gone after reset, got %+v", e)
	}
}

func TestPebbleLogStorageRecoversLastConfiguration(t *testing.T) {
	dir := t.TempDir()
	s := NewPebbleLogStorage(Options{Path: dir})
	if _, err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	confEntry := &raft.LogEntry{
		ID:    raft.LogID{Index: 1, Term: 1},
		Type:  raft.EntryTypeConfiguration,
		Peers: []raft.PeerID{{Host: "127.0.0.1", Port: 8081}},
	}
	if err := s.AppendEntry(confEntry); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2 := NewPebbleLogStorage(Options{Path: dir})
	lastConf, err := s2.Init(context.Background())
	if err != nil {
		t.Fatalf("reopen init: %v", err)
	}
	defer s2.Close()

	if lastConf == nil {
		t.Fatalf("expected recovered last configuration entry, got nil")
	}
	if lastConf.ID.Index != 1 || len(lastConf.Peers) != 1 {
		t.Errorf("recovered conf entry mismatch: %+v", lastConf)
	}
}
