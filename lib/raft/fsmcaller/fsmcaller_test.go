package fsmcaller

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nimbusdb/raft/lib/raft"
)

type fakeEntries struct {
	mu      sync.Mutex
	entries map[uint64]*raft.LogEntry
}

func newFakeEntries() *fakeEntries {
	return &fakeEntries{entries: make(map[uint64]*raft.LogEntry)}
}

func (f *fakeEntries) put(e *raft.LogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[e.ID.Index] = e
}

func (f *fakeEntries) GetEntry(index uint64) (*raft.LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[index], nil
}

type recordingFSM struct {
	mu       sync.Mutex
	applied  []uint64
	confs    []raft.Configuration
	lastErr  *raft.Error
	applyErr error
}

func (f *recordingFSM) OnApply(e *raft.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, e.ID.Index)
	return nil
}

func (f *recordingFSM) OnConfigurationCommitted(conf raft.Configuration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confs = append(f.confs, conf)
}

func (f *recordingFSM) OnError(err *raft.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastErr = err
}

func (f *recordingFSM) appliedIndices() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.applied))
	copy(out, f.applied)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestFSMCallerAppliesInOrder(t *testing.T) {
	entries := newFakeEntries()
	for i := uint64(1); i <= 3; i++ {
		entries.put(&raft.LogEntry{ID: raft.LogID{Index: i, Term: 1}, Type: raft.EntryTypeData, Data: []byte("x")})
	}
	fsm := &recordingFSM{}
	cq := raft.NewClosureQueue()
	cq.ResetFirstIndex(1)
	for i := 0; i < 3; i++ {
		cq.AppendPendingClosure(nil)
	}

	c := New(fsm, entries, cq, 4)
	c.Start()
	defer c.Shutdown()

	c.OnCommitted(3)
	waitFor(t, func() bool { return c.LastAppliedIndex() == 3 })

	if got := fsm.appliedIndices(); len(got) != 3 {
		t.Fatalf("applied indices = %v, want 3 entries", got)
	}
}

func TestFSMCallerRunsClosures(t *testing.T) {
	entries := newFakeEntries()
	entries.put(&raft.LogEntry{ID: raft.LogID{Index: 1, Term: 1}, Type: raft.EntryTypeData, Data: []byte("x")})

	fsm := &recordingFSM{}
	cq := raft.NewClosureQueue()
	cq.ResetFirstIndex(1)

	var status raft.Status
	var mu sync.Mutex
	cq.AppendPendingClosure(func(s raft.Status) {
		mu.Lock()
		status = s
		mu.Unlock()
	})

	c := New(fsm, entries, cq, 4)
	c.Start()
	defer c.Shutdown()

	c.OnCommitted(1)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return status.OK
	})
}

func TestFSMCallerEntersErrorStateOnApplyFailure(t *testing.T) {
	entries := newFakeEntries()
	entries.put(&raft.LogEntry{ID: raft.LogID{Index: 1, Term: 1}, Type: raft.EntryTypeData, Data: []byte("x")})
	entries.put(&raft.LogEntry{ID: raft.LogID{Index: 2, Term: 1}, Type: raft.EntryTypeData, Data: []byte("y")})

	fsm := &recordingFSM{applyErr: errors.New("boom")}
	cq := raft.NewClosureQueue()
	cq.ResetFirstIndex(1)
	cq.AppendPendingClosure(nil)
	cq.AppendPendingClosure(nil)

	c := New(fsm, entries, cq, 4)
	c.Start()
	defer c.Shutdown()

	c.OnCommitted(2)
	waitFor(t, func() bool { return c.ErrorState() != nil })

	if len(fsm.appliedIndices()) != 0 {
		t.Fatalf("expected no successful applies, got %v", fsm.appliedIndices())
	}

	// A second OnCommitted must be a no-op once in the error state.
	c.OnCommitted(2)
	time.Sleep(20 * time.Millisecond)
	if c.LastAppliedIndex() != 0 {
		t.Fatalf("expected lastAppliedIndex to stay at 0 after error, got %d", c.LastAppliedIndex())
	}
}

func TestFSMCallerNotifiesListeners(t *testing.T) {
	entries := newFakeEntries()
	entries.put(&raft.LogEntry{ID: raft.LogID{Index: 1, Term: 1}, Type: raft.EntryTypeData, Data: []byte("x")})

	fsm := &recordingFSM{}
	cq := raft.NewClosureQueue()
	cq.ResetFirstIndex(1)
	cq.AppendPendingClosure(nil)

	c := New(fsm, entries, cq, 4)

	var mu sync.Mutex
	var notified uint64
	c.AddLastAppliedLogIndexListener(listenerFunc(func(idx uint64) {
		mu.Lock()
		notified = idx
		mu.Unlock()
	}))

	c.Start()
	defer c.Shutdown()

	c.OnCommitted(1)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return notified == 1
	})
}

type listenerFunc func(uint64)

func (f listenerFunc) OnApplied(appliedIndex uint64) { f(appliedIndex) }

type snapshotFSM struct {
	recordingFSM
	mu         sync.Mutex
	saved      []byte
	restored   []byte
	restoreErr error
}

func (f *snapshotFSM) Save() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saved, nil
}

func (f *snapshotFSM) Restore(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.restored = data
	return nil
}

func TestFSMCallerSnapshotSaveRunsOnApplierGoroutine(t *testing.T) {
	entries := newFakeEntries()
	entries.put(&raft.LogEntry{ID: raft.LogID{Index: 1, Term: 1}, Type: raft.EntryTypeData, Data: []byte("x")})

	fsm := &snapshotFSM{saved: []byte("state-v1")}
	cq := raft.NewClosureQueue()
	cq.ResetFirstIndex(1)
	cq.AppendPendingClosure(nil)

	c := New(fsm, entries, cq, 4)
	c.Start()
	defer c.Shutdown()

	c.OnCommitted(1)
	waitFor(t, func() bool { return c.LastAppliedIndex() == 1 })

	var gotErr *raft.Error
	var gotData []byte
	var gotIndex uint64
	done := make(chan struct{})
	c.Snapshot(func(err *raft.Error, data []byte, lastIncludedIndex uint64) {
		gotErr, gotData, gotIndex = err, data, lastIncludedIndex
		close(done)
	})
	<-done

	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if string(gotData) != "state-v1" {
		t.Fatalf("saved data = %q, want state-v1", gotData)
	}
	if gotIndex != 1 {
		t.Fatalf("saved lastIncludedIndex = %d, want 1", gotIndex)
	}
}

func TestFSMCallerInstallSnapshotFastForwardsAppliedIndex(t *testing.T) {
	entries := newFakeEntries()
	fsm := &snapshotFSM{}
	cq := raft.NewClosureQueue()
	cq.ResetFirstIndex(1)

	c := New(fsm, entries, cq, 4)
	c.Start()
	defer c.Shutdown()

	done := make(chan *raft.Error, 1)
	c.InstallSnapshot(10, []byte("snap-data"), func(err *raft.Error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, func() bool { return c.LastAppliedIndex() == 10 })
	fsm.mu.Lock()
	restored := fsm.restored
	fsm.mu.Unlock()
	if string(restored) != "snap-data" {
		t.Fatalf("restored data = %q, want snap-data", restored)
	}
}

func TestFSMCallerSnapshotOnNonSnapshottingStateMachine(t *testing.T) {
	entries := newFakeEntries()
	fsm := &recordingFSM{}
	cq := raft.NewClosureQueue()
	cq.ResetFirstIndex(1)

	c := New(fsm, entries, cq, 4)
	c.Start()
	defer c.Shutdown()

	done := make(chan *raft.Error, 1)
	c.Snapshot(func(err *raft.Error, data []byte, lastIncludedIndex uint64) { done <- err })
	err := <-done
	if err == nil || err.Code != raft.ErrCodeInvalidArgument {
		t.Fatalf("expected ErrCodeInvalidArgument, got %v", err)
	}
}
