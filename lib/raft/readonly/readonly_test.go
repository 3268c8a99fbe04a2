package readonly

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimbusdb/raft/lib/raft"
)

type fakeApplied struct {
	index atomic.Uint64
}

func (f *fakeApplied) LastAppliedIndex() uint64 { return f.index.Load() }

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

func TestReadIndexImmediatelyApplied(t *testing.T) {
	applied := &fakeApplied{}
	applied.index.Store(10)

	handler := func(ctx context.Context, reqCtxs [][]byte) (uint64, error) {
		return 5, nil
	}
	s := New(handler, applied, Options{ScanInterval: 20 * time.Millisecond})
	s.Start()
	defer s.Shutdown()

	var gotStatus raft.Status
	var gotIndex uint64
	var mu sync.Mutex
	done := make(chan struct{})
	s.AddRequest([]byte("ctx"), func(status raft.Status, index uint64, reqCtx []byte) {
		mu.Lock()
		gotStatus, gotIndex = status, index
		mu.Unlock()
		close(done)
	})

	<-done
	mu.Lock()
	defer mu.Unlock()
	if !gotStatus.OK || gotIndex != 5 {
		t.Fatalf("expected immediate success at index 5, got status=%+v index=%d", gotStatus, gotIndex)
	}
}

func TestReadIndexParkedUntilApplied(t *testing.T) {
	applied := &fakeApplied{}
	handler := func(ctx context.Context, reqCtxs [][]byte) (uint64, error) {
		return 42, nil
	}
	s := New(handler, applied, Options{ScanInterval: 10 * time.Millisecond})
	s.Start()
	defer s.Shutdown()

	var ok atomic.Bool
	s.AddRequest([]byte("ctx"), func(status raft.Status, index uint64, reqCtx []byte) {
		if status.OK && index == 42 {
			ok.Store(true)
		}
	})

	time.Sleep(30 * time.Millisecond)
	if ok.Load() {
		t.Fatalf("expected the waiter to still be parked before applied index catches up")
	}

	applied.index.Store(42)
	waitFor(t, ok.Load)
}

func TestReadIndexLagExceededFailsFast(t *testing.T) {
	applied := &fakeApplied{}
	applied.index.Store(0)
	handler := func(ctx context.Context, reqCtxs [][]byte) (uint64, error) {
		return 1000, nil
	}
	s := New(handler, applied, Options{MaxReadIndexLag: 10, ScanInterval: 10 * time.Millisecond})
	s.Start()
	defer s.Shutdown()

	done := make(chan raft.Status, 1)
	s.AddRequest([]byte("ctx"), func(status raft.Status, index uint64, reqCtx []byte) {
		done <- status
	})

	select {
	case status := <-done:
		if status.OK || status.Err.Code != raft.ErrCodeReadIndexLag {
			t.Fatalf("expected a lag-exceeded failure, got %+v", status)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a fail-fast notification")
	}
}

func TestReadIndexHandlerErrorFailsWaiters(t *testing.T) {
	applied := &fakeApplied{}
	handler := func(ctx context.Context, reqCtxs [][]byte) (uint64, error) {
		return 0, raft.NewRedirectError(raft.PeerID{Host: "h", Port: 1})
	}
	s := New(handler, applied, Options{})
	s.Start()
	defer s.Shutdown()

	done := make(chan raft.Status, 1)
	s.AddRequest([]byte("ctx"), func(status raft.Status, index uint64, reqCtx []byte) {
		done <- status
	})

	select {
	case status := <-done:
		if status.OK || status.Err.Code != raft.ErrCodeNotLeader {
			t.Fatalf("expected a not-leader failure, got %+v", status)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a failure notification")
	}
}

func TestReadIndexSetErrorDrainsPending(t *testing.T) {
	applied := &fakeApplied{}
	handler := func(ctx context.Context, reqCtxs [][]byte) (uint64, error) {
		return 100, nil
	}
	s := New(handler, applied, Options{ScanInterval: time.Hour})
	s.Start()
	defer s.Shutdown()

	done := make(chan raft.Status, 1)
	s.AddRequest([]byte("ctx"), func(status raft.Status, index uint64, reqCtx []byte) {
		done <- status
	})

	time.Sleep(20 * time.Millisecond) // let it park
	s.SetError(raft.NewError(raft.ErrCodeSafetyViolation, "node entered error state"))

	select {
	case status := <-done:
		if status.OK {
			t.Fatalf("expected parked waiter to be failed once the service enters an error state")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected SetError to flush the pending waiter")
	}
}

func TestReadIndexOverloadFailsFast(t *testing.T) {
	applied := &fakeApplied{}
	blocked := make(chan struct{})
	handler := func(ctx context.Context, reqCtxs [][]byte) (uint64, error) {
		<-blocked
		return 1, nil
	}
	s := New(handler, applied, Options{RingBufferSize: 1, ApplyBatch: 1})
	s.Start()
	defer func() {
		close(blocked)
		s.Shutdown()
	}()

	// First request occupies the single consumer slot (handler blocks).
	s.AddRequest([]byte("a"), func(raft.Status, uint64, []byte) {})
	time.Sleep(20 * time.Millisecond)

	// Fill the ring, then overflow it.
	s.AddRequest([]byte("b"), func(raft.Status, uint64, []byte) {})

	overloaded := make(chan raft.Status, 1)
	s.AddRequest([]byte("c"), func(status raft.Status, index uint64, reqCtx []byte) {
		overloaded <- status
	})

	select {
	case status := <-overloaded:
		if status.OK || status.Err.Code != raft.ErrCodeBusy {
			t.Fatalf("expected a busy status once the ring overflows, got %+v", status)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected the overflowing request to fail fast")
	}
}
