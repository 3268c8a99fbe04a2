package raft

import "testing"

func TestClosureQueueAppendAndPopUntil(t *testing.T) {
	q := NewClosureQueue()
	q.ResetFirstIndex(5)

	var ran []int
	for i := 0; i < 3; i++ {
		i := i
		q.AppendPendingClosure(func(Status) { ran = append(ran, i) })
	}

	closures, startIndex, firstIndex := q.PopClosureUntil(6)
	if startIndex != 5 {
		t.Fatalf("startIndex = %d, want 5", startIndex)
	}
	if firstIndex != 7 {
		t.Fatalf("firstIndex = %d, want 7", firstIndex)
	}
	if len(closures) != 2 {
		t.Fatalf("expected 2 closures, got %d", len(closures))
	}
	for _, c := range closures {
		c(StatusOK)
	}
	if len(ran) != 2 || ran[0] != 0 || ran[1] != 1 {
		t.Fatalf("unexpected run order: %v", ran)
	}

	rest, startIndex2, firstIndex2 := q.PopClosureUntil(7)
	if startIndex2 != 7 {
		t.Fatalf("startIndex2 = %d, want 7", startIndex2)
	}
	if firstIndex2 != 8 {
		t.Fatalf("firstIndex2 = %d, want 8", firstIndex2)
	}
	if len(rest) != 1 {
		t.Fatalf("expected 1 remaining closure, got %d", len(rest))
	}
}

func TestClosureQueuePreservesNilAlignment(t *testing.T) {
	q := NewClosureQueue()
	q.ResetFirstIndex(1)
	q.AppendPendingClosure(nil)
	ran := false
	q.AppendPendingClosure(func(Status) { ran = true })

	closures, startIndex, _ := q.PopClosureUntil(2)
	if startIndex != 1 {
		t.Fatalf("startIndex = %d, want 1", startIndex)
	}
	if len(closures) != 2 {
		t.Fatalf("expected nil slots to be preserved, got %d closures", len(closures))
	}
	if closures[0] != nil {
		t.Fatalf("expected closures[0] (index 1) to be nil")
	}
	if closures[1] == nil {
		t.Fatalf("expected closures[1] (index 2) to be the registered closure")
	}
	closures[1](StatusOK)
	if !ran {
		t.Fatalf("expected closures[1] to be runnable")
	}
}

func TestClosureQueueClear(t *testing.T) {
	q := NewClosureQueue()
	q.ResetFirstIndex(1)
	q.AppendPendingClosure(func(Status) {})
	q.AppendPendingClosure(func(Status) {})

	drained := q.Clear()
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained closures, got %d", len(drained))
	}
	closures, _, firstIndex := q.PopClosureUntil(100)
	if len(closures) != 0 || firstIndex != 0 {
		t.Fatalf("expected empty queue after Clear, got closures=%v firstIndex=%d", closures, firstIndex)
	}
}

func TestStatusFromError(t *testing.T) {
	if s := StatusFromError(nil); !s.OK {
		t.Errorf("expected StatusFromError(nil) to be OK")
	}
	err := NewError(ErrCodeBusy, "ring full")
	s := StatusFromError(err)
	if s.OK || s.Err != err {
		t.Errorf("expected StatusFromError to carry the error through, got %+v", s)
	}
}
