package examplefsm

import (
	"testing"

	"github.com/nimbusdb/raft/lib/raft"
)

func entry(index uint64, cmd Command) *raft.LogEntry {
	return &raft.LogEntry{ID: raft.LogID{Index: index, Term: 1}, Type: raft.EntryTypeData, Data: cmd.Encode()}
}

func TestOnApplySetAndDelete(t *testing.T) {
	fsm := New()
	if err := fsm.OnApply(entry(1, Command{Type: CommandTSet, Key: "a", Value: []byte("1")})); err != nil {
		t.Fatalf("apply set: %v", err)
	}
	v, ok := fsm.Get("a")
	if !ok || string(v) != "1" {
		t.Fatalf("expected a=1, got %q ok=%v", v, ok)
	}

	if err := fsm.OnApply(entry(2, Command{Type: CommandTDelete, Key: "a"})); err != nil {
		t.Fatalf("apply delete: %v", err)
	}
	if _, ok := fsm.Get("a"); ok {
		t.Fatalf("expected a to be deleted")
	}

	if fsm.AppliedIndex() != 2 {
		t.Fatalf("expected applied index 2, got %d", fsm.AppliedIndex())
	}
}

func TestOnApplyIgnoresNoOpEntries(t *testing.T) {
	fsm := New()
	if err := fsm.OnApply(&raft.LogEntry{ID: raft.LogID{Index: 1, Term: 1}, Type: raft.EntryTypeNoOp}); err != nil {
		t.Fatalf("apply noop: %v", err)
	}
	if fsm.Len() != 0 {
		t.Fatalf("expected empty map after noop apply")
	}
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	fsm := New()
	if err := fsm.OnApply(entry(1, Command{Type: CommandTSet, Key: "x", Value: []byte("y")})); err != nil {
		t.Fatalf("apply: %v", err)
	}

	data, err := fsm.Save()
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	restored := New()
	if err := restored.Restore(data); err != nil {
		t.Fatalf("restore: %v", err)
	}
	v, ok := restored.Get("x")
	if !ok || string(v) != "y" {
		t.Fatalf("expected x=y after restore, got %q ok=%v", v, ok)
	}
}

func TestDecodeCommandRejectsTruncatedInput(t *testing.T) {
	if _, err := DecodeCommand([]byte{0, 0, 0}); err == nil {
		t.Fatalf("expected error decoding truncated command")
	}
}
