package confmanager

import (
	"testing"

	"github.com/nimbusdb/raft/lib/raft"
)

func conf(ports ...int) raft.Configuration {
	peers := make([]raft.PeerID, len(ports))
	for i, p := range ports {
		peers[i] = raft.PeerID{Host: "h", Port: p}
	}
	return raft.NewConfiguration(peers, nil)
}

func TestManagerGetReturnsLatestAtOrBefore(t *testing.T) {
	m := New()
	m.Add(Entry{ID: raft.LogID{Index: 1, Term: 1}, Conf: conf(1, 2, 3)})
	m.Add(Entry{ID: raft.LogID{Index: 5, Term: 1}, Conf: conf(1, 2, 3, 4)})

	if _, ok := m.Get(0); ok {
		t.Errorf("expected no configuration before any entry")
	}
	e, ok := m.Get(3)
	if !ok || e.ID.Index != 1 {
		t.Errorf("Get(3) = %+v, %v; want index 1", e, ok)
	}
	e, ok = m.Get(10)
	if !ok || e.ID.Index != 5 {
		t.Errorf("Get(10) = %+v, %v; want index 5", e, ok)
	}
}

func TestManagerLastConfiguration(t *testing.T) {
	m := New()
	if _, ok := m.LastConfiguration(); ok {
		t.Errorf("expected no last configuration on an empty manager")
	}
	m.Add(Entry{ID: raft.LogID{Index: 1, Term: 1}, Conf: conf(1)})
	m.Add(Entry{ID: raft.LogID{Index: 2, Term: 1}, Conf: conf(1, 2)})

	last, ok := m.LastConfiguration()
	if !ok || last.ID.Index != 2 {
		t.Errorf("LastConfiguration = %+v, %v; want index 2", last, ok)
	}
}

func TestManagerTruncatePrefixKeepsBoundaryEntry(t *testing.T) {
	m := New()
	m.Add(Entry{ID: raft.LogID{Index: 1, Term: 1}, Conf: conf(1)})
	m.Add(Entry{ID: raft.LogID{Index: 5, Term: 1}, Conf: conf(1, 2)})
	m.Add(Entry{ID: raft.LogID{Index: 9, Term: 1}, Conf: conf(1, 2, 3)})

	m.TruncatePrefix(6)
	if m.Len() != 2 {
		t.Fatalf("expected 2 entries retained, got %d", m.Len())
	}
	e, ok := m.Get(7)
	if !ok || e.ID.Index != 5 {
		t.Errorf("Get(7) after truncate = %+v, %v; want index 5", e, ok)
	}
}

func TestManagerTruncateSuffix(t *testing.T) {
	m := New()
	m.Add(Entry{ID: raft.LogID{Index: 1, Term: 1}, Conf: conf(1)})
	m.Add(Entry{ID: raft.LogID{Index: 5, Term: 1}, Conf: conf(1, 2)})
	m.Add(Entry{ID: raft.LogID{Index: 9, Term: 1}, Conf: conf(1, 2, 3)})

	m.TruncateSuffix(6)
	if m.Len() != 2 {
		t.Fatalf("expected 2 entries retained, got %d", m.Len())
	}
	if last, _ := m.LastConfiguration(); last.ID.Index != 5 {
		t.Errorf("expected last configuration index 5 after truncate, got %d", last.ID.Index)
	}
}

func TestEntryIsJoint(t *testing.T) {
	e := Entry{Conf: conf(1, 2), OldConf: conf(1)}
	if !e.IsJoint() {
		t.Errorf("expected entry with non-empty OldConf to be joint")
	}
	plain := Entry{Conf: conf(1, 2)}
	if plain.IsJoint() {
		t.Errorf("expected entry with empty OldConf to not be joint")
	}
}
