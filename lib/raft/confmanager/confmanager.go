// Package confmanager maintains the in-memory history of configuration
// changes observed in the log, replayed from LogStorage's conf column
// family on init and kept current as the leader proposes new entries.
package confmanager

import (
	"sort"
	"sync"

	"github.com/nimbusdb/raft/lib/raft"
)

// Entry pairs a configuration with the log position it became effective
// at, and the old configuration it superseded (non-empty only during a
// joint-consensus transition).
type Entry struct {
	ID      raft.LogID
	Conf    raft.Configuration
	OldConf raft.Configuration
}

// IsJoint reports whether this entry is a joint-consensus transition.
func (e Entry) IsJoint() bool {
	return !e.OldConf.IsEmpty()
}

// Manager is an ordered, index-keyed history of Configuration changes.
type Manager struct {
	mu      sync.RWMutex
	entries []Entry // kept sorted by ID.Index ascending
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{}
}

// Add records a configuration entry. Entries must be added in increasing
// index order (as LogStorage.init replays the conf stream, or as the
// leader proposes new configuration entries).
func (m *Manager) Add(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

// TruncatePrefix drops every entry whose index is below firstIndexKept,
// always keeping the latest entry at or before it so lookups before the
// kept range still resolve to the configuration in effect there.
func (m *Manager) TruncatePrefix(firstIndexKept uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return
	}
	cut := 0
	for cut < len(m.entries)-1 && m.entries[cut+1].ID.Index <= firstIndexKept {
		cut++
	}
	m.entries = m.entries[cut:]
}

// TruncateSuffix drops every entry whose index is above lastIndexKept.
func (m *Manager) TruncateSuffix(lastIndexKept uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].ID.Index > lastIndexKept
	})
	m.entries = m.entries[:idx]
}

// LastConfiguration returns the most recently observed configuration
// entry, or false if none has been observed yet.
func (m *Manager) LastConfiguration() (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return Entry{}, false
	}
	return m.entries[len(m.entries)-1], true
}

// Get returns the configuration entry in effect at index, i.e. the latest
// entry whose ID.Index is <= index.
func (m *Manager) Get(index uint64) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].ID.Index > index
	})
	if idx == 0 {
		return Entry{}, false
	}
	return m.entries[idx-1], true
}

// Len returns the number of tracked configuration entries.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
