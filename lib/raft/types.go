// Package raft contains the data model and orchestration shared by the
// consensus core: log entries, peer/configuration bookkeeping, ballots,
// closures and the error taxonomy. The Node that wires BallotBox,
// FSMCaller, LogStorage, Replicator and ReadOnlyService together lives in
// package node.
package raft

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// EntryType tags the payload carried by a LogEntry.
type EntryType int32

const (
	EntryTypeNoOp EntryType = iota
	EntryTypeData
	EntryTypeConfiguration
)

func (t EntryType) String() string {
	switch t {
	case EntryTypeNoOp:
		return "NO_OP"
	case EntryTypeData:
		return "DATA"
	case EntryTypeConfiguration:
		return "CONFIGURATION"
	default:
		return "UNKNOWN"
	}
}

// LogID identifies a log entry by its position and the term in which it
// was proposed. Ordering is lexicographic on (index, term). The zero value
// (0,0) denotes "none".
type LogID struct {
	Index uint64
	Term  uint64
}

// NoneLogID is the sentinel "no entry yet" identifier.
var NoneLogID = LogID{}

// IsNone reports whether id is the (0,0) sentinel.
func (id LogID) IsNone() bool {
	return id.Index == 0 && id.Term == 0
}

// Less reports whether id sorts before other.
func (id LogID) Less(other LogID) bool {
	if id.Index != other.Index {
		return id.Index < other.Index
	}
	return id.Term < other.Term
}

func (id LogID) String() string {
	return fmt.Sprintf("(index=%d,term=%d)", id.Index, id.Term)
}

// PeerID names one raft role on one network endpoint. Idx disambiguates
// multiple logical roles sharing a host:port (e.g. co-located shards).
type PeerID struct {
	Host     string
	Port     int
	Priority int
	Idx      int
}

func (p PeerID) String() string {
	s := fmt.Sprintf("%s:%d", p.Host, p.Port)
	if p.Priority != 0 || p.Idx != 0 {
		s += ":" + strconv.Itoa(p.Priority)
	}
	if p.Idx != 0 {
		s += ":" + strconv.Itoa(p.Idx)
	}
	return s
}

// Equal reports whether p and o name the same peer role.
func (p PeerID) Equal(o PeerID) bool {
	return p.Host == o.Host && p.Port == o.Port && p.Priority == o.Priority && p.Idx == o.Idx
}

// Endpoint returns the host:port address, without the disambiguating idx.
func (p PeerID) Endpoint() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// ParsePeerID parses a "host:port[:priority[:idx]]" string.
func ParsePeerID(s string) (PeerID, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return PeerID{}, fmt.Errorf("raft: invalid peer id %q", s)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return PeerID{}, fmt.Errorf("raft: invalid peer id %q: %w", s, err)
	}
	p := PeerID{Host: parts[0], Port: port}
	if len(parts) >= 3 {
		if p.Priority, err = strconv.Atoi(parts[2]); err != nil {
			return PeerID{}, fmt.Errorf("raft: invalid peer id %q: %w", s, err)
		}
	}
	if len(parts) >= 4 {
		if p.Idx, err = strconv.Atoi(parts[3]); err != nil {
			return PeerID{}, fmt.Errorf("raft: invalid peer id %q: %w", s, err)
		}
	}
	return p, nil
}

// Configuration is an unordered set of voting peers plus an unordered set
// of non-voting learners.
type Configuration struct {
	Peers    map[PeerID]struct{}
	Learners map[PeerID]struct{}
}

// NewConfiguration builds a Configuration from peer/learner slices.
func NewConfiguration(peers, learners []PeerID) Configuration {
	c := Configuration{Peers: make(map[PeerID]struct{}, len(peers)), Learners: make(map[PeerID]struct{}, len(learners))}
	for _, p := range peers {
		c.Peers[p] = struct{}{}
	}
	for _, l := range learners {
		c.Learners[l] = struct{}{}
	}
	return c
}

// IsEmpty reports whether the configuration has no voting peers.
func (c Configuration) IsEmpty() bool {
	return len(c.Peers) == 0
}

// ListPeers returns the voting peers in a stable, sorted order.
func (c Configuration) ListPeers() []PeerID {
	out := make([]PeerID, 0, len(c.Peers))
	for p := range c.Peers {
		out = append(out, p)
	}
	sortPeers(out)
	return out
}

// ListLearners returns the learners in a stable, sorted order.
func (c Configuration) ListLearners() []PeerID {
	out := make([]PeerID, 0, len(c.Learners))
	for p := range c.Learners {
		out = append(out, p)
	}
	sortPeers(out)
	return out
}

func sortPeers(peers []PeerID) {
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].String() < peers[j].String()
	})
}

// Contains reports whether peer is a voting member.
func (c Configuration) Contains(peer PeerID) bool {
	_, ok := c.Peers[peer]
	return ok
}

// Copy returns a deep copy of c.
func (c Configuration) Copy() Configuration {
	return NewConfiguration(c.ListPeers(), c.ListLearners())
}

// Quorum returns the majority size for this configuration's voting set.
func (c Configuration) Quorum() int {
	return len(c.Peers)/2 + 1
}

// WithPeer returns a copy of c with peer added to the voting set.
func (c Configuration) WithPeer(peer PeerID) Configuration {
	next := c.Copy()
	next.Peers[peer] = struct{}{}
	return next
}

// WithoutPeer returns a copy of c with peer removed from the voting set.
func (c Configuration) WithoutPeer(peer PeerID) Configuration {
	next := c.Copy()
	delete(next.Peers, peer)
	return next
}

// LogEntry is the immutable unit of replication. The index component of ID
// is strictly monotonic and gap-free within one LogStorage instance.
type LogEntry struct {
	ID          LogID
	Type        EntryType
	Data        []byte
	Peers       []PeerID
	Learners    []PeerID
	OldPeers    []PeerID
	OldLearners []PeerID
	Checksum    uint64
}

// IsConfiguration reports whether this entry carries a membership change.
func (e *LogEntry) IsConfiguration() bool {
	return e.Type == EntryTypeConfiguration
}

// Configuration extracts the new/old Configuration pair carried by a
// configuration entry. Callers must check IsConfiguration first.
func (e *LogEntry) Configuration() (cur Configuration, old Configuration) {
	cur = NewConfiguration(e.Peers, e.Learners)
	old = NewConfiguration(e.OldPeers, e.OldLearners)
	return cur, old
}
