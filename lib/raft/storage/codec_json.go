package storage

import (
	"encoding/json"

	"github.com/nimbusdb/raft/lib/raft"
)

// jsonCodec is the teaching/debugging codec: human-readable, slower than
// the binary codec below. Mirrors rpc/serializer's JSON implementation in
// spirit (struct tags round-tripped through encoding/json).
type jsonCodec struct{}

// NewJSONCodec returns a LogEntryCodec backed by encoding/json.
func NewJSONCodec() LogEntryCodec {
	return jsonCodec{}
}

func (jsonCodec) Name() string { return "json" }

type jsonLogEntry struct {
	Index       uint64       `json:"index"`
	Term        uint64       `json:"term"`
	Type        raft.EntryType `json:"type"`
	Data        []byte       `json:"data,omitempty"`
	Peers       []string     `json:"peers,omitempty"`
	Learners    []string     `json:"learners,omitempty"`
	OldPeers    []string     `json:"old_peers,omitempty"`
	OldLearners []string     `json:"old_learners,omitempty"`
	Checksum    uint64       `json:"checksum,omitempty"`
}

func toPeerStrings(peers []raft.PeerID) []string {
	if len(peers) == 0 {
		return nil
	}
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = p.String()
	}
	return out
}

func fromPeerStrings(ss []string) ([]raft.PeerID, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	out := make([]raft.PeerID, len(ss))
	for i, s := range ss {
		p, err := raft.ParsePeerID(s)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

func (jsonCodec) Encode(e *raft.LogEntry) ([]byte, error) {
	j := jsonLogEntry{
		Index:       e.ID.Index,
		Term:        e.ID.Term,
		Type:        e.Type,
		Data:        e.Data,
		Peers:       toPeerStrings(e.Peers),
		Learners:    toPeerStrings(e.Learners),
		OldPeers:    toPeerStrings(e.OldPeers),
		OldLearners: toPeerStrings(e.OldLearners),
		Checksum:    e.Checksum,
	}
	return json.Marshal(j)
}

func (jsonCodec) Decode(b []byte) (*raft.LogEntry, error) {
	var j jsonLogEntry
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, err
	}
	peers, err := fromPeerStrings(j.Peers)
	if err != nil {
		return nil, err
	}
	learners, err := fromPeerStrings(j.Learners)
	if err != nil {
		return nil, err
	}
	oldPeers, err := fromPeerStrings(j.OldPeers)
	if err != nil {
		return nil, err
	}
	oldLearners, err := fromPeerStrings(j.OldLearners)
	if err != nil {
		return nil, err
	}
	return &raft.LogEntry{
		ID:          raft.LogID{Index: j.Index, Term: j.Term},
		Type:        j.Type,
		Data:        j.Data,
		Peers:       peers,
		Learners:    learners,
		OldPeers:    oldPeers,
		OldLearners: oldLearners,
		Checksum:    j.Checksum,
	}, nil
}
