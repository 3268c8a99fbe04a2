package storage

import (
	"bytes"
	"encoding/gob"

	"github.com/nimbusdb/raft/lib/raft"
)

// gobCodec mirrors rpc/serializer's gob implementation: convenient for
// tooling and tests, not used as the default on-disk format because it
// ties entries to Go's gob wire format.
type gobCodec struct{}

// NewGobCodec returns a LogEntryCodec backed by encoding/gob.
func NewGobCodec() LogEntryCodec {
	return gobCodec{}
}

func (gobCodec) Name() string { return "gob" }

type gobLogEntry struct {
	ID          raft.LogID
	Type        raft.EntryType
	Data        []byte
	Peers       []raft.PeerID
	Learners    []raft.PeerID
	OldPeers    []raft.PeerID
	OldLearners []raft.PeerID
	Checksum    uint64
}

func (gobCodec) Encode(e *raft.LogEntry) ([]byte, error) {
	var buf bytes.Buffer
	g := gobLogEntry{
		ID: e.ID, Type: e.Type, Data: e.Data,
		Peers: e.Peers, Learners: e.Learners,
		OldPeers: e.OldPeers, OldLearners: e.OldLearners,
		Checksum: e.Checksum,
	}
	if err := gob.NewEncoder(&buf).Encode(&g); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Decode(b []byte) (*raft.LogEntry, error) {
	var g gobLogEntry
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&g); err != nil {
		return nil, err
	}
	return &raft.LogEntry{
		ID: g.ID, Type: g.Type, Data: g.Data,
		Peers: g.Peers, Learners: g.Learners,
		OldPeers: g.OldPeers, OldLearners: g.OldLearners,
		Checksum: g.Checksum,
	}, nil
}
