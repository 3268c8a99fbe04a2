package storage

import "github.com/nimbusdb/raft/lib/raft"

// LogEntryCodec is the codec boundary described in the design: LogStorage
// never interprets entry bytes itself except through this pair. Version
// negotiation (e.g. a leading format byte) is the codec's responsibility.
type LogEntryCodec interface {
	Encode(e *raft.LogEntry) ([]byte, error)
	Decode(b []byte) (*raft.LogEntry, error)
	Name() string
}
