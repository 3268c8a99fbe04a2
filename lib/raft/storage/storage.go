package storage

import (
	"context"

	"github.com/nimbusdb/raft/lib/raft"
)

// LogStorage is the durable log contract. Implementations own two logical
// column families sharing a single write-ahead log: "default" for log
// entries keyed by their 8-byte big-endian index, and "conf" for the
// configuration-entry shadow stream plus the storage's own metadata
// (first-log-index, in particular). A LogStorage never interprets entry
// payloads; it delegates to a LogEntryCodec.
type LogStorage interface {
	// Init opens (or creates) the storage at its configured path and
	// returns the last configuration entry known to exist, if any, so
	// callers can seed their in-memory configuration history without a
	// second pass over the log.
	Init(ctx context.Context) (lastConf *raft.LogEntry, err error)

	// FirstLogIndex returns the smallest index retained in storage, or 0
	// if the log is empty.
	FirstLogIndex() uint64

	// LastLogIndex returns the greatest index retained in storage, or 0
	// if the log is empty.
	LastLogIndex() uint64

	// GetTerm returns the term of the entry at index, or 0 if no such
	// entry exists.
	GetTerm(index uint64) uint64

	// GetEntry returns the entry at index, or nil if no such entry
	// exists (including indices below FirstLogIndex).
	GetEntry(index uint64) (*raft.LogEntry, error)

	// AppendEntry appends a single entry. Callers needing to append a
	// batch should prefer AppendEntries: it amortizes the fsync cost of
	// a single batched write.
	AppendEntry(e *raft.LogEntry) error

	// AppendEntries appends a batch of entries in one batched, synced
	// write. Entries must be contiguous and in increasing index order.
	AppendEntries(entries []*raft.LogEntry) error

	// TruncatePrefix deletes every entry with index < firstIndexKept.
	// Used after a snapshot advances the point below which the log is
	// no longer needed for recovery.
	TruncatePrefix(firstIndexKept uint64) error

	// TruncateSuffix deletes every entry with index > lastIndexKept.
	// Used when a follower's log diverges from the new leader's and the
	// divergent suffix must be discarded before replication resumes.
	TruncateSuffix(lastIndexKept uint64) error

	// Reset destroys all log content and rewrites a synthetic anchor
	// entry at nextLogIndex-1, used when installing a snapshot whose
	// last-included index is ahead of anything locally stored.
	Reset(nextLogIndex uint64) error

	// Close releases the underlying engine handle.
	Close() error
}
