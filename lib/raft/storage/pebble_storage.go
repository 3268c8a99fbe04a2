package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/lni/dragonboat/v4/logger"

	"github.com/nimbusdb/raft/lib/raft"
)

var log = logger.GetLogger("logstorage")

// --------------------------------------------------------------------------
// Column-family emulation
// --------------------------------------------------------------------------
//
// Pebble has no native column-family concept, and the design explicitly
// wants the two logical families to share a single write-ahead log, so
// both are kept in one pebble.DB and separated by a one-byte key prefix:
// cfDefault holds log entries keyed by their 8-byte big-endian index,
// cfConf holds the configuration-entry shadow stream (same key encoding)
// plus a handful of metadata keys living in their own sub-namespace.

const (
	cfDefault byte = 0x00
	cfConf    byte = 0x01
)

// metaFirstLogIndexKey is the distinguished key (within the conf family's
// own sub-namespace) that firstIndex is persisted under, so a restart after
// a prefix truncation that empties the default family entirely doesn't fall
// back to misreading firstIndex as zero. putMeta/getMeta add the cfConf
// prefix themselves, so this holds only the suffix.
var metaFirstLogIndexKey = []byte("meta/firstLogIndex")

func defaultKey(index uint64) []byte {
	k := make([]byte, 9)
	k[0] = cfDefault
	binary.BigEndian.PutUint64(k[1:], index)
	return k
}

func confKey(index uint64) []byte {
	k := make([]byte, 9)
	k[0] = cfConf
	binary.BigEndian.PutUint64(k[1:], index)
	return k
}

func decodeIndexKey(k []byte) uint64 {
	return binary.BigEndian.Uint64(k[1:])
}

// --------------------------------------------------------------------------
// pebbleLogStorage
// --------------------------------------------------------------------------

// pebbleLogStorage is the default LogStorage, backed by a single embedded
// pebble.DB. It is safe for concurrent use: reads take the engine's own
// snapshot isolation, writes are serialized by mu to keep firstIndex/
// lastIndex bookkeeping consistent with what actually landed on disk.
type pebbleLogStorage struct {
	mu    sync.RWMutex
	path  string
	codec LogEntryCodec
	db    *pebble.DB

	firstIndex uint64
	lastIndex  uint64
	// termCache avoids a GetEntry round trip for the hot GetTerm(lastIndex)
	// path that BallotBox and the replicator probe on every heartbeat.
	termCache map[uint64]uint64
}

// Options configures a pebbleLogStorage.
type Options struct {
	// Path is the directory the embedded engine will use for its files.
	Path string
	// Codec controls the on-disk entry encoding. Defaults to the binary
	// codec if nil.
	Codec LogEntryCodec
	// Sync is not read by pebbleLogStorage: every write batch is fsynced
	// before it returns, whatever its value, and there is no way to turn
	// that off.
	Sync bool
}

// NewPebbleLogStorage returns a LogStorage backed by an embedded pebble.DB
// at opts.Path.
func NewPebbleLogStorage(opts Options) LogStorage {
	codec := opts.Codec
	if codec == nil {
		codec = NewBinaryCodec()
	}
	return &pebbleLogStorage{
		path:      opts.Path,
		codec:     codec,
		termCache: make(map[uint64]uint64, 4),
	}
}

func (s *pebbleLogStorage) syncOpts() *pebble.WriteOptions {
	return pebble.Sync
}

func (s *pebbleLogStorage) Init(ctx context.Context) (*raft.LogEntry, error) {
	if err := os.MkdirAll(s.path, 0o755); err != nil {
		return nil, fmt.Errorf("raft: create log storage dir: %w", err)
	}
	db, err := pebble.Open(s.path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("raft: open pebble log storage: %w", err)
	}
	s.db = db

	first, last, lastConf, err := s.scanBounds()
	if err != nil {
		db.Close()
		return nil, err
	}

	// scanBounds' first is only a lower bound recovered from whatever
	// default-family keys remain; once a prefix truncation (following a
	// snapshot) has deleted every one of them, the scan can no longer tell
	// firstLogIndex apart from an empty log. The persisted meta key wins
	// whenever it is ahead of the scan; the scan only seeds it the first
	// time a store is opened, before any truncation has happened.
	if persisted, merr := s.getMeta(metaFirstLogIndexKey); merr != nil {
		db.Close()
		return nil, fmt.Errorf("raft: read persisted firstLogIndex: %w", merr)
	} else if persisted != nil {
		if p := binary.BigEndian.Uint64(persisted); p > first {
			first = p
		}
	} else if err := s.putMeta(metaFirstLogIndexKey, encodeUint64(first)); err != nil {
		db.Close()
		return nil, fmt.Errorf("raft: seed persisted firstLogIndex: %w", err)
	}

	s.firstIndex = first
	s.lastIndex = last
	log.Infof("log storage opened at %s, firstIndex=%d lastIndex=%d", s.path, first, last)
	return lastConf, nil
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// scanBounds replays the default and conf families once at startup to
// recover firstIndex/lastIndex and the most recent configuration entry,
// mirroring the recovery pass RocksDBLogStorage performs in its init().
func (s *pebbleLogStorage) scanBounds() (first, last uint64, lastConf *raft.LogEntry, err error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{cfDefault},
		UpperBound: []byte{cfDefault + 1},
	})
	if err != nil {
		return 0, 0, nil, err
	}
	defer iter.Close()

	if iter.First() {
		first = decodeIndexKey(iter.Key())
	}
	if iter.Last() {
		last = decodeIndexKey(iter.Key())
	}

	confIter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{cfConf},
		UpperBound: []byte{cfConf + 1},
	})
	if err != nil {
		return 0, 0, nil, err
	}
	defer confIter.Close()

	for ok := confIter.Last(); ok; ok = confIter.Prev() {
		if len(confIter.Key()) != 9 { // skip the meta namespace keys, which share the prefix but not the shape
			continue
		}
		e, derr := s.codec.Decode(confIter.Value())
		if derr != nil {
			return 0, 0, nil, fmt.Errorf("raft: decode last conf entry: %w", derr)
		}
		lastConf = e
		break
	}
	return first, last, lastConf, nil
}

func (s *pebbleLogStorage) FirstLogIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firstIndex
}

func (s *pebbleLogStorage) LastLogIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndex
}

func (s *pebbleLogStorage) GetTerm(index uint64) uint64 {
	s.mu.RLock()
	if t, ok := s.termCache[index]; ok {
		s.mu.RUnlock()
		return t
	}
	s.mu.RUnlock()

	e, err := s.GetEntry(index)
	if err != nil || e == nil {
		return 0
	}
	return e.ID.Term
}

func (s *pebbleLogStorage) GetEntry(index uint64) (*raft.LogEntry, error) {
	s.mu.RLock()
	if index < s.firstIndex || index > s.lastIndex {
		s.mu.RUnlock()
		return nil, nil
	}
	s.mu.RUnlock()

	v, closer, err := s.db.Get(defaultKey(index))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("raft: get entry %d: %w", index, err)
	}
	defer closer.Close()

	e, err := s.codec.Decode(v)
	if err != nil {
		return nil, fmt.Errorf("raft: decode entry %d: %w", index, err)
	}
	return e, nil
}

func (s *pebbleLogStorage) AppendEntry(e *raft.LogEntry) error {
	return s.AppendEntries([]*raft.LogEntry{e})
}

func (s *pebbleLogStorage) AppendEntries(entries []*raft.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, e := range entries {
		buf, err := s.codec.Encode(e)
		if err != nil {
			return fmt.Errorf("raft: encode entry %d: %w", e.ID.Index, err)
		}
		if err := batch.Set(defaultKey(e.ID.Index), buf, nil); err != nil {
			return err
		}
		if e.IsConfiguration() {
			if err := batch.Set(confKey(e.ID.Index), buf, nil); err != nil {
				return err
			}
		}
	}
	if err := batch.Commit(s.syncOpts()); err != nil {
		return fmt.Errorf("raft: commit append batch: %w", err)
	}

	s.mu.Lock()
	first := entries[0].ID.Index
	last := entries[len(entries)-1].ID.Index
	if s.firstIndex == 0 || first < s.firstIndex {
		s.firstIndex = first
	}
	if last > s.lastIndex {
		s.lastIndex = last
	}
	s.termCache = map[uint64]uint64{last: entries[len(entries)-1].ID.Term}
	s.mu.Unlock()
	return nil
}

func (s *pebbleLogStorage) TruncatePrefix(firstIndexKept uint64) error {
	s.mu.Lock()
	if firstIndexKept <= s.firstIndex {
		s.mu.Unlock()
		return nil
	}
	oldFirst := s.firstIndex
	s.mu.Unlock()

	lo := defaultKey(oldFirst)
	hi := defaultKey(firstIndexKept)
	cloLo := confKey(oldFirst)
	cloHi := confKey(firstIndexKept)

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.DeleteRange(lo, hi, nil); err != nil {
		return fmt.Errorf("raft: truncate prefix default cf: %w", err)
	}
	if err := batch.DeleteRange(cloLo, cloHi, nil); err != nil {
		return fmt.Errorf("raft: truncate prefix conf cf: %w", err)
	}
	metaKey := append([]byte{cfConf}, metaFirstLogIndexKey...)
	if err := batch.Set(metaKey, encodeUint64(firstIndexKept), nil); err != nil {
		return fmt.Errorf("raft: persist firstLogIndex: %w", err)
	}
	if err := batch.Commit(s.syncOpts()); err != nil {
		return fmt.Errorf("raft: commit truncate prefix batch: %w", err)
	}

	s.mu.Lock()
	s.firstIndex = firstIndexKept
	s.mu.Unlock()

	// Unlike RocksDBLogStorage's doCompactByTimes (which counts deletes but
	// leaves compactRange commented out), we actually reclaim the space:
	// prefix truncation runs rarely (once per snapshot), so a synchronous
	// compaction of the vacated range is cheap relative to the snapshot
	// itself and keeps the log from growing unbounded on a busy leader.
	if err := s.db.Compact(lo, hi, false); err != nil {
		log.Warningf("log storage: compact after truncate prefix: %v", err)
	}
	return nil
}

func (s *pebbleLogStorage) TruncateSuffix(lastIndexKept uint64) error {
	s.mu.Lock()
	if lastIndexKept >= s.lastIndex {
		s.mu.Unlock()
		return nil
	}
	oldLast := s.lastIndex
	s.mu.Unlock()

	lo := defaultKey(lastIndexKept + 1)
	hi := defaultKey(oldLast + 1)
	if err := s.db.DeleteRange(lo, hi, s.syncOpts()); err != nil {
		return fmt.Errorf("raft: truncate suffix default cf: %w", err)
	}
	cLo := confKey(lastIndexKept + 1)
	cHi := confKey(oldLast + 1)
	if err := s.db.DeleteRange(cLo, cHi, s.syncOpts()); err != nil {
		return fmt.Errorf("raft: truncate suffix conf cf: %w", err)
	}

	s.mu.Lock()
	s.lastIndex = lastIndexKept
	s.termCache = nil
	s.mu.Unlock()
	return nil
}

// Reset discards all log content and plants a synthetic anchor entry at
// nextLogIndex-1 so GetTerm/GetEntry immediately above the reset point
// behave as if the log had always ended there. Used when a snapshot
// install jumps the node ahead of anything it has logged locally.
func (s *pebbleLogStorage) Reset(nextLogIndex uint64) error {
	if err := s.db.DeleteRange([]byte{cfDefault}, []byte{cfDefault + 1}, s.syncOpts()); err != nil {
		return fmt.Errorf("raft: reset default cf: %w", err)
	}
	if err := s.db.DeleteRange([]byte{cfConf}, []byte{cfConf + 1}, s.syncOpts()); err != nil {
		return fmt.Errorf("raft: reset conf cf: %w", err)
	}

	anchor := &raft.LogEntry{ID: raft.LogID{Index: nextLogIndex - 1, Term: 0}, Type: raft.EntryTypeNoOp}
	buf, err := s.codec.Encode(anchor)
	if err != nil {
		return fmt.Errorf("raft: encode reset anchor: %w", err)
	}
	if err := s.db.Set(defaultKey(anchor.ID.Index), buf, s.syncOpts()); err != nil {
		return fmt.Errorf("raft: write reset anchor: %w", err)
	}
	// The conf-family wipe above also removed the persisted firstLogIndex
	// meta key; replant it for the anchor's new index.
	if err := s.putMeta(metaFirstLogIndexKey, encodeUint64(anchor.ID.Index)); err != nil {
		return fmt.Errorf("raft: persist firstLogIndex after reset: %w", err)
	}

	s.mu.Lock()
	s.firstIndex = anchor.ID.Index
	s.lastIndex = anchor.ID.Index
	s.termCache = map[uint64]uint64{anchor.ID.Index: 0}
	s.mu.Unlock()
	log.Infof("log storage reset, anchored at index %d", anchor.ID.Index)
	return nil
}

func (s *pebbleLogStorage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// putMeta/getMeta are small helpers for metadata that lives in the conf
// family's own sub-namespace, keyed separately from the index-keyed conf
// shadow stream (metaFirstLogIndexKey is the one key currently stored
// this way).
func (s *pebbleLogStorage) putMeta(key, value []byte) error {
	return s.db.Set(append([]byte{cfConf}, key...), value, s.syncOpts())
}

func (s *pebbleLogStorage) getMeta(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(append([]byte{cfConf}, key...))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}
