// Package examplefsm is a minimal fsmcaller.StateMachine implementation
// used to exercise a Node end-to-end: an in-memory key-value map that
// applies Set/Delete commands and supports save/restore snapshotting. It
// is not meant for production use (see lib/store/dstore for the real,
// db.KVDB-backed state machine); it exists so tests can spin up a Node
// without pulling in a storage engine.
package examplefsm

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/nimbusdb/raft/lib/raft"
)

// CommandType tags the operation carried by a Command.
type CommandType uint8

const (
	CommandTSet CommandType = iota
	CommandTDelete
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTSet:
		return "Set"
	case CommandTDelete:
		return "Delete"
	default:
		return fmt.Sprintf("Unknown(%d)", ct)
	}
}

// Command is the payload a caller puts in a raft.Task.Data and the FSM
// decodes back out of a committed raft.LogEntry.Data.
type Command struct {
	Type  CommandType
	Key   string
	Value []byte
}

// Encode serializes a Command with a fixed-layout binary framing: 1 byte
// type, 4 byte big-endian key length, key bytes, then any remaining bytes
// as the value. This is lib/store/dstore/internal.Command's layout without
// its two 8-byte ExpireIn/DeleteIn fields, so the two are not
// interchangeable.
func (c Command) Encode() []byte {
	buf := make([]byte, 0, 1+4+len(c.Key)+len(c.Value))
	buf = append(buf, byte(c.Type))
	var keyLen [4]byte
	binary.BigEndian.PutUint32(keyLen[:], uint32(len(c.Key)))
	buf = append(buf, keyLen[:]...)
	buf = append(buf, c.Key...)
	buf = append(buf, c.Value...)
	return buf
}

// DecodeCommand parses the wire format Encode produces.
func DecodeCommand(data []byte) (Command, error) {
	if len(data) < 5 {
		return Command{}, fmt.Errorf("examplefsm: command too short (%d bytes)", len(data))
	}
	typ := CommandType(data[0])
	keyLen := binary.BigEndian.Uint32(data[1:5])
	if uint32(len(data)-5) < keyLen {
		return Command{}, fmt.Errorf("examplefsm: truncated command")
	}
	key := string(data[5 : 5+keyLen])
	value := data[5+keyLen:]
	return Command{Type: typ, Key: key, Value: value}, nil
}

// KVStateMachine is a thread-safe in-memory key-value map applied from
// committed raft.LogEntry values on FSMCaller's single applier goroutine.
// Reads (Get) may run concurrently from any goroutine, e.g. in response to
// a confirmed ReadIndex.
type KVStateMachine struct {
	mu       sync.RWMutex
	data     map[string][]byte
	lastConf raft.Configuration

	appliedMu sync.Mutex
	applied   uint64

	errMu sync.Mutex
	err   *raft.Error
}

// New creates an empty KVStateMachine.
func New() *KVStateMachine {
	return &KVStateMachine{data: make(map[string][]byte)}
}

// Get returns the value for key and whether it was present.
func (fsm *KVStateMachine) Get(key string) ([]byte, bool) {
	fsm.mu.RLock()
	defer fsm.mu.RUnlock()
	v, ok := fsm.data[key]
	return v, ok
}

// Len returns the number of keys currently stored.
func (fsm *KVStateMachine) Len() int {
	fsm.mu.RLock()
	defer fsm.mu.RUnlock()
	return len(fsm.data)
}

// AppliedIndex returns the index of the last entry OnApply processed.
func (fsm *KVStateMachine) AppliedIndex() uint64 {
	fsm.appliedMu.Lock()
	defer fsm.appliedMu.Unlock()
	return fsm.applied
}

// OnApply implements fsmcaller.StateMachine. NoOp entries are ignored;
// Data entries are decoded as Command and applied to the map.
func (fsm *KVStateMachine) OnApply(entry *raft.LogEntry) error {
	defer func() {
		fsm.appliedMu.Lock()
		fsm.applied = entry.ID.Index
		fsm.appliedMu.Unlock()
	}()

	if entry.Type != raft.EntryTypeData {
		return nil
	}
	cmd, err := DecodeCommand(entry.Data)
	if err != nil {
		return err
	}

	fsm.mu.Lock()
	defer fsm.mu.Unlock()
	switch cmd.Type {
	case CommandTSet:
		fsm.data[cmd.Key] = cmd.Value
	case CommandTDelete:
		delete(fsm.data, cmd.Key)
	default:
		return fmt.Errorf("examplefsm: unknown command type %d", cmd.Type)
	}
	return nil
}

// OnConfigurationCommitted implements fsmcaller.StateMachine.
func (fsm *KVStateMachine) OnConfigurationCommitted(conf raft.Configuration) {
	fsm.mu.Lock()
	defer fsm.mu.Unlock()
	fsm.lastConf = conf
}

// OnError implements fsmcaller.StateMachine.
func (fsm *KVStateMachine) OnError(err *raft.Error) {
	fsm.errMu.Lock()
	defer fsm.errMu.Unlock()
	fsm.err = err
}

// Err returns the error that put the state machine into the error state,
// or nil if it never entered one.
func (fsm *KVStateMachine) Err() *raft.Error {
	fsm.errMu.Lock()
	defer fsm.errMu.Unlock()
	return fsm.err
}

// snapshotImage is the gob-encoded payload Save/Restore exchange.
type snapshotImage struct {
	Data map[string][]byte
}

// Save implements fsmcaller.SnapshotStateMachine by gob-encoding the
// entire map. Called from the applier goroutine, so it never races OnApply.
func (fsm *KVStateMachine) Save() ([]byte, error) {
	fsm.mu.RLock()
	img := snapshotImage{Data: make(map[string][]byte, len(fsm.data))}
	for k, v := range fsm.data {
		img.Data[k] = v
	}
	fsm.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Restore implements fsmcaller.SnapshotStateMachine by replacing the
// entire map with the decoded image.
func (fsm *KVStateMachine) Restore(data []byte) error {
	var img snapshotImage
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&img); err != nil {
		return err
	}
	fsm.mu.Lock()
	fsm.data = img.Data
	if fsm.data == nil {
		fsm.data = make(map[string][]byte)
	}
	fsm.mu.Unlock()
	return nil
}
