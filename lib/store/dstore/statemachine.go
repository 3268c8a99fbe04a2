package dstore

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/nimbusdb/raft/lib/db"
	"github.com/nimbusdb/raft/lib/raft"
	"github.com/nimbusdb/raft/lib/store"
	"github.com/nimbusdb/raft/lib/store/dstore/internal"
)

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// KVStateMachine is a fsmcaller.StateMachine/fsmcaller.SnapshotStateMachine
// implementation backed by a db.KVDB. OnApply is invoked once per
// committed raft.LogEntry, in index order, on FSMCaller's single applier
// goroutine, so no further synchronization is needed around database
// writes. Lookup-style reads bypass the applier entirely and are served
// directly off the database by storeImpl, after a ReadIndex round
// confirms a safe-to-read commit point.
type KVStateMachine struct {
	database db.KVDB // the actual dataStorage
}

// NewKVStateMachine wraps database in a state machine suitable for
// passing to node.New as its fsmcaller.StateMachine.
func NewKVStateMachine(database db.KVDB) *KVStateMachine {
	return &KVStateMachine{database: database}
}

// Get handles read-only lookups directly against the underlying database.
func (fsm *KVStateMachine) Get(key string) ([]byte, bool, error) {
	if !fsm.database.SupportsFeature(db.FeatureGet) {
		return nil, false, store.NewError(store.RetCUnsupportedOperation, "Get operation is not supported")
	}
	val, ok := fsm.database.Get(key)
	return val, ok, nil
}

// Has handles read-only existence checks directly against the underlying
// database.
func (fsm *KVStateMachine) Has(key string) (bool, error) {
	if !fsm.database.SupportsFeature(db.FeatureHas) {
		return false, store.NewError(store.RetCUnsupportedOperation, "Has operation is not supported")
	}
	return fsm.database.Has(key), nil
}

// GetDBInfo returns metadata about the underlying database.
func (fsm *KVStateMachine) GetDBInfo() (db.DatabaseInfo, error) {
	return fsm.database.GetInfo(), nil
}

// OnApply handles write commands encoded by storeImpl.write, applying
// each to the KVDB instance. Non-DATA entries (NO_OP, CONFIGURATION) are
// ignored; the membership side of CONFIGURATION entries is handled by
// OnConfigurationCommitted instead.
func (fsm *KVStateMachine) OnApply(e *raft.LogEntry) error {
	if e.Type != raft.EntryTypeData {
		return nil
	}
	if len(e.Data) == 0 {
		return nil
	}

	start := time.Now()

	cmd := internal.Command{}
	if err := cmd.Deserialize(e.Data); err != nil {
		return fmt.Errorf("dstore: deserialize command at index %d: %w", e.ID.Index, err)
	}

	feat, err := cmd.Type.ToDBFeature()
	if err != nil {
		return fmt.Errorf("dstore: unknown command type %s: %w", cmd.Type, err)
	}
	if !fsm.database.SupportsFeature(feat) {
		return fmt.Errorf("dstore: %s operation is not supported by the underlying database", cmd.Type)
	}

	switch cmd.Type {
	case internal.CommandTSet:
		fsm.database.Set(cmd.Key, cmd.Value, e.ID.Index)
	case internal.CommandTSetE:
		fsm.database.SetE(cmd.Key, cmd.Value, e.ID.Index, cmd.ExpireIn, cmd.DeleteIn)
	case internal.CommandTSetIfUnset:
		fsm.database.SetEIfUnset(cmd.Key, cmd.Value, e.ID.Index, cmd.ExpireIn, cmd.DeleteIn)
	case internal.CommandTExpire:
		fsm.database.Expire(cmd.Key, e.ID.Index)
	case internal.CommandTDelete:
		fsm.database.Delete(cmd.Key, e.ID.Index)
	default:
		return fmt.Errorf("dstore: unknown command operation: %s", cmd.Type)
	}

	if elapsed := time.Since(start); elapsed > time.Millisecond {
		log.Infof("statemachine took long to apply index %d: %.2fms", e.ID.Index, float64(elapsed)/float64(time.Millisecond))
	}
	return nil
}

// OnConfigurationCommitted implements fsmcaller.StateMachine. The KVDB
// backing store carries no membership state of its own, so this is a
// no-op; Node tracks the active configuration itself.
func (fsm *KVStateMachine) OnConfigurationCommitted(_ raft.Configuration) {}

// OnError implements fsmcaller.StateMachine.
func (fsm *KVStateMachine) OnError(err *raft.Error) {
	log.Errorf("state machine entered error state: %v", err)
}

// Save implements fsmcaller.SnapshotStateMachine by delegating to the
// KVDB's own fuzzy-snapshot Save, run from the applier goroutine so it
// observes a consistent point between two OnApply calls.
func (fsm *KVStateMachine) Save() ([]byte, error) {
	if !fsm.database.SupportsFeature(db.FeatureSave) {
		return nil, fmt.Errorf("the used KVDB implementation does not support Save() operations")
	}
	r, w := io.Pipe()
	errCh := make(chan error, 1)
	go func() {
		errCh <- fsm.database.Save(w)
		w.Close()
	}()
	data, readErr := io.ReadAll(r)
	if err := <-errCh; err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, readErr
	}
	return data, nil
}

// Restore implements fsmcaller.SnapshotStateMachine by delegating to the
// KVDB's own Load.
func (fsm *KVStateMachine) Restore(data []byte) error {
	if !fsm.database.SupportsFeature(db.FeatureLoad) {
		return fmt.Errorf("the used KVDB implementation does not support Load() operations")
	}
	return fsm.database.Load(bytes.NewReader(data))
}

// Close releases the underlying database.
func (fsm *KVStateMachine) Close() error {
	return fsm.database.Close()
}
