package dstore

import (
	"context"
	"time"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/nimbusdb/raft/lib/db"
	"github.com/nimbusdb/raft/lib/raft"
	"github.com/nimbusdb/raft/lib/raft/node"
	"github.com/nimbusdb/raft/lib/store"
	"github.com/nimbusdb/raft/lib/store/dstore/internal"
)

var log = logger.GetLogger("store")

// storeImpl is the concrete implementation of the IStore interface backed
// by a replication group. It encapsulates a *node.Node which is used to
// replicate writes and to establish a safe-to-read point for queries; the
// actual query is then served directly off fsm, the same KVStateMachine
// instance wired into that Node as its fsmcaller.StateMachine.
type storeImpl struct {
	n       *node.Node
	fsm     *KVStateMachine
	timeout time.Duration
}

// NewDistributedStore creates a new distributed store instance which uses
// raft consensus (via n) to ensure strict linearizability across multiple
// nodes. fsm must be the same KVStateMachine instance n was constructed
// with, so reads observe exactly what the replication group has applied.
func NewDistributedStore(n *node.Node, fsm *KVStateMachine, timeout time.Duration) store.IStore {
	return &storeImpl{n: n, fsm: fsm, timeout: timeout}
}

// --------------------------------------------------------------------------
// Internal write and read operations (used by interface methods)
// --------------------------------------------------------------------------

// write serializes cmd and replicates it via Node.Apply, blocking until
// the entry commits and applies (or fails).
func (s *storeImpl) write(cmd internal.Command) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	done := make(chan raft.Status, 1)
	s.n.Apply(raft.Task{
		Data: cmd.Serialize(),
		Done: func(st raft.Status) {
			select {
			case done <- st:
			default:
			}
		},
	})

	select {
	case st := <-done:
		if !st.OK {
			return store.NewError(store.RetCInternalError, st.Err.Error())
		}
		return nil
	case <-ctx.Done():
		return store.NewError(store.RetCInternalError, "timeout")
	}
}

// readIndex confirms a safe-to-read commit point with the leader (or
// fails with ErrCodeNotLeader, redirecting the caller) before letting the
// caller query fsm directly.
func (s *storeImpl) readIndex() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.n.ReadIndex(ctx, []byte("store-read")); err != nil {
		if raftErr, ok := err.(*raft.Error); ok {
			return store.NewError(store.RetCInternalError, raftErr.Error())
		}
		return store.NewError(store.RetCInternalError, err.Error())
	}
	return nil
}

// --------------------------------------------------------------------------
// Interface Methods (docs see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Set(key string, value []byte) error {
	return s.write(internal.Command{
		Type:  internal.CommandTSet,
		Key:   key,
		Value: value,
	})
}

func (s *storeImpl) SetE(key string, value []byte, expireIn, deleteIn uint64) error {
	return s.write(internal.Command{
		Type:     internal.CommandTSetE,
		Key:      key,
		Value:    value,
		ExpireIn: expireIn,
		DeleteIn: deleteIn,
	})
}

func (s *storeImpl) SetEIfUnset(key string, value []byte, expireIn, deleteIn uint64) error {
	return s.write(internal.Command{
		Type:     internal.CommandTSetIfUnset,
		Key:      key,
		Value:    value,
		ExpireIn: expireIn,
		DeleteIn: deleteIn,
	})
}

func (s *storeImpl) Expire(key string) error {
	return s.write(internal.Command{
		Type: internal.CommandTExpire,
		Key:  key,
	})
}

func (s *storeImpl) Delete(key string) error {
	return s.write(internal.Command{
		Type: internal.CommandTDelete,
		Key:  key,
	})
}

func (s *storeImpl) Get(key string) ([]byte, bool, error) {
	if err := s.readIndex(); err != nil {
		return nil, false, err
	}
	return s.fsm.Get(key)
}

func (s *storeImpl) Has(key string) (bool, error) {
	if err := s.readIndex(); err != nil {
		return false, err
	}
	return s.fsm.Has(key)
}

func (s *storeImpl) GetDBInfo() (db.DatabaseInfo, error) {
	// Metadata reads tolerate staleness; skip the ReadIndex round trip.
	return s.fsm.GetDBInfo()
}
