// Package fsmcaller serializes the application of committed log entries to
// the user state machine on a single conceptual applier, mirroring the
// disruptor-style single-consumer applier the design calls for.
package fsmcaller

import (
	"sync"
	"sync/atomic"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/nimbusdb/raft/lib/raft"
)

var log = logger.GetLogger("fsmcaller")

// StateMachine is the user-supplied application hook. OnApply is called
// once per committed entry, in index order, on the applier's single
// goroutine; a non-nil error puts the caller into the error state.
type StateMachine interface {
	OnApply(entry *raft.LogEntry) error
	// OnConfigurationCommitted is called after a CONFIGURATION entry has
	// been applied, so the state machine can track membership if it cares
	// to; most implementations can leave this a no-op.
	OnConfigurationCommitted(conf raft.Configuration)
	// OnError is called once, the first time OnApply returns an error,
	// with the classified cause. No further OnApply calls follow.
	OnError(err *raft.Error)
}

// EntryReader is the subset of LogStorage the applier needs to resolve a
// committed index into its entry.
type EntryReader interface {
	GetEntry(index uint64) (*raft.LogEntry, error)
}

// SnapshotStateMachine is implemented by a StateMachine that also supports
// the periodic snapshot cycle described in the design notes: Save is run
// on the applier goroutine so it observes a consistent view up to whatever
// lastAppliedIndex was at the moment it runs, and Restore replaces the
// state machine's entire state with a previously saved image. A
// StateMachine that doesn't implement this is simply never snapshotted;
// Node then relies on log retention alone.
type SnapshotStateMachine interface {
	StateMachine
	Save() ([]byte, error)
	Restore(data []byte) error
}

type snapshotOp struct {
	install bool // false = save, true = restore

	// restore-only
	lastIncludedIndex uint64
	data              []byte

	saveDone    func(err *raft.Error, data []byte, lastIncludedIndex uint64)
	installDone func(err *raft.Error)
}

// LastAppliedLogIndexListener is notified after every forward advance of
// lastAppliedIndex. ReadOnlyService registers itself as a listener so it
// can satisfy parked ReadIndex waiters as soon as their index applies.
type LastAppliedLogIndexListener interface {
	OnApplied(appliedIndex uint64)
}

// FSMCaller is the single applier. Call OnCommitted as BallotBox's Waiter;
// it enqueues the new commit index and a background goroutine drains
// committed entries into the state machine in order.
type FSMCaller struct {
	fsm          StateMachine
	entries      EntryReader
	closureQueue *raft.ClosureQueue

	lastAppliedIndex atomic.Uint64

	mu        sync.Mutex
	listeners []LastAppliedLogIndexListener

	errMu sync.RWMutex
	err   *raft.Error

	commits chan uint64
	ops     chan snapshotOp
	done    chan struct{}
	wg      sync.WaitGroup
}

// New builds an FSMCaller. bufferSize bounds how many distinct OnCommitted
// notifications may be outstanding before OnCommitted blocks the caller
// (normally BallotBox, itself called from the replicator); a small buffer
// is enough since consecutive notifications for the same growing range
// coalesce naturally (the applier always drains up to the latest value it
// observes).
func New(fsm StateMachine, entries EntryReader, closureQueue *raft.ClosureQueue, bufferSize int) *FSMCaller {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &FSMCaller{
		fsm:          fsm,
		entries:      entries,
		closureQueue: closureQueue,
		commits:      make(chan uint64, bufferSize),
		ops:          make(chan snapshotOp, 1),
		done:         make(chan struct{}),
	}
}

// Start launches the applier goroutine. Must be called once before the
// first OnCommitted.
func (c *FSMCaller) Start() {
	c.wg.Add(1)
	go c.run()
}

// Shutdown stops the applier goroutine and waits for it to drain.
func (c *FSMCaller) Shutdown() {
	close(c.done)
	c.wg.Wait()
}

// LastAppliedIndex returns the highest index applied to the state machine
// so far.
func (c *FSMCaller) LastAppliedIndex() uint64 {
	return c.lastAppliedIndex.Load()
}

// AddLastAppliedLogIndexListener registers l to be notified after every
// forward advance of the applied index.
func (c *FSMCaller) AddLastAppliedLogIndexListener(l LastAppliedLogIndexListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// ErrorState returns the error that put the applier into its terminal
// error state, or nil if it is healthy.
func (c *FSMCaller) ErrorState() *raft.Error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.err
}

// OnCommitted implements ballotbox.Waiter: it is called (outside any
// BallotBox lock) every time the commit index advances, and schedules the
// applier to catch up to it.
func (c *FSMCaller) OnCommitted(lastCommittedIndex uint64) {
	select {
	case c.commits <- lastCommittedIndex:
	case <-c.done:
	}
}

// Snapshot schedules a state-machine save on the applier goroutine, so it
// runs strictly between two OnApply calls rather than racing one. done is
// invoked with the serialized state and the applied index it reflects, or
// a classified error if the state machine doesn't implement
// SnapshotStateMachine or Save itself failed.
func (c *FSMCaller) Snapshot(done func(err *raft.Error, data []byte, lastIncludedIndex uint64)) {
	select {
	case c.ops <- snapshotOp{install: false, saveDone: done}:
	case <-c.done:
		done(raft.NewError(raft.ErrCodeCanceled, "fsmcaller: shutting down"), nil, 0)
	}
}

// InstallSnapshot schedules a state-machine restore on the applier
// goroutine and, on success, fast-forwards lastAppliedIndex to
// lastIncludedIndex so applyUpTo resumes from there.
func (c *FSMCaller) InstallSnapshot(lastIncludedIndex uint64, data []byte, done func(err *raft.Error)) {
	select {
	case c.ops <- snapshotOp{install: true, lastIncludedIndex: lastIncludedIndex, data: data, installDone: done}:
	case <-c.done:
		done(raft.NewError(raft.ErrCodeCanceled, "fsmcaller: shutting down"))
	}
}

func (c *FSMCaller) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case op := <-c.ops:
			c.runOp(op)
		case target := <-c.commits:
			// Drain the channel for any newer target already queued, so a
			// burst of OnCommitted calls collapses into one apply pass.
			draining := true
			for draining {
				select {
				case next := <-c.commits:
					if next > target {
						target = next
					}
				default:
					draining = false
				}
			}
			c.applyUpTo(target)
		}
	}
}

func (c *FSMCaller) runOp(op snapshotOp) {
	snapFSM, ok := c.fsm.(SnapshotStateMachine)
	if !ok {
		err := raft.NewError(raft.ErrCodeInvalidArgument, "fsmcaller: state machine does not support snapshotting")
		if op.install {
			op.installDone(err)
		} else {
			op.saveDone(err, nil, 0)
		}
		return
	}

	if op.install {
		if err := snapFSM.Restore(op.data); err != nil {
			raftErr := raft.NewErrorf(raft.ErrCodeStorageIO, "fsmcaller: restore snapshot: %v", err)
			c.enterErrorState(raftErr)
			op.installDone(raftErr)
			return
		}
		c.lastAppliedIndex.Store(op.lastIncludedIndex)
		c.notifyListeners(op.lastIncludedIndex)
		op.installDone(nil)
		return
	}

	data, err := snapFSM.Save()
	if err != nil {
		op.saveDone(raft.NewErrorf(raft.ErrCodeStorageIO, "fsmcaller: save snapshot: %v", err), nil, 0)
		return
	}
	op.saveDone(nil, data, c.lastAppliedIndex.Load())
}

func (c *FSMCaller) applyUpTo(committedIndex uint64) {
	if c.ErrorState() != nil {
		return
	}
	last := c.lastAppliedIndex.Load()
	if committedIndex <= last {
		return
	}

	closures, startIndex, _ := c.closureQueue.PopClosureUntil(committedIndex)

	for index := last + 1; index <= committedIndex; index++ {
		entry, err := c.entries.GetEntry(index)
		if err != nil {
			c.enterErrorState(raft.NewErrorf(raft.ErrCodeStorageIO, "fsmcaller: read entry %d: %v", index, err))
			return
		}
		if entry == nil {
			c.enterErrorState(raft.NewErrorf(raft.ErrCodeLogGap, "fsmcaller: missing entry at committed index %d", index))
			return
		}

		var done raft.Closure
		if closures != nil && index >= startIndex {
			if off := index - startIndex; off < uint64(len(closures)) {
				done = closures[off]
			}
		}

		if entry.IsConfiguration() {
			cur, _ := entry.Configuration()
			c.fsm.OnConfigurationCommitted(cur)
		}
		if entry.Type == raft.EntryTypeData {
			if applyErr := c.fsm.OnApply(entry); applyErr != nil {
				raftErr := raft.NewErrorf(raft.ErrCodeSafetyViolation, "fsmcaller: apply index %d: %v", index, applyErr)
				c.enterErrorState(raftErr)
				if done != nil {
					done(raft.StatusFromError(raftErr))
				}
				return
			}
		}

		c.lastAppliedIndex.Store(index)
		if done != nil {
			done(raft.StatusOK)
		}
		c.notifyListeners(index)
	}
}

func (c *FSMCaller) notifyListeners(appliedIndex uint64) {
	c.mu.Lock()
	listeners := c.listeners
	c.mu.Unlock()
	for _, l := range listeners {
		l.OnApplied(appliedIndex)
	}
}

func (c *FSMCaller) enterErrorState(err *raft.Error) {
	c.errMu.Lock()
	alreadySet := c.err != nil
	if !alreadySet {
		c.err = err
	}
	c.errMu.Unlock()
	if !alreadySet {
		log.Errorf("fsmcaller entering error state: %v", err)
		c.fsm.OnError(err)
	}
}
