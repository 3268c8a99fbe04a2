// Package node wires LogStorage, BallotBox, FSMCaller, ReadOnlyService and
// a set of per-follower Replicators into the FOLLOWER/CANDIDATE/LEADER
// role state machine described in the design, and exposes the operations
// external layers drive a group through: apply, readIndex, the
// reconfiguration family, snapshot, transferLeadershipTo and friends.
package node

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/nimbusdb/raft/lib/raft"
	"github.com/nimbusdb/raft/lib/raft/ballotbox"
	"github.com/nimbusdb/raft/lib/raft/confmanager"
	"github.com/nimbusdb/raft/lib/raft/fsmcaller"
	"github.com/nimbusdb/raft/lib/raft/readonly"
	"github.com/nimbusdb/raft/lib/raft/replicator"
	"github.com/nimbusdb/raft/lib/raft/rpcpb"
	"github.com/nimbusdb/raft/lib/raft/storage"
	"github.com/nimbusdb/raft/lib/raft/util"
)

var log = logger.GetLogger("node")

// Role is a position in the FOLLOWER/CANDIDATE/LEADER/LEARNER state
// machine described in the design.
type Role int32

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
	RoleLearner
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "FOLLOWER"
	case RoleCandidate:
		return "CANDIDATE"
	case RoleLeader:
		return "LEADER"
	case RoleLearner:
		return "LEARNER"
	default:
		return "UNKNOWN"
	}
}

// RPCSender is every outbound RPC a Node (directly, or through its
// Replicators) issues. transport.RaftClient satisfies this; kept as an
// interface so this package never imports transport, the same
// decoupling transport.RPCHandler and readonly.ReadIndexRequestHandler
// use to avoid a cycle the other way.
type RPCSender interface {
	RequestVote(ctx context.Context, endpoint string, req *rpcpb.RequestVoteRequest, timeout time.Duration) (*rpcpb.RequestVoteResponse, error)
	AppendEntries(ctx context.Context, endpoint string, req *rpcpb.AppendEntriesRequest, timeout time.Duration) (*rpcpb.AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, endpoint string, req *rpcpb.InstallSnapshotRequest, timeout time.Duration) (*rpcpb.InstallSnapshotResponse, error)
	ReadIndex(ctx context.Context, endpoint string, req *rpcpb.ReadIndexRequest, timeout time.Duration) (*rpcpb.ReadIndexResponse, error)
	TimeoutNow(ctx context.Context, endpoint string, req *rpcpb.TimeoutNowRequest, timeout time.Duration) (*rpcpb.TimeoutNowResponse, error)
	Ping(ctx context.Context, endpoint string, req *rpcpb.PingRequest, timeout time.Duration) (rpcpb.ErrorResponse, error)
}

// UserLog is the (index, term, data) triple readCommittedUserLog resolves
// a committed index to.
type UserLog struct {
	Index uint64
	Term  uint64
	Data  []byte
}

// gaugeRecorder is the optional richer half of the metrics parameter New
// accepts: readonly.OverloadRecorder is the minimum every caller must
// supply, but a *metrics.Recorder also satisfies this and lets Node
// report its commit/applied index gauges and append latency without this
// package importing metrics (which would create an import cycle back
// through cmd's wiring). Detected via a type assertion in New.
type gaugeRecorder interface {
	SetCommitIndex(index uint64)
	SetAppliedIndex(index uint64)
	ObserveLogAppendLatency(d time.Duration)
	SetReplicatorNextIndex(peer string, index uint64)
}

// Node is one participant in a replication group.
type Node struct {
	opts Options
	self raft.PeerID

	logs   storage.LogStorage
	sender RPCSender
	fsm    *fsmcaller.FSMCaller
	ballot *ballotbox.BallotBox
	reads  *readonly.Service
	confs  *confmanager.Manager

	closureQueue *raft.ClosureQueue
	applyRing    *util.BoundedRing[*applyItem]

	mu           sync.Mutex
	role         Role
	currentTerm  uint64
	votedFor     *raft.PeerID
	leaderID     *raft.PeerID
	activeConf   raft.Configuration
	// jointOldConf is non-nil while a joint-consensus CONFIGURATION entry
	// is outstanding (proposed but not yet committed): it holds the old
	// side of the transition so drainApplyRing can register dual-quorum
	// ballots for ordinary entries proposed in that window too, not just
	// the configuration entry itself. activeConf stays the old
	// configuration throughout; it only flips to the new one once the
	// joint entry commits.
	jointOldConf *raft.Configuration
	replicators  map[string]*replicator.Replicator
	lastSnapshot *snapshotState
	lastContact  time.Time            // last time a quorum of followers was confirmed reachable
	peerLastSeen map[string]time.Time // last successful AppendEntries ack per peer, leader-only

	electionTimer *time.Timer
	stopCh        chan struct{}
	wg            sync.WaitGroup

	// gauges is nil unless the metrics passed to New also implements
	// gaugeRecorder; every call site nil-checks before using it.
	gauges gaugeRecorder

	// appendMu serializes the read-LastLogIndex/append/AppendPendingTask
	// sequence in drainApplyRing: multiple goroutines may each win a
	// disjoint batch off applyRing concurrently, but assigning log indices
	// and registering ballots for them must happen in one consistent order.
	appendMu sync.Mutex
}

type snapshotState struct {
	lastIncludedIndex uint64
	lastIncludedTerm  uint64
	conf              raft.Configuration
	data              []byte
}

type applyItem struct {
	entry *raft.LogEntry
	done  raft.Closure
}

// fsmAdapter wraps the caller-supplied StateMachine so it always
// structurally satisfies fsmcaller.SnapshotStateMachine: FSMCaller's
// runOp type-asserts against that interface unconditionally, and this
// way the assertion always succeeds, delegating to the user's own
// Save/Restore when it provides them and failing cleanly otherwise
// instead of silently skipping every snapshot cycle.
type fsmAdapter struct {
	user fsmcaller.StateMachine
}

func (a *fsmAdapter) OnApply(entry *raft.LogEntry) error { return a.user.OnApply(entry) }

func (a *fsmAdapter) OnConfigurationCommitted(conf raft.Configuration) {
	a.user.OnConfigurationCommitted(conf)
}

func (a *fsmAdapter) OnError(err *raft.Error) { a.user.OnError(err) }

func (a *fsmAdapter) Save() ([]byte, error) {
	snap, ok := a.user.(interface{ Save() ([]byte, error) })
	if !ok {
		return nil, fmt.Errorf("node: state machine %T does not implement Save", a.user)
	}
	return snap.Save()
}

func (a *fsmAdapter) Restore(data []byte) error {
	snap, ok := a.user.(interface{ Restore([]byte) error })
	if !ok {
		return fmt.Errorf("node: state machine %T does not implement Restore", a.user)
	}
	return snap.Restore(data)
}

// confListener implements fsmcaller.LastAppliedLogIndexListener, reading
// the applied entry back from storage to extract the full configuration
// pair. This is done instead of widening FSMCaller's own
// OnConfigurationCommitted callback (which only carries the new
// Configuration) because Node is the only consumer that needs the old
// side too, for confmanager.Entry.
type confListener struct {
	n *Node
}

func (l *confListener) OnApplied(appliedIndex uint64) {
	if l.n.gauges != nil {
		l.n.gauges.SetAppliedIndex(appliedIndex)
	}
	entry, err := l.n.logs.GetEntry(appliedIndex)
	if err != nil || entry == nil || !entry.IsConfiguration() {
		return
	}
	cur, old := entry.Configuration()
	l.n.confs.Add(confmanager.Entry{ID: entry.ID, Conf: cur, OldConf: old})
}

// New builds a Node. initialConf is the group's starting membership (used
// only when the log is empty; otherwise the replayed configuration wins).
func New(opts Options, self raft.PeerID, initialConf raft.Configuration, logs storage.LogStorage, sender RPCSender, userFSM fsmcaller.StateMachine, metrics readonly.OverloadRecorder) *Node {
	opts = opts.withDefaults()
	n := &Node{
		opts:        opts,
		self:        self,
		logs:        logs,
		sender:      sender,
		confs:       confmanager.New(),
		activeConf:  initialConf,
		replicators:  make(map[string]*replicator.Replicator),
		peerLastSeen: make(map[string]time.Time),
		stopCh:       make(chan struct{}),
	}
	n.closureQueue = raft.NewClosureQueue()
	n.applyRing = util.NewBoundedRing[*applyItem](opts.DisruptorBufferSize)
	if g, ok := metrics.(gaugeRecorder); ok {
		n.gauges = g
	}

	adapter := &fsmAdapter{user: userFSM}
	n.fsm = fsmcaller.New(adapter, logs, n.closureQueue, opts.DisruptorBufferSize)

	bb, err := ballotbox.New(n.fsm, n.closureQueue)
	if err != nil {
		// New only errors on nil arguments, which cannot happen here.
		panic(err)
	}
	n.ballot = bb

	n.reads = readonly.New(n.HandleReadIndexRequest, n.fsm, readonly.Options{
		MaxReadIndexLag: opts.MaxReadIndexLag,
		ScanInterval:    time.Duration(opts.ElectionTimeoutMs) * time.Millisecond,
		Metrics:         metrics,
	})

	n.fsm.AddLastAppliedLogIndexListener(n.reads)
	n.fsm.AddLastAppliedLogIndexListener(&confListener{n: n})

	return n
}

// Start opens storage, replays configuration and launches every
// background loop. Nodes start as followers regardless of any prior term.
func (n *Node) Start(ctx context.Context) error {
	lastConf, err := n.logs.Init(ctx)
	if err != nil {
		return fmt.Errorf("node: init log storage: %w", err)
	}
	if lastConf != nil {
		cur, old := lastConf.Configuration()
		n.confs.Add(confmanager.Entry{ID: lastConf.ID, Conf: cur, OldConf: old})
		n.mu.Lock()
		n.activeConf = cur
		n.mu.Unlock()
	}

	n.fsm.Start()
	n.reads.Start()

	n.mu.Lock()
	n.role = RoleFollower
	n.electionTimer = time.NewTimer(n.randomElectionTimeout())
	n.mu.Unlock()

	n.wg.Add(2)
	go n.electionLoop()
	go n.runSnapshotLoop()

	log.Infof("node %s started in group %s, term=%d", n.self, n.opts.GroupID, n.CurrentTerm())
	return nil
}

// Join blocks until Shutdown has fully drained every background loop.
func (n *Node) Join() {
	n.wg.Wait()
}

// Shutdown stops every background loop, releases replicators and closes
// storage. Safe to call once; a second call is a no-op beyond the second
// Join returning immediately.
func (n *Node) Shutdown() {
	select {
	case <-n.stopCh:
		return
	default:
		close(n.stopCh)
	}

	n.mu.Lock()
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	n.stopReplicatorsLocked()
	n.mu.Unlock()

	n.reads.Shutdown()
	n.fsm.Shutdown()
	if err := n.logs.Close(); err != nil {
		log.Warningf("node %s: close log storage: %v", n.self, err)
	}
}

// Self returns this node's own peer identity.
func (n *Node) Self() raft.PeerID { return n.self }

// Role reports the node's current role.
func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// CurrentTerm reports the node's current term.
func (n *Node) CurrentTerm() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm
}

// LeaderID reports the last known leader, if any.
func (n *Node) LeaderID() (raft.PeerID, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.leaderID == nil {
		return raft.PeerID{}, false
	}
	return *n.leaderID, true
}

func (n *Node) randomElectionTimeout() time.Duration {
	base := n.opts.ElectionTimeoutMs
	jitter := rand.Intn(base)
	return time.Duration(base+jitter) * time.Millisecond
}

func (n *Node) resetElectionTimerLocked() {
	if n.electionTimer == nil {
		return
	}
	if !n.electionTimer.Stop() {
		select {
		case <-n.electionTimer.C:
		default:
		}
	}
	n.electionTimer.Reset(n.randomElectionTimeout())
}

// ResetElectionTimeoutMs updates the base election timeout and immediately
// rearms the timer with a fresh randomized deadline.
func (n *Node) ResetElectionTimeoutMs(ms int) {
	if ms <= 0 {
		return
	}
	n.mu.Lock()
	n.opts.ElectionTimeoutMs = ms
	n.resetElectionTimerLocked()
	n.mu.Unlock()
}

func (n *Node) electionLoop() {
	defer n.wg.Done()
	for {
		n.mu.Lock()
		timer := n.electionTimer
		n.mu.Unlock()
		if timer == nil {
			return
		}
		select {
		case <-n.stopCh:
			return
		case <-timer.C:
			n.mu.Lock()
			role := n.role
			n.resetElectionTimerLocked()
			n.mu.Unlock()
			if role == RoleFollower || role == RoleCandidate {
				n.campaign(false)
			}
		}
	}
}

// stepDownLocked transitions to FOLLOWER for a newly observed term or
// explicit step-down request. Callers must hold n.mu.
func (n *Node) stepDownLocked(term uint64, leader *raft.PeerID) {
	wasLeader := n.role == RoleLeader
	if term > n.currentTerm {
		n.currentTerm = term
		n.votedFor = nil
	}
	n.role = RoleFollower
	n.leaderID = leader
	n.resetElectionTimerLocked()
	if wasLeader {
		n.stopReplicatorsLocked()
		n.ballot.ClearPendingTasks()
		n.failPendingApplyLocked()
		n.jointOldConf = nil
	}
}

// failPendingApplyLocked drains whatever is currently queued on applyRing
// using the non-blocking TryConsumeBatch: this runs with n.mu held (from
// stepDownLocked), and the blocking ConsumeBatch would park forever on an
// empty ring since nothing else can publish or close it while this lock
// is held.
func (n *Node) failPendingApplyLocked() {
	for {
		items := n.applyRing.TryConsumeBatch(n.opts.ApplyBatch)
		if len(items) == 0 {
			return
		}
		for _, item := range items {
			if item.done != nil {
				leaderHint := n.leaderID
				if leaderHint != nil {
					item.done(raft.StatusFromError(raft.NewRedirectError(*leaderHint)))
				} else {
					item.done(raft.StatusFromError(raft.NewError(raft.ErrCodeNotLeader, "no longer leader")))
				}
			}
		}
	}
}

// Apply submits task to the replicated log. task.Done is invoked exactly
// once, either when the entry commits (StatusOK) or when it cannot be
// committed (a classified error, e.g. not-leader).
func (n *Node) Apply(task raft.Task) {
	n.mu.Lock()
	if n.role != RoleLeader {
		leaderHint := n.leaderID
		n.mu.Unlock()
		if task.Done == nil {
			return
		}
		if leaderHint != nil {
			task.Done(raft.StatusFromError(raft.NewRedirectError(*leaderHint)))
		} else {
			task.Done(raft.StatusFromError(raft.NewError(raft.ErrCodeNotLeader, "not currently the leader")))
		}
		return
	}
	n.mu.Unlock()

	entry := &raft.LogEntry{Type: raft.EntryTypeData, Data: task.Data}
	item := &applyItem{entry: entry, done: task.Done}
	if !n.applyRing.TryPublish(item) {
		if task.Done != nil {
			task.Done(raft.StatusFromError(raft.NewError(raft.ErrCodeBusy, "node is busy, apply ring is full")))
		}
		return
	}
	n.drainApplyRing()
}

// proposeEntry is the internal counterpart of Apply for entries the Node
// itself originates (NO_OP anchors, configuration changes) rather than a
// client task.
func (n *Node) proposeEntry(entry *raft.LogEntry, done raft.Closure) {
	item := &applyItem{entry: entry, done: done}
	if !n.applyRing.TryPublish(item) {
		if done != nil {
			done(raft.StatusFromError(raft.NewError(raft.ErrCodeBusy, "node is busy, apply ring is full")))
		}
		return
	}
	n.drainApplyRing()
}

// drainApplyRing runs the batch-append step inline on the calling
// goroutine rather than a dedicated consumer goroutine. Multiple
// goroutines may call Apply/proposeEntry concurrently and each win a
// disjoint batch off applyRing; appendMu serializes the
// read-LastLogIndex/append/AppendPendingTask sequence across those
// batches so log indices are assigned, and ballots registered, in one
// consistent order.
func (n *Node) drainApplyRing() {
	items := n.applyRing.TryConsumeBatch(n.opts.ApplyBatch)
	if len(items) == 0 {
		return
	}

	n.appendMu.Lock()
	defer n.appendMu.Unlock()

	n.mu.Lock()
	if n.role != RoleLeader {
		n.mu.Unlock()
		for _, item := range items {
			if item.done != nil {
				item.done(raft.StatusFromError(raft.NewError(raft.ErrCodeNotLeader, "stepped down mid-batch")))
			}
		}
		return
	}
	term := n.currentTerm
	conf := n.activeConf
	var jointOld *raft.Configuration
	if n.jointOldConf != nil {
		old := *n.jointOldConf
		jointOld = &old
	}
	n.mu.Unlock()

	lastIndex := n.logs.LastLogIndex()
	entries := make([]*raft.LogEntry, len(items))
	for i, item := range items {
		lastIndex++
		item.entry.ID = raft.LogID{Index: lastIndex, Term: term}
		entries[i] = item.entry
	}

	appendStart := time.Now()
	err := n.logs.AppendEntries(entries)
	if n.gauges != nil {
		n.gauges.ObserveLogAppendLatency(time.Since(appendStart))
	}
	if err != nil {
		raftErr := raft.NewErrorf(raft.ErrCodeStorageIO, "node: append entries: %v", err)
		for _, item := range items {
			if item.done != nil {
				item.done(raft.StatusFromError(raftErr))
			}
		}
		return
	}

	for _, item := range items {
		var accepted bool
		if item.entry.IsConfiguration() {
			cur, old := item.entry.Configuration()
			accepted = n.ballot.AppendPendingTask(cur, &old, item.done)
		} else {
			// While a joint reconfiguration is outstanding, every entry —
			// not just the configuration entry itself — needs quorum in
			// both the old and new configurations before it can commit.
			accepted = n.ballot.AppendPendingTask(conf, jointOld, item.done)
		}
		if !accepted && item.done != nil {
			item.done(raft.StatusFromError(raft.NewError(raft.ErrCodeNotLeader, "stepped down before ballot could be registered")))
		}
	}

	// The leader's own durable write counts as its vote in every ballot
	// just registered, mirroring dingo-raft's LeaderStableClosure: without
	// this, quorum can only ever be reached by follower acks, and a
	// majority that includes the leader itself could never commit.
	n.ballot.CommitAt(entries[0].ID.Index, lastIndex, n.self)

	if n.gauges != nil {
		n.gauges.SetCommitIndex(n.ballot.GetLastCommittedIndex())
	}
	n.wakeReplicators()
}
