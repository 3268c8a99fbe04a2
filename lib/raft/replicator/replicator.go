// Package replicator drives one follower's AppendEntries/InstallSnapshot
// stream on the leader's behalf: batching from a per-follower nextIndex
// cursor, backing that cursor off on a log mismatch, falling back to a
// snapshot transfer when the follower has fallen further behind than the
// leader's retained log, and reporting acknowledged ranges to BallotBox.
package replicator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/nimbusdb/raft/lib/raft"
	"github.com/nimbusdb/raft/lib/raft/rpcpb"
)

var log = logger.GetLogger("replicator")

// AppendEntriesSender is the narrow slice of transport.RaftClient a
// Replicator needs; kept as an interface so this package never imports
// transport directly.
type AppendEntriesSender interface {
	AppendEntries(ctx context.Context, endpoint string, req *rpcpb.AppendEntriesRequest, timeout time.Duration) (*rpcpb.AppendEntriesResponse, error)
}

// SnapshotSender is the InstallSnapshot half of the same client.
type SnapshotSender interface {
	InstallSnapshot(ctx context.Context, endpoint string, req *rpcpb.InstallSnapshotRequest, timeout time.Duration) (*rpcpb.InstallSnapshotResponse, error)
}

// LogReader is the slice of storage.LogStorage a Replicator reads from.
type LogReader interface {
	FirstLogIndex() uint64
	LastLogIndex() uint64
	GetTerm(index uint64) uint64
	GetEntry(index uint64) (*raft.LogEntry, error)
}

// CommitNotifier is the slice of ballotbox.BallotBox a Replicator drives.
type CommitNotifier interface {
	CommitAt(firstLogIndex, lastLogIndex uint64, peer raft.PeerID) bool
}

// SnapshotSource supplies the leader's most recent snapshot for transfer
// to a follower that has fallen behind firstLogIndex. Snapshots are sent
// as a single chunk (Done always true); chunked transfer of very large
// snapshots is out of scope here the same way automatic snapshot
// compression policy is out of scope for the whole module.
type SnapshotSource interface {
	LatestSnapshot() (lastIncludedIndex, lastIncludedTerm uint64, conf raft.Configuration, data []byte, ok bool)
}

// Options configures a Replicator.
type Options struct {
	GroupID  string
	LeaderID raft.PeerID
	Peer     raft.PeerID

	// HeartbeatInterval bounds how long the follower goes without a
	// contact from the leader; per the design this is electionTimeoutMs/2.
	HeartbeatInterval time.Duration
	RPCTimeout        time.Duration
	MaxEntriesPerBatch int

	// OnHigherTerm is invoked (off the replicator's own goroutine call
	// site, synchronously) whenever a response reveals a term higher than
	// the leader's; Node uses this to step down.
	OnHigherTerm func(term uint64)
}

// Replicator drives one follower. Callers create one per voting peer
// (and per learner) while acting as leader, and Stop it on step-down or
// membership removal.
type Replicator struct {
	opts     Options
	logs     LogReader
	commit   CommitNotifier
	snaps    SnapshotSource
	sender   AppendEntriesSender
	snapSend SnapshotSender

	term         atomic.Uint64
	nextIndex    atomic.Uint64
	matchIndex   atomic.Uint64
	committedIdx atomic.Uint64

	wake chan struct{}

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopped  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Replicator with the follower's next-index cursor starting
// at nextIndex (typically the leader's lastLogIndex+1 at election time).
func New(opts Options, logs LogReader, commit CommitNotifier, snaps SnapshotSource, sender AppendEntriesSender, snapSend SnapshotSender, term, nextIndex uint64) *Replicator {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 100 * time.Millisecond
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = 500 * time.Millisecond
	}
	if opts.MaxEntriesPerBatch <= 0 {
		opts.MaxEntriesPerBatch = 256
	}
	r := &Replicator{
		opts:     opts,
		logs:     logs,
		commit:   commit,
		snaps:    snaps,
		sender:   sender,
		snapSend: snapSend,
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	r.term.Store(term)
	r.nextIndex.Store(nextIndex)
	return r
}

// Start launches the replication loop.
func (r *Replicator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	r.wg.Add(1)
	go r.run(ctx)
}

// Wake nudges the replicator to attempt replication immediately, e.g.
// right after Node appends new entries, rather than waiting for the next
// heartbeat tick. Non-blocking: a pending wake coalesces additional ones.
func (r *Replicator) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// SetCommittedIndex updates the value sent as CommittedIndex on the next
// AppendEntriesRequest, letting followers advance their own applied index
// without waiting for a separate RPC.
func (r *Replicator) SetCommittedIndex(index uint64) {
	r.committedIdx.Store(index)
}

// NextIndex reports the follower's current next-index cursor.
func (r *Replicator) NextIndex() uint64 { return r.nextIndex.Load() }

// MatchIndex reports the highest index this follower is known to have
// durably stored.
func (r *Replicator) MatchIndex() uint64 { return r.matchIndex.Load() }

// Stop cancels any in-flight RPC and halts the replication loop. Per the
// design's cancellation semantics, a canceled in-flight RPC is treated as
// a failed attempt (logged, cursor left unchanged) rather than retried,
// since the caller stepping down means no further progress on this
// follower matters.
func (r *Replicator) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	cancel := r.cancel
	r.mu.Unlock()

	close(r.stopCh)
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Replicator) run(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-r.wake:
			r.replicateOnce(ctx)
		case <-ticker.C:
			r.replicateOnce(ctx)
		}
	}
}

func (r *Replicator) replicateOnce(ctx context.Context) {
	term := r.term.Load()
	nextIndex := r.nextIndex.Load()
	firstLogIndex := r.logs.FirstLogIndex()

	if nextIndex < firstLogIndex {
		r.installSnapshot(ctx, term)
		return
	}

	lastLogIndex := r.logs.LastLogIndex()
	prevLogIndex := nextIndex - 1
	prevLogTerm := r.logs.GetTerm(prevLogIndex)

	var entries []*raft.LogEntry
	if nextIndex <= lastLogIndex {
		end := nextIndex + uint64(r.opts.MaxEntriesPerBatch) - 1
		if end > lastLogIndex {
			end = lastLogIndex
		}
		for i := nextIndex; i <= end; i++ {
			e, err := r.logs.GetEntry(i)
			if err != nil || e == nil {
				log.Warningf("replicator[%s]: log gap at index %d, stopping batch early", r.opts.Peer, i)
				break
			}
			entries = append(entries, e)
		}
	}

	req := &rpcpb.AppendEntriesRequest{
		GroupID:        r.opts.GroupID,
		ServerID:       r.opts.Peer,
		Term:           term,
		LeaderID:       r.opts.LeaderID,
		PrevLogIndex:   prevLogIndex,
		PrevLogTerm:    prevLogTerm,
		Entries:        entries,
		CommittedIndex: r.committedIdx.Load(),
	}

	resp, err := r.sender.AppendEntries(ctx, r.opts.Peer.Endpoint(), req, r.opts.RPCTimeout)
	if err != nil {
		log.Warningf("replicator[%s]: append entries failed: %v", r.opts.Peer, err)
		return
	}
	r.handleResponse(nextIndex, entries, resp.Term, resp.Success, resp.LastLogIndex)
}

func (r *Replicator) handleResponse(nextIndex uint64, entries []*raft.LogEntry, respTerm uint64, success bool, followerLastLogIndex uint64) {
	if respTerm > r.term.Load() {
		if r.opts.OnHigherTerm != nil {
			r.opts.OnHigherTerm(respTerm)
		}
		return
	}

	if success {
		if len(entries) == 0 {
			return
		}
		last := entries[len(entries)-1].ID.Index
		r.nextIndex.Store(last + 1)
		r.matchIndex.Store(last)
		r.commit.CommitAt(nextIndex, last, r.opts.Peer)
		return
	}

	// Term-back-off: prefer the follower's reported last log index (a
	// single-RPC fast rewind) and fall back to a plain decrement when the
	// follower didn't report anything useful.
	if followerLastLogIndex > 0 && followerLastLogIndex < nextIndex-1 {
		r.nextIndex.Store(followerLastLogIndex + 1)
	} else if nextIndex > 1 {
		r.nextIndex.Store(nextIndex - 1)
	}
}

func (r *Replicator) installSnapshot(ctx context.Context, term uint64) {
	lastIncludedIndex, lastIncludedTerm, conf, data, ok := r.snaps.LatestSnapshot()
	if !ok {
		log.Warningf("replicator[%s]: nextIndex below firstLogIndex but no snapshot is available yet", r.opts.Peer)
		return
	}

	req := &rpcpb.InstallSnapshotRequest{
		GroupID:           r.opts.GroupID,
		ServerID:          r.opts.Peer,
		Term:              term,
		LeaderID:          r.opts.LeaderID,
		LastIncludedIndex: lastIncludedIndex,
		LastIncludedTerm:  lastIncludedTerm,
		Peers:             conf.ListPeers(),
		Learners:          conf.ListLearners(),
		Data:              data,
		Done:              true,
	}

	resp, err := r.snapSend.InstallSnapshot(ctx, r.opts.Peer.Endpoint(), req, r.opts.RPCTimeout)
	if err != nil {
		log.Warningf("replicator[%s]: install snapshot failed: %v", r.opts.Peer, err)
		return
	}
	if resp.Term > r.term.Load() {
		if r.opts.OnHigherTerm != nil {
			r.opts.OnHigherTerm(resp.Term)
		}
		return
	}
	if resp.Success {
		r.nextIndex.Store(lastIncludedIndex + 1)
		r.matchIndex.Store(lastIncludedIndex)
	}
}
