// Package readonly implements the ReadIndex pipeline: a bounded ring
// buffer batches concurrent read requests into one ReadIndexRequest per
// batch, and an ordered pending-notify cache releases waiters as the
// state machine's applied index catches up to the index the leader
// returned for their batch.
package readonly

import (
	"context"
	"sync"
	"time"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/nimbusdb/raft/lib/raft"
	"github.com/nimbusdb/raft/lib/raft/util"
)

var log = logger.GetLogger("readonly")

// InvalidReadIndex is returned to a waiter's closure when no valid commit
// index could be established (the request failed before or during the
// ReadIndex round).
const InvalidReadIndex uint64 = 0

// maxAddRequestRetries bounds AddRequest's spin-then-fail-fast loop.
const maxAddRequestRetries = 3

// ReadIndexClosure is run exactly once per AddRequest call, either by the
// batch handler goroutine (on success or a classified failure) or
// synchronously by AddRequest itself (on immediate overload).
type ReadIndexClosure func(status raft.Status, index uint64, requestContext []byte)

// ReadIndexRequestHandler issues one ReadIndex round for a batch of
// request contexts and returns the commit index the leader observed at
// the moment of the round. Node implements this; returning a non-nil
// error (e.g. not-leader) fails every waiter in the batch.
type ReadIndexRequestHandler func(ctx context.Context, requestContexts [][]byte) (index uint64, err error)

// AppliedIndexSource exposes the state machine's applied index.
// FSMCaller satisfies this directly.
type AppliedIndexSource interface {
	LastAppliedIndex() uint64
}

// OverloadRecorder is notified when AddRequest exhausts its retries. Kept
// as a narrow interface so the metrics package can be wired in without
// this package depending on it.
type OverloadRecorder interface {
	IncReadIndexOverload()
	IncReadIndexLagExceeded()
}

type noopRecorder struct{}

func (noopRecorder) IncReadIndexOverload()    {}
func (noopRecorder) IncReadIndexLagExceeded() {}

// ReadIndexState is one waiter's slot within a batch.
type ReadIndexState struct {
	RequestContext []byte
	Done           ReadIndexClosure
	StartTime      time.Time
	Index          uint64
}

// readIndexStatus is the outcome of one ReadIndexRequest batch: all states
// in it share the same commit index, returned once by the leader.
type readIndexStatus struct {
	States []ReadIndexState
	Index  uint64
}

func (s *readIndexStatus) isApplied(appliedIndex uint64) bool {
	return appliedIndex >= s.Index
}

func (s *readIndexStatus) isOverMaxReadIndexLag(appliedIndex, maxLag uint64) bool {
	return maxLag > 0 && s.Index > appliedIndex+maxLag
}

type readIndexEvent struct {
	requestContext []byte
	done           ReadIndexClosure
	startTime      time.Time
}

// Options configures a Service.
type Options struct {
	// RingBufferSize bounds how many AddRequest calls can be outstanding
	// before the ring is full and the spin-then-fail-fast path kicks in.
	RingBufferSize int
	// ApplyBatch is the maximum number of waiters folded into one
	// ReadIndexRequest.
	ApplyBatch int
	// MaxReadIndexLag fails a ReadIndex fast, rather than parking it,
	// once the gap between it and the applied index exceeds this many
	// entries. 0 disables the check.
	MaxReadIndexLag uint64
	// ScanInterval is how often the pending-notify cache is swept even in
	// the absence of an OnApplied event, matching the design's periodic
	// scanner (bound to electionTimeoutMs in practice).
	ScanInterval time.Duration
	Metrics      OverloadRecorder
}

// Service is the ReadIndex pipeline described above.
type Service struct {
	handler ReadIndexRequestHandler
	applied AppliedIndexSource
	metrics OverloadRecorder

	ring            *util.BoundedRing[*readIndexEvent]
	applyBatch      int
	maxReadIndexLag uint64
	scanInterval    time.Duration

	pending *util.OrderedIndex

	errMu sync.RWMutex
	err   *raft.Error

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Service. handler is typically Node.HandleReadIndexRequest;
// applied is typically the node's FSMCaller.
func New(handler ReadIndexRequestHandler, applied AppliedIndexSource, opts Options) *Service {
	if opts.RingBufferSize <= 0 {
		opts.RingBufferSize = 256
	}
	if opts.ApplyBatch <= 0 {
		opts.ApplyBatch = 32
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = 500 * time.Millisecond
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopRecorder{}
	}
	return &Service{
		handler:         handler,
		applied:         applied,
		metrics:         metrics,
		ring:            util.NewBoundedRing[*readIndexEvent](opts.RingBufferSize),
		applyBatch:      opts.ApplyBatch,
		maxReadIndexLag: opts.MaxReadIndexLag,
		scanInterval:    opts.ScanInterval,
		pending:         util.NewOrderedIndex(),
		stopCh:          make(chan struct{}),
	}
}

// Start launches the batch-consumer and periodic-scanner goroutines.
func (s *Service) Start() {
	s.wg.Add(2)
	go s.consumeLoop()
	go s.scanLoop()
}

// AddRequest enqueues a ReadIndex request. If the ring is full it spins
// for up to maxAddRequestRetries attempts before failing done with a busy
// status, recording an overload metric.
func (s *Service) AddRequest(requestContext []byte, done ReadIndexClosure) {
	select {
	case <-s.stopCh:
		done(raft.StatusFromError(raft.NewError(raft.ErrCodeCanceled, "read-only service stopped")), InvalidReadIndex, requestContext)
		return
	default:
	}

	ev := &readIndexEvent{requestContext: requestContext, done: done, startTime: time.Now()}
	for attempt := 0; ; attempt++ {
		if s.ring.TryPublish(ev) {
			return
		}
		if attempt >= maxAddRequestRetries {
			s.metrics.IncReadIndexOverload()
			log.Warningf("read-only service ring buffer is overloaded, rejecting request")
			done(raft.StatusFromError(raft.NewError(raft.ErrCodeBusy, "node is busy, too many read-only requests")), InvalidReadIndex, requestContext)
			return
		}
	}
}

func (s *Service) consumeLoop() {
	defer s.wg.Done()
	for {
		batch := s.ring.ConsumeBatch(s.applyBatch)
		if batch == nil {
			return
		}
		s.executeBatch(batch)
	}
}

func (s *Service) executeBatch(events []*readIndexEvent) {
	reqCtxs := make([][]byte, len(events))
	states := make([]ReadIndexState, len(events))
	for i, ev := range events {
		reqCtxs[i] = ev.requestContext
		states[i] = ReadIndexState{RequestContext: ev.requestContext, Done: ev.done, StartTime: ev.startTime}
	}

	index, err := s.handler(context.Background(), reqCtxs)
	if err != nil {
		var raftErr *raft.Error
		if re, ok := err.(*raft.Error); ok {
			raftErr = re
		} else {
			raftErr = raft.NewErrorf(raft.ErrCodeTransient, "read index round failed: %v", err)
		}
		s.notifyFail(states, raftErr)
		return
	}

	for i := range states {
		states[i].Index = index
	}
	status := &readIndexStatus{States: states, Index: index}

	appliedIndex := s.applied.LastAppliedIndex()
	if status.isApplied(appliedIndex) {
		s.notifySuccess(status)
		return
	}
	if status.isOverMaxReadIndexLag(appliedIndex, s.maxReadIndexLag) {
		s.metrics.IncReadIndexLagExceeded()
		s.notifyFail(states, raft.NewError(raft.ErrCodeReadIndexLag, "applied index lags too far behind the requested read index"))
		return
	}

	s.pending.Upsert(index, func(existing interface{}) interface{} {
		list, _ := existing.([]*readIndexStatus)
		return append(list, status)
	})
}

// OnApplied implements fsmcaller.LastAppliedLogIndexListener: it sweeps
// every pending status whose index is now covered by appliedIndex.
func (s *Service) OnApplied(appliedIndex uint64) {
	removed := s.pending.RemoveUpTo(appliedIndex)
	for _, v := range removed {
		list, _ := v.([]*readIndexStatus)
		for _, status := range list {
			s.notifySuccess(status)
		}
	}

	if err := s.ErrorState(); err != nil {
		s.resetPendingStatusError(err)
	}
}

// SetError transitions the service into its terminal error state; every
// currently and subsequently parked status is notified with err.
func (s *Service) SetError(err *raft.Error) {
	s.errMu.Lock()
	already := s.err != nil
	if !already {
		s.err = err
	}
	s.errMu.Unlock()
	if !already {
		s.resetPendingStatusError(err)
	}
}

// ErrorState returns the error that transitioned this service into its
// terminal state, or nil if healthy.
func (s *Service) ErrorState() *raft.Error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.err
}

func (s *Service) resetPendingStatusError(err *raft.Error) {
	removed := s.pending.RemoveAll()
	for _, v := range removed {
		list, _ := v.([]*readIndexStatus)
		for _, status := range list {
			s.notifyFail(status.States, err)
		}
	}
}

func (s *Service) scanLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.OnApplied(s.applied.LastAppliedIndex())
		}
	}
}

func (s *Service) notifySuccess(status *readIndexStatus) {
	for _, state := range status.States {
		if state.Done != nil {
			state.Done(raft.StatusOK, status.Index, state.RequestContext)
		}
	}
}

func (s *Service) notifyFail(states []ReadIndexState, err *raft.Error) {
	for _, state := range states {
		if state.Done != nil {
			state.Done(raft.StatusFromError(err), InvalidReadIndex, state.RequestContext)
		}
	}
}

// Shutdown stops accepting new requests, flushes the ring, fails every
// pending status with a cancellation error, and waits for the consumer
// and scanner goroutines to exit.
func (s *Service) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.ring.Close()
	})
	s.wg.Wait()
	s.resetPendingStatusError(raft.NewError(raft.ErrCodeCanceled, "read-only service is shutting down"))
}
