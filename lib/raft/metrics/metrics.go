// Package metrics wires Node's counters and gauges into a
// github.com/VictoriaMetrics/metrics Set, exposed by cmd/serve on the
// usual /metrics Prometheus-text endpoint. Grounded on the teacher's own
// direct dependency on VictoriaMetrics/metrics, which the teacher's
// go.mod carries but never wires into any concrete metric — this package
// gives it a home.
package metrics

import (
	"fmt"
	"io"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// Recorder collects every metric one Node instance reports. Each Node
// owns exactly one Recorder, labeled with its own peer ID so that
// several Nodes sharing a process (as cmd/serve's tests and any embedded
// multi-group deployment do) don't clobber each other's series.
type Recorder struct {
	set *metrics.Set

	readIndexOverloadTotal    *metrics.Counter
	readIndexLagExceededTotal *metrics.Counter
	ballotCommitIndex         *metrics.Gauge
	fsmAppliedIndex           *metrics.Gauge
	logAppendLatencySeconds   *metrics.Histogram

	node string
}

// New creates a Recorder for node, registering its series into a fresh
// metrics.Set. Callers hand the returned Set to WritePrometheus (directly,
// or via metrics.RegisterSet into the process-wide default set) to expose
// it on an HTTP handler.
func New(node string) *Recorder {
	set := metrics.NewSet()
	r := &Recorder{set: set, node: node}

	labels := fmt.Sprintf(`{node=%q}`, node)
	r.readIndexOverloadTotal = set.NewCounter("raft_readindex_overload_total" + labels)
	r.readIndexLagExceededTotal = set.NewCounter("raft_readindex_lag_exceeded_total" + labels)
	r.ballotCommitIndex = set.NewGauge("raft_ballot_commit_index"+labels, nil)
	r.fsmAppliedIndex = set.NewGauge("raft_fsm_applied_index"+labels, nil)
	r.logAppendLatencySeconds = set.NewHistogram("raft_log_append_latency_seconds" + labels)

	return r
}

// Set returns the underlying metrics.Set, for WritePrometheus or
// registration into a parent set.
func (r *Recorder) Set() *metrics.Set { return r.set }

// WritePrometheus renders every series this Recorder owns in Prometheus
// text exposition format.
func (r *Recorder) WritePrometheus(w io.Writer) {
	r.set.WritePrometheus(w)
}

// IncReadIndexOverload implements readonly.OverloadRecorder.
func (r *Recorder) IncReadIndexOverload() {
	r.readIndexOverloadTotal.Inc()
}

// IncReadIndexLagExceeded implements readonly.OverloadRecorder.
func (r *Recorder) IncReadIndexLagExceeded() {
	r.readIndexLagExceededTotal.Inc()
}

// SetCommitIndex records the BallotBox's last committed index.
func (r *Recorder) SetCommitIndex(index uint64) {
	r.ballotCommitIndex.Set(float64(index))
}

// SetAppliedIndex records the FSMCaller's last applied index.
func (r *Recorder) SetAppliedIndex(index uint64) {
	r.fsmAppliedIndex.Set(float64(index))
}

// ObserveLogAppendLatency records how long one LogStorage.AppendEntries
// call took.
func (r *Recorder) ObserveLogAppendLatency(d time.Duration) {
	r.logAppendLatencySeconds.Update(d.Seconds())
}

// ReplicatorGauges tracks the per-peer raft_replicator_next_index gauge,
// created lazily since the peer set changes as membership changes.
type ReplicatorGauges struct {
	r *Recorder
}

// Replicators returns a helper for recording per-peer replicator gauges
// against this Recorder's Set.
func (r *Recorder) Replicators() ReplicatorGauges {
	return ReplicatorGauges{r: r}
}

// SetNextIndex records the next log index a replicator will send peer.
func (g ReplicatorGauges) SetNextIndex(peer string, index uint64) {
	name := fmt.Sprintf("raft_replicator_next_index{node=%q,peer=%q}", g.r.node, peer)
	g.r.set.GetOrCreateGauge(name, nil).Set(float64(index))
}

// SetReplicatorNextIndex is a convenience wrapper around
// Replicators().SetNextIndex, letting Node call it without holding onto
// a separate ReplicatorGauges value.
func (r *Recorder) SetReplicatorNextIndex(peer string, index uint64) {
	r.Replicators().SetNextIndex(peer, index)
}
