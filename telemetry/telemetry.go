// Package telemetry defines the metrics surface package runtime drives
// (spec §4.10 "Metrics"): counters for messages/bytes/merges/comparisons/
// round-trips/phase timings, plus the four named invariant monitors
// (snapshot_blocked, verification_failure, buffer_drop, lww_fallback). A
// Sink is optional everywhere it is threaded through — NoopSink elides
// every call, and callers are expected to pass it rather than a nil
// interface. Grounded on cuemby-warren/pkg/metrics (prometheus.NewCounterVec
// plus a Timer helper), restructured behind an interface so package runtime
// need not import client_golang directly and a production Sink is free to
// batch, sample, or ship elsewhere.
package telemetry

import "time"

// Phase names the pairwise sync stages a Sink's ObservePhase call times
// (spec §4.7's state machine: handshake, snapshot transfer, delta batch
// transfer, hash comparison, finalize).
type Phase string

const (
	PhaseHandshake   Phase = "handshake"
	PhaseSnapshot    Phase = "snapshot"
	PhaseDeltaSync   Phase = "delta_sync"
	PhaseHashCompare Phase = "hash_compare"
	PhaseFinalize    Phase = "finalize"
)

// Sink receives every counted event the runtime and its collaborators
// produce. Implementations must be safe for concurrent use: the runtime's
// event loop, the sync scheduler's goroutines, and gossip's stream handlers
// all call into the same Sink concurrently.
type Sink interface {
	// MessageSent/MessageReceived count gossip and pairwise wire traffic by
	// kind (e.g. "state_delta", "hash_heartbeat", "snapshot_chunk") and size.
	MessageSent(kind string, bytes int)
	MessageReceived(kind string, bytes int)

	// MergeApplied counts one CRDT merge dispatch by type.
	MergeApplied(crdtType string)

	// HashComparisonRun counts one HashComparison round and whether it found
	// a divergent leaf.
	HashComparisonRun(foundDivergence bool)

	// RoundTripCompleted counts one finished pairwise session by the mode it
	// ran and records its wall-clock duration.
	RoundTripCompleted(mode string, d time.Duration)

	// ObservePhase records how long one phase of a pairwise session took.
	ObservePhase(phase Phase, d time.Duration)

	// SnapshotBlocked fires on an I5 refusal: a responder holding more than
	// one applied delta declined a Snapshot request.
	SnapshotBlocked()
	// VerificationFailure fires when a received snapshot or HashComparison
	// leaf fails hash verification.
	VerificationFailure()
	// BufferDrop fires when dag.Graph.CleanupStale evicts pending deltas
	// whose missing parents never arrived within pending_max_age_ms.
	BufferDrop(n int)
	// LWWFallback fires when crdt/merge.Registry falls back to whole-blob
	// last-write-wins because a CRDTType has no typed merge behavior.
	LWWFallback(crdtType string)
}

// NoopSink implements Sink with no observable effect, the default when a
// caller does not want metrics (spec §4.10: "a no-op sink elides all
// calls").
type NoopSink struct{}

var _ Sink = NoopSink{}

func (NoopSink) MessageSent(string, int)                  {}
func (NoopSink) MessageReceived(string, int)              {}
func (NoopSink) MergeApplied(string)                      {}
func (NoopSink) HashComparisonRun(bool)                   {}
func (NoopSink) RoundTripCompleted(string, time.Duration) {}
func (NoopSink) ObservePhase(Phase, time.Duration)        {}
func (NoopSink) SnapshotBlocked()                         {}
func (NoopSink) VerificationFailure()                     {}
func (NoopSink) BufferDrop(int)                           {}
func (NoopSink) LWWFallback(string)                       {}

// Timer mirrors cuemby-warren/pkg/metrics.Timer: a small start-time capture
// callers use to time a phase or round trip before reporting it to a Sink.
type Timer struct{ start time.Time }

// NewTimer starts a Timer.
func NewTimer() Timer { return Timer{start: time.Now()} }

// Elapsed returns the time since the Timer started.
func (t Timer) Elapsed() time.Duration { return time.Since(t.start) }
