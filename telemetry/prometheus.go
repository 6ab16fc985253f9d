package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink over github.com/prometheus/client_golang,
// grounded on cuemby-warren/pkg/metrics's CounterVec/HistogramVec layout.
// Each instance registers into its own prometheus.Registry rather than the
// global default, so more than one PrometheusSink (e.g. one per test) can
// coexist without MustRegister panicking on duplicate collectors.
type PrometheusSink struct {
	registry *prometheus.Registry

	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	bytesSent        *prometheus.CounterVec
	bytesReceived    *prometheus.CounterVec
	merges           *prometheus.CounterVec
	comparisons      *prometheus.CounterVec
	roundTrips       *prometheus.CounterVec
	roundTripSeconds *prometheus.HistogramVec
	phaseSeconds     *prometheus.HistogramVec

	snapshotBlocked      prometheus.Counter
	verificationFailures prometheus.Counter
	bufferDrops          prometheus.Counter
	lwwFallbacks         *prometheus.CounterVec
}

// NewPrometheusSink builds a PrometheusSink registered into reg. Pass
// prometheus.NewRegistry() for an isolated instance, or
// prometheus.DefaultRegisterer's underlying registry to expose metrics on
// the process-wide /metrics endpoint.
func NewPrometheusSink(reg *prometheus.Registry) *PrometheusSink {
	s := &PrometheusSink{
		registry: reg,
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sovereignsync_messages_sent_total",
			Help: "Total wire messages sent, by kind.",
		}, []string{"kind"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sovereignsync_messages_received_total",
			Help: "Total wire messages received, by kind.",
		}, []string{"kind"}),
		bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sovereignsync_bytes_sent_total",
			Help: "Total wire bytes sent, by kind.",
		}, []string{"kind"}),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sovereignsync_bytes_received_total",
			Help: "Total wire bytes received, by kind.",
		}, []string{"kind"}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sovereignsync_merges_total",
			Help: "Total CRDT merges applied, by CRDT type.",
		}, []string{"crdt_type"}),
		comparisons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sovereignsync_hash_comparisons_total",
			Help: "Total HashComparison rounds run, by outcome.",
		}, []string{"outcome"}),
		roundTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sovereignsync_round_trips_total",
			Help: "Total pairwise sync sessions completed, by mode.",
		}, []string{"mode"}),
		roundTripSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sovereignsync_round_trip_duration_seconds",
			Help:    "Pairwise sync session duration in seconds, by mode.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		phaseSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sovereignsync_phase_duration_seconds",
			Help:    "Pairwise sync phase duration in seconds, by phase.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
		snapshotBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sovereignsync_snapshot_blocked_total",
			Help: "Total Snapshot requests refused under I5 (more than one applied delta).",
		}),
		verificationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sovereignsync_verification_failure_total",
			Help: "Total snapshot or HashComparison payloads that failed hash verification.",
		}),
		bufferDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sovereignsync_buffer_drop_total",
			Help: "Total pending deltas evicted after exceeding pending_max_age_ms.",
		}),
		lwwFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sovereignsync_lww_fallback_total",
			Help: "Total merges that fell back to whole-blob last-write-wins, by CRDT type.",
		}, []string{"crdt_type"}),
	}

	reg.MustRegister(
		s.messagesSent, s.messagesReceived, s.bytesSent, s.bytesReceived,
		s.merges, s.comparisons, s.roundTrips, s.roundTripSeconds, s.phaseSeconds,
		s.snapshotBlocked, s.verificationFailures, s.bufferDrops, s.lwwFallbacks,
	)
	return s
}

var _ Sink = (*PrometheusSink)(nil)

func (s *PrometheusSink) MessageSent(kind string, bytes int) {
	s.messagesSent.WithLabelValues(kind).Inc()
	s.bytesSent.WithLabelValues(kind).Add(float64(bytes))
}

func (s *PrometheusSink) MessageReceived(kind string, bytes int) {
	s.messagesReceived.WithLabelValues(kind).Inc()
	s.bytesReceived.WithLabelValues(kind).Add(float64(bytes))
}

func (s *PrometheusSink) MergeApplied(crdtType string) {
	s.merges.WithLabelValues(crdtType).Inc()
}

func (s *PrometheusSink) HashComparisonRun(foundDivergence bool) {
	outcome := "converged"
	if foundDivergence {
		outcome = "divergent"
	}
	s.comparisons.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RoundTripCompleted(mode string, d time.Duration) {
	s.roundTrips.WithLabelValues(mode).Inc()
	s.roundTripSeconds.WithLabelValues(mode).Observe(d.Seconds())
}

func (s *PrometheusSink) ObservePhase(phase Phase, d time.Duration) {
	s.phaseSeconds.WithLabelValues(string(phase)).Observe(d.Seconds())
}

func (s *PrometheusSink) SnapshotBlocked()       { s.snapshotBlocked.Inc() }
func (s *PrometheusSink) VerificationFailure()   { s.verificationFailures.Inc() }
func (s *PrometheusSink) BufferDrop(n int)       { s.bufferDrops.Add(float64(n)) }
func (s *PrometheusSink) LWWFallback(t string)   { s.lwwFallbacks.WithLabelValues(t).Inc() }

// Registry returns the underlying prometheus.Registry, for mounting
// promhttp.HandlerFor on an adapters/httpstatus façade.
func (s *PrometheusSink) Registry() *prometheus.Registry { return s.registry }
