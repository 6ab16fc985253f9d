// Package runtime assembles one node's engine: gossip broadcast, the sync
// scheduler, and inbound pairwise connections, wired together behind a
// single event loop and shutdown sequence. There is no single teacher file
// this descends from — it plays the role internal/gcl.Node's run method
// plays for the old go-ethereum-p2p/consensus stack, generalized to the
// gossip/sync/pairwise/transport composition this engine actually uses
// (same context.WithCancel/wg.Add/<-ctx.Done()/ordered-shutdown lifecycle,
// different sub-services).
package runtime

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rechain/sovereignsync/applier"
	"github.com/rechain/sovereignsync/dagstore"
	"github.com/rechain/sovereignsync/gossip"
	"github.com/rechain/sovereignsync/pkg/ids"
	"github.com/rechain/sovereignsync/sync/pairwise"
	"github.com/rechain/sovereignsync/sync/scheduler"
	"github.com/rechain/sovereignsync/telemetry"
	"github.com/rechain/sovereignsync/transport/stream"
)

// Config holds the runtime's own timers. CleanupInterval and
// PendingCheckInterval are independent of sync/scheduler's Frequency/
// Interval: the scheduler reacts every tick, these run the slower
// housekeeping passes spec §4.9 lists alongside it.
type Config struct {
	CleanupInterval      time.Duration // dag.Graph.CleanupStale pass, default 60s
	PendingCheckInterval time.Duration // pending-backlog nudge pass, default 60s
	StalePendingMaxAge   time.Duration // passed to CleanupAllStale, default 5m
	ResponderTimeout     time.Duration // per inbound pairwise session deadline, default 30s
}

func (c Config) withDefaults() Config {
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 60 * time.Second
	}
	if c.PendingCheckInterval <= 0 {
		c.PendingCheckInterval = 60 * time.Second
	}
	if c.StalePendingMaxAge <= 0 {
		c.StalePendingMaxAge = 5 * time.Minute
	}
	if c.ResponderTimeout <= 0 {
		c.ResponderTimeout = 30 * time.Second
	}
	return c
}

// PeerTransport is the inbound/outbound pairwise stream surface runtime
// drives its responder loop over; satisfied by adapters.LibP2PTransport.
type PeerTransport interface {
	Serve(contextID ids.ID, handler func(conn io.ReadWriteCloser))
	StopServing(contextID ids.ID)
}

// ApplierFactory builds the per-context applier a responder session reads
// and writes through, mirroring gossip.ApplierFactory/scheduler.ApplierFactory.
type ApplierFactory func(contextID ids.ID, store *dagstore.Entry) *applier.Applier

// Runtime owns the gossip protocol, the sync scheduler, and the inbound
// pairwise responder loop, and wires the hooks between them that spec
// §4.6/§4.8/§4.9 describe as "wired by the runtime": gossip's OnNeedSync
// feeds the scheduler's urgent queue, gossip's OnDivergence nudges the
// scheduler to re-check a context out of cycle (see Nudge doc comment:
// HashHeartbeat carries no author id, so runtime cannot name which peer
// diverged — forcing a context-wide re-check is the honest resolution,
// not a fabricated peer id), and the scheduler's own telemetry hooks are
// set here rather than left to whoever constructs it.
type Runtime struct {
	cfg Config

	dagStore    *dagstore.Service
	gossip      *gossip.Protocol
	scheduler   *scheduler.Scheduler
	transport   PeerTransport
	applierFor  ApplierFactory
	identity    *stream.IdentityKey
	localParty  ids.ID
	membership  stream.MembershipChecker
	pairwiseCfg pairwise.Config
	telemetry   telemetry.Sink

	appliersMu sync.Mutex
	appliers   map[ids.ID]*applier.Applier

	servedMu sync.Mutex
	served   map[ids.ID]struct{}

	dispatch *keyedDispatcher

	quit chan struct{}
	wg   sync.WaitGroup
}

// New assembles a Runtime. gossip and scheduler must already be
// constructed (their own New functions start background goroutines of
// their own: gossip's heartbeat loop, nothing yet for scheduler until
// Start calls scheduler.Run).
func New(
	cfg Config,
	dagStore *dagstore.Service,
	gossipProto *gossip.Protocol,
	sched *scheduler.Scheduler,
	transport PeerTransport,
	applierFor ApplierFactory,
	identity *stream.IdentityKey,
	localParty ids.ID,
	membership stream.MembershipChecker,
	pairwiseCfg pairwise.Config,
	sink telemetry.Sink,
) *Runtime {
	if sink == nil {
		sink = telemetry.NoopSink{}
	}
	r := &Runtime{
		cfg:         cfg.withDefaults(),
		dagStore:    dagStore,
		gossip:      gossipProto,
		scheduler:   sched,
		transport:   transport,
		applierFor:  applierFor,
		identity:    identity,
		localParty:  localParty,
		membership:  membership,
		pairwiseCfg: pairwiseCfg,
		telemetry:   sink,
		appliers:    make(map[ids.ID]*applier.Applier),
		served:      make(map[ids.ID]struct{}),
		dispatch:    newKeyedDispatcher(),
		quit:        make(chan struct{}),
	}

	gossipProto.OnNeedSync = sched.NotifyNeedSync
	gossipProto.OnDivergence = func(contextID ids.ID, _ [32]byte) {
		sched.Nudge(contextID)
	}
	sched.Telemetry = sink

	return r
}

// Start runs the event loop until ctx is canceled or Stop is called.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("runtime: scheduler exited")
		}
	}()

	r.wg.Add(1)
	go r.run(ctx, cancel)

	return nil
}

// Stop cancels the event loop and blocks until every background goroutine
// this Runtime started has returned.
func (r *Runtime) Stop() {
	close(r.quit)
	r.wg.Wait()
}

func (r *Runtime) run(ctx context.Context, cancel context.CancelFunc) {
	defer r.wg.Done()
	defer cancel()

	cleanupTicker := time.NewTicker(r.cfg.CleanupInterval)
	defer cleanupTicker.Stop()
	pendingTicker := time.NewTicker(r.cfg.PendingCheckInterval)
	defer pendingTicker.Stop()
	serveTicker := time.NewTicker(r.cfg.PendingCheckInterval)
	defer serveTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.scheduler.Stop()
			return
		case <-r.quit:
			r.scheduler.Stop()
			return
		case <-cleanupTicker.C:
			r.runCleanup()
		case <-pendingTicker.C:
			r.runPendingCheck()
		case <-serveTicker.C:
			r.ensureContextsServed()
		}
	}
}

// runCleanup evicts stale pending deltas past pending_max_age_ms across
// every active context (spec §4.9 cleanup pass) and reports the eviction
// count as the spec §4.10 buffer_drop invariant monitor.
func (r *Runtime) runCleanup() {
	evicted, burstContexts := r.dagStore.CleanupAllStale(r.cfg.StalePendingMaxAge)
	if evicted > 0 {
		r.telemetry.BufferDrop(evicted)
	}
	for _, contextID := range burstContexts {
		log.Warn().Str("context", contextID.Hex()).Msg("runtime: pending buffer burst threshold hit")
	}
}

// runPendingCheck nudges any context whose pending backlog has grown past
// the scheduler's back-pressure threshold since its last regular tick,
// rather than waiting up to Frequency for the next scheduled check.
func (r *Runtime) runPendingCheck() {
	for _, contextID := range r.dagStore.Contexts() {
		entry, ok := r.dagStore.Get(contextID)
		if !ok {
			continue
		}
		if entry.Graph.PendingStats().Count > 0 {
			r.scheduler.Nudge(contextID)
		}
	}
}

// ensureContextsServed registers the inbound pairwise handler for any
// context dagStore has opened that runtime has not yet served, so a newly
// joined context starts accepting responder connections without an
// explicit caller wiring step.
func (r *Runtime) ensureContextsServed() {
	for _, contextID := range r.dagStore.Contexts() {
		r.serve(contextID)
	}
}

func (r *Runtime) serve(contextID ids.ID) {
	r.servedMu.Lock()
	_, already := r.served[contextID]
	if !already {
		r.served[contextID] = struct{}{}
	}
	r.servedMu.Unlock()
	if already {
		return
	}
	r.transport.Serve(contextID, func(conn io.ReadWriteCloser) {
		r.dispatch.run(contextID, func() { r.acceptPairwise(contextID, conn) })
	})
}

// acceptPairwise runs one inbound pairwise session as the responder side.
// remotePartyID is passed as ids.Zero: stream.Handshake never references
// it (the real remote identity is read back from the Init message after
// the handshake completes), so the responder never needs to know who is
// calling in advance.
func (r *Runtime) acceptPairwise(contextID ids.ID, conn io.ReadWriteCloser) {
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ResponderTimeout)
	defer cancel()

	hs, err := stream.Handshake(ctx, conn, contextID, r.localParty, ids.Zero, r.identity, r.membership, false)
	if err != nil {
		log.Debug().Err(err).Str("context", contextID.Hex()).Msg("runtime: inbound handshake failed")
		return
	}

	entry, err := r.dagStore.GetOrCreate(contextID)
	if err != nil {
		log.Warn().Err(err).Str("context", contextID.Hex()).Msg("runtime: open context store")
		return
	}
	appl := r.applierForContext(contextID, entry)

	session := pairwise.New(r.pairwiseCfg, hs.Session, contextID, entry.Graph, appl)
	session.OnSnapshotBlocked = r.telemetry.SnapshotBlocked
	session.OnVerificationFailure = r.telemetry.VerificationFailure

	timer := telemetry.NewTimer()
	err = session.RunResponder(ctx)
	r.telemetry.RoundTripCompleted("responder", timer.Elapsed())
	if err != nil {
		log.Debug().Err(err).Str("context", contextID.Hex()).Str("peer", hs.RemotePartyID.Hex()).Msg("runtime: responder session failed")
	}
}

func (r *Runtime) applierForContext(contextID ids.ID, entry *dagstore.Entry) *applier.Applier {
	r.appliersMu.Lock()
	defer r.appliersMu.Unlock()
	a, ok := r.appliers[contextID]
	if !ok {
		a = r.applierFor(contextID, entry)
		r.appliers[contextID] = a
	}
	return a
}

// keyedDispatcher serializes work per key so two inbound sessions for the
// same context never apply deltas to its applier concurrently, while
// different contexts still run fully in parallel (spec §4.9 "keyed-FIFO
// dispatch per context").
type keyedDispatcher struct {
	mu    sync.Mutex
	queue map[ids.ID]chan func()
}

func newKeyedDispatcher() *keyedDispatcher {
	return &keyedDispatcher{queue: make(map[ids.ID]chan func())}
}

func (d *keyedDispatcher) run(key ids.ID, fn func()) {
	d.mu.Lock()
	ch, ok := d.queue[key]
	if !ok {
		ch = make(chan func(), 64)
		d.queue[key] = ch
		go func() {
			for task := range ch {
				task()
			}
		}()
	}
	d.mu.Unlock()

	select {
	case ch <- fn:
	default:
		// Queue saturated: run inline rather than drop the session outright.
		fn()
	}
}
