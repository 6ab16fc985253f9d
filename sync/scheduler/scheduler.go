// Package scheduler drives sync/pairwise sessions across every active
// context on a timer, picking peers weighted toward observed divergence
// and bounding total concurrency (spec §4.8 "Sync Scheduler & Selector").
// There is no pack or teacher equivalent of this exact loop; it is built
// on top of dagstore.Service (context enumeration), gossip's OnNeedSync/
// OnDivergence hooks (urgent/weighted selection input), transport/stream
// (the handshake each session opens over), and sync/pairwise (the
// session itself) — the same composition internal/gcl's node assembles
// its sub-services from, generalized to this package's narrower concern.
package scheduler

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/rechain/sovereignsync/applier"
	"github.com/rechain/sovereignsync/dag"
	"github.com/rechain/sovereignsync/dagstore"
	"github.com/rechain/sovereignsync/internal/storage"
	"github.com/rechain/sovereignsync/pkg/ids"
	"github.com/rechain/sovereignsync/sync/pairwise"
	"github.com/rechain/sovereignsync/telemetry"
	"github.com/rechain/sovereignsync/transport/stream"
	"github.com/rechain/sovereignsync/wire"
)

// Config holds the spec §4.8 timers plus the back-pressure threshold.
type Config struct {
	Frequency             time.Duration // periodic sync check, default 10s
	Interval              time.Duration // minimum gap between syncs of the same context, default 5s
	Timeout               time.Duration // per-session deadline, default 30s
	MaxConcurrent         int           // cap on simultaneous sync sessions, default 30
	PendingDeltaThreshold int           // force Snapshot mode above this pending count, default 100
}

func (c Config) withDefaults() Config {
	if c.Frequency <= 0 {
		c.Frequency = 10 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 30
	}
	if c.PendingDeltaThreshold <= 0 {
		c.PendingDeltaThreshold = 100
	}
	return c
}

// Dialer opens the transport-level connection a session is handshaken
// over (spec §4.11 "Peer transport": "opens unidirectional/bidirectional
// streams to peer ids; backing network is implementation-defined").
type Dialer interface {
	Dial(ctx context.Context, contextID, peerID ids.ID) (io.ReadWriteCloser, error)
}

// MemberLister answers which parties currently belong to a context (spec
// §4.11 config oracle "members(ctx) -> {id}"); the scheduler never picks a
// peer this does not name.
type MemberLister interface {
	Members(contextID ids.ID) []ids.ID
}

// ApplierFactory builds the per-context delta applier the first time a
// context is scheduled, mirroring gossip.ApplierFactory.
type ApplierFactory func(contextID ids.ID, store storage.Store) *applier.Applier

type peerKey struct {
	contextID ids.ID
	peerID    ids.ID
}

// Scheduler runs the spec §4.8 tick loop: for each active context whose
// interval has elapsed, pick a peer (weighted toward divergence) and run
// one sync/pairwise session, bounded by a MaxConcurrent semaphore.
type Scheduler struct {
	cfg            Config
	dagStore       *dagstore.Service
	applierFactory ApplierFactory
	dialer         Dialer
	members        MemberLister
	identity       *stream.IdentityKey
	localPartyID   ids.ID
	membership     stream.MembershipChecker
	pairwiseCfg    pairwise.Config

	appliersMu sync.Mutex
	appliers   map[ids.ID]*applier.Applier

	mu         sync.Mutex
	lastSync   map[ids.ID]time.Time
	divergent  map[peerKey]struct{}
	needSync   map[peerKey]struct{} // urgent requests from gossip's OnNeedSync, bypass Interval
	nudged     map[ids.ID]struct{}  // contexts pushed onto runtime's sync trigger channel, bypass Interval

	sem  chan struct{}
	quit chan struct{}

	// OnSnapshotForced fires whenever back-pressure forces Snapshot mode
	// on a tick (spec §4.8 back-pressure rule).
	OnSnapshotForced func(contextID ids.ID)

	// Telemetry receives per-session round-trip/phase timings and the
	// snapshot_blocked/verification_failure invariant monitors (spec
	// §4.10). Defaults to telemetry.NoopSink.
	Telemetry telemetry.Sink
}

// New builds a Scheduler. identity/localPartyID/membership configure the
// handshake each session performs; pairwiseCfg configures the sessions
// themselves.
func New(cfg Config, dagStore *dagstore.Service, factory ApplierFactory, dialer Dialer, members MemberLister, identity *stream.IdentityKey, localPartyID ids.ID, membership stream.MembershipChecker, pairwiseCfg pairwise.Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:            cfg,
		dagStore:       dagStore,
		applierFactory: factory,
		dialer:         dialer,
		members:        members,
		identity:       identity,
		localPartyID:   localPartyID,
		membership:     membership,
		pairwiseCfg:    pairwiseCfg,
		appliers:       make(map[ids.ID]*applier.Applier),
		lastSync:       make(map[ids.ID]time.Time),
		divergent:      make(map[peerKey]struct{}),
		needSync:       make(map[peerKey]struct{}),
		nudged:         make(map[ids.ID]struct{}),
		sem:            make(chan struct{}, cfg.MaxConcurrent),
		quit:           make(chan struct{}),
		Telemetry:      telemetry.NoopSink{},
	}
}

// NotifyDivergence records that peerID's heartbeat disagreed with the
// local root hash for contextID (wired to gossip.Protocol.OnDivergence),
// raising that peer's selection weight and routing its next sync through
// HashComparison.
func (s *Scheduler) NotifyDivergence(contextID, peerID ids.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.divergent[peerKey{contextID, peerID}] = struct{}{}
}

// NotifyNeedSync records an urgent sync request for (contextID, authorID)
// (wired to gossip.Protocol.OnNeedSync), bypassing Interval on the next
// tick.
func (s *Scheduler) NotifyNeedSync(contextID, authorID ids.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.needSync[peerKey{contextID, authorID}] = struct{}{}
}

// Nudge forces contextID to be due for sync on the next tick regardless of
// Interval, the scheduler side of runtime's sync trigger channel (spec
// §4.9): runtime pushes a context here when it cannot name which peer
// diverged (OnDivergence carries no author id) or when a pending-delta
// check finds a context past its back-pressure threshold between ticks.
func (s *Scheduler) Nudge(contextID ids.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nudged[contextID] = struct{}{}
}

// Run blocks, ticking every cfg.Frequency until ctx is done or Stop is
// called.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Frequency)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.quit:
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop ends Run's loop without canceling in-flight sessions.
func (s *Scheduler) Stop() {
	close(s.quit)
}

func (s *Scheduler) tick(ctx context.Context) {
	for _, contextID := range s.dagStore.Contexts() {
		s.maybeSync(ctx, contextID)
	}
}

func (s *Scheduler) maybeSync(ctx context.Context, contextID ids.ID) {
	if !s.dueForSync(contextID) {
		return
	}

	select {
	case s.sem <- struct{}{}:
	default:
		return // max_concurrent saturated: defer to the next tick
	}

	go func() {
		defer func() { <-s.sem }()
		s.syncOnce(ctx, contextID)
	}()
}

func (s *Scheduler) dueForSync(contextID ids.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.needSync {
		if key.contextID == contextID {
			return true
		}
	}
	if _, ok := s.nudged[contextID]; ok {
		delete(s.nudged, contextID)
		return true
	}
	return time.Since(s.lastSync[contextID]) >= s.cfg.Interval
}

// selectPeer picks a random current member, weighted toward peers flagged
// divergent or pending an urgent need-sync request (spec §4.8 "weighted
// toward peers whose last heartbeat diverged"). It reports whether the
// chosen round should run HashComparison.
func (s *Scheduler) selectPeer(contextID ids.ID) (peerID ids.ID, divergenceSuspected bool, ok bool) {
	candidates := s.members.Members(contextID)
	if len(candidates) == 0 {
		return ids.ID{}, false, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	weights := make([]int, len(candidates))
	total := 0
	for i, c := range candidates {
		w := 1
		if _, ok := s.divergent[peerKey{contextID, c}]; ok {
			w += 4
		}
		if _, ok := s.needSync[peerKey{contextID, c}]; ok {
			w += 4
		}
		weights[i] = w
		total += w
	}

	pick := rand.Intn(total)
	for i, w := range weights {
		if pick < w {
			peerID = candidates[i]
			_, divergenceSuspected = s.divergent[peerKey{contextID, peerID}]
			delete(s.needSync, peerKey{contextID, peerID})
			return peerID, divergenceSuspected, true
		}
		pick -= w
	}
	return candidates[len(candidates)-1], false, true
}

func (s *Scheduler) clearDivergence(contextID, peerID ids.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.divergent, peerKey{contextID, peerID})
}

func (s *Scheduler) applierFor(contextID ids.ID, entry *dagstore.Entry) *applier.Applier {
	s.appliersMu.Lock()
	defer s.appliersMu.Unlock()
	a, ok := s.appliers[contextID]
	if !ok {
		a = s.applierFactory(contextID, entry.Store)
		s.appliers[contextID] = a
	}
	return a
}

func (s *Scheduler) syncOnce(ctx context.Context, contextID ids.ID) {
	peerID, divergenceSuspected, ok := s.selectPeer(contextID)
	if !ok {
		return
	}

	sessionCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	rw, err := s.dialer.Dial(sessionCtx, contextID, peerID)
	if err != nil {
		return
	}
	defer rw.Close()

	hs, err := stream.Handshake(sessionCtx, rw, contextID, s.localPartyID, peerID, s.identity, s.membership, true)
	if err != nil {
		return
	}

	entry, err := s.dagStore.GetOrCreate(contextID)
	if err != nil {
		return
	}
	appl := s.applierFor(contextID, entry)

	s.mu.Lock()
	s.lastSync[contextID] = time.Now()
	s.mu.Unlock()

	session := pairwise.New(s.pairwiseCfg, hs.Session, contextID, entry.Graph, appl)
	session.OnSnapshotBlocked = s.Telemetry.SnapshotBlocked
	session.OnVerificationFailure = s.Telemetry.VerificationFailure

	timer := telemetry.NewTimer()
	mode := "delta_sync"

	if s.pendingExceedsThreshold(entry.Graph) {
		mode = "snapshot"
		if s.OnSnapshotForced != nil {
			s.OnSnapshotForced(contextID)
		}
		_ = session.RunInitiatorForceMode(sessionCtx, wire.ModeSnapshot)
		s.Telemetry.RoundTripCompleted(mode, timer.Elapsed())
		return
	}

	if divergenceSuspected {
		mode = "hash_compare"
	}
	err = session.RunInitiator(sessionCtx, divergenceSuspected, -1)
	s.Telemetry.RoundTripCompleted(mode, timer.Elapsed())
	if err == nil {
		s.clearDivergence(contextID, peerID)
	}
}

func (s *Scheduler) pendingExceedsThreshold(graph *dag.Graph) bool {
	return graph.PendingStats().Count > s.cfg.PendingDeltaThreshold
}
