// Package pairwise implements the two-node sync protocol (spec §4.7): an
// explicit phase machine — Idle → Handshake → {Snapshot | DeltaSync |
// HashCompare} → Finalize, with every phase transition an abort edge on
// timeout, decrypt failure, or an I5 violation — built on top of an
// already-established transport/stream.Session and driven by an outer
// loop that pumps frames rather than unwinding the protocol as linear
// async code. There is no pack or teacher file that implements this; it
// is original to the spec's hardest subsystem, grounded on spec §4.7 read
// verbatim (mode-selection table, the three per-mode wire protocols, and
// the failure-semantics table) and built from the packages below it:
// transport/stream for the channel, dag/dagstore/applier for delta
// bookkeeping, snapshot for whole-state transfer, and merkletree for
// differential comparison.
package pairwise

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/rechain/sovereignsync/applier"
	"github.com/rechain/sovereignsync/dag"
	"github.com/rechain/sovereignsync/merkletree"
	"github.com/rechain/sovereignsync/pkg/ids"
	"github.com/rechain/sovereignsync/snapshot"
	"github.com/rechain/sovereignsync/transport/stream"
	"github.com/rechain/sovereignsync/wire"
)

// Phase names the session's position in the state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseHandshake
	PhaseSnapshot
	PhaseDeltaSync
	PhaseHashCompare
	PhaseFinalize
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseHandshake:
		return "handshake"
	case PhaseSnapshot:
		return "snapshot"
	case PhaseDeltaSync:
		return "delta_sync"
	case PhaseHashCompare:
		return "hash_compare"
	case PhaseFinalize:
		return "finalize"
	case PhaseAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// FreshNodeStrategyKind selects how a fresh (empty) node catches up,
// configurable via sync.fresh_node_strategy.
type FreshNodeStrategyKind int

const (
	StrategySnapshot  FreshNodeStrategyKind = iota // default: single-round
	StrategyDeltaSync                              // N-round, smaller peak bandwidth
	StrategyAdaptive                               // snapshot iff peer heads > Threshold
)

// FreshNodeStrategy is the fully-resolved sync.fresh_node_strategy value.
type FreshNodeStrategy struct {
	Kind      FreshNodeStrategyKind
	Threshold int // only meaningful for StrategyAdaptive
}

// Config holds every sync.* option named in spec §6 that governs a
// pairwise session (the remainder — frequency/interval/timeout/
// max_concurrent — belong to package sync/scheduler).
type Config struct {
	DeltaThreshold    int // sync.delta_threshold, default 128
	SnapshotChunkSize int // sync.snapshot_chunk_size, default 65536
	FreshNodeStrategy FreshNodeStrategy
	TreeParams        merkletree.Params // tree.fanout / tree.leaf_target_bytes
}

// DefaultConfig mirrors spec §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		DeltaThreshold:    128,
		SnapshotChunkSize: 65536,
		FreshNodeStrategy: FreshNodeStrategy{Kind: StrategySnapshot},
		TreeParams:        merkletree.Params{Fanout: 16, LeafTargetBytes: 65536},
	}
}

// SelectMode implements the spec §4.7 mode-selection table from the
// initiator's point of view. peerHeadsHint is the last known size of the
// peer's DAG head set (e.g. from a heartbeat), or -1 if unknown.
func SelectMode(cfg Config, localDeltaCount int, divergenceSuspected bool, peerHeadsHint int) wire.PairwiseMode {
	if localDeltaCount == 0 {
		switch cfg.FreshNodeStrategy.Kind {
		case StrategyDeltaSync:
			return wire.ModeDeltaSync
		case StrategyAdaptive:
			if peerHeadsHint >= 0 && peerHeadsHint > cfg.FreshNodeStrategy.Threshold {
				return wire.ModeSnapshot
			}
			return wire.ModeDeltaSync
		default:
			return wire.ModeSnapshot
		}
	}
	if divergenceSuspected {
		return wire.ModeHashCompare
	}
	if peerHeadsHint >= 0 && peerHeadsHint-localDeltaCount > cfg.DeltaThreshold {
		return wire.ModeSnapshot
	}
	return wire.ModeDeltaSync
}

// Session drives one pairwise sync round over an already-handshaken
// transport/stream.Session.
type Session struct {
	cfg       Config
	conn      *stream.Session
	contextID ids.ID
	graph     *dag.Graph
	app       *applier.Applier

	Phase Phase

	// OnSnapshotBlocked fires on an I5 refusal (spec §4.7 failure
	// semantics "emit snapshot_blocked metric").
	OnSnapshotBlocked func()
	// OnVerificationFailure fires when a received snapshot fails
	// verification or post-apply root reconciliation.
	OnVerificationFailure func()
}

// New builds a Session bound to one context's DAG and applier.
func New(cfg Config, conn *stream.Session, contextID ids.ID, graph *dag.Graph, app *applier.Applier) *Session {
	return &Session{cfg: cfg, conn: conn, contextID: contextID, graph: graph, app: app, Phase: PhaseIdle}
}

func (s *Session) send(ctx context.Context, msg any) error {
	return s.conn.SendMessage(ctx, wire.EncodePairwise(msg))
}

func (s *Session) recv(ctx context.Context) (any, error) {
	r, err := s.conn.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if r.Kind == wire.FrameOpaqueError {
		return nil, fmt.Errorf("pairwise: peer aborted: %s", r.Reason)
	}
	if r.Kind != wire.FrameMessage {
		return nil, fmt.Errorf("pairwise: unexpected frame kind %v", r.Kind)
	}
	return wire.DecodePairwise(r.Payload)
}

// RunInitiator picks a mode per SelectMode, announces it, and drives that
// mode's protocol to completion (spec §4.7 state machine, initiator side).
func (s *Session) RunInitiator(ctx context.Context, divergenceSuspected bool, peerHeadsHint int) error {
	mode := SelectMode(s.cfg, len(s.graph.AllApplied()), divergenceSuspected, peerHeadsHint)
	return s.runInitiator(ctx, mode)
}

// RunInitiatorForceMode bypasses SelectMode and announces mode directly.
// Package sync/scheduler uses this for its back-pressure rule (spec §4.8:
// "if the pending-delta count exceeds the snapshot threshold, force
// Snapshot mode on the next tick").
func (s *Session) RunInitiatorForceMode(ctx context.Context, mode wire.PairwiseMode) error {
	return s.runInitiator(ctx, mode)
}

func (s *Session) runInitiator(ctx context.Context, mode wire.PairwiseMode) error {
	s.Phase = PhaseHandshake
	if err := s.send(ctx, wire.ModeRequest{Mode: mode, LocalHeads: s.graph.Heads()}); err != nil {
		s.Phase = PhaseAborted
		return fmt.Errorf("pairwise: send mode request: %w", err)
	}

	switch mode {
	case wire.ModeSnapshot:
		s.Phase = PhaseSnapshot
		fellBack, err := s.runSnapshotInitiator(ctx)
		if err != nil {
			s.Phase = PhaseAborted
			return err
		}
		if fellBack {
			s.Phase = PhaseDeltaSync
			if err := s.send(ctx, wire.ModeRequest{Mode: wire.ModeDeltaSync, LocalHeads: s.graph.Heads()}); err != nil {
				s.Phase = PhaseAborted
				return fmt.Errorf("pairwise: send delta_sync fallback request: %w", err)
			}
			if err := s.runDeltaSyncInitiator(ctx); err != nil {
				s.Phase = PhaseAborted
				return err
			}
		} else if err := s.send(ctx, wire.Finalize{}); err != nil {
			s.Phase = PhaseAborted
			return err
		}
	case wire.ModeDeltaSync:
		s.Phase = PhaseDeltaSync
		if err := s.runDeltaSyncInitiator(ctx); err != nil {
			s.Phase = PhaseAborted
			return err
		}
	case wire.ModeHashCompare:
		s.Phase = PhaseHashCompare
		if err := s.runHashCompareInitiator(ctx); err != nil {
			s.Phase = PhaseAborted
			return err
		}
	}
	s.Phase = PhaseFinalize
	return nil
}

// RunResponder waits for the initiator's mode choice and serves it,
// looping back if the initiator falls back from Snapshot to DeltaSync
// after a local verification failure on its side.
func (s *Session) RunResponder(ctx context.Context) error {
	s.Phase = PhaseHandshake
	msg, err := s.recv(ctx)
	if err != nil {
		return fmt.Errorf("pairwise: receive mode request: %w", err)
	}
	req, ok := msg.(wire.ModeRequest)
	if !ok {
		return fmt.Errorf("pairwise: expected mode request, got %T", msg)
	}

	for {
		switch req.Mode {
		case wire.ModeSnapshot:
			s.Phase = PhaseSnapshot
			accepted, err := s.runSnapshotResponder(ctx, req)
			if err != nil {
				s.Phase = PhaseAborted
				return err
			}
			if !accepted {
				next, err := s.recv(ctx)
				if err != nil {
					s.Phase = PhaseAborted
					return err
				}
				nreq, ok := next.(wire.ModeRequest)
				if !ok {
					s.Phase = PhaseAborted
					return fmt.Errorf("pairwise: expected follow-up mode request after reject, got %T", next)
				}
				req = nreq
				continue
			}
			next, err := s.recv(ctx)
			if err != nil {
				s.Phase = PhaseAborted
				return err
			}
			if fallback, ok := next.(wire.ModeRequest); ok {
				req = fallback
				continue
			}
			if _, ok := next.(wire.Finalize); !ok {
				s.Phase = PhaseAborted
				return fmt.Errorf("pairwise: expected finalize or mode request, got %T", next)
			}
			s.Phase = PhaseFinalize
			return nil
		case wire.ModeDeltaSync:
			s.Phase = PhaseDeltaSync
			if err := s.runDeltaSyncResponder(ctx, req); err != nil {
				s.Phase = PhaseAborted
				return err
			}
			s.Phase = PhaseFinalize
			return nil
		case wire.ModeHashCompare:
			s.Phase = PhaseHashCompare
			if err := s.runHashCompareResponder(ctx); err != nil {
				s.Phase = PhaseAborted
				return err
			}
			s.Phase = PhaseFinalize
			return nil
		default:
			return fmt.Errorf("pairwise: unknown mode %v", req.Mode)
		}
	}
}

// newerDeltas returns every applied delta not an ancestor of since,
// topologically sorted (parents first) — the DeltaSync exclusion-set
// computation, reused for Snapshot mode's post-transfer delta stream.
func (s *Session) newerDeltas(since []ids.ID) []*dag.CausalDelta {
	ancestors := s.graph.AncestorSet(since)
	var out []*dag.CausalDelta
	for _, d := range s.graph.AllApplied() {
		if _, skip := ancestors[d.ID]; skip {
			continue
		}
		out = append(out, d)
	}
	return out
}

func (s *Session) applyDeltaBatch(batch wire.DeltaBatch) error {
	for i, raw := range batch.Deltas {
		d, err := wire.DecodeDelta(raw)
		if err != nil {
			return fmt.Errorf("pairwise: decode delta %d: %w", i, err)
		}
		if _, err := s.graph.AddDelta(d, s.app.AsDAGApplier()); err != nil {
			return fmt.Errorf("pairwise: apply delta %d: %w", i, err)
		}
	}
	return nil
}

// runSnapshotInitiator consumes either a ModeReject (I5 violation; the
// caller falls back to DeltaSync) or the chunked snapshot followed by its
// post-transfer delta batch. fellBack is also true on local decode/verify
// failure (spec §4.7 "verification failure... fall back to DeltaSync").
func (s *Session) runSnapshotInitiator(ctx context.Context) (fellBack bool, err error) {
	msg, err := s.recv(ctx)
	if err != nil {
		return false, err
	}
	switch m := msg.(type) {
	case wire.ModeReject:
		if s.OnSnapshotBlocked != nil {
			s.OnSnapshotBlocked()
		}
		return true, nil
	case wire.SnapshotChunk:
		full := append([]byte(nil), m.Data...)
		received := uint32(1)
		total := m.Total
		for received < total {
			next, err := s.recv(ctx)
			if err != nil {
				return false, err
			}
			sc, ok := next.(wire.SnapshotChunk)
			if !ok {
				return false, fmt.Errorf("pairwise: expected snapshot chunk, got %T", next)
			}
			full = append(full, sc.Data...)
			received++
		}

		rec, err := wire.DecodeSnapshot(full)
		if err != nil {
			if s.OnVerificationFailure != nil {
				s.OnVerificationFailure()
			}
			return true, nil
		}
		snap := toSnapshot(rec)
		if err := snapshot.Apply(ctx, s.app, snap); err != nil {
			if s.OnVerificationFailure != nil {
				s.OnVerificationFailure()
			}
			return true, nil
		}

		next, err := s.recv(ctx)
		if err != nil {
			return false, err
		}
		batch, ok := next.(wire.DeltaBatch)
		if !ok {
			return false, fmt.Errorf("pairwise: expected post-snapshot delta batch, got %T", next)
		}
		return false, s.applyDeltaBatch(batch)
	default:
		return false, fmt.Errorf("pairwise: unexpected message %T in snapshot mode", msg)
	}
}

// runSnapshotResponder enforces I5 (spec §4.7: refuse to source a
// snapshot to a peer that is not actually empty), then streams the
// network snapshot in cfg.SnapshotChunkSize pieces followed by any
// deltas applied since the snapshot was generated.
func (s *Session) runSnapshotResponder(ctx context.Context, req wire.ModeRequest) (accepted bool, err error) {
	if len(req.LocalHeads) != 0 {
		if s.OnSnapshotBlocked != nil {
			s.OnSnapshotBlocked()
		}
		return false, s.send(ctx, wire.ModeReject{ProposedMode: wire.ModeDeltaSync})
	}

	headsBefore := s.graph.Heads()
	snap, err := snapshot.Generate(ctx, s.app, false)
	if err != nil {
		return false, fmt.Errorf("pairwise: generate snapshot: %w", err)
	}
	full := wire.EncodeSnapshot(fromSnapshot(snap))

	chunkSize := s.cfg.SnapshotChunkSize
	if chunkSize <= 0 {
		chunkSize = 65536
	}
	total := (len(full) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}
	for i := 0; i < total; i++ {
		start, end := i*chunkSize, (i+1)*chunkSize
		if end > len(full) {
			end = len(full)
		}
		chunk := wire.SnapshotChunk{Index: uint32(i), Total: uint32(total), Data: full[start:end]}
		if err := s.send(ctx, chunk); err != nil {
			return true, err
		}
	}

	newer := s.newerDeltas(headsBefore)
	encoded := make([][]byte, 0, len(newer))
	for _, d := range newer {
		b, err := wire.EncodeDelta(d)
		if err != nil {
			return true, err
		}
		encoded = append(encoded, b)
	}
	return true, s.send(ctx, wire.DeltaBatch{Deltas: encoded})
}

// runDeltaSyncInitiator waits for the batch of deltas the responder
// computed as reachable-from-its-heads-but-not-ancestors-of-ours. The
// exclusion set itself was already conveyed by the opening ModeRequest's
// LocalHeads, so no separate dag_heads round trip is needed.
func (s *Session) runDeltaSyncInitiator(ctx context.Context) error {
	msg, err := s.recv(ctx)
	if err != nil {
		return err
	}
	batch, ok := msg.(wire.DeltaBatch)
	if !ok {
		return fmt.Errorf("pairwise: expected delta batch, got %T", msg)
	}
	return s.applyDeltaBatch(batch)
}

func (s *Session) runDeltaSyncResponder(ctx context.Context, req wire.ModeRequest) error {
	newer := s.newerDeltas(req.LocalHeads)
	encoded := make([][]byte, 0, len(newer))
	for _, d := range newer {
		b, err := wire.EncodeDelta(d)
		if err != nil {
			return err
		}
		encoded = append(encoded, b)
	}
	return s.send(ctx, wire.DeltaBatch{Deltas: encoded})
}

func (s *Session) buildTree(ctx context.Context) (*merkletree.Tree, error) {
	var entries []merkletree.Entry
	err := s.app.Iterate(ctx, func(id ids.ID, raw []byte, _ bool) error {
		entries = append(entries, merkletree.Entry{Key: id.Hex(), Value: raw})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merkletree.Build(entries, s.cfg.TreeParams), nil
}

// diffLeaves compares a local tree's leaves against a remote leaf-hash
// vector positionally, mirroring merkletree.Diff without requiring the
// caller to reconstruct a full remote Tree.
func diffLeaves(local *merkletree.Tree, remote [][32]byte) []int {
	max := len(local.Leaves)
	if len(remote) > max {
		max = len(remote)
	}
	var out []int
	for i := 0; i < max; i++ {
		var lh, rh merkletree.Hash
		if i < len(local.Leaves) {
			lh = local.Leaves[i].Hash
		}
		if i < len(remote) {
			rh = merkletree.Hash(remote[i])
		}
		if lh != rh {
			out = append(out, i)
		}
	}
	return out
}

func (s *Session) runHashCompareInitiator(ctx context.Context) error {
	if err := s.send(ctx, wire.RootDigestRequest{}); err != nil {
		return err
	}
	msg, err := s.recv(ctx)
	if err != nil {
		return err
	}
	rd, ok := msg.(wire.RootDigest)
	if !ok {
		return fmt.Errorf("pairwise: expected root digest, got %T", msg)
	}

	localTree, err := s.buildTree(ctx)
	if err != nil {
		return err
	}
	if localTree.RootHash() == merkletree.Hash(rd.Hash) {
		return s.send(ctx, wire.Finalize{})
	}

	if err := s.send(ctx, wire.LeafHashesRequest{}); err != nil {
		return err
	}
	msg, err = s.recv(ctx)
	if err != nil {
		return err
	}
	lh, ok := msg.(wire.LeafHashes)
	if !ok {
		return fmt.Errorf("pairwise: expected leaf hashes, got %T", msg)
	}

	for _, idx := range diffLeaves(localTree, lh.Hashes) {
		if err := s.send(ctx, wire.LeafPayloadRequest{Index: uint32(idx)}); err != nil {
			return err
		}
		msg, err = s.recv(ctx)
		if err != nil {
			return err
		}
		lp, ok := msg.(wire.LeafPayload)
		if !ok {
			return fmt.Errorf("pairwise: expected leaf payload, got %T", msg)
		}
		for _, e := range lp.Entries {
			if err := s.app.MergeRaw(ctx, e.ID, e.Data); err != nil {
				return fmt.Errorf("pairwise: merge entity %s: %w", e.ID.Hex(), err)
			}
		}
	}
	return s.send(ctx, wire.Finalize{})
}

func (s *Session) runHashCompareResponder(ctx context.Context) error {
	tree, err := s.buildTree(ctx)
	if err != nil {
		return err
	}
	msg, err := s.recv(ctx)
	if err != nil {
		return err
	}
	if _, ok := msg.(wire.RootDigestRequest); !ok {
		return fmt.Errorf("pairwise: expected root digest request, got %T", msg)
	}
	if err := s.send(ctx, wire.RootDigest{Hash: [32]byte(tree.RootHash())}); err != nil {
		return err
	}

	msg, err = s.recv(ctx)
	if err != nil {
		return err
	}
	switch msg.(type) {
	case wire.Finalize:
		return nil
	case wire.LeafHashesRequest:
		hashes := make([][32]byte, len(tree.Leaves))
		for i, l := range tree.Leaves {
			hashes[i] = [32]byte(l.Hash)
		}
		if err := s.send(ctx, wire.LeafHashes{Hashes: hashes}); err != nil {
			return err
		}
		for {
			next, err := s.recv(ctx)
			if err != nil {
				return err
			}
			switch lm := next.(type) {
			case wire.LeafPayloadRequest:
				if int(lm.Index) >= len(tree.Leaves) {
					return fmt.Errorf("pairwise: leaf index %d out of range", lm.Index)
				}
				leaf := tree.Leaves[lm.Index]
				entries := make([]wire.Entry, 0, len(leaf.Entries))
				for _, e := range leaf.Entries {
					idBytes, err := hex.DecodeString(e.Key)
					if err != nil {
						return fmt.Errorf("pairwise: malformed leaf entity key %q: %w", e.Key, err)
					}
					id, err := ids.FromBytes(idBytes)
					if err != nil {
						return err
					}
					entries = append(entries, wire.Entry{ID: id, Data: e.Value})
				}
				if err := s.send(ctx, wire.LeafPayload{Index: lm.Index, Entries: entries}); err != nil {
					return err
				}
			case wire.Finalize:
				return nil
			default:
				return fmt.Errorf("pairwise: unexpected message %T in hash_compare", lm)
			}
		}
	default:
		return fmt.Errorf("pairwise: unexpected message %T after root digest", msg)
	}
}

func toSnapshot(rec wire.SnapshotRecord) *snapshot.Snapshot {
	snap := &snapshot.Snapshot{RootHash: rec.RootHash, CreatedAtNs: rec.CreatedAtNs}
	for _, e := range rec.Entries {
		snap.Entries = append(snap.Entries, snapshot.Entry{ID: e.ID, Data: e.Data})
	}
	for _, ie := range rec.Indexes {
		snap.Indexes = append(snap.Indexes, snapshot.IndexEntry{ID: ie.ID, OwnHash: ie.OwnHash})
	}
	snap.EntityCount = len(snap.Entries)
	snap.IndexCount = len(snap.Indexes)
	return snap
}

func fromSnapshot(snap *snapshot.Snapshot) wire.SnapshotRecord {
	rec := wire.SnapshotRecord{RootHash: snap.RootHash, CreatedAtNs: snap.CreatedAtNs}
	for _, e := range snap.Entries {
		rec.Entries = append(rec.Entries, wire.SnapshotEntry{ID: e.ID, Data: e.Data})
	}
	for _, ie := range snap.Indexes {
		rec.Indexes = append(rec.Indexes, wire.SnapshotIndexEntry{ID: ie.ID, OwnHash: ie.OwnHash})
	}
	return rec
}
