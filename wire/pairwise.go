package wire

import (
	"fmt"

	"github.com/rechain/sovereignsync/pkg/ids"
)

// PairwiseMode discriminates the three §4.7 sync modes a session
// negotiates after the handshake completes.
type PairwiseMode byte

const (
	ModeSnapshot PairwiseMode = iota + 1
	ModeDeltaSync
	ModeHashCompare
)

func (m PairwiseMode) String() string {
	switch m {
	case ModeSnapshot:
		return "snapshot"
	case ModeDeltaSync:
		return "delta_sync"
	case ModeHashCompare:
		return "hash_compare"
	default:
		return "unknown"
	}
}

// ModeRequest is the initiator's opening move: its chosen mode and its
// current DAG heads (the "peer hint" the responder needs to enforce I5
// and to compute the DeltaSync exclusion set).
type ModeRequest struct {
	Mode       PairwiseMode
	LocalHeads []ids.ID
}

// ModeReject is the responder's I5 refusal: "I hold data, propose
// DeltaSync instead" (spec §4.7 failure semantics).
type ModeReject struct {
	ProposedMode PairwiseMode
}

// SnapshotChunk carries one piece of a chunked network snapshot transfer.
type SnapshotChunk struct {
	Index uint32
	Total uint32
	Data  []byte
}

// DeltaHeads carries one side's current DAG heads during DeltaSync.
type DeltaHeads struct {
	Heads []ids.ID
}

// DeltaBatch carries a topologically-sorted run of wire-encoded deltas.
type DeltaBatch struct {
	Deltas [][]byte
}

// RootDigestRequest asks the peer for its Merkle root hash.
type RootDigestRequest struct{}

// RootDigest answers a RootDigestRequest.
type RootDigest struct {
	Hash [32]byte
}

// LeafHashesRequest asks the peer for every leaf hash in its tree, in
// leaf-index order, so the initiator can diff locally (spec §4.7
// HashComparison "descending until leaves" — the tree here is single-level
// beneath the root, so the whole leaf vector is requested in one step).
type LeafHashesRequest struct{}

// LeafHashes answers a LeafHashesRequest.
type LeafHashes struct {
	Hashes [][32]byte
}

// LeafPayloadRequest asks for the entity records backing one differing
// leaf.
type LeafPayloadRequest struct {
	Index uint32
}

// Entry is one entity record inside a LeafPayload transfer.
type Entry struct {
	ID   ids.ID
	Data []byte
}

// LeafPayload answers a LeafPayloadRequest with the raw entity records the
// initiator will CRDT-merge (not overwrite) into its own storage.
type LeafPayload struct {
	Index   uint32
	Entries []Entry
}

// Finalize marks the end of a successful sync round.
type Finalize struct{}

const (
	tagModeRequest byte = iota + 1
	tagModeReject
	tagSnapshotChunk
	tagDeltaHeads
	tagDeltaBatch
	tagRootDigestRequest
	tagRootDigest
	tagLeafHashesRequest
	tagLeafHashes
	tagLeafPayloadRequest
	tagLeafPayload
	tagFinalize
)

// EncodePairwise serializes one of the pairwise protocol message types.
// Passing any other type is a programmer error.
func EncodePairwise(msg any) []byte {
	w := NewWriter()
	switch m := msg.(type) {
	case ModeRequest:
		w.PutByte(tagModeRequest)
		w.PutByte(byte(m.Mode))
		w.PutIDs(m.LocalHeads)
	case ModeReject:
		w.PutByte(tagModeReject)
		w.PutByte(byte(m.ProposedMode))
	case SnapshotChunk:
		w.PutByte(tagSnapshotChunk)
		w.PutUint32(m.Index)
		w.PutUint32(m.Total)
		w.PutBytes(m.Data)
	case DeltaHeads:
		w.PutByte(tagDeltaHeads)
		w.PutIDs(m.Heads)
	case DeltaBatch:
		w.PutByte(tagDeltaBatch)
		w.PutUint32(uint32(len(m.Deltas)))
		for _, d := range m.Deltas {
			w.PutBytes(d)
		}
	case RootDigestRequest:
		w.PutByte(tagRootDigestRequest)
	case RootDigest:
		w.PutByte(tagRootDigest)
		w.PutHash(m.Hash)
	case LeafHashesRequest:
		w.PutByte(tagLeafHashesRequest)
	case LeafHashes:
		w.PutByte(tagLeafHashes)
		w.PutUint32(uint32(len(m.Hashes)))
		for _, h := range m.Hashes {
			w.PutHash(h)
		}
	case LeafPayloadRequest:
		w.PutByte(tagLeafPayloadRequest)
		w.PutUint32(m.Index)
	case LeafPayload:
		w.PutByte(tagLeafPayload)
		w.PutUint32(m.Index)
		w.PutUint32(uint32(len(m.Entries)))
		for _, e := range m.Entries {
			w.PutID(e.ID)
			w.PutBytes(e.Data)
		}
	case Finalize:
		w.PutByte(tagFinalize)
	default:
		panic(fmt.Sprintf("wire: EncodePairwise: unhandled type %T", msg))
	}
	return w.Bytes()
}

// DecodePairwise sniffs the leading tag byte and decodes into exactly one
// of the pairwise protocol message types.
func DecodePairwise(b []byte) (any, error) {
	r := NewReader(b)
	tag, err := r.GetByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagModeRequest:
		var m ModeRequest
		mode, err := r.GetByte()
		if err != nil {
			return nil, err
		}
		m.Mode = PairwiseMode(mode)
		if m.LocalHeads, err = r.GetIDs(); err != nil {
			return nil, err
		}
		return m, checkDone(r)
	case tagModeReject:
		var m ModeReject
		mode, err := r.GetByte()
		if err != nil {
			return nil, err
		}
		m.ProposedMode = PairwiseMode(mode)
		return m, checkDone(r)
	case tagSnapshotChunk:
		var m SnapshotChunk
		if m.Index, err = r.GetUint32(); err != nil {
			return nil, err
		}
		if m.Total, err = r.GetUint32(); err != nil {
			return nil, err
		}
		if m.Data, err = r.GetBytes(); err != nil {
			return nil, err
		}
		return m, checkDone(r)
	case tagDeltaHeads:
		var m DeltaHeads
		if m.Heads, err = r.GetIDs(); err != nil {
			return nil, err
		}
		return m, checkDone(r)
	case tagDeltaBatch:
		var m DeltaBatch
		n, err := r.GetUint32()
		if err != nil {
			return nil, err
		}
		m.Deltas = make([][]byte, 0, n)
		for i := uint32(0); i < n; i++ {
			d, err := r.GetBytes()
			if err != nil {
				return nil, err
			}
			m.Deltas = append(m.Deltas, d)
		}
		return m, checkDone(r)
	case tagRootDigestRequest:
		return RootDigestRequest{}, checkDone(r)
	case tagRootDigest:
		var m RootDigest
		if m.Hash, err = r.GetHash(); err != nil {
			return nil, err
		}
		return m, checkDone(r)
	case tagLeafHashesRequest:
		return LeafHashesRequest{}, checkDone(r)
	case tagLeafHashes:
		var m LeafHashes
		n, err := r.GetUint32()
		if err != nil {
			return nil, err
		}
		m.Hashes = make([][32]byte, 0, n)
		for i := uint32(0); i < n; i++ {
			h, err := r.GetHash()
			if err != nil {
				return nil, err
			}
			m.Hashes = append(m.Hashes, h)
		}
		return m, checkDone(r)
	case tagLeafPayloadRequest:
		var m LeafPayloadRequest
		if m.Index, err = r.GetUint32(); err != nil {
			return nil, err
		}
		return m, checkDone(r)
	case tagLeafPayload:
		var m LeafPayload
		if m.Index, err = r.GetUint32(); err != nil {
			return nil, err
		}
		n, err := r.GetUint32()
		if err != nil {
			return nil, err
		}
		m.Entries = make([]Entry, 0, n)
		for i := uint32(0); i < n; i++ {
			var e Entry
			if e.ID, err = r.GetID(); err != nil {
				return nil, err
			}
			if e.Data, err = r.GetBytes(); err != nil {
				return nil, err
			}
			m.Entries = append(m.Entries, e)
		}
		return m, checkDone(r)
	case tagFinalize:
		return Finalize{}, checkDone(r)
	default:
		return nil, fmt.Errorf("wire: unknown pairwise tag %d", tag)
	}
}
