package wire

import (
	"fmt"

	"github.com/rechain/sovereignsync/pkg/hlc"
	"github.com/rechain/sovereignsync/pkg/ids"
)

// StateDelta is the gossip broadcast envelope for one causal delta
// (spec §4.6). Artifact is the action list, encoded via EncodeActions;
// Events are WASM-emitted side-channel notifications, opaque to gossip.
type StateDelta struct {
	ContextID  ids.ID
	AuthorID   ids.ID
	DeltaID    ids.ID
	ParentIDs  []ids.ID
	HLC        hlc.Clock
	RootHash   [32]byte
	Artifact   []byte
	Nonce      []byte
	Events     [][]byte
}

// HashHeartbeat is broadcast every 30s so peers can fast-detect
// divergence without waiting for a gossip delta (spec §4.6).
type HashHeartbeat struct {
	ContextID ids.ID
	RootHash  [32]byte
	DagHeads  []ids.ID
}

const (
	msgStateDelta byte = iota + 1
	msgHashHeartbeat
)

// EncodeStateDelta serializes a StateDelta for gossip transport.
func EncodeStateDelta(m StateDelta) []byte {
	w := NewWriter()
	w.PutByte(msgStateDelta)
	w.PutID(m.ContextID)
	w.PutID(m.AuthorID)
	w.PutID(m.DeltaID)
	w.PutIDs(m.ParentIDs)
	w.PutHLC(m.HLC)
	w.PutHash(m.RootHash)
	w.PutBytes(m.Artifact)
	w.PutBytes(m.Nonce)
	w.PutUint32(uint32(len(m.Events)))
	for _, e := range m.Events {
		w.PutBytes(e)
	}
	return w.Bytes()
}

// DecodeStateDelta is the inverse of EncodeStateDelta.
func DecodeStateDelta(b []byte) (StateDelta, error) {
	var m StateDelta
	r := NewReader(b)
	tag, err := r.GetByte()
	if err != nil {
		return m, err
	}
	if tag != msgStateDelta {
		return m, fmt.Errorf("wire: expected StateDelta tag %d, got %d", msgStateDelta, tag)
	}
	if m.ContextID, err = r.GetID(); err != nil {
		return m, err
	}
	if m.AuthorID, err = r.GetID(); err != nil {
		return m, err
	}
	if m.DeltaID, err = r.GetID(); err != nil {
		return m, err
	}
	if m.ParentIDs, err = r.GetIDs(); err != nil {
		return m, err
	}
	if m.HLC, err = r.GetHLC(); err != nil {
		return m, err
	}
	if m.RootHash, err = r.GetHash(); err != nil {
		return m, err
	}
	if m.Artifact, err = r.GetBytes(); err != nil {
		return m, err
	}
	if m.Nonce, err = r.GetBytes(); err != nil {
		return m, err
	}
	n, err := r.GetUint32()
	if err != nil {
		return m, err
	}
	m.Events = make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		e, err := r.GetBytes()
		if err != nil {
			return m, err
		}
		m.Events = append(m.Events, e)
	}
	if !r.Done() {
		return m, fmt.Errorf("wire: %d trailing bytes after StateDelta", r.remaining())
	}
	return m, nil
}

// EncodeHashHeartbeat serializes a HashHeartbeat for gossip transport.
func EncodeHashHeartbeat(m HashHeartbeat) []byte {
	w := NewWriter()
	w.PutByte(msgHashHeartbeat)
	w.PutID(m.ContextID)
	w.PutHash(m.RootHash)
	w.PutIDs(m.DagHeads)
	return w.Bytes()
}

// DecodeHashHeartbeat is the inverse of EncodeHashHeartbeat.
func DecodeHashHeartbeat(b []byte) (HashHeartbeat, error) {
	var m HashHeartbeat
	r := NewReader(b)
	tag, err := r.GetByte()
	if err != nil {
		return m, err
	}
	if tag != msgHashHeartbeat {
		return m, fmt.Errorf("wire: expected HashHeartbeat tag %d, got %d", msgHashHeartbeat, tag)
	}
	if m.ContextID, err = r.GetID(); err != nil {
		return m, err
	}
	if m.RootHash, err = r.GetHash(); err != nil {
		return m, err
	}
	if m.DagHeads, err = r.GetIDs(); err != nil {
		return m, err
	}
	if !r.Done() {
		return m, fmt.Errorf("wire: %d trailing bytes after HashHeartbeat", r.remaining())
	}
	return m, nil
}

// PeekMessageType inspects the leading tag byte of a gossip payload
// without fully decoding it, letting the gossip receive loop dispatch to
// the right decoder.
func PeekMessageType(b []byte) (isDelta, isHeartbeat bool) {
	if len(b) == 0 {
		return false, false
	}
	switch b[0] {
	case msgStateDelta:
		return true, false
	case msgHashHeartbeat:
		return false, true
	default:
		return false, false
	}
}
