// Package wire implements the deterministic binary codec used to put
// deltas, gossip messages, and stream frames on the network. There is no
// third-party binary framing library in the example pack with a stable,
// hand-auditable wire format, so this codec is hand-rolled on
// encoding/binary, mirroring the length-prefixed, fixed-endian style
// original_source's borsh-derived structs reduce to at the byte level.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/rechain/sovereignsync/crdt"
	"github.com/rechain/sovereignsync/dag"
	"github.com/rechain/sovereignsync/pkg/hlc"
	"github.com/rechain/sovereignsync/pkg/ids"
)

// Writer accumulates a wire-format message. Zero value is ready to use.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) PutByte(b byte) { w.buf = append(w.buf, b) }

func (w *Writer) PutUint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) PutUint64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) PutID(id ids.ID) { w.buf = append(w.buf, id.Bytes()...) }

func (w *Writer) PutHash(h [32]byte) { w.buf = append(w.buf, h[:]...) }

func (w *Writer) PutHLC(c hlc.Clock) { w.PutUint64(uint64(c)) }

// PutBytes writes a length-prefixed byte string.
func (w *Writer) PutBytes(b []byte) {
	w.PutUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// PutString writes a length-prefixed UTF-8 string.
func (w *Writer) PutString(s string) { w.PutBytes([]byte(s)) }

func (w *Writer) PutIDs(list []ids.ID) {
	w.PutUint32(uint32(len(list)))
	for _, id := range list {
		w.PutID(id)
	}
}

// Reader consumes a wire-format message produced by Writer, returning
// io.ErrUnexpectedEOF on truncation so callers can treat it as a
// recoverable decode failure rather than a panic.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(b []byte) *Reader { return &Reader{buf: b} }

func (r *Reader) remaining() int { return len(r.buf) - r.pos }

func (r *Reader) GetByte() (byte, error) {
	if r.remaining() < 1 {
		return 0, io.ErrUnexpectedEOF
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *Reader) GetUint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *Reader) GetUint64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *Reader) GetID() (ids.ID, error) {
	if r.remaining() < 32 {
		return ids.ID{}, io.ErrUnexpectedEOF
	}
	id, err := ids.FromBytes(r.buf[r.pos : r.pos+32])
	r.pos += 32
	return id, err
}

func (r *Reader) GetHash() ([32]byte, error) {
	var h [32]byte
	if r.remaining() < 32 {
		return h, io.ErrUnexpectedEOF
	}
	copy(h[:], r.buf[r.pos:r.pos+32])
	r.pos += 32
	return h, nil
}

func (r *Reader) GetHLC() (hlc.Clock, error) {
	v, err := r.GetUint64()
	return hlc.Clock(v), err
}

func (r *Reader) GetBytes() ([]byte, error) {
	n, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	if r.remaining() < int(n) {
		return nil, io.ErrUnexpectedEOF
	}
	out := append([]byte(nil), r.buf[r.pos:r.pos+int(n)]...)
	r.pos += int(n)
	return out, nil
}

func (r *Reader) GetString() (string, error) {
	b, err := r.GetBytes()
	return string(b), err
}

func (r *Reader) GetIDs() ([]ids.ID, error) {
	n, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	out := make([]ids.ID, 0, n)
	for i := uint32(0); i < n; i++ {
		id, err := r.GetID()
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// Done reports whether the reader has consumed the entire buffer. Trailing
// bytes after a decode usually indicate a version skew or corruption.
func (r *Reader) Done() bool { return r.remaining() == 0 }

// actionKind numeric tags, stable across versions (never renumber).
const (
	tagActionAdd byte = iota
	tagActionUpdate
	tagActionDelete
	tagActionCompare
)

func actionKindTag(k dag.ActionKind) (byte, error) {
	switch k {
	case dag.ActionAdd:
		return tagActionAdd, nil
	case dag.ActionUpdate:
		return tagActionUpdate, nil
	case dag.ActionDelete:
		return tagActionDelete, nil
	case dag.ActionCompare:
		return tagActionCompare, nil
	default:
		return 0, fmt.Errorf("wire: unknown action kind %q", k)
	}
}

func tagActionKind(tag byte) (dag.ActionKind, error) {
	switch tag {
	case tagActionAdd:
		return dag.ActionAdd, nil
	case tagActionUpdate:
		return dag.ActionUpdate, nil
	case tagActionDelete:
		return dag.ActionDelete, nil
	case tagActionCompare:
		return dag.ActionCompare, nil
	default:
		return "", fmt.Errorf("wire: unknown action tag %d", tag)
	}
}

// PutAction appends one dag.Action.
func (w *Writer) PutAction(a dag.Action) error {
	tag, err := actionKindTag(a.Kind)
	if err != nil {
		return err
	}
	w.PutByte(tag)
	w.PutID(a.EntityID)
	w.PutString(string(a.CRDTType))
	w.PutBytes(a.Data)
	w.PutHLC(a.DeletedAt)
	return nil
}

// GetAction decodes one dag.Action.
func (r *Reader) GetAction() (dag.Action, error) {
	var a dag.Action
	tag, err := r.GetByte()
	if err != nil {
		return a, err
	}
	if a.Kind, err = tagActionKind(tag); err != nil {
		return a, err
	}
	if a.EntityID, err = r.GetID(); err != nil {
		return a, err
	}
	typ, err := r.GetString()
	if err != nil {
		return a, err
	}
	a.CRDTType = crdt.CRDTType(typ)
	if a.Data, err = r.GetBytes(); err != nil {
		return a, err
	}
	if a.DeletedAt, err = r.GetHLC(); err != nil {
		return a, err
	}
	return a, nil
}

// EncodeActions serializes a delta's action list into the "artifact" blob
// gossip carries (spec §4.6: "Decode artifact into the delta's action
// list using the delta payload envelope").
func EncodeActions(actions []dag.Action) ([]byte, error) {
	w := NewWriter()
	w.PutUint32(uint32(len(actions)))
	for _, a := range actions {
		if err := w.PutAction(a); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

// DecodeActions is the inverse of EncodeActions.
func DecodeActions(artifact []byte) ([]dag.Action, error) {
	r := NewReader(artifact)
	n, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	out := make([]dag.Action, 0, n)
	for i := uint32(0); i < n; i++ {
		a, err := r.GetAction()
		if err != nil {
			return nil, fmt.Errorf("wire: decode action %d: %w", i, err)
		}
		out = append(out, a)
	}
	if !r.Done() {
		return nil, fmt.Errorf("wire: %d trailing bytes after actions", r.remaining())
	}
	return out, nil
}
