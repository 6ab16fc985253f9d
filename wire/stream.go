package wire

import (
	"fmt"

	"github.com/rechain/sovereignsync/pkg/ids"
)

// FrameKind discriminates the three encrypted stream frame types
// (spec §4.5 "Init | Message | OpaqueError").
type FrameKind byte

const (
	FrameInit FrameKind = iota + 1
	FrameMessage
	FrameOpaqueError
)

// InitFrame opens an encrypted stream session.
type InitFrame struct {
	ContextID ids.ID
	PartyID   ids.ID
	Payload   []byte
	NextNonce []byte
}

// MessageFrame carries one sequenced, encrypted application payload.
type MessageFrame struct {
	SequenceID uint64
	Payload    []byte
	NextNonce  []byte
}

// OpaqueErrorFrame closes a session without leaking decryption detail to
// the wire; Reason is a coarse, non-sensitive classification.
type OpaqueErrorFrame struct {
	Reason string
}

// EncodeInit serializes an InitFrame.
func EncodeInit(f InitFrame) []byte {
	w := NewWriter()
	w.PutByte(byte(FrameInit))
	w.PutID(f.ContextID)
	w.PutID(f.PartyID)
	w.PutBytes(f.Payload)
	w.PutBytes(f.NextNonce)
	return w.Bytes()
}

// EncodeMessage serializes a MessageFrame.
func EncodeMessage(f MessageFrame) []byte {
	w := NewWriter()
	w.PutByte(byte(FrameMessage))
	w.PutUint64(f.SequenceID)
	w.PutBytes(f.Payload)
	w.PutBytes(f.NextNonce)
	return w.Bytes()
}

// EncodeOpaqueError serializes an OpaqueErrorFrame.
func EncodeOpaqueError(f OpaqueErrorFrame) []byte {
	w := NewWriter()
	w.PutByte(byte(FrameOpaqueError))
	w.PutString(f.Reason)
	return w.Bytes()
}

// DecodeFrame sniffs the leading tag byte and decodes into exactly one of
// the three frame types, returning which kind it found.
func DecodeFrame(b []byte) (FrameKind, any, error) {
	r := NewReader(b)
	tag, err := r.GetByte()
	if err != nil {
		return 0, nil, err
	}
	switch FrameKind(tag) {
	case FrameInit:
		var f InitFrame
		if f.ContextID, err = r.GetID(); err != nil {
			return 0, nil, err
		}
		if f.PartyID, err = r.GetID(); err != nil {
			return 0, nil, err
		}
		if f.Payload, err = r.GetBytes(); err != nil {
			return 0, nil, err
		}
		if f.NextNonce, err = r.GetBytes(); err != nil {
			return 0, nil, err
		}
		return FrameInit, f, checkDone(r)
	case FrameMessage:
		var f MessageFrame
		if f.SequenceID, err = r.GetUint64(); err != nil {
			return 0, nil, err
		}
		if f.Payload, err = r.GetBytes(); err != nil {
			return 0, nil, err
		}
		if f.NextNonce, err = r.GetBytes(); err != nil {
			return 0, nil, err
		}
		return FrameMessage, f, checkDone(r)
	case FrameOpaqueError:
		var f OpaqueErrorFrame
		if f.Reason, err = r.GetString(); err != nil {
			return 0, nil, err
		}
		return FrameOpaqueError, f, checkDone(r)
	default:
		return 0, nil, fmt.Errorf("wire: unknown frame tag %d", tag)
	}
}

func checkDone(r *Reader) error {
	if !r.Done() {
		return fmt.Errorf("wire: %d trailing bytes after frame", r.remaining())
	}
	return nil
}
