package stream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rechain/sovereignsync/pkg/ids"
	"github.com/rechain/sovereignsync/wire"
)

// DefaultTimeout is the per-session deadline (spec §4.5 "Timeout (default
// 30s) aborts the session").
const DefaultTimeout = 30 * time.Second

// ErrSequenceMismatch is returned when an incoming Message frame's
// sequence id does not equal the expected next value, guarding against
// reordering or replay (spec §4.5).
var ErrSequenceMismatch = errors.New("stream: sequence mismatch")

// ErrNonceMismatch is returned when a frame does not use the nonce the
// prior frame committed to via next_nonce.
var ErrNonceMismatch = errors.New("stream: nonce chain broken")

// MembershipChecker consults the config oracle for identity-proof
// verification (spec §4.5 "the verifier consults its context membership
// set").
type MembershipChecker interface {
	IsMember(contextID, partyID ids.ID) bool
}

// Session is one established, encrypted pairwise stream. Every
// ciphertext frame is authenticated with AES-256-GCM under a key derived
// from an X25519 ECDH exchange; nonces are chained one frame ahead via
// next_nonce so neither side ever reuses or predicts the other's nonce
// in advance.
type Session struct {
	rw io.ReadWriter

	sendCipher cipherState
	recvCipher cipherState

	sendSeq uint64 // last sequence id this side sent
	recvSeq uint64 // last sequence id accepted from the peer; 0 before any Message frame

	closed bool
}

type cipherState struct {
	key         []byte
	committedN  [12]byte
}

// NewSession derives a session from a completed X25519 exchange. dir
// selects which side's nonce commitment is used first for sending versus
// receiving, so that two sessions built from the same shared secret on
// either end of a connection do not collide.
func NewSession(rw io.ReadWriter, shared [32]byte, localIsInitiator bool, initialSendNonce, initialRecvNonce [12]byte) (*Session, error) {
	sendSalt, recvSalt := []byte("initiator->responder"), []byte("responder->initiator")
	if !localIsInitiator {
		sendSalt, recvSalt = recvSalt, sendSalt
	}

	sendKey, err := deriveAESKey(shared, sendSalt)
	if err != nil {
		return nil, err
	}
	recvKey, err := deriveAESKey(shared, recvSalt)
	if err != nil {
		return nil, err
	}

	return &Session{
		rw:         rw,
		sendCipher: cipherState{key: sendKey, committedN: initialSendNonce},
		recvCipher: cipherState{key: recvKey, committedN: initialRecvNonce},
	}, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("stream: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("stream: write frame body: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("stream: read frame body: %w", err)
	}
	return buf, nil
}

// seal encrypts plaintext under the current send commitment, advances it
// to a fresh randomly generated nonce, and returns both the ciphertext
// and the nonce the frame should announce as next_nonce.
func (s *Session) seal(plaintext []byte) (ciphertext []byte, nextNonce [12]byte, err error) {
	gcm, err := newGCM(s.sendCipher.key)
	if err != nil {
		return nil, nextNonce, err
	}
	ciphertext = gcm.Seal(nil, s.sendCipher.committedN[:], plaintext, nil)

	next, err := randomNonce()
	if err != nil {
		return nil, nextNonce, err
	}
	s.sendCipher.committedN = next
	return ciphertext, next, nil
}

// open decrypts ciphertext under the current receive commitment, then
// advances that commitment to announcedNext (the sender's promise for
// its following frame).
func (s *Session) open(ciphertext []byte, announcedNext [12]byte) ([]byte, error) {
	gcm, err := newGCM(s.recvCipher.key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, s.recvCipher.committedN[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("stream: decrypt: %w", err)
	}
	s.recvCipher.committedN = announcedNext
	return plaintext, nil
}

// SendInit opens the session with an Init frame.
func (s *Session) SendInit(ctx context.Context, contextID, partyID ids.ID, payload []byte) error {
	return s.withDeadline(ctx, func() error {
		ciphertext, next, err := s.seal(payload)
		if err != nil {
			return err
		}
		frame := wire.EncodeInit(wire.InitFrame{ContextID: contextID, PartyID: partyID, Payload: ciphertext, NextNonce: next[:]})
		return writeFrame(s.rw, frame)
	})
}

// SendMessage sends the next sequenced application payload.
func (s *Session) SendMessage(ctx context.Context, payload []byte) error {
	return s.withDeadline(ctx, func() error {
		ciphertext, next, err := s.seal(payload)
		if err != nil {
			return err
		}
		s.sendSeq++
		frame := wire.EncodeMessage(wire.MessageFrame{SequenceID: s.sendSeq, Payload: ciphertext, NextNonce: next[:]})
		return writeFrame(s.rw, frame)
	})
}

// Abort closes the session with an OpaqueError frame, never leaking why
// (spec §4.5 "any decryption or sequence failure... emits OpaqueError").
func (s *Session) Abort(ctx context.Context, reason string) error {
	s.closed = true
	return s.withDeadline(ctx, func() error {
		return writeFrame(s.rw, wire.EncodeOpaqueError(wire.OpaqueErrorFrame{Reason: reason}))
	})
}

// Received is the decoded, decrypted result of one inbound frame.
type Received struct {
	Kind    wire.FrameKind
	Init    *wire.InitFrame
	Payload []byte // decrypted Message payload, or the Init payload
	Reason  string // set only for FrameOpaqueError
}

// Receive reads and decrypts the next inbound frame, enforcing sequence
// and nonce-chain guards on Message frames.
func (s *Session) Receive(ctx context.Context) (*Received, error) {
	var out *Received
	err := s.withDeadline(ctx, func() error {
		raw, err := readFrame(s.rw)
		if err != nil {
			return err
		}
		kind, decoded, err := wire.DecodeFrame(raw)
		if err != nil {
			return err
		}
		switch kind {
		case wire.FrameInit:
			f := decoded.(wire.InitFrame)
			var next [12]byte
			if len(f.NextNonce) != 12 {
				return fmt.Errorf("%w: init next_nonce wrong length", ErrNonceMismatch)
			}
			copy(next[:], f.NextNonce)
			plaintext, err := s.open(f.Payload, next)
			if err != nil {
				return err
			}
			out = &Received{Kind: kind, Init: &f, Payload: plaintext}
			return nil
		case wire.FrameMessage:
			f := decoded.(wire.MessageFrame)
			if f.SequenceID != s.recvSeq+1 {
				return fmt.Errorf("%w: expected %d, got %d", ErrSequenceMismatch, s.recvSeq+1, f.SequenceID)
			}
			var next [12]byte
			if len(f.NextNonce) != 12 {
				return fmt.Errorf("%w: message next_nonce wrong length", ErrNonceMismatch)
			}
			copy(next[:], f.NextNonce)
			plaintext, err := s.open(f.Payload, next)
			if err != nil {
				return err
			}
			s.recvSeq = f.SequenceID
			out = &Received{Kind: kind, Payload: plaintext}
			return nil
		case wire.FrameOpaqueError:
			f := decoded.(wire.OpaqueErrorFrame)
			s.closed = true
			out = &Received{Kind: kind, Reason: f.Reason}
			return nil
		default:
			return fmt.Errorf("stream: unhandled frame kind %v", kind)
		}
	})
	return out, err
}

func (s *Session) withDeadline(ctx context.Context, fn func() error) error {
	if s.closed {
		return errors.New("stream: session closed")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.closed = true
		return ctx.Err()
	}
}
