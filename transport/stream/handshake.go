package stream

import (
	"context"
	"fmt"
	"io"

	"github.com/rechain/sovereignsync/pkg/ids"
	"github.com/rechain/sovereignsync/wire"
)

// handshakeHello is exchanged in the clear before any encryption exists:
// X25519 public keys and nonce commitments are not secret, only the
// session key derived from them is.
type handshakeHello struct {
	EphemeralPublic [32]byte
	IdentityPubKey  []byte
	SessionNonce    []byte // freshly generated, signed during identity proof
	InitialNonce    [12]byte
}

func encodeHello(h handshakeHello) []byte {
	w := wire.NewWriter()
	w.PutBytes(h.EphemeralPublic[:])
	w.PutBytes(h.IdentityPubKey)
	w.PutBytes(h.SessionNonce)
	w.PutBytes(h.InitialNonce[:])
	return w.Bytes()
}

func decodeHello(b []byte) (handshakeHello, error) {
	var h handshakeHello
	r := wire.NewReader(b)
	eph, err := r.GetBytes()
	if err != nil || len(eph) != 32 {
		return h, fmt.Errorf("stream: malformed ephemeral public key")
	}
	copy(h.EphemeralPublic[:], eph)
	if h.IdentityPubKey, err = r.GetBytes(); err != nil {
		return h, err
	}
	if h.SessionNonce, err = r.GetBytes(); err != nil {
		return h, err
	}
	initN, err := r.GetBytes()
	if err != nil || len(initN) != 12 {
		return h, fmt.Errorf("stream: malformed initial nonce commitment")
	}
	copy(h.InitialNonce[:], initN)
	return h, nil
}

// HandshakeResult carries everything a caller needs after a successful
// handshake: the live, encrypted Session plus the verified identity of
// the remote party.
type HandshakeResult struct {
	Session        *Session
	RemotePartyID  ids.ID
	RemoteIdentity []byte // uncompressed secp256k1 public key
}

// Handshake performs the X25519 exchange, builds the session's AES keys,
// and completes the mutual identity proof over the now-encrypted channel
// (spec §4.5 "Identity proof"). Both sides must call Handshake
// concurrently over the same connection; isInitiator only affects key
// directionality, not message order (the exchange is symmetric).
func Handshake(
	ctx context.Context,
	rw io.ReadWriter,
	contextID, localPartyID, remotePartyID ids.ID,
	identity *IdentityKey,
	membership MembershipChecker,
	isInitiator bool,
) (*HandshakeResult, error) {
	localKP, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	localNonceCommit, err := randomNonce()
	if err != nil {
		return nil, err
	}
	sessionNonce, err := randomNonce()
	if err != nil {
		return nil, err
	}

	localHello := handshakeHello{
		EphemeralPublic: localKP.Public,
		IdentityPubKey:  identity.PublicKeyBytes(),
		SessionNonce:    sessionNonce[:],
		InitialNonce:    localNonceCommit,
	}

	var remoteHello handshakeHello
	if err := exchange(rw, localHello, &remoteHello); err != nil {
		return nil, fmt.Errorf("stream: handshake exchange: %w", err)
	}

	shared, err := SharedSecret(localKP.Private, remoteHello.EphemeralPublic)
	if err != nil {
		return nil, err
	}

	session, err := NewSession(rw, shared, isInitiator, localNonceCommit, remoteHello.InitialNonce)
	if err != nil {
		return nil, err
	}

	// Identity proof: each side signs the *other's* session nonce and
	// sends the signature as its Init frame payload.
	localProof, err := identity.SignNonce(remoteHello.SessionNonce)
	if err != nil {
		return nil, err
	}
	if err := session.SendInit(ctx, contextID, localPartyID, localProof); err != nil {
		return nil, fmt.Errorf("stream: send identity proof: %w", err)
	}

	received, err := session.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream: receive identity proof: %w", err)
	}
	if received.Kind != wire.FrameInit {
		_ = session.Abort(ctx, "expected_init")
		return nil, fmt.Errorf("stream: expected Init frame for identity proof, got %v", received.Kind)
	}

	if !VerifyNonceSignature(remoteHello.IdentityPubKey, sessionNonce[:], received.Payload) {
		_ = session.Abort(ctx, "identity_proof_failed")
		return nil, fmt.Errorf("stream: remote identity proof failed verification")
	}
	if membership != nil && !membership.IsMember(contextID, received.Init.PartyID) {
		_ = session.Abort(ctx, "not_a_member")
		return nil, fmt.Errorf("stream: party %s is not a member of context %s", received.Init.PartyID.Hex(), contextID.Hex())
	}

	return &HandshakeResult{
		Session:        session,
		RemotePartyID:  received.Init.PartyID,
		RemoteIdentity: remoteHello.IdentityPubKey,
	}, nil
}

// exchange writes local then reads remote, relying on the caller's rw
// being full-duplex (e.g. a net.Conn or an in-memory io.Pipe pair); for a
// half-duplex transport the initiator and responder must alternate at a
// higher layer.
func exchange(rw io.ReadWriter, local handshakeHello, remote *handshakeHello) error {
	if err := writeFrame(rw, encodeHello(local)); err != nil {
		return err
	}
	raw, err := readFrame(rw)
	if err != nil {
		return err
	}
	decoded, err := decodeHello(raw)
	if err != nil {
		return err
	}
	*remote = decoded
	return nil
}
