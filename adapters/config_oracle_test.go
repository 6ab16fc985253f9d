package adapters

import (
	"testing"

	"github.com/rechain/sovereignsync/pkg/ids"
	"github.com/rechain/sovereignsync/transport/stream"
)

func TestStaticOracleMembership(t *testing.T) {
	ctx := ids.Random()
	alice := ids.Random()
	bob := ids.Random()

	o := NewStaticOracle().WithMembers(ctx, alice, bob)

	if !o.IsMember(ctx, alice) {
		t.Fatal("expected alice to be a member")
	}
	if o.IsMember(ctx, ids.Random()) {
		t.Fatal("unexpected stranger reported as member")
	}
	if len(o.Members(ctx)) != 2 {
		t.Fatalf("expected 2 members, got %d", len(o.Members(ctx)))
	}
}

func TestStaticOracleCapabilitiesAndManifest(t *testing.T) {
	ctx := ids.Random()
	account := ids.Random()

	o := NewStaticOracle().WithCapabilities(ctx, account, "write", "propose")
	caps := o.Capabilities(ctx, account)
	if len(caps) != 2 {
		t.Fatalf("expected 2 capabilities, got %d", len(caps))
	}

	m := Manifest{ApplicationID: ids.Random()}
	o.WithManifest(ctx, m)
	got, err := o.Application(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ApplicationID != m.ApplicationID {
		t.Fatal("application manifest mismatch")
	}

	if _, err := o.Application(ids.Random()); err == nil {
		t.Fatal("expected error for unregistered context")
	}
}

func TestStaticOracleVerifySigned(t *testing.T) {
	key, err := stream.NewIdentityKey()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	signer := ids.Random()
	o := NewStaticOracle().WithIdentity(signer, key.PublicKeyBytes())

	payload := []byte("hello world")
	sig, err := key.SignNonce(payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if !o.VerifySigned(SignedRequest{SignerID: signer, Payload: payload, Signature: sig}) {
		t.Fatal("expected valid signature to verify")
	}
	if o.VerifySigned(SignedRequest{SignerID: signer, Payload: []byte("tampered"), Signature: sig}) {
		t.Fatal("expected tampered payload to fail verification")
	}
	if o.VerifySigned(SignedRequest{SignerID: ids.Random(), Payload: payload, Signature: sig}) {
		t.Fatal("expected unknown signer to fail verification")
	}
}

var _ stream.MembershipChecker = (*StaticOracle)(nil)
