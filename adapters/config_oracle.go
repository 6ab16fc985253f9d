// Package adapters holds the thin external-interface façades spec §4.11
// names but leaves implementation-defined: a ConfigOracle over whatever
// backs context/application/capability state, a WASMHost that executes
// application methods, and a PeerTransport that opens streams to peer ids.
// None of these have a teacher equivalent as a single package — each is
// grounded on a different piece of the pack, named per file below — so
// runtime, not any one adapter, is what the teacher's internal/gcl.Node
// most directly descends from.
package adapters

import (
	"fmt"

	"github.com/rechain/sovereignsync/pkg/ids"
	"github.com/rechain/sovereignsync/transport/stream"
)

// Manifest describes one context's application: which WASM module governs
// it and what capabilities it grants. Fields are deliberately minimal —
// spec §4.11 leaves the manifest format implementation-defined.
type Manifest struct {
	ApplicationID ids.ID
	WASMModule    []byte
	WASMRootHash  [32]byte
}

// Capability names one permission an account holds within a context (spec
// §4.11 "capabilities(ctx, account) -> {cap}"), e.g. "write", "propose",
// "admin". Left as a string rather than an enum since the capability
// vocabulary is application-defined, not protocol-defined.
type Capability string

// SignedRequest is whatever a caller presents for verify_signed: the raw
// bytes that were signed, the signature over them, and the signer's
// declared party id, resolved against ConfigOracle's own membership view.
type SignedRequest struct {
	SignerID  ids.ID
	Payload   []byte
	Signature []byte
}

// ConfigOracle is the spec §4.11 config oracle: the single source of truth
// for context membership, capability grants, application manifests, and
// signature verification. It satisfies gossip.MemberOracle and
// stream.MembershipChecker structurally (both need only IsMember), so one
// ConfigOracle implementation wires into every layer that consults
// membership.
type ConfigOracle interface {
	// IsMember reports whether partyID currently belongs to contextID
	// (spec §4.11 "members(ctx) -> {id}" narrowed to a membership test,
	// the only shape gossip/transport ever need).
	IsMember(contextID, partyID ids.ID) bool
	// Members lists every current member of contextID (spec §4.11
	// "members(ctx) -> {id}"), the shape sync/scheduler.MemberLister needs.
	Members(contextID ids.ID) []ids.ID
	// Capabilities reports the capability set account holds within
	// contextID (spec §4.11 "capabilities(ctx, account) -> {cap}").
	Capabilities(contextID, account ids.ID) []Capability
	// Application returns contextID's governing manifest (spec §4.11
	// "application(ctx) -> manifest").
	Application(contextID ids.ID) (Manifest, error)
	// VerifySigned checks req's signature against the signer's declared
	// identity (spec §4.11 "verify_signed(request)").
	VerifySigned(req SignedRequest) bool
}

var _ stream.MembershipChecker = ConfigOracle(nil)

// StaticOracle is a fixed-membership ConfigOracle for tests and
// single-operator deployments that have no external membership service to
// consult. Unknown contexts have no members and no manifest.
type StaticOracle struct {
	members      map[ids.ID][]ids.ID
	capabilities map[ids.ID]map[ids.ID][]Capability
	manifests    map[ids.ID]Manifest
	identities   map[ids.ID][]byte // party id -> uncompressed secp256k1 public key
}

// NewStaticOracle builds an empty StaticOracle; use the With* methods to
// populate it before passing it to gossip.New / sync/scheduler.New /
// transport/stream.Handshake callers.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{
		members:      make(map[ids.ID][]ids.ID),
		capabilities: make(map[ids.ID]map[ids.ID][]Capability),
		manifests:    make(map[ids.ID]Manifest),
		identities:   make(map[ids.ID][]byte),
	}
}

// WithMembers registers contextID's member set.
func (o *StaticOracle) WithMembers(contextID ids.ID, members ...ids.ID) *StaticOracle {
	o.members[contextID] = append([]ids.ID(nil), members...)
	return o
}

// WithCapabilities grants account the given capabilities within contextID.
func (o *StaticOracle) WithCapabilities(contextID, account ids.ID, caps ...Capability) *StaticOracle {
	if o.capabilities[contextID] == nil {
		o.capabilities[contextID] = make(map[ids.ID][]Capability)
	}
	o.capabilities[contextID][account] = append([]Capability(nil), caps...)
	return o
}

// WithManifest registers contextID's governing application manifest.
func (o *StaticOracle) WithManifest(contextID ids.ID, m Manifest) *StaticOracle {
	o.manifests[contextID] = m
	return o
}

// WithIdentity registers partyID's declared public key, used by
// VerifySigned.
func (o *StaticOracle) WithIdentity(partyID ids.ID, publicKey []byte) *StaticOracle {
	o.identities[partyID] = publicKey
	return o
}

var _ ConfigOracle = (*StaticOracle)(nil)

func (o *StaticOracle) IsMember(contextID, partyID ids.ID) bool {
	for _, m := range o.members[contextID] {
		if m == partyID {
			return true
		}
	}
	return false
}

func (o *StaticOracle) Members(contextID ids.ID) []ids.ID {
	return append([]ids.ID(nil), o.members[contextID]...)
}

func (o *StaticOracle) Capabilities(contextID, account ids.ID) []Capability {
	return append([]Capability(nil), o.capabilities[contextID][account]...)
}

func (o *StaticOracle) Application(contextID ids.ID) (Manifest, error) {
	m, ok := o.manifests[contextID]
	if !ok {
		return Manifest{}, fmt.Errorf("adapters: no application manifest registered for context %s", contextID.Hex())
	}
	return m, nil
}

// VerifySigned checks req.Signature against the public key WithIdentity
// registered for req.SignerID, reusing transport/stream's secp256k1
// verifier (the same primitive the handshake's identity proof checks)
// rather than standing up a second signature scheme.
func (o *StaticOracle) VerifySigned(req SignedRequest) bool {
	pub, ok := o.identities[req.SignerID]
	if !ok {
		return false
	}
	return stream.VerifyNonceSignature(pub, req.Payload, req.Signature)
}
