// Package ids defines the 32-byte opaque identifiers used throughout the
// runtime for contexts, members, applications, blobs, and signers.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"

	"github.com/mr-tron/base58"
)

// Size is the fixed byte length of every identifier in the system.
const Size = 32

// ID is an opaque 32-byte identifier. The zero value is the distinguished
// Zero identifier marking genesis.
type ID [Size]byte

// Zero is the distinguished genesis identifier.
var Zero ID

// ErrInvalidLength is returned when decoding an identifier of the wrong size.
var ErrInvalidLength = errors.New("ids: invalid identifier length")

// New generates a random identifier by reading Size bytes from r.
func New(r io.Reader) (ID, error) {
	var id ID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return Zero, err
	}
	return id, nil
}

// Random generates a random identifier using crypto/rand.
func Random() ID {
	id, err := New(rand.Reader)
	if err != nil {
		// crypto/rand.Reader does not fail in practice; a failure here
		// indicates a broken entropy source, which is unrecoverable.
		panic("ids: system entropy source failed: " + err.Error())
	}
	return id
}

// FromBytes copies b into a new ID, returning an error if the length does
// not match Size.
func FromBytes(b []byte) (ID, error) {
	if len(b) != Size {
		return Zero, ErrInvalidLength
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// IsZero reports whether id is the genesis identifier.
func (id ID) IsZero() bool {
	return id == Zero
}

// Bytes returns the identifier's bytes as a freshly allocated slice.
func (id ID) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}

// Base58 returns the base58 display form of the identifier.
func (id ID) Base58() string {
	return base58.Encode(id[:])
}

// Hex returns the hexadecimal display form of the identifier, useful for
// log lines where base58's variable width is undesirable.
func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

// String implements fmt.Stringer using the base58 display form.
func (id ID) String() string {
	return id.Base58()
}

// ParseBase58 parses the base58 display form produced by Base58.
func ParseBase58(s string) (ID, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return Zero, err
	}
	return FromBytes(b)
}

// Less provides the canonical lexicographic byte ordering used for
// tie-breaking and deterministic iteration throughout the DAG and Merkle
// tree implementations.
func Less(a, b ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Compare returns -1, 0, or 1 comparing a and b lexicographically.
func Compare(a, b ID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Sort sorts ids in canonical lexicographic order in place.
func Sort(ids []ID) {
	// insertion sort: delta parent/action lists are small in practice and
	// this avoids pulling in sort.Slice's reflection overhead on a hot path.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && Less(ids[j], ids[j-1]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}
