package oid

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// Size is the fixed width of an object ID in bytes.
const Size = 20

var ErrInvalidLength = errors.New("object id must be exactly 20 bytes")

// ID identifies a single object. IDs are opaque fixed-width values and
// compare by raw bytes.
type ID [Size]byte

// FromBytes builds an ID from a raw 20-byte slice.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, fmt.Errorf("%w: got %d bytes", ErrInvalidLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// FromHex builds an ID from its 40-character hex form.
func FromHex(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("object id %q is not valid hex: %w", s, err)
	}
	return FromBytes(b)
}

// Random returns a new ID drawn from crypto/rand.
func Random() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic(err)
	}
	return id
}

func (id ID) Bytes() []byte { return id[:] }

func (id ID) String() string { return hex.EncodeToString(id[:]) }
