// Package ident provides the 32-byte identity word used throughout molt.
// Caller identities, module references and reserved slot names all share
// this shape, so equality and null checks are uniform.
package ident

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// ID is a 32-byte identity word.
type ID [32]byte

// Zero is the null identity.
var Zero ID

// FromLabel derives a deterministic ID from a label string.
func FromLabel(label string) ID {
	return ID(blake3.Sum256([]byte(label)))
}

// FromBytes builds an ID from exactly 32 bytes.
func FromBytes(b []byte) (ID, error) {
	if len(b) != 32 {
		return Zero, fmt.Errorf("identity must be 32 bytes, got %d", len(b))
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// Parse decodes a 64-character hex string into an ID.
func Parse(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Zero, fmt.Errorf("parse identity: %w", err)
	}
	return FromBytes(b)
}

// MustParse is Parse that panics on error. For constants and tests.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// IsZero reports whether the ID is the null identity.
func (id ID) IsZero() bool {
	return id == Zero
}

// Equal reports whether two IDs are the same word.
func (id ID) Equal(other ID) bool {
	return bytes.Equal(id[:], other[:])
}

// Bytes returns the ID as a fresh slice.
func (id ID) Bytes() []byte {
	b := make([]byte, 32)
	copy(b, id[:])
	return b
}

// String returns the full hex encoding.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters, for logs and display.
func (id ID) Short() string {
	return hex.EncodeToString(id[:4])
}
