// Package cid provides the connection identifier value type used as the
// routing key for QUIC sessions.
package cid

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go"
)

const (
	// MaxLen is the longest connection ID allowed by QUIC version 1 and 2.
	MaxLen = 20

	// DefaultLen is the length of locally generated connection IDs.
	DefaultLen = 8

	// MinServerLen is the shortest server-chosen ID that still leaves room
	// for enough entropy to route on.
	MinServerLen = 4
)

// ErrTooLong is returned when a byte string exceeds MaxLen.
var ErrTooLong = errors.New("connection ID exceeds 20 bytes")

// ID is an immutable connection identifier of 0 to 20 bytes.
// Two IDs are equal only if their bytes are equal, so ID can be used directly
// as a map key.
type ID struct {
	c quic.ConnectionID
}

// FromBytes copies b into a new ID.
func FromBytes(b []byte) (ID, error) {
	if len(b) > MaxLen {
		return ID{}, fmt.Errorf("%w: got %d", ErrTooLong, len(b))
	}
	return ID{c: quic.ConnectionIDFromBytes(b)}, nil
}

// MustFromBytes is like FromBytes but panics on oversized input.
// Intended for constants and tests.
func MustFromBytes(b []byte) ID {
	id, err := FromBytes(b)
	if err != nil {
		panic(err)
	}
	return id
}

// FromQUIC converts a quic-go connection ID.
func FromQUIC(c quic.ConnectionID) ID {
	return ID{c: c}
}

// Parse decodes a hex string.
func Parse(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("invalid connection ID %q: %w", s, err)
	}
	return FromBytes(b)
}

// Bytes returns a copy of the identifier bytes.
func (id ID) Bytes() []byte {
	return id.c.Bytes()
}

// Len returns the identifier length in bytes.
func (id ID) Len() int {
	return id.c.Len()
}

// IsZero reports whether the ID is empty.
func (id ID) IsZero() bool {
	return id.c.Len() == 0
}

// QUIC returns the quic-go representation.
func (id ID) QUIC() quic.ConnectionID {
	return id.c
}

// String returns the lowercase hex encoding, or "(empty)".
func (id ID) String() string {
	if id.IsZero() {
		return "(empty)"
	}
	return hex.EncodeToString(id.c.Bytes())
}

// Generator creates random connection IDs of a fixed length.
// It satisfies quic.ConnectionIDGenerator.
type Generator struct {
	length int
	rand   io.Reader
}

// NewGenerator returns a generator for IDs of the given length.
// A length outside 1..MaxLen falls back to DefaultLen.
func NewGenerator(length int) *Generator {
	if length <= 0 || length > MaxLen {
		length = DefaultLen
	}
	return &Generator{length: length, rand: rand.Reader}
}

// Generate returns a new random ID.
func (g *Generator) Generate() (ID, error) {
	b := make([]byte, g.length)
	if _, err := io.ReadFull(g.rand, b); err != nil {
		return ID{}, fmt.Errorf("generate connection ID: %w", err)
	}
	return FromBytes(b)
}

// GenerateConnectionID implements quic.ConnectionIDGenerator.
func (g *Generator) GenerateConnectionID() (quic.ConnectionID, error) {
	id, err := g.Generate()
	if err != nil {
		return quic.ConnectionID{}, err
	}
	return id.c, nil
}

// ConnectionIDLen implements quic.ConnectionIDGenerator.
func (g *Generator) ConnectionIDLen() int {
	return g.length
}

var _ quic.ConnectionIDGenerator = (*Generator)(nil)
