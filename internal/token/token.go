// Package token implements stateless Retry tokens for QUIC address validation.
//
// A token binds the peer address, the original destination connection ID and
// the issue time under a MAC keyed from a secret that lives as long as the
// socket. Nothing is stored per client: verification recomputes the MAC from
// the presenting packet.
//
// Token layout:
//
//	Version  [1 byte]
//	Issued   [8 bytes]  - unix nanoseconds, big-endian
//	ODCIDLen [1 byte]
//	ODCID    [0-20 bytes]
//	MAC      [32 bytes] - keyed BLAKE2b-256
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"

	"github.com/postalsys/quicmux/internal/cid"
)

const (
	// SecretSize is the size of the per-socket secret.
	SecretSize = 32

	// MACSize is the size of the token authenticator.
	MACSize = blake2b.Size256

	// DefaultValidity is how long an issued token is accepted.
	DefaultValidity = 10 * time.Second

	tokenVersion = 1
	headerSize   = 1 + 8 + 1

	// MinSize is the size of a token carrying an empty ODCID.
	MinSize = headerSize + MACSize
	// MaxSize is the size of a token carrying a 20-byte ODCID.
	MaxSize = MinSize + cid.MaxLen

	hkdfInfo = "quicmux-retry-token-v1"
)

// ErrInvalidToken is the only error Verify returns. Callers cannot tell a
// forged token from an expired one.
var ErrInvalidToken = errors.New("invalid retry token")

// Engine issues and verifies Retry tokens. It holds no mutable state.
type Engine struct {
	key    [32]byte
	window time.Duration
}

// New creates an engine from secret. A non-positive window selects
// DefaultValidity.
func New(secret []byte, window time.Duration) *Engine {
	if window <= 0 {
		window = DefaultValidity
	}

	e := &Engine{window: window}
	reader := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(reader, e.key[:]); err != nil {
		// HKDF-SHA256 can emit far more than 32 bytes.
		panic(fmt.Sprintf("HKDF failed: %v", err))
	}
	return e
}

// NewRandom creates an engine with a fresh secret from crypto/rand.
func NewRandom(window time.Duration) (*Engine, error) {
	secret := make([]byte, SecretSize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("generate token secret: %w", err)
	}
	e := New(secret, window)
	for i := range secret {
		secret[i] = 0
	}
	return e, nil
}

// Window returns the validity window.
func (e *Engine) Window() time.Duration {
	return e.window
}

// Issue returns a token for addr and odcid stamped with now.
func (e *Engine) Issue(addr netip.AddrPort, odcid cid.ID, now time.Time) []byte {
	b := make([]byte, headerSize, MinSize+odcid.Len())
	b[0] = tokenVersion
	binary.BigEndian.PutUint64(b[1:9], uint64(now.UnixNano()))
	b[9] = byte(odcid.Len())
	b = append(b, odcid.Bytes()...)
	return append(b, e.mac(addr, b)...)
}

// Verify checks tok against the presenting address and returns the original
// destination connection ID it carries.
func (e *Engine) Verify(tok []byte, addr netip.AddrPort, now time.Time) (cid.ID, error) {
	if len(tok) < MinSize || len(tok) > MaxSize {
		return cid.ID{}, ErrInvalidToken
	}

	odcidLen := int(tok[9])
	body := headerSize + odcidLen
	if odcidLen > cid.MaxLen || len(tok) != body+MACSize {
		return cid.ID{}, ErrInvalidToken
	}

	expected := e.mac(addr, tok[:body])
	macOK := subtle.ConstantTimeCompare(expected, tok[body:]) == 1

	issued := time.Unix(0, int64(binary.BigEndian.Uint64(tok[1:9])))
	age := now.Sub(issued)
	fresh := age >= 0 && age <= e.window

	if !macOK || !fresh || tok[0] != tokenVersion {
		return cid.ID{}, ErrInvalidToken
	}

	id, err := cid.FromBytes(tok[headerSize:body])
	if err != nil {
		return cid.ID{}, ErrInvalidToken
	}
	return id, nil
}

// mac authenticates the address fingerprint followed by the token body.
func (e *Engine) mac(addr netip.AddrPort, body []byte) []byte {
	h, err := blake2b.New256(e.key[:])
	if err != nil {
		panic(fmt.Sprintf("blake2b: %v", err))
	}
	h.Write(fingerprint(addr))
	h.Write(body)
	return h.Sum(nil)
}

// fingerprint encodes the peer address as 16 address bytes and 2 port bytes.
// IPv4-mapped IPv6 addresses fingerprint the same as plain IPv4.
func fingerprint(addr netip.AddrPort) []byte {
	var fp [18]byte
	a16 := addr.Addr().Unmap().As16()
	copy(fp[:16], a16[:])
	binary.BigEndian.PutUint16(fp[16:], addr.Port())
	return fp[:]
}
