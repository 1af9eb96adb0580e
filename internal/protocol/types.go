// Package protocol implements the QUIC packet framing needed to route
// datagrams: long and short header parsing up to the connection IDs, and the
// two stateless packets a server emits before a session exists (Retry and
// Version Negotiation).
package protocol

import (
	"errors"
	"strconv"

	"github.com/quic-go/quic-go"
)

var (
	// ErrInvalidHeader is returned for datagrams whose header cannot be parsed.
	ErrInvalidHeader = errors.New("invalid packet header")

	// ErrUnsupportedVersion is returned when building a packet for a version
	// whose wire image is unknown.
	ErrUnsupportedVersion = errors.New("unsupported QUIC version")
)

// Protocol constants
const (
	// MinInitialDatagramSize is the smallest datagram that may carry a client
	// Initial packet. Smaller Initials are dropped to bound amplification.
	MinInitialDatagramSize = 1200

	// MinInitialDCIDLen is the shortest Destination Connection ID a client
	// may choose for its first Initial.
	MinInitialDCIDLen = 8

	// MaxDatagramSize is the largest UDP payload.
	MaxDatagramSize = 65527

	// RetryIntegrityTagSize is the size of the AEAD tag closing a Retry packet.
	RetryIntegrityTagSize = 16

	longHeaderBit = 0x80
	fixedBit      = 0x40

	// byte0 + version + dcid len + scid len
	minLongHeaderSize = 1 + 4 + 1 + 1
)

// PacketType classifies a parsed packet.
type PacketType uint8

const (
	PacketUnknown PacketType = iota
	PacketInitial
	Packet0RTT
	PacketHandshake
	PacketRetry
	PacketVersionNegotiation
	PacketOneRTT
)

// String returns a human-readable name for the packet type.
func (t PacketType) String() string {
	switch t {
	case PacketInitial:
		return "Initial"
	case Packet0RTT:
		return "0-RTT"
	case PacketHandshake:
		return "Handshake"
	case PacketRetry:
		return "Retry"
	case PacketVersionNegotiation:
		return "VersionNegotiation"
	case PacketOneRTT:
		return "1-RTT"
	default:
		return "Unknown"
	}
}

// versionNegotiation is the reserved version of Version Negotiation packets.
const versionNegotiation quic.Version = 0

// KnownVersions lists the versions whose long header image this package can
// read and write.
var KnownVersions = []quic.Version{quic.Version1, quic.Version2}

// IsKnownVersion reports whether v is in KnownVersions.
func IsKnownVersion(v quic.Version) bool {
	return v == quic.Version1 || v == quic.Version2
}

// ParseVersion accepts "v1", "v2", "1", "2" or a hex number such as
// "0x6b3343cf".
func ParseVersion(s string) (quic.Version, bool) {
	switch s {
	case "v1", "1":
		return quic.Version1, true
	case "v2", "2":
		return quic.Version2, true
	}
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 32)
		if err != nil {
			return 0, false
		}
		return quic.Version(v), true
	}
	return 0, false
}

// long header type bits, indexed by PacketType, per version
var (
	typeBitsV1 = map[PacketType]byte{PacketInitial: 0, Packet0RTT: 1, PacketHandshake: 2, PacketRetry: 3}
	typeBitsV2 = map[PacketType]byte{PacketInitial: 1, Packet0RTT: 2, PacketHandshake: 3, PacketRetry: 0}
)

func typeBits(v quic.Version, t PacketType) (byte, error) {
	var m map[PacketType]byte
	switch v {
	case quic.Version1:
		m = typeBitsV1
	case quic.Version2:
		m = typeBitsV2
	default:
		return 0, ErrUnsupportedVersion
	}
	bits, ok := m[t]
	if !ok {
		return 0, ErrUnsupportedVersion
	}
	return bits, nil
}

func typeFromBits(v quic.Version, bits byte) PacketType {
	var m map[PacketType]byte
	switch v {
	case quic.Version1:
		m = typeBitsV1
	case quic.Version2:
		m = typeBitsV2
	default:
		return PacketUnknown
	}
	for t, b := range m {
		if b == bits {
			return t
		}
	}
	return PacketUnknown
}
