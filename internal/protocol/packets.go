package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"math/rand"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/postalsys/quicmux/internal/cid"
)

// Retry integrity keys and nonces (RFC 9001 5.8, RFC 9369 3.3.3).
var (
	retryKeyV1   = [16]byte{0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a, 0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e}
	retryNonceV1 = [12]byte{0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2, 0x23, 0x98, 0x25, 0xbb}
	retryKeyV2   = [16]byte{0x8f, 0xb4, 0xb0, 0x1b, 0x56, 0xac, 0x48, 0xe2, 0x60, 0xfb, 0xcb, 0xce, 0xad, 0x7c, 0xcc, 0x92}
	retryNonceV2 = [12]byte{0xd8, 0x69, 0x69, 0xbc, 0x2d, 0x7c, 0x6d, 0x99, 0x90, 0xef, 0xb0, 0x4a}
)

// RetryPacket is a parsed Retry packet.
type RetryPacket struct {
	Version quic.Version
	DCID    cid.ID
	SCID    cid.ID
	Token   []byte
	Tag     [RetryIntegrityTagSize]byte
}

// BuildRetry builds a Retry packet answering a client Initial.
// dcid is the client's source connection ID, scid the connection ID the
// server wants the client to use next, and odcid the destination connection
// ID of the client's Initial, which is bound in by the integrity tag.
func BuildRetry(v quic.Version, dcid, scid, odcid cid.ID, token []byte) ([]byte, error) {
	bits, err := typeBits(v, PacketRetry)
	if err != nil {
		return nil, err
	}

	size := minLongHeaderSize + dcid.Len() + scid.Len() + len(token) + RetryIntegrityTagSize
	b := make([]byte, 0, size)
	b = append(b, longHeaderBit|fixedBit|bits<<4|byte(rand.Intn(16)))
	b = binary.BigEndian.AppendUint32(b, uint32(v))
	b = appendCID(b, dcid)
	b = appendCID(b, scid)
	b = append(b, token...)

	tag, err := retryIntegrityTag(v, odcid, b)
	if err != nil {
		return nil, err
	}
	return append(b, tag[:]...), nil
}

// ParseRetry decodes a Retry packet without checking its integrity tag.
func ParseRetry(b []byte) (*RetryPacket, error) {
	h, err := parseLongHeader(b)
	if err != nil {
		return nil, err
	}
	if h.Type != PacketRetry {
		return nil, fmt.Errorf("%w: not a Retry packet", ErrInvalidHeader)
	}

	start := minLongHeaderSize + h.DCID.Len() + h.SCID.Len()
	if len(b) < start+RetryIntegrityTagSize {
		return nil, fmt.Errorf("%w: Retry packet truncated", ErrInvalidHeader)
	}

	p := &RetryPacket{
		Version: h.Version,
		DCID:    h.DCID,
		SCID:    h.SCID,
		Token:   append([]byte(nil), b[start:len(b)-RetryIntegrityTagSize]...),
	}
	copy(p.Tag[:], b[len(b)-RetryIntegrityTagSize:])
	return p, nil
}

// VerifyRetryIntegrity checks a Retry packet's tag against the destination
// connection ID of the Initial it answers.
func VerifyRetryIntegrity(b []byte, odcid cid.ID) bool {
	p, err := ParseRetry(b)
	if err != nil {
		return false
	}
	want, err := retryIntegrityTag(p.Version, odcid, b[:len(b)-RetryIntegrityTagSize])
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(want[:], p.Tag[:]) == 1
}

// retryIntegrityTag seals the Retry pseudo-packet:
//
//	ODCIDLen [1 byte] | ODCID | Retry packet without tag
func retryIntegrityTag(v quic.Version, odcid cid.ID, retry []byte) ([RetryIntegrityTagSize]byte, error) {
	var tag [RetryIntegrityTagSize]byte

	var key [16]byte
	var nonce [12]byte
	switch v {
	case quic.Version1:
		key, nonce = retryKeyV1, retryNonceV1
	case quic.Version2:
		key, nonce = retryKeyV2, retryNonceV2
	default:
		return tag, ErrUnsupportedVersion
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return tag, fmt.Errorf("retry integrity cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return tag, fmt.Errorf("retry integrity AEAD: %w", err)
	}

	pseudo := make([]byte, 0, 1+odcid.Len()+len(retry))
	pseudo = appendCID(pseudo, odcid)
	pseudo = append(pseudo, retry...)

	copy(tag[:], aead.Seal(nil, nonce[:], nil, pseudo))
	return tag, nil
}

// BuildVersionNegotiation builds a Version Negotiation packet answering a
// long header packet with connection IDs dcid and scid. The response swaps
// them: its destination is the client's source connection ID.
func BuildVersionNegotiation(clientDCID, clientSCID []byte, versions []quic.Version) []byte {
	size := minLongHeaderSize + len(clientDCID) + len(clientSCID) + 4*len(versions)
	b := make([]byte, 0, size)
	b = append(b, longHeaderBit|fixedBit|byte(rand.Intn(64)))
	b = binary.BigEndian.AppendUint32(b, uint32(versionNegotiation))
	b = appendRawCID(b, clientSCID)
	b = appendRawCID(b, clientDCID)
	for _, v := range versions {
		b = binary.BigEndian.AppendUint32(b, uint32(v))
	}
	return b
}

// ParseVersionNegotiation decodes a Version Negotiation packet.
func ParseVersionNegotiation(b []byte) (dcid, scid cid.ID, versions []quic.Version, err error) {
	h, err := parseLongHeader(b)
	if err != nil {
		return cid.ID{}, cid.ID{}, nil, err
	}
	if h.Type != PacketVersionNegotiation {
		return cid.ID{}, cid.ID{}, nil, fmt.Errorf("%w: not a Version Negotiation packet", ErrInvalidHeader)
	}
	if h.OversizedCIDs() {
		return cid.ID{}, cid.ID{}, nil, fmt.Errorf("%w: connection ID too long", ErrInvalidHeader)
	}

	rest := b[minLongHeaderSize+len(h.RawDCID)+len(h.RawSCID):]
	if len(rest) == 0 || len(rest)%4 != 0 {
		return cid.ID{}, cid.ID{}, nil, fmt.Errorf("%w: bad version list", ErrInvalidHeader)
	}
	for i := 0; i < len(rest); i += 4 {
		versions = append(versions, quic.Version(binary.BigEndian.Uint32(rest[i:i+4])))
	}
	return h.DCID, h.SCID, versions, nil
}

// BuildInitial builds a client Initial packet whose payload is zero padding,
// sized so the datagram is size bytes (or the minimum needed for the header).
// The payload is not protected: the result is only good for exercising
// routing, validation and version negotiation.
func BuildInitial(v quic.Version, dcid, scid cid.ID, token []byte, size int) ([]byte, error) {
	bits, err := typeBits(v, PacketInitial)
	if err != nil {
		return nil, err
	}

	const pnLen = 4
	b := make([]byte, 0, max(size, 64))
	b = append(b, longHeaderBit|fixedBit|bits<<4|(pnLen-1))
	b = binary.BigEndian.AppendUint32(b, uint32(v))
	b = appendCID(b, dcid)
	b = appendCID(b, scid)
	b = quicvarint.Append(b, uint64(len(token)))
	b = append(b, token...)

	// The Length field covers the packet number and payload.
	remaining := size - len(b) - 2 - pnLen
	if remaining < 1 {
		remaining = 1
	}
	length := uint64(pnLen + remaining)
	if length > 16383 {
		return nil, fmt.Errorf("initial packet size %d out of range", size)
	}
	b = quicvarint.AppendWithLen(b, length, 2)
	b = append(b, 0, 0, 0, 0)
	b = append(b, make([]byte, remaining)...)
	return b, nil
}
