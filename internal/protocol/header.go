package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/postalsys/quicmux/internal/cid"
)

// Header is the routing-relevant prefix of a QUIC packet.
//
// Long header layout (RFC 8999 invariants, RFC 9000 17.2):
//
//	Flags    [1 byte]   - 1 | fixed | type(2) | type-specific(4)
//	Version  [4 bytes]
//	DCIDLen  [1 byte]
//	DCID     [0-20 bytes, 0-255 for unknown versions]
//	SCIDLen  [1 byte]
//	SCID     [0-20 bytes, 0-255 for unknown versions]
//	Token    [varint length + bytes] - Initial only
//
// Short header layout:
//
//	Flags    [1 byte]   - 0 | fixed | ...
//	DCID     [negotiated length]
type Header struct {
	IsLong  bool
	Type    PacketType
	Version quic.Version
	DCID    cid.ID
	SCID    cid.ID

	// RawDCID and RawSCID are the long header connection IDs as sent. They
	// alias the parsed datagram and are nil for short headers.
	RawDCID []byte
	RawSCID []byte

	// Token is the Initial packet token. It aliases the parsed datagram.
	Token []byte
}

// String returns a debug representation of the header.
func (h *Header) String() string {
	if !h.IsLong {
		return fmt.Sprintf("Header{%s, DCID=%s}", h.Type, h.DCID)
	}
	return fmt.Sprintf("Header{%s, Version=%s, DCID=%s, SCID=%s, TokenLen=%d}",
		h.Type, h.Version, h.DCID, h.SCID, len(h.Token))
}

// OversizedCIDs reports whether a connection ID is longer than cid.MaxLen.
// Only versions without a known wire image may carry one, and DCID and SCID
// are then left empty.
func (h *Header) OversizedCIDs() bool {
	return len(h.RawDCID) > cid.MaxLen || len(h.RawSCID) > cid.MaxLen
}

// IsInitiation reports whether the packet may open a new server session.
func (h *Header) IsInitiation() bool {
	return h.IsLong && h.Type == PacketInitial
}

// ParseHeader reads the header of the first packet in a datagram.
// shortCIDLen is the length of locally issued connection IDs, which short
// header packets carry without a length prefix.
//
// Long headers of versions this package does not know are parsed only up to
// the invariant fields and reported with Type PacketUnknown.
func ParseHeader(b []byte, shortCIDLen int) (*Header, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty datagram", ErrInvalidHeader)
	}
	if b[0]&longHeaderBit == 0 {
		return parseShortHeader(b, shortCIDLen)
	}
	return parseLongHeader(b)
}

func parseShortHeader(b []byte, cidLen int) (*Header, error) {
	if b[0]&fixedBit == 0 {
		return nil, fmt.Errorf("%w: fixed bit not set", ErrInvalidHeader)
	}
	if cidLen < 0 || cidLen > cid.MaxLen {
		return nil, fmt.Errorf("%w: bad short header CID length %d", ErrInvalidHeader, cidLen)
	}
	if len(b) < 1+cidLen {
		return nil, fmt.Errorf("%w: short header truncated", ErrInvalidHeader)
	}
	dcid, err := cid.FromBytes(b[1 : 1+cidLen])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	return &Header{Type: PacketOneRTT, DCID: dcid}, nil
}

func parseLongHeader(b []byte) (*Header, error) {
	if len(b) < minLongHeaderSize {
		return nil, fmt.Errorf("%w: long header truncated", ErrInvalidHeader)
	}

	h := &Header{
		IsLong:  true,
		Version: quic.Version(binary.BigEndian.Uint32(b[1:5])),
	}

	pos := 5
	var err error
	h.RawDCID, pos, err = readCID(b, pos)
	if err != nil {
		return nil, err
	}
	h.RawSCID, pos, err = readCID(b, pos)
	if err != nil {
		return nil, err
	}

	invariant := h.Version == versionNegotiation || !IsKnownVersion(h.Version)
	if h.OversizedCIDs() {
		if !invariant {
			return nil, fmt.Errorf("%w: connection ID lengths %d/%d",
				ErrInvalidHeader, len(h.RawDCID), len(h.RawSCID))
		}
	} else {
		if h.DCID, err = cid.FromBytes(h.RawDCID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
		}
		if h.SCID, err = cid.FromBytes(h.RawSCID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
		}
	}

	switch {
	case h.Version == versionNegotiation:
		h.Type = PacketVersionNegotiation
		return h, nil
	case invariant:
		h.Type = PacketUnknown
		return h, nil
	}

	if b[0]&fixedBit == 0 {
		return nil, fmt.Errorf("%w: fixed bit not set", ErrInvalidHeader)
	}
	h.Type = typeFromBits(h.Version, (b[0]>>4)&0x03)

	if h.Type == PacketInitial {
		r := bytes.NewReader(b[pos:])
		tokenLen, err := quicvarint.Read(r)
		if err != nil {
			return nil, fmt.Errorf("%w: token length: %v", ErrInvalidHeader, err)
		}
		pos = len(b) - r.Len()
		if tokenLen > uint64(len(b)-pos) {
			return nil, fmt.Errorf("%w: token truncated", ErrInvalidHeader)
		}
		if tokenLen > 0 {
			h.Token = b[pos : pos+int(tokenLen)]
		}
	}

	return h, nil
}

// readCID reads a length-prefixed connection ID. The one byte prefix caps it
// at 255 bytes; callers apply the tighter per-version limit.
func readCID(b []byte, pos int) ([]byte, int, error) {
	if pos >= len(b) {
		return nil, pos, fmt.Errorf("%w: missing connection ID length", ErrInvalidHeader)
	}
	n := int(b[pos])
	pos++
	if len(b)-pos < n {
		return nil, pos, fmt.Errorf("%w: connection ID truncated", ErrInvalidHeader)
	}
	return b[pos : pos+n], pos + n, nil
}

func appendCID(b []byte, id cid.ID) []byte {
	return appendRawCID(b, id.Bytes())
}

func appendRawCID(b, id []byte) []byte {
	b = append(b, byte(len(id)))
	return append(b, id...)
}
