// Package session defines the contract between the socket core and the
// sessions it routes to. Session internals (handshake, streams, congestion
// control) live behind these interfaces.
package session

import (
	"errors"
	"net/netip"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/postalsys/quicmux/internal/cid"
	"github.com/postalsys/quicmux/internal/protocol"
)

// ErrSessionClosed may be returned from ReceivePacket to ask the socket to
// drop every route to the session.
var ErrSessionClosed = errors.New("session closed")

// Settings are the transport parameters a session runs with.
type Settings struct {
	IdleTimeout     time.Duration
	MaxData         uint64
	MaxStreamData   uint64
	MaxStreamsBidi  uint64
	MaxStreamsUni   uint64
	MaxDatagramSize int

	// Version is the negotiated QUIC version.
	Version quic.Version

	// OriginalDestinationCID is the DCID of the client's first Initial. It is
	// recovered from the Retry token when address validation ran.
	OriginalDestinationCID cid.ID

	// RetrySourceCID is the SCID of the Retry packet the client answered,
	// zero if no Retry was sent.
	RetrySourceCID cid.ID
}

// Packet is one received datagram routed to a session.
type Packet struct {
	Header     *protocol.Header
	Data       []byte
	Peer       netip.AddrPort
	ReceivedAt time.Time
}

// Endpoint is the socket capability handed to session callbacks. It is bound
// to the socket loop and must only be used while a callback runs.
type Endpoint interface {
	// SendPacket queues a datagram. done, if set, runs on the socket loop
	// once the send completes or is abandoned.
	SendPacket(dst netip.AddrPort, b []byte, done func(error))

	// AssociateCID adds an alias route to s.
	AssociateCID(id cid.ID, s Session) error

	// DisassociateCID removes an alias route.
	DisassociateCID(id cid.ID)

	// RemoveSession removes s and all of its routes.
	RemoveSession(id cid.ID)

	// LocalAddr returns the socket's bound address.
	LocalAddr() netip.AddrPort
}

// Session is a routed connection. Callbacks run on the socket loop one at a
// time and must not block. Implementations must be comparable; pointer
// receivers are the norm.
type Session interface {
	// ReceivePacket delivers a datagram whose DCID routes to this session.
	// pkt.Data is owned by the session after the call.
	ReceivePacket(ep Endpoint, pkt *Packet) error

	// Settings returns the session's current transport parameters.
	Settings() Settings

	// OnAssociated is called when id becomes a route to the session.
	OnAssociated(id cid.ID)

	// OnDisassociated is called when id stops routing to the session.
	OnDisassociated(id cid.ID)
}

// ServerParams describe a server session about to be created for a
// validated client Initial.
type ServerParams struct {
	Settings Settings
	Peer     netip.AddrPort

	// LocalCID is the connection ID the server chose for this session.
	LocalCID cid.ID

	// ClientDCID and ClientSCID come from the Initial that opened the session.
	ClientDCID cid.ID
	ClientSCID cid.ID

	// Validated is true when the peer address was proven by a Retry token.
	Validated bool
}

// Factory creates server sessions.
type Factory interface {
	NewServerSession(p ServerParams) (Session, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(p ServerParams) (Session, error)

// NewServerSession implements Factory.
func (f FactoryFunc) NewServerSession(p ServerParams) (Session, error) {
	return f(p)
}
