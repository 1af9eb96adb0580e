package socket

import (
	"net/netip"

	"github.com/postalsys/quicmux/internal/cid"
	"github.com/postalsys/quicmux/internal/session"
)

// endpoint is the session.Endpoint handed to session callbacks. Its methods
// touch the router directly, so it is only valid on the loop goroutine.
type endpoint struct {
	s *Socket
}

func (e *endpoint) SendPacket(dst netip.AddrPort, b []byte, done func(error)) {
	e.s.SendPacket(dst, b, done)
}

func (e *endpoint) AssociateCID(id cid.ID, sess session.Session) error {
	return e.s.router.AssociateAlias(id, sess)
}

func (e *endpoint) DisassociateCID(id cid.ID) {
	e.s.router.DisassociateAlias(id)
}

func (e *endpoint) RemoveSession(id cid.ID) {
	e.s.router.RemoveSession(id)
}

func (e *endpoint) LocalAddr() netip.AddrPort {
	return e.s.local
}

var _ session.Endpoint = (*endpoint)(nil)
