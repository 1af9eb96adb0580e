package socket

import (
	"errors"

	"github.com/postalsys/quicmux/internal/logging"
	"github.com/postalsys/quicmux/internal/protocol"
	"github.com/postalsys/quicmux/internal/session"
	"github.com/postalsys/quicmux/internal/stats"
)

// Drop reasons, as logged.
const (
	reasonMalformed      = "malformed header"
	reasonUnknownCID     = "unknown connection ID"
	reasonNotListening   = "not listening"
	reasonShortInitial   = "initial datagram below minimum size"
	reasonShortDCID      = "initial destination connection ID too short"
	reasonShortVersion   = "unsupported version in short datagram"
	reasonStrayNegotiate = "version negotiation from peer"
	reasonRateLimited    = "stateless response rate limited"
	reasonFactory        = "session factory failed"
	reasonRouting        = "routing conflict"
	reasonGenerate       = "connection ID generation failed"
	reasonBuild          = "packet build failed"
)

// handleDatagram classifies one datagram. Every datagram ends delivered to
// a session, answered with a Retry, answered with Version Negotiation, or
// dropped.
func (s *Socket) handleDatagram(d datagram) {
	hdr, err := protocol.ParseHeader(d.data, s.cids.ConnectionIDLen())
	if err != nil {
		s.drop(d, reasonMalformed, err)
		return
	}

	if sess, ok := s.resolve(hdr); ok {
		s.accept(d)
		s.router.Touch(hdr.DCID, d.at)
		s.deliver(sess, hdr, d)
		return
	}

	if !hdr.IsLong {
		s.drop(d, reasonUnknownCID, nil)
		return
	}

	switch {
	case hdr.Type == protocol.PacketVersionNegotiation:
		s.drop(d, reasonStrayNegotiate, nil)
	case !s.supportsVersion(hdr):
		if len(d.data) < protocol.MinInitialDatagramSize {
			s.drop(d, reasonShortVersion, nil)
			return
		}
		s.negotiateVersion(hdr, d)
	case hdr.Type != protocol.PacketInitial:
		s.drop(d, reasonUnknownCID, nil)
	case !s.listening:
		s.drop(d, reasonNotListening, nil)
	case len(d.data) < protocol.MinInitialDatagramSize:
		s.drop(d, reasonShortInitial, nil)
	default:
		s.acceptInitial(hdr, d)
	}
}

// resolve looks up the session for a DCID. IDs longer than cid.MaxLen come
// only from unknown versions and never name a session.
func (s *Socket) resolve(hdr *protocol.Header) (session.Session, bool) {
	if hdr.OversizedCIDs() {
		return nil, false
	}
	return s.router.Resolve(hdr.DCID)
}

func (s *Socket) supportsVersion(hdr *protocol.Header) bool {
	_, ok := s.versions[uint32(hdr.Version)]
	return ok
}

// accept counts a datagram that reached a terminal outcome other than drop.
func (s *Socket) accept(d datagram) {
	s.stats.Increment(stats.PacketsReceived, 1)
	s.stats.Increment(stats.BytesReceived, uint64(len(d.data)))
}

func (s *Socket) drop(d datagram, reason string, err error) {
	s.stats.Increment(stats.PacketsDropped, 1)
	if err != nil {
		s.logger.Debug("datagram dropped",
			logging.KeyRemoteAddr, d.peer.String(),
			logging.KeyBytes, len(d.data),
			logging.KeyReason, reason,
			logging.KeyError, err)
		return
	}
	s.logger.Debug("datagram dropped",
		logging.KeyRemoteAddr, d.peer.String(),
		logging.KeyBytes, len(d.data),
		logging.KeyReason, reason)
}

func (s *Socket) deliver(sess session.Session, hdr *protocol.Header, d datagram) {
	pkt := &session.Packet{
		Header:     hdr,
		Data:       d.data,
		Peer:       d.peer,
		ReceivedAt: d.at,
	}
	err := sess.ReceivePacket(s.ep, pkt)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrSessionClosed):
		if s.router.RemoveSession(hdr.DCID) != nil {
			s.logger.Debug("session closed", logging.KeyCID, hdr.DCID.String())
		}
	default:
		s.logger.Debug("session rejected packet",
			logging.KeyCID, hdr.DCID.String(),
			logging.KeyError, err)
	}
}

// negotiateVersion answers an unsupported version.
func (s *Socket) negotiateVersion(hdr *protocol.Header, d datagram) {
	if !s.limiter.AllowN(d.at, 1) {
		s.drop(d, reasonRateLimited, nil)
		return
	}
	s.accept(d)
	pkt := protocol.BuildVersionNegotiation(hdr.RawDCID, hdr.RawSCID, s.cfg.Versions)
	s.stats.Increment(stats.VersionNegotiationsSent, 1)
	s.SendPacket(d.peer, pkt, nil)

	s.logger.Debug("version negotiation sent",
		logging.KeyRemoteAddr, d.peer.String(),
		logging.KeyVersion, hdr.Version.String())
}

// acceptInitial handles a client Initial for an unknown DCID while
// listening.
func (s *Socket) acceptInitial(hdr *protocol.Header, d datagram) {
	odcid := hdr.DCID
	validated := false
	if len(hdr.Token) > 0 {
		orig, err := s.tokens.Verify(hdr.Token, d.peer, d.at)
		if err == nil {
			odcid = orig
			validated = true
		} else {
			s.logger.Debug("retry token rejected",
				logging.KeyRemoteAddr, d.peer.String(),
				logging.KeyError, err)
		}
	}

	// A token proves the DCID came from our Retry. Any other DCID was picked
	// by the client and becomes a routing alias, so it must be long enough
	// not to collide with other clients.
	if !validated && hdr.DCID.Len() < protocol.MinInitialDCIDLen {
		s.drop(d, reasonShortDCID, nil)
		return
	}

	if s.cfg.ValidateAddress && !validated {
		s.sendRetry(hdr, d)
		return
	}

	localCID, err := s.cids.Generate()
	if err != nil {
		s.drop(d, reasonGenerate, err)
		return
	}

	settings := s.settings
	settings.Version = hdr.Version
	settings.OriginalDestinationCID = odcid
	if validated {
		settings.RetrySourceCID = hdr.DCID
	}

	sess, err := s.factory.NewServerSession(session.ServerParams{
		Settings:   settings,
		Peer:       d.peer,
		LocalCID:   localCID,
		ClientDCID: hdr.DCID,
		ClientSCID: hdr.SCID,
		Validated:  validated,
	})
	if err != nil {
		s.drop(d, reasonFactory, err)
		return
	}

	if err := s.router.AddSession(localCID, sess); err != nil {
		s.drop(d, reasonRouting, err)
		return
	}
	if err := s.router.AssociateAlias(hdr.DCID, sess); err != nil {
		s.router.RemoveSession(localCID)
		s.drop(d, reasonRouting, err)
		return
	}
	s.stats.Increment(stats.ServerSessions, 1)
	s.accept(d)

	s.logger.Debug("server session created",
		logging.KeyCID, localCID.String(),
		logging.KeyDCID, hdr.DCID.String(),
		logging.KeyODCID, odcid.String(),
		logging.KeyRemoteAddr, d.peer.String())

	s.deliver(sess, hdr, d)
}

// sendRetry answers an unvalidated Initial with a Retry carrying a fresh
// token. No session state is kept.
func (s *Socket) sendRetry(hdr *protocol.Header, d datagram) {
	if !s.limiter.AllowN(d.at, 1) {
		s.drop(d, reasonRateLimited, nil)
		return
	}

	retrySCID, err := s.cids.Generate()
	if err != nil {
		s.drop(d, reasonGenerate, err)
		return
	}
	tok := s.tokens.Issue(d.peer, hdr.DCID, d.at)
	pkt, err := protocol.BuildRetry(hdr.Version, hdr.SCID, retrySCID, hdr.DCID, tok)
	if err != nil {
		s.drop(d, reasonBuild, err)
		return
	}

	s.accept(d)
	s.stats.Increment(stats.RetriesSent, 1)
	s.SendPacket(d.peer, pkt, nil)

	s.logger.Debug("retry sent",
		logging.KeyRemoteAddr, d.peer.String(),
		logging.KeyODCID, hdr.DCID.String(),
		logging.KeySCID, retrySCID.String())
}
