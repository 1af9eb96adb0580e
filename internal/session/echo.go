package session

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/postalsys/quicmux/internal/cid"
	"github.com/postalsys/quicmux/internal/logging"
)

// State represents the lifecycle of an Echo session.
type State int

const (
	// StateOpening means the session was created but has no route yet.
	StateOpening State = iota
	// StateOpen means at least one connection ID routes to the session.
	StateOpen
	// StateClosed means every route was removed.
	StateClosed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Echo is a minimal session that reflects every datagram back to its sender.
// It stands in for a real QUIC connection in the quicmux binary and in tests.
type Echo struct {
	mu sync.RWMutex

	settings Settings
	peer     netip.AddrPort
	ids      map[cid.ID]struct{}

	State        State
	CreatedAt    time.Time
	LastActivity time.Time
	Received     uint64
	Echoed       uint64

	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewEcho creates an Echo session for peer.
func NewEcho(settings Settings, peer netip.AddrPort, logger *slog.Logger) *Echo {
	if logger == nil {
		logger = logging.NopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	return &Echo{
		settings:     settings,
		peer:         peer,
		ids:          make(map[cid.ID]struct{}),
		State:        StateOpening,
		CreatedAt:    now,
		LastActivity: now,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// EchoFactory returns a Factory producing Echo sessions.
func EchoFactory(logger *slog.Logger) Factory {
	return FactoryFunc(func(p ServerParams) (Session, error) {
		return NewEcho(p.Settings, p.Peer, logger), nil
	})
}

// ReceivePacket implements Session.
func (e *Echo) ReceivePacket(ep Endpoint, pkt *Packet) error {
	e.mu.Lock()
	if e.State == StateClosed {
		e.mu.Unlock()
		return ErrSessionClosed
	}
	e.Received++
	e.LastActivity = pkt.ReceivedAt
	e.peer = pkt.Peer
	e.mu.Unlock()

	ep.SendPacket(pkt.Peer, pkt.Data, func(err error) {
		if err != nil {
			e.logger.Debug("echo send failed", logging.KeyRemoteAddr, pkt.Peer.String(), logging.KeyError, err)
			return
		}
		e.mu.Lock()
		e.Echoed++
		e.mu.Unlock()
	})
	return nil
}

// Settings implements Session.
func (e *Echo) Settings() Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.settings
}

// OnAssociated implements Session.
func (e *Echo) OnAssociated(id cid.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.State == StateClosed {
		return
	}
	e.ids[id] = struct{}{}
	e.State = StateOpen
}

// OnDisassociated implements Session. The session closes once its last
// route is gone.
func (e *Echo) OnDisassociated(id cid.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.ids, id)
	if len(e.ids) == 0 && e.State == StateOpen {
		e.State = StateClosed
		e.cancel()
	}
}

// GetState returns the current state.
func (e *Echo) GetState() State {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.State
}

// IDs returns the connection IDs currently routing to the session.
func (e *Echo) IDs() []cid.ID {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]cid.ID, 0, len(e.ids))
	for id := range e.ids {
		out = append(out, id)
	}
	return out
}

// Counts returns how many datagrams were received and echoed.
func (e *Echo) Counts() (received, echoed uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.Received, e.Echoed
}

// Peer returns the last address the session heard from.
func (e *Echo) Peer() netip.AddrPort {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.peer
}

// Context is cancelled when the session closes.
func (e *Echo) Context() context.Context {
	return e.ctx
}
