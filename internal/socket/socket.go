// Package socket hosts many QUIC sessions on one UDP endpoint.
//
// A Socket owns three goroutines. The reader pulls datagrams off the kernel
// and posts them to the loop in arrival order. The loop owns the routing
// table, the statistics and the stateless-response limiter; every datagram
// is classified there and every public method runs there. The sender drains
// the outbound queue and posts completions back to the loop, so done
// callbacks and send statistics are also handled on the loop.
//
// Public methods post to the loop and wait. They must not be called from
// session callbacks, which receive a loop-bound session.Endpoint instead.
// SendPacket is the exception: it is safe from any goroutine and never
// blocks. Socket options bypass the loop and act on the descriptor.
package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/quicmux/internal/cid"
	"github.com/postalsys/quicmux/internal/logging"
	"github.com/postalsys/quicmux/internal/router"
	"github.com/postalsys/quicmux/internal/send"
	"github.com/postalsys/quicmux/internal/session"
	"github.com/postalsys/quicmux/internal/sockopt"
	"github.com/postalsys/quicmux/internal/stats"
	"github.com/postalsys/quicmux/internal/token"
)

// ErrClosed is returned by methods called after the socket stopped.
var ErrClosed = errors.New("socket closed")

// datagram is one read from the kernel.
type datagram struct {
	data []byte
	peer netip.AddrPort
	at   time.Time
}

// Socket is a UDP endpoint multiplexing QUIC sessions by connection ID.
type Socket struct {
	cfg    Config
	conn   *sockopt.Conn
	local  netip.AddrPort
	logger *slog.Logger

	// Owned by the loop goroutine.
	router    *router.Router
	stats     *stats.Stats
	tokens    *token.Engine
	cids      *cid.Generator
	limiter   *rate.Limiter
	versions  map[uint32]struct{}
	listening bool
	factory   session.Factory
	settings  session.Settings
	ep        *endpoint

	sendq *send.Queue

	tasks   chan func()
	inbound chan datagram
	wake    chan struct{}

	receiving atomic.Bool
	stopping  atomic.Bool

	stopReader chan struct{}
	readerDone chan struct{}
	quit       chan struct{}
	loopDone   chan struct{}
	done       chan struct{}

	closeOnce  sync.Once
	mu         sync.Mutex
	err        error
	closeErr   error
	finalStats stats.Snapshot
}

// New binds a socket and starts its loop and sender. Datagrams are not read
// until ReceiveStart is called.
func New(cfg Config) (*Socket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid socket config: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logging.WithComponent(logger, "socket")

	var tokens *token.Engine
	if len(cfg.TokenSecret) > 0 {
		tokens = token.New(cfg.TokenSecret, cfg.TokenValidity)
	} else {
		var err error
		if tokens, err = token.NewRandom(cfg.TokenValidity); err != nil {
			return nil, err
		}
	}

	var flags sockopt.Flags
	if cfg.ReuseAddress {
		flags |= sockopt.ReuseAddress
	}
	if cfg.IPv6Only {
		flags |= sockopt.IPv6Only
	}
	conn, err := sockopt.Bind(context.Background(), cfg.Address, sockopt.Options{
		Flags:         flags,
		ReceiveBuffer: cfg.ReceiveBuffer,
		SendBuffer:    cfg.SendBuffer,
	})
	if err != nil {
		return nil, err
	}

	path, err := send.NewPath(conn, conn.IPv6(), cfg.SendTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}

	limit := rate.Inf
	if cfg.StatelessRate > 0 {
		limit = rate.Limit(cfg.StatelessRate)
	}

	versions := make(map[uint32]struct{}, len(cfg.Versions))
	for _, v := range cfg.Versions {
		versions[uint32(v)] = struct{}{}
	}

	s := &Socket{
		cfg:        cfg,
		conn:       conn,
		local:      conn.LocalAddrPort(),
		logger:     logger,
		router:     router.New(),
		stats:      stats.New(),
		tokens:     tokens,
		cids:       cid.NewGenerator(cfg.ConnectionIDLength),
		limiter:    rate.NewLimiter(limit, cfg.StatelessBurst),
		versions:   versions,
		tasks:      make(chan func(), 256),
		inbound:    make(chan datagram, 256),
		wake:       make(chan struct{}, 1),
		stopReader: make(chan struct{}),
		readerDone: make(chan struct{}),
		quit:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.ep = &endpoint{s: s}
	s.sendq = send.NewQueue(path, s.complete, logger)

	go s.loop()
	s.sendq.Start()
	go s.readLoop()

	logger.Info("socket bound",
		logging.KeyLocalAddr, s.local.String(),
		"validate_address", cfg.ValidateAddress,
		"versions", cfg.Versions)

	return s, nil
}

// LocalAddr returns the bound address.
func (s *Socket) LocalAddr() netip.AddrPort {
	return s.local
}

// post hands fn to the loop. It reports false once the loop has stopped.
func (s *Socket) post(fn func()) bool {
	select {
	case <-s.loopDone:
		return false
	default:
	}
	select {
	case s.tasks <- fn:
		return true
	case <-s.loopDone:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (s *Socket) call(fn func()) error {
	done := make(chan struct{})
	if !s.post(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-s.loopDone:
		// The loop may have run fn while stopping.
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Listen enables server mode: validated client Initials create sessions
// through factory, starting from settings. A nil factory disables it.
func (s *Socket) Listen(factory session.Factory, settings session.Settings) error {
	return s.call(func() {
		s.factory = factory
		s.settings = settings
		s.listening = factory != nil
	})
}

// AddSession registers a client session under id.
func (s *Socket) AddSession(id cid.ID, sess session.Session) error {
	var err error
	if cerr := s.call(func() {
		_, existed := s.router.Resolve(id)
		if err = s.router.AddSession(id, sess); err == nil && !existed {
			s.stats.Increment(stats.ClientSessions, 1)
		}
	}); cerr != nil {
		return cerr
	}
	return err
}

// AssociateCID adds id as another route to sess.
func (s *Socket) AssociateCID(id cid.ID, sess session.Session) error {
	var err error
	if cerr := s.call(func() {
		err = s.router.AssociateAlias(id, sess)
	}); cerr != nil {
		return cerr
	}
	return err
}

// DisassociateCID removes an alias route. It reports whether one existed.
func (s *Socket) DisassociateCID(id cid.ID) bool {
	var removed bool
	s.call(func() {
		removed = s.router.DisassociateAlias(id)
	})
	return removed
}

// RemoveSession removes the session id routes to, with all of its routes.
// It reports whether a session was removed.
func (s *Socket) RemoveSession(id cid.ID) bool {
	var removed bool
	s.call(func() {
		removed = s.router.RemoveSession(id) != nil
	})
	return removed
}

// Stats returns a snapshot of the socket counters.
func (s *Socket) Stats() stats.Snapshot {
	var snap stats.Snapshot
	if err := s.call(func() {
		snap = s.stats.Snapshot()
	}); err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.finalStats
	}
	return snap
}

// Routes returns the number of routed sessions and alias routes.
func (s *Socket) Routes() (sessions, aliases int) {
	s.call(func() {
		sessions = s.router.Len()
		aliases = s.router.AliasCount()
	})
	return sessions, aliases
}

// ReceiveStart starts delivering datagrams.
func (s *Socket) ReceiveStart() error {
	return s.call(func() {
		if s.receiving.Load() {
			return
		}
		s.conn.SetReadDeadline(time.Time{})
		s.receiving.Store(true)
		select {
		case s.wake <- struct{}{}:
		default:
		}
	})
}

// ReceiveStop pauses reading. Datagrams queue in the kernel buffer until
// ReceiveStart.
func (s *Socket) ReceiveStop() error {
	return s.call(func() {
		if !s.receiving.Load() {
			return
		}
		s.receiving.Store(false)
		s.conn.SetReadDeadline(time.Unix(1, 0))
	})
}

// SendPacket queues b for dst. done, if set, runs on the loop once the send
// completes; failed sends without done are logged. It is safe to call from
// any goroutine, including session callbacks.
func (s *Socket) SendPacket(dst netip.AddrPort, b []byte, done func(error)) {
	o := &send.Outbound{
		Dest:        dst,
		Data:        b,
		MaxAttempts: s.cfg.MaxSendAttempts,
		Done: func(out send.Outcome) {
			if done != nil {
				done(out.Err)
				return
			}
			if out.Err != nil {
				s.reportSendError(dst, out)
			}
		},
	}
	if !s.sendq.Enqueue(o) {
		go s.complete(o, send.Outcome{Err: send.ErrQueueClosed})
	}
}

// complete moves a finished send onto the loop.
func (s *Socket) complete(o *send.Outbound, out send.Outcome) {
	fn := func() {
		s.applyOutcome(out)
		o.Done(out)
	}
	if !s.post(fn) {
		o.Done(out)
	}
}

func (s *Socket) applyOutcome(out send.Outcome) {
	if out.Retransmits > 0 {
		s.stats.Increment(stats.RetransmitCount, uint64(out.Retransmits))
	}
	if out.Err != nil {
		s.stats.Increment(stats.SendFailures, 1)
		return
	}
	s.stats.Increment(stats.PacketsSent, 1)
	s.stats.Increment(stats.BytesSent, uint64(out.Bytes))
}

func (s *Socket) reportSendError(dst netip.AddrPort, out send.Outcome) {
	s.logger.Debug("send failed",
		logging.KeyRemoteAddr, dst.String(),
		logging.KeyAttempts, out.Attempts,
		logging.KeyError, out.Err)
}

// Done is closed once the socket has fully stopped.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that stopped the socket, or nil after a normal
// Close.
func (s *Socket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close shuts the socket down, sending what is already queued.
func (s *Socket) Close() error {
	return s.Shutdown(context.Background())
}

// Shutdown stops the reader, waits for queued sends until ctx is done
// (abandoning the rest), stops the loop and closes the socket handle.
func (s *Socket) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		go s.shutdown(ctx)
	})
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Socket) shutdown(ctx context.Context) {
	start := time.Now()

	s.stopping.Store(true)
	close(s.stopReader)
	s.conn.SetReadDeadline(time.Unix(1, 0))
	<-s.readerDone

	drained := make(chan struct{})
	go func() {
		s.sendq.Close(true)
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline reached, abandoning queued sends",
			logging.KeyCount, s.sendq.Len())
		s.sendq.Abandon()
		s.conn.SetWriteDeadline(time.Unix(1, 0))
		<-drained
	}

	var snap stats.Snapshot
	s.call(func() {
		snap = s.stats.Snapshot()
	})
	close(s.quit)
	<-s.loopDone
	// Completions posted while the loop was exiting.
	s.drainTasks()

	err := s.conn.Close()

	s.mu.Lock()
	s.finalStats = snap
	s.closeErr = err
	s.mu.Unlock()

	s.logger.Info("socket closed",
		logging.KeyLocalAddr, s.local.String(),
		logging.KeyDuration, time.Since(start),
		"packets_received", snap.PacketsReceived,
		"packets_sent", snap.PacketsSent)
	close(s.done)
}

// fail records a fatal error and stops the socket.
func (s *Socket) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()

	s.logger.Error("socket failed", logging.KeyError, err)
	go s.Close()
}
