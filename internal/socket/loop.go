package socket

import (
	"errors"
	"net"
	"time"

	"github.com/postalsys/quicmux/internal/logging"
	"github.com/postalsys/quicmux/internal/recovery"
)

// readLoop reads datagrams and posts them to the loop in arrival order.
func (s *Socket) readLoop() {
	defer close(s.readerDone)
	defer recovery.RecoverWithCallback(s.logger, "socket.readLoop", func(r interface{}) {
		s.fail(recovery.AsError(r))
	})

	buf := make([]byte, s.cfg.MaxDatagramSize)
	for {
		if s.stopping.Load() {
			return
		}
		if !s.receiving.Load() {
			select {
			case <-s.wake:
				continue
			case <-s.stopReader:
				return
			}
		}

		n, peer, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// ReceiveStop or shutdown moved the deadline.
				continue
			}
			if s.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.fail(err)
			return
		}

		d := datagram{
			data: append([]byte(nil), buf[:n]...),
			peer: peer,
			at:   time.Now(),
		}
		select {
		case s.inbound <- d:
		case <-s.stopReader:
			return
		case <-s.loopDone:
			return
		}
	}
}

// loop runs every operation on the routing table and the counters.
func (s *Socket) loop() {
	defer close(s.loopDone)
	defer recovery.RecoverWithCallback(s.logger, "socket.loop", func(r interface{}) {
		s.fail(recovery.AsError(r))
	})

	var sweep <-chan time.Time
	if s.cfg.SweepInterval > 0 {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case fn := <-s.tasks:
			fn()
		case d := <-s.inbound:
			s.handleDatagram(d)
		case now := <-sweep:
			s.sweepIdle(now)
		case <-s.quit:
			s.drainTasks()
			s.router.Clear()
			return
		}
	}
}

func (s *Socket) drainTasks() {
	for {
		select {
		case fn := <-s.tasks:
			fn()
		default:
			return
		}
	}
}

// sweepIdle removes sessions idle past their timeout.
func (s *Socket) sweepIdle(now time.Time) {
	for _, id := range s.router.Expired(now) {
		if s.router.RemoveSession(id) != nil {
			s.logger.Debug("idle session removed", logging.KeyCID, id.String())
		}
	}
}
