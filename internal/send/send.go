// Package send hands outbound datagrams to the kernel.
//
// A Path performs one send with bounded retry: transient kernel backpressure
// (a full socket buffer, interrupted calls, temporary memory pressure) is
// retried up to MaxAttempts times, parking on the runtime poller until the
// socket is writable instead of spinning. Anything else fails at once.
package send

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"syscall"
	"time"
)

// DefaultMaxAttempts is used when Outbound.MaxAttempts is zero.
const DefaultMaxAttempts = 5

var (
	// ErrSendAbandoned is reported when every attempt hit a transient error
	// or the write deadline expired while waiting for the socket.
	ErrSendAbandoned = errors.New("send abandoned")

	// ErrSendFailed is reported for non-transient send errors. It wraps the
	// underlying errno.
	ErrSendFailed = errors.New("send failed")

	// ErrQueueClosed is reported for datagrams enqueued after Close.
	ErrQueueClosed = errors.New("send queue closed")
)

// Outbound is one datagram waiting to be sent. It belongs to exactly one
// in-flight send.
type Outbound struct {
	Dest        netip.AddrPort
	Data        []byte
	MaxAttempts int
	Done        func(Outcome)
}

// Outcome describes how a send ended.
type Outcome struct {
	Bytes       int
	Attempts    int
	Retransmits int
	Err         error
}

// RawConn is the part of syscall.RawConn a Path needs.
type RawConn interface {
	Write(f func(fd uintptr) (done bool)) error
}

// Conn is satisfied by *net.UDPConn.
type Conn interface {
	SyscallConn() (syscall.RawConn, error)
	SetWriteDeadline(t time.Time) error
}

// sendtoFunc performs a single non-blocking send attempt on fd.
type sendtoFunc func(fd uintptr, b []byte, dst netip.AddrPort, ipv6 bool) error

// Path sends datagrams on one socket.
type Path struct {
	raw      RawConn
	deadline func(time.Time) error
	timeout  time.Duration
	ipv6     bool
	sendto   sendtoFunc
}

// NewPath creates a send path for conn. ipv6 must be true for sockets of the
// AF_INET6 family so IPv4 destinations are sent as mapped addresses. A zero
// timeout leaves sends without a write deadline.
func NewPath(conn Conn, ipv6 bool, timeout time.Duration) (*Path, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("syscall conn: %w", err)
	}
	return &Path{
		raw:      raw,
		deadline: conn.SetWriteDeadline,
		timeout:  timeout,
		ipv6:     ipv6,
		sendto:   platformSendto,
	}, nil
}

// Send sends o.Data to o.Dest. It blocks the calling goroutine while the
// socket is not writable.
func (p *Path) Send(o *Outbound) Outcome {
	maxAttempts := o.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	if p.timeout > 0 && p.deadline != nil {
		if err := p.deadline(time.Now().Add(p.timeout)); err != nil {
			return Outcome{Err: fmt.Errorf("%w: set write deadline: %w", ErrSendFailed, err)}
		}
	}

	var (
		out     Outcome
		lastErr error
	)
	werr := p.raw.Write(func(fd uintptr) bool {
		for {
			out.Attempts++
			lastErr = p.sendto(fd, o.Data, o.Dest, p.ipv6)
			if lastErr == nil {
				out.Bytes = len(o.Data)
				return true
			}
			if !IsTransient(lastErr) || out.Attempts >= maxAttempts {
				return true
			}
			// A full buffer clears when the poller says so. Other transient
			// errors leave the socket writable, so retry right away.
			if wouldBlock(lastErr) {
				return false
			}
		}
	})
	if out.Attempts > 0 {
		out.Retransmits = out.Attempts - 1
	}

	switch {
	case werr != nil && errors.Is(werr, os.ErrDeadlineExceeded):
		out.Err = fmt.Errorf("%w: write deadline exceeded after %d attempts", ErrSendAbandoned, out.Attempts)
	case werr != nil:
		out.Err = fmt.Errorf("%w: %w", ErrSendFailed, werr)
	case lastErr == nil:
	case IsTransient(lastErr):
		out.Err = fmt.Errorf("%w after %d attempts: %w", ErrSendAbandoned, out.Attempts, lastErr)
	default:
		out.Err = fmt.Errorf("%w: %w", ErrSendFailed, lastErr)
	}
	return out
}

// IsTransient reports whether err is kernel backpressure worth retrying.
func IsTransient(err error) bool {
	for _, t := range transientErrors {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
