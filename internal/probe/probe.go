// Package probe checks that a quicmux socket answers client Initials.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/postalsys/quicmux/internal/cid"
	"github.com/postalsys/quicmux/internal/protocol"
)

// Outcome classifies the reply to a probe Initial.
type Outcome int

const (
	// OutcomeNone means nothing came back before the timeout.
	OutcomeNone Outcome = iota
	// OutcomeRetry means the server asked for address validation.
	OutcomeRetry
	// OutcomeVersionNegotiation means the server rejected the version.
	OutcomeVersionNegotiation
	// OutcomeEcho means a session was created and reflected the datagram.
	OutcomeEcho
	// OutcomeOther means some other datagram came back.
	OutcomeOther
)

// String returns a human-readable name for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeRetry:
		return "retry"
	case OutcomeVersionNegotiation:
		return "version-negotiation"
	case OutcomeEcho:
		return "echo"
	case OutcomeOther:
		return "other"
	default:
		return "none"
	}
}

// Options contains configuration for a probe.
type Options struct {
	// Address is the host:port to probe
	Address string

	// Version written into the Initial long header
	Version quic.Version

	// Size of the Initial datagram (default: protocol.MinInitialDatagramSize)
	Size int

	// Timeout for the entire probe operation
	Timeout time.Duration

	// FollowRetry resends the Initial with the token from a Retry.
	FollowRetry bool
}

// Result contains the outcome of a probe.
type Result struct {
	// Success is true when the server answered with a well-formed reply.
	Success bool

	Address string

	// Outcome of the first exchange.
	Outcome Outcome

	// RetrySCID and TokenLen describe a Retry. RetryValid reports whether its
	// integrity tag verified.
	RetrySCID  cid.ID
	TokenLen   int
	RetryValid bool

	// Followed is the outcome of resending with the Retry token.
	Followed Outcome

	// Versions lists what a Version Negotiation packet offered.
	Versions []quic.Version

	RTT time.Duration

	Error       error
	ErrorDetail string
}

// Probe sends one client Initial to opts.Address and reports how the server
// answered.
func Probe(ctx context.Context, opts Options) *Result {
	result := &Result{Address: opts.Address}

	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Size <= 0 {
		opts.Size = protocol.MinInitialDatagramSize
	}
	if opts.Version == 0 {
		opts.Version = quic.Version1
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	fail := func(err error) *Result {
		result.Error = err
		result.ErrorDetail = classifyError(err)
		return result
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", opts.Address)
	if err != nil {
		return fail(err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	gen := cid.NewGenerator(cid.DefaultLen)
	dcid, err := gen.Generate()
	if err != nil {
		return fail(err)
	}
	scid, err := gen.Generate()
	if err != nil {
		return fail(err)
	}

	startTime := time.Now()
	initial, reply, err := exchange(conn, opts.Version, dcid, scid, nil, opts.Size)
	if err != nil {
		return fail(err)
	}
	result.RTT = time.Since(startTime)
	result.Outcome = classify(initial, reply)

	switch result.Outcome {
	case OutcomeVersionNegotiation:
		_, _, versions, err := protocol.ParseVersionNegotiation(reply)
		if err != nil {
			return fail(err)
		}
		result.Versions = versions
	case OutcomeRetry:
		retry, err := protocol.ParseRetry(reply)
		if err != nil {
			return fail(err)
		}
		result.RetrySCID = retry.SCID
		result.TokenLen = len(retry.Token)
		result.RetryValid = protocol.VerifyRetryIntegrity(reply, dcid)
		if !result.RetryValid {
			return fail(errors.New("retry integrity tag mismatch"))
		}

		if opts.FollowRetry {
			initial, reply, err := exchange(conn, opts.Version, retry.SCID, scid, retry.Token, opts.Size)
			if err != nil {
				return fail(fmt.Errorf("after retry: %w", err))
			}
			result.Followed = classify(initial, reply)
		}
	}

	result.Success = result.Outcome != OutcomeNone && result.Outcome != OutcomeOther
	return result
}

// exchange writes one Initial and reads one reply.
func exchange(conn net.Conn, v quic.Version, dcid, scid cid.ID, token []byte, size int) (sent, reply []byte, err error) {
	sent, err = protocol.BuildInitial(v, dcid, scid, token, size)
	if err != nil {
		return nil, nil, err
	}
	if _, err := conn.Write(sent); err != nil {
		return nil, nil, fmt.Errorf("failed to send initial: %w", err)
	}

	buf := make([]byte, protocol.MaxDatagramSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read reply: %w", err)
	}
	return sent, buf[:n], nil
}

func classify(sent, reply []byte) Outcome {
	if len(reply) == 0 {
		return OutcomeNone
	}
	if bytes.Equal(sent, reply) {
		return OutcomeEcho
	}
	hdr, err := protocol.ParseHeader(reply, 0)
	if err != nil {
		return OutcomeOther
	}
	switch hdr.Type {
	case protocol.PacketRetry:
		return OutcomeRetry
	case protocol.PacketVersionNegotiation:
		return OutcomeVersionNegotiation
	default:
		return OutcomeOther
	}
}

// classifyError returns a human-readable description for common errors.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "Could not resolve hostname - DNS lookup failed"
		}
		return "DNS error: " + dnsErr.Error()
	}

	// ICMP port unreachable surfaces on the next read of a connected socket.
	if strings.Contains(errStr, "connection refused") {
		return "Connection refused - nothing listening on that port"
	}
	if strings.Contains(errStr, "network is unreachable") || strings.Contains(errStr, "no route to host") {
		return "Network unreachable"
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return "No reply before timeout - server not listening for Initials or firewall dropping UDP"
	}

	if strings.Contains(errStr, "integrity") {
		return "Received a Retry with a bad integrity tag - not a QUIC server?"
	}

	return err.Error()
}
