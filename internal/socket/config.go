package socket

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/postalsys/quicmux/internal/cid"
	"github.com/postalsys/quicmux/internal/protocol"
	"github.com/postalsys/quicmux/internal/send"
)

// Config holds configuration for a Socket.
type Config struct {
	// Address is the local address to bind.
	Address netip.AddrPort

	// ReuseAddress sets SO_REUSEADDR before binding.
	ReuseAddress bool

	// IPv6Only keeps an IPv6 socket from accepting IPv4 peers.
	IPv6Only bool

	// ReceiveBuffer and SendBuffer size the kernel socket buffers.
	// 0 keeps the system default.
	ReceiveBuffer int
	SendBuffer    int

	// ValidateAddress makes the server answer unvalidated Initials with a
	// Retry before creating any session state.
	ValidateAddress bool

	// TokenValidity is how long a Retry token is accepted after issue.
	TokenValidity time.Duration

	// TokenSecret keys Retry tokens. Empty means a random per-socket secret,
	// so tokens do not survive a restart.
	TokenSecret []byte

	// MaxSendAttempts bounds retries of a datagram under transient
	// backpressure.
	MaxSendAttempts int

	// SendTimeout abandons a send that cannot reach the kernel in time.
	// 0 disables the deadline.
	SendTimeout time.Duration

	// ConnectionIDLength is the length of server-chosen connection IDs, and
	// therefore of short header DCIDs.
	ConnectionIDLength int

	// Versions lists the QUIC versions the server accepts. Initials of other
	// versions are answered with Version Negotiation.
	Versions []quic.Version

	// MaxDatagramSize is the largest datagram read from the socket.
	MaxDatagramSize int

	// StatelessRate limits Retry and Version Negotiation emissions per
	// second. 0 means unlimited.
	StatelessRate  float64
	StatelessBurst int

	// SweepInterval is how often idle sessions are looked for. 0 disables
	// the sweep.
	SweepInterval time.Duration

	// Logger receives socket logs. nil discards them.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Address:            netip.MustParseAddrPort("0.0.0.0:4433"),
		ValidateAddress:    true,
		TokenValidity:      10 * time.Second,
		MaxSendAttempts:    send.DefaultMaxAttempts,
		SendTimeout:        2 * time.Second,
		ConnectionIDLength: cid.DefaultLen,
		Versions:           append([]quic.Version(nil), protocol.KnownVersions...),
		MaxDatagramSize:    protocol.MaxDatagramSize,
		StatelessRate:      200,
		StatelessBurst:     50,
		SweepInterval:      5 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error

	if !c.Address.IsValid() {
		errs = append(errs, errors.New("address is required"))
	}
	if c.TokenValidity <= 0 {
		errs = append(errs, errors.New("token validity must be positive"))
	}
	if c.MaxSendAttempts < 1 {
		errs = append(errs, fmt.Errorf("max send attempts must be at least 1, got %d", c.MaxSendAttempts))
	}
	if c.SendTimeout < 0 {
		errs = append(errs, errors.New("send timeout must not be negative"))
	}
	if c.ConnectionIDLength < cid.MinServerLen || c.ConnectionIDLength > cid.MaxLen {
		errs = append(errs, fmt.Errorf("connection ID length must be %d-%d, got %d",
			cid.MinServerLen, cid.MaxLen, c.ConnectionIDLength))
	}
	if len(c.Versions) == 0 {
		errs = append(errs, errors.New("at least one version is required"))
	}
	for _, v := range c.Versions {
		if !protocol.IsKnownVersion(v) {
			errs = append(errs, fmt.Errorf("unsupported version %s", v))
		}
	}
	if c.MaxDatagramSize < protocol.MinInitialDatagramSize || c.MaxDatagramSize > protocol.MaxDatagramSize {
		errs = append(errs, fmt.Errorf("max datagram size must be %d-%d, got %d",
			protocol.MinInitialDatagramSize, protocol.MaxDatagramSize, c.MaxDatagramSize))
	}
	if c.StatelessRate < 0 {
		errs = append(errs, errors.New("stateless rate must not be negative"))
	}
	if c.StatelessRate > 0 && c.StatelessBurst < 1 {
		errs = append(errs, errors.New("stateless burst must be at least 1 when rate is limited"))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, errors.New("sweep interval must not be negative"))
	}

	return errors.Join(errs...)
}
