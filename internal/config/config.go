// Package config provides configuration parsing and validation for quicmux.
package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/quic-go/quic-go"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/quicmux/internal/cid"
	"github.com/postalsys/quicmux/internal/protocol"
	"github.com/postalsys/quicmux/internal/session"
	"github.com/postalsys/quicmux/internal/socket"
)

// Config represents the complete quicmux configuration.
type Config struct {
	Log     LogConfig     `yaml:"log" toml:"log"`
	Socket  SocketConfig  `yaml:"socket" toml:"socket"`
	Session SessionConfig `yaml:"session" toml:"session"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format string `yaml:"format" toml:"format"` // text, json
}

// SocketConfig defines the UDP endpoint.
type SocketConfig struct {
	Address         string   `yaml:"address" toml:"address"`
	ReuseAddress    bool     `yaml:"reuse_address" toml:"reuse_address"`
	IPv6Only        bool     `yaml:"ipv6_only" toml:"ipv6_only"`
	ReceiveBuffer   ByteSize `yaml:"receive_buffer" toml:"receive_buffer"`
	SendBuffer      ByteSize `yaml:"send_buffer" toml:"send_buffer"`
	MaxDatagramSize int      `yaml:"max_datagram_size" toml:"max_datagram_size"`

	ValidateAddress bool          `yaml:"validate_address" toml:"validate_address"`
	TokenSecret     string        `yaml:"token_secret" toml:"token_secret"` // hex, empty for a random secret
	TokenValidity   time.Duration `yaml:"token_validity" toml:"token_validity"`

	MaxSendAttempts int           `yaml:"max_send_attempts" toml:"max_send_attempts"`
	SendTimeout     time.Duration `yaml:"send_timeout" toml:"send_timeout"`

	ConnectionIDLength int      `yaml:"connection_id_length" toml:"connection_id_length"`
	Versions           []string `yaml:"versions" toml:"versions"` // v1, v2 or 0x-prefixed hex

	StatelessRate  float64       `yaml:"stateless_rate" toml:"stateless_rate"` // Retry and Version Negotiation per second, 0 = unlimited
	StatelessBurst int           `yaml:"stateless_burst" toml:"stateless_burst"`
	SweepInterval  time.Duration `yaml:"sweep_interval" toml:"sweep_interval"`
}

// SessionConfig holds the transport parameters new server sessions start with.
type SessionConfig struct {
	IdleTimeout     time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	MaxData         ByteSize      `yaml:"max_data" toml:"max_data"`
	MaxStreamData   ByteSize      `yaml:"max_stream_data" toml:"max_stream_data"`
	MaxStreamsBidi  uint64        `yaml:"max_streams_bidi" toml:"max_streams_bidi"`
	MaxStreamsUni   uint64        `yaml:"max_streams_uni" toml:"max_streams_uni"`
	MaxDatagramSize int           `yaml:"max_datagram_size" toml:"max_datagram_size"`
}

// MetricsConfig defines the health and metrics HTTP server.
type MetricsConfig struct {
	Enabled      bool          `yaml:"enabled" toml:"enabled"`
	Address      string        `yaml:"address" toml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	Pprof        bool          `yaml:"pprof" toml:"pprof"`
}

// Default returns a Config with default values.
func Default() *Config {
	sc := socket.DefaultConfig()
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Socket: SocketConfig{
			Address:            sc.Address.String(),
			MaxDatagramSize:    sc.MaxDatagramSize,
			ValidateAddress:    sc.ValidateAddress,
			TokenValidity:      sc.TokenValidity,
			MaxSendAttempts:    sc.MaxSendAttempts,
			SendTimeout:        sc.SendTimeout,
			ConnectionIDLength: sc.ConnectionIDLength,
			Versions:           []string{"v1", "v2"},
			StatelessRate:      sc.StatelessRate,
			StatelessBurst:     sc.StatelessBurst,
			SweepInterval:      sc.SweepInterval,
		},
		Session: SessionConfig{
			IdleTimeout:     30 * time.Second,
			MaxData:         16 << 20,
			MaxStreamData:   1 << 20,
			MaxStreamsBidi:  100,
			MaxStreamsUni:   100,
			MaxDatagramSize: 1452,
		},
		Metrics: MetricsConfig{
			Enabled:      false,
			Address:      "127.0.0.1:9090",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return ParseTOML(data)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ParseTOML parses configuration from TOML bytes.
func ParseTOML(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if _, err := netip.ParseAddrPort(c.Socket.Address); err != nil {
		errs = append(errs, fmt.Sprintf("socket.address: %v", err))
	}
	if c.Socket.TokenSecret != "" {
		if b, err := hex.DecodeString(c.Socket.TokenSecret); err != nil {
			errs = append(errs, "socket.token_secret must be hex")
		} else if len(b) < 16 {
			errs = append(errs, "socket.token_secret must be at least 16 bytes")
		}
	}
	if c.Socket.TokenValidity <= 0 {
		errs = append(errs, "socket.token_validity must be positive")
	}
	if c.Socket.MaxSendAttempts < 1 {
		errs = append(errs, "socket.max_send_attempts must be at least 1")
	}
	if c.Socket.ConnectionIDLength < cid.MinServerLen || c.Socket.ConnectionIDLength > cid.MaxLen {
		errs = append(errs, fmt.Sprintf("socket.connection_id_length must be between %d and %d", cid.MinServerLen, cid.MaxLen))
	}
	if len(c.Socket.Versions) == 0 {
		errs = append(errs, "socket.versions must not be empty")
	}
	for i, v := range c.Socket.Versions {
		if parsed, ok := protocol.ParseVersion(v); !ok || !protocol.IsKnownVersion(parsed) {
			errs = append(errs, fmt.Sprintf("socket.versions[%d]: unsupported version %q", i, v))
		}
	}
	if c.Socket.MaxDatagramSize < protocol.MinInitialDatagramSize || c.Socket.MaxDatagramSize > protocol.MaxDatagramSize {
		errs = append(errs, fmt.Sprintf("socket.max_datagram_size must be between %d and %d",
			protocol.MinInitialDatagramSize, protocol.MaxDatagramSize))
	}
	if c.Socket.StatelessRate < 0 {
		errs = append(errs, "socket.stateless_rate must not be negative")
	}
	if c.Socket.StatelessRate > 0 && c.Socket.StatelessBurst < 1 {
		errs = append(errs, "socket.stateless_burst must be positive when stateless_rate is set")
	}

	if c.Session.IdleTimeout < 0 {
		errs = append(errs, "session.idle_timeout must not be negative")
	}
	if c.Session.MaxDatagramSize < protocol.MinInitialDatagramSize {
		errs = append(errs, fmt.Sprintf("session.max_datagram_size must be at least %d", protocol.MinInitialDatagramSize))
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Address); err != nil {
			errs = append(errs, fmt.Sprintf("metrics.address: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// SocketConfig converts the socket section into a socket.Config. The config
// must have passed Validate.
func (c *Config) SocketConfig() (socket.Config, error) {
	sc := socket.DefaultConfig()

	addr, err := netip.ParseAddrPort(c.Socket.Address)
	if err != nil {
		return sc, fmt.Errorf("socket.address: %w", err)
	}
	var secret []byte
	if c.Socket.TokenSecret != "" {
		if secret, err = hex.DecodeString(c.Socket.TokenSecret); err != nil {
			return sc, fmt.Errorf("socket.token_secret: %w", err)
		}
	}
	versions := make([]quic.Version, 0, len(c.Socket.Versions))
	for _, v := range c.Socket.Versions {
		parsed, ok := protocol.ParseVersion(v)
		if !ok {
			return sc, fmt.Errorf("socket.versions: unsupported version %q", v)
		}
		versions = append(versions, parsed)
	}

	sc.Address = addr
	sc.ReuseAddress = c.Socket.ReuseAddress
	sc.IPv6Only = c.Socket.IPv6Only
	sc.ReceiveBuffer = c.Socket.ReceiveBuffer.Int()
	sc.SendBuffer = c.Socket.SendBuffer.Int()
	sc.MaxDatagramSize = c.Socket.MaxDatagramSize
	sc.ValidateAddress = c.Socket.ValidateAddress
	sc.TokenSecret = secret
	sc.TokenValidity = c.Socket.TokenValidity
	sc.MaxSendAttempts = c.Socket.MaxSendAttempts
	sc.SendTimeout = c.Socket.SendTimeout
	sc.ConnectionIDLength = c.Socket.ConnectionIDLength
	sc.Versions = versions
	sc.StatelessRate = c.Socket.StatelessRate
	sc.StatelessBurst = c.Socket.StatelessBurst
	sc.SweepInterval = c.Socket.SweepInterval
	return sc, nil
}

// SessionSettings returns the settings new server sessions start with.
func (c *Config) SessionSettings() session.Settings {
	return session.Settings{
		IdleTimeout:     c.Session.IdleTimeout,
		MaxData:         uint64(c.Session.MaxData),
		MaxStreamData:   uint64(c.Session.MaxStreamData),
		MaxStreamsBidi:  c.Session.MaxStreamsBidi,
		MaxStreamsUni:   c.Session.MaxStreamsUni,
		MaxDatagramSize: c.Session.MaxDatagramSize,
	}
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with the token secret hidden.
func (c *Config) Redacted() *Config {
	redacted := *c
	redacted.Socket.Versions = append([]string(nil), c.Socket.Versions...)
	if redacted.Socket.TokenSecret != "" {
		redacted.Socket.TokenSecret = redactedValue
	}
	return &redacted
}

// HasSensitiveData returns true if the config contains a token secret.
func (c *Config) HasSensitiveData() bool {
	return c.Socket.TokenSecret != ""
}
