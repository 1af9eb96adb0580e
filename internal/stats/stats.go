// Package stats holds the saturating traffic counters kept by a socket.
package stats

import (
	"math"
	"time"
)

// Counter enumerates the socket statistics.
type Counter int

const (
	// BytesReceived counts bytes of datagrams that were not dropped.
	BytesReceived Counter = iota
	// BytesSent counts bytes handed to the kernel successfully.
	BytesSent
	// PacketsReceived counts datagrams that were not dropped.
	PacketsReceived
	// PacketsSent counts datagrams handed to the kernel successfully.
	PacketsSent
	// PacketsDropped counts malformed or unsolicited datagrams.
	PacketsDropped
	// ServerSessions counts sessions created by the socket for peers.
	ServerSessions
	// ClientSessions counts sessions registered by the local owner.
	ClientSessions
	// RetransmitCount counts send attempts after a transient failure.
	RetransmitCount
	// RetriesSent counts Retry packets emitted.
	RetriesSent
	// VersionNegotiationsSent counts Version Negotiation packets emitted.
	VersionNegotiationsSent
	// SendFailures counts abandoned or failed sends.
	SendFailures

	numCounters
)

var counterNames = [numCounters]string{
	BytesReceived:           "bytes_received",
	BytesSent:               "bytes_sent",
	PacketsReceived:         "packets_received",
	PacketsSent:             "packets_sent",
	PacketsDropped:          "packets_dropped",
	ServerSessions:          "server_sessions",
	ClientSessions:          "client_sessions",
	RetransmitCount:         "retransmit_count",
	RetriesSent:             "retries_sent",
	VersionNegotiationsSent: "version_negotiations_sent",
	SendFailures:            "send_failures",
}

// String returns the snake_case counter name.
func (c Counter) String() string {
	if c < 0 || c >= numCounters {
		return "unknown"
	}
	return counterNames[c]
}

// Counters returns every defined counter in declaration order.
func Counters() []Counter {
	out := make([]Counter, numCounters)
	for i := range out {
		out[i] = Counter(i)
	}
	return out
}

// Stats is a set of monotonic counters that never wrap.
// It is not safe for concurrent use; the socket loop is its only writer.
type Stats struct {
	values  [numCounters]uint64
	created time.Time
}

// New returns zeroed statistics stamped with the creation time.
func New() *Stats {
	return &Stats{created: time.Now()}
}

// Increment adds n to counter c, saturating at math.MaxUint64.
func (s *Stats) Increment(c Counter, n uint64) {
	if c < 0 || c >= numCounters {
		return
	}
	cur := s.values[c]
	if math.MaxUint64-cur < n {
		s.values[c] = math.MaxUint64
		return
	}
	s.values[c] = cur + n
}

// Get returns the current value of c.
func (s *Stats) Get(c Counter) uint64 {
	if c < 0 || c >= numCounters {
		return 0
	}
	return s.values[c]
}

// Snapshot is a read-only copy of the counters.
type Snapshot struct {
	CreatedAt               time.Time `json:"created_at"`
	BytesReceived           uint64    `json:"bytes_received"`
	BytesSent               uint64    `json:"bytes_sent"`
	PacketsReceived         uint64    `json:"packets_received"`
	PacketsSent             uint64    `json:"packets_sent"`
	PacketsDropped          uint64    `json:"packets_dropped"`
	ServerSessions          uint64    `json:"server_sessions"`
	ClientSessions          uint64    `json:"client_sessions"`
	RetransmitCount         uint64    `json:"retransmit_count"`
	RetriesSent             uint64    `json:"retries_sent"`
	VersionNegotiationsSent uint64    `json:"version_negotiations_sent"`
	SendFailures            uint64    `json:"send_failures"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		CreatedAt:               s.created,
		BytesReceived:           s.values[BytesReceived],
		BytesSent:               s.values[BytesSent],
		PacketsReceived:         s.values[PacketsReceived],
		PacketsSent:             s.values[PacketsSent],
		PacketsDropped:          s.values[PacketsDropped],
		ServerSessions:          s.values[ServerSessions],
		ClientSessions:          s.values[ClientSessions],
		RetransmitCount:         s.values[RetransmitCount],
		RetriesSent:             s.values[RetriesSent],
		VersionNegotiationsSent: s.values[VersionNegotiationsSent],
		SendFailures:            s.values[SendFailures],
	}
}

// Value returns the snapshot value for c.
func (s Snapshot) Value(c Counter) uint64 {
	switch c {
	case BytesReceived:
		return s.BytesReceived
	case BytesSent:
		return s.BytesSent
	case PacketsReceived:
		return s.PacketsReceived
	case PacketsSent:
		return s.PacketsSent
	case PacketsDropped:
		return s.PacketsDropped
	case ServerSessions:
		return s.ServerSessions
	case ClientSessions:
		return s.ClientSessions
	case RetransmitCount:
		return s.RetransmitCount
	case RetriesSent:
		return s.RetriesSent
	case VersionNegotiationsSent:
		return s.VersionNegotiationsSent
	case SendFailures:
		return s.SendFailures
	default:
		return 0
	}
}
