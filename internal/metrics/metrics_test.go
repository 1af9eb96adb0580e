package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/quicmux/internal/stats"
)

type fakeSource struct {
	snap     stats.Snapshot
	sessions int
	aliases  int
}

func (f *fakeSource) Stats() stats.Snapshot { return f.snap }
func (f *fakeSource) Routes() (sessions, aliases int) { return f.sessions, f.aliases }

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.Up == nil || m.StartTime == nil || m.Info == nil || m.ShutdownDuration == nil {
		t.Error("metric field is nil")
	}
}

func TestRecordStartStop(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	at := time.Unix(1700000000, 0)
	m.RecordStart("1.2.3", "127.0.0.1:4433", at)

	if v := testutil.ToFloat64(m.Up); v != 1 {
		t.Errorf("Up = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.StartTime); v != 1700000000 {
		t.Errorf("StartTime = %v, want 1700000000", v)
	}
	if v := testutil.ToFloat64(m.Info.WithLabelValues("1.2.3", "127.0.0.1:4433")); v != 1 {
		t.Errorf("Info = %v, want 1", v)
	}

	m.RecordStop(250 * time.Millisecond)
	if v := testutil.ToFloat64(m.Up); v != 0 {
		t.Errorf("Up = %v after stop, want 0", v)
	}
	if n := testutil.CollectAndCount(m.ShutdownDuration); n != 1 {
		t.Errorf("ShutdownDuration series = %d, want 1", n)
	}
}

func TestCollector(t *testing.T) {
	src := &fakeSource{
		snap: stats.Snapshot{
			PacketsReceived: 10,
			PacketsSent:     7,
			RetriesSent:     2,
			PacketsDropped:  1,
		},
		sessions: 3,
		aliases:  4,
	}
	c := NewCollector(src)

	if n := testutil.CollectAndCount(c); n != len(stats.Counters())+2 {
		t.Errorf("CollectAndCount() = %d, want %d", n, len(stats.Counters())+2)
	}

	expected := `
# HELP quicmux_router_sessions Sessions currently routed
# TYPE quicmux_router_sessions gauge
quicmux_router_sessions 3
# HELP quicmux_socket_packets_received_total Socket counter packets_received
# TYPE quicmux_socket_packets_received_total counter
quicmux_socket_packets_received_total 10
# HELP quicmux_socket_retries_sent_total Socket counter retries_sent
# TYPE quicmux_socket_retries_sent_total counter
quicmux_socket_retries_sent_total 2
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"quicmux_router_sessions",
		"quicmux_socket_packets_received_total",
		"quicmux_socket_retries_sent_total")
	if err != nil {
		t.Errorf("CollectAndCompare() error = %v", err)
	}

	// Values are read at scrape time.
	src.snap.PacketsReceived = 11
	src.aliases = 0
	err = testutil.CollectAndCompare(c, strings.NewReader(`
# HELP quicmux_router_aliases Alias connection IDs currently routed
# TYPE quicmux_router_aliases gauge
quicmux_router_aliases 0
# HELP quicmux_socket_packets_received_total Socket counter packets_received
# TYPE quicmux_socket_packets_received_total counter
quicmux_socket_packets_received_total 11
`), "quicmux_router_aliases", "quicmux_socket_packets_received_total")
	if err != nil {
		t.Errorf("CollectAndCompare() after update error = %v", err)
	}
}

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg, &fakeSource{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := Register(reg, &fakeSource{}); err == nil {
		t.Error("second Register() should fail with duplicate descriptors")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) != len(stats.Counters())+2 {
		t.Errorf("families = %d, want %d", len(families), len(stats.Counters())+2)
	}
}
