package stats

import (
	"math"
	"testing"
)

func TestIncrement(t *testing.T) {
	s := New()

	s.Increment(BytesReceived, 100)
	s.Increment(BytesReceived, 50)
	s.Increment(PacketsReceived, 1)

	if got := s.Get(BytesReceived); got != 150 {
		t.Errorf("BytesReceived = %d, want 150", got)
	}
	if got := s.Get(PacketsReceived); got != 1 {
		t.Errorf("PacketsReceived = %d, want 1", got)
	}
	if got := s.Get(BytesSent); got != 0 {
		t.Errorf("BytesSent = %d, want 0", got)
	}
}

func TestIncrement_Saturates(t *testing.T) {
	tests := []struct {
		name  string
		start uint64
		add   uint64
		want  uint64
	}{
		{"at max", math.MaxUint64, 1, math.MaxUint64},
		{"at max add zero", math.MaxUint64, 0, math.MaxUint64},
		{"near max overflow", math.MaxUint64 - 5, 10, math.MaxUint64},
		{"near max exact", math.MaxUint64 - 5, 5, math.MaxUint64},
		{"near max below", math.MaxUint64 - 5, 4, math.MaxUint64 - 1},
		{"huge add from zero", 0, math.MaxUint64, math.MaxUint64},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := New()
			s.Increment(RetransmitCount, tc.start)
			s.Increment(RetransmitCount, tc.add)
			if got := s.Get(RetransmitCount); got != tc.want {
				t.Errorf("RetransmitCount = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestIncrement_UnknownCounterIgnored(t *testing.T) {
	s := New()
	s.Increment(Counter(-1), 1)
	s.Increment(numCounters, 1)

	for _, c := range Counters() {
		if s.Get(c) != 0 {
			t.Errorf("%s = %d, want 0", c, s.Get(c))
		}
	}
}

func TestSnapshot(t *testing.T) {
	s := New()
	for i, c := range Counters() {
		s.Increment(c, uint64(i+1))
	}

	snap := s.Snapshot()
	for i, c := range Counters() {
		if got := snap.Value(c); got != uint64(i+1) {
			t.Errorf("snapshot %s = %d, want %d", c, got, i+1)
		}
	}
	if snap.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}

	// Snapshot is a copy.
	s.Increment(BytesSent, 1000)
	if snap.BytesSent == s.Get(BytesSent) {
		t.Error("snapshot should not track later increments")
	}
}

func TestCounter_String(t *testing.T) {
	tests := []struct {
		c    Counter
		want string
	}{
		{BytesReceived, "bytes_received"},
		{PacketsSent, "packets_sent"},
		{RetransmitCount, "retransmit_count"},
		{ServerSessions, "server_sessions"},
		{Counter(99), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.c.String(); got != tc.want {
			t.Errorf("Counter(%d).String() = %q, want %q", tc.c, got, tc.want)
		}
	}
}
