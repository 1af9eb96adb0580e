package sockopt

import (
	"context"
	"errors"
	"net/netip"
	"runtime"
	"testing"
)

func bindLoopback(t *testing.T, addr string, opts Options) *Conn {
	t.Helper()
	c, err := Bind(context.Background(), netip.MustParseAddrPort(addr), opts)
	if err != nil {
		t.Skipf("bind %s unavailable: %v", addr, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestBind_Family(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		wantIPv6 bool
	}{
		{"ipv4", "127.0.0.1:0", false},
		{"mapped ipv4", "[::ffff:127.0.0.1]:0", false},
		{"ipv6", "[::1]:0", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := bindLoopback(t, tc.addr, Options{})
			if c.IPv6() != tc.wantIPv6 {
				t.Errorf("IPv6() = %v, want %v", c.IPv6(), tc.wantIPv6)
			}
			local := c.LocalAddrPort()
			if local.Port() == 0 {
				t.Error("LocalAddrPort() should carry the kernel-assigned port")
			}
			if !tc.wantIPv6 && !local.Addr().Is4() {
				t.Errorf("LocalAddrPort() = %s, want plain IPv4", local)
			}
		})
	}
}

func TestBind_InvalidAddress(t *testing.T) {
	if _, err := Bind(context.Background(), netip.AddrPort{}, Options{}); err == nil {
		t.Error("Bind() with zero address should fail")
	}
}

func TestBind_ReuseAddress(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("SO_REUSEADDR semantics differ")
	}
	c := bindLoopback(t, "127.0.0.1:0", Options{
		Flags:         ReuseAddress,
		ReceiveBuffer: 1 << 16,
		SendBuffer:    1 << 16,
	})
	if c.LocalAddrPort().Port() == 0 {
		t.Error("expected bound port")
	}
}

func TestBind_IPv6Only(t *testing.T) {
	c := bindLoopback(t, "[::]:0", Options{Flags: IPv6Only})
	if !c.IPv6() {
		t.Error("IPv6() = false for [::] bind")
	}
}

func TestSetBroadcast(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix only")
	}
	c := bindLoopback(t, "127.0.0.1:0", Options{})

	for _, want := range []bool{true, false} {
		if err := c.SetBroadcast(want); err != nil {
			t.Fatalf("SetBroadcast(%v) error = %v", want, err)
		}
		got, err := c.Broadcast()
		if err != nil {
			t.Fatalf("Broadcast() error = %v", err)
		}
		if got != want {
			t.Errorf("Broadcast() = %v, want %v", got, want)
		}
	}
}

func TestSetTTL(t *testing.T) {
	for _, addr := range []string{"127.0.0.1:0", "[::1]:0"} {
		t.Run(addr, func(t *testing.T) {
			c := bindLoopback(t, addr, Options{})
			if err := c.SetTTL(17); err != nil {
				t.Fatalf("SetTTL() error = %v", err)
			}
			got, err := c.TTL()
			if err != nil {
				t.Fatalf("TTL() error = %v", err)
			}
			if got != 17 {
				t.Errorf("TTL() = %d, want 17", got)
			}
		})
	}
}

func TestMulticastOptions(t *testing.T) {
	c := bindLoopback(t, "127.0.0.1:0", Options{})

	if err := c.SetMulticastTTL(4); err != nil {
		t.Errorf("SetMulticastTTL() error = %v", err)
	}
	if err := c.SetMulticastLoopback(true); err != nil {
		t.Errorf("SetMulticastLoopback() error = %v", err)
	}
}

func TestJoinGroup_RejectsUnicast(t *testing.T) {
	c := bindLoopback(t, "127.0.0.1:0", Options{})

	tests := []struct {
		name  string
		group string
	}{
		{"unicast", "10.0.0.1"},
		{"ipv6 unicast", "2001:db8::1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := c.JoinGroup(nil, netip.MustParseAddr(tc.group))
			if !errors.Is(err, ErrNotMulticast) {
				t.Errorf("JoinGroup() error = %v, want ErrNotMulticast", err)
			}
			if err := c.LeaveGroup(nil, netip.MustParseAddr(tc.group)); !errors.Is(err, ErrNotMulticast) {
				t.Errorf("LeaveGroup() error = %v, want ErrNotMulticast", err)
			}
		})
	}

	if err := c.JoinGroup(nil, netip.MustParseAddr("ff02::fb")); err == nil {
		t.Error("joining an IPv6 group on an IPv4 socket should fail")
	}
}
