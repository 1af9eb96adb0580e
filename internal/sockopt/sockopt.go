// Package sockopt binds UDP sockets and exposes the socket options a
// datagram endpoint may need to tune.
package sockopt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Flags control how Bind prepares the socket.
type Flags uint8

const (
	// ReuseAddress sets SO_REUSEADDR before binding.
	ReuseAddress Flags = 1 << iota
	// IPv6Only restricts an IPv6 socket to IPv6 peers. Without it an IPv6
	// wildcard socket also accepts IPv4 peers as mapped addresses.
	IPv6Only
)

// ErrNotMulticast is returned when a group address is not multicast.
var ErrNotMulticast = errors.New("not a multicast address")

// Options configure Bind.
type Options struct {
	Flags         Flags
	ReceiveBuffer int
	SendBuffer    int
}

// Conn is a bound UDP socket.
type Conn struct {
	*net.UDPConn
	ipv6 bool
	p4   *ipv4.PacketConn
	p6   *ipv6.PacketConn
}

// Bind opens a UDP socket on addr. IPv4 addresses (including IPv4-mapped)
// open an AF_INET socket; everything else opens AF_INET6.
func Bind(ctx context.Context, addr netip.AddrPort, opts Options) (*Conn, error) {
	if !addr.IsValid() {
		return nil, fmt.Errorf("bind: invalid address %s", addr)
	}
	network := "udp6"
	if addr.Addr().Unmap().Is4() {
		network = "udp4"
		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = control(fd, network, opts.Flags)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	pc, err := lc.ListenPacket(ctx, network, addr.String())
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	udp := pc.(*net.UDPConn)

	if opts.ReceiveBuffer > 0 {
		if err := udp.SetReadBuffer(opts.ReceiveBuffer); err != nil {
			udp.Close()
			return nil, fmt.Errorf("set receive buffer: %w", err)
		}
	}
	if opts.SendBuffer > 0 {
		if err := udp.SetWriteBuffer(opts.SendBuffer); err != nil {
			udp.Close()
			return nil, fmt.Errorf("set send buffer: %w", err)
		}
	}

	c := &Conn{UDPConn: udp, ipv6: network == "udp6"}
	if c.ipv6 {
		c.p6 = ipv6.NewPacketConn(udp)
	} else {
		c.p4 = ipv4.NewPacketConn(udp)
	}
	return c, nil
}

// IPv6 reports whether the socket is of the AF_INET6 family.
func (c *Conn) IPv6() bool {
	return c.ipv6
}

// LocalAddrPort returns the bound address.
func (c *Conn) LocalAddrPort() netip.AddrPort {
	ua, ok := c.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	ap := ua.AddrPort()
	if !c.ipv6 {
		ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return ap
}

// SetBroadcast toggles SO_BROADCAST.
func (c *Conn) SetBroadcast(on bool) error {
	raw, err := c.SyscallConn()
	if err != nil {
		return fmt.Errorf("set broadcast: %w", err)
	}
	var serr error
	if err := raw.Control(func(fd uintptr) {
		serr = setBroadcast(fd, on)
	}); err != nil {
		return fmt.Errorf("set broadcast: %w", err)
	}
	if serr != nil {
		return fmt.Errorf("set broadcast: %w", serr)
	}
	return nil
}

// Broadcast reports whether SO_BROADCAST is set.
func (c *Conn) Broadcast() (bool, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return false, err
	}
	var (
		on   bool
		serr error
	)
	if err := raw.Control(func(fd uintptr) {
		on, serr = broadcastEnabled(fd)
	}); err != nil {
		return false, err
	}
	return on, serr
}

// SetTTL sets the unicast TTL (hop limit on IPv6).
func (c *Conn) SetTTL(ttl int) error {
	if c.ipv6 {
		return wrap("set hop limit", c.p6.SetHopLimit(ttl))
	}
	return wrap("set ttl", c.p4.SetTTL(ttl))
}

// TTL returns the unicast TTL (hop limit on IPv6).
func (c *Conn) TTL() (int, error) {
	if c.ipv6 {
		return c.p6.HopLimit()
	}
	return c.p4.TTL()
}

// SetMulticastTTL sets the TTL for outgoing multicast datagrams.
func (c *Conn) SetMulticastTTL(ttl int) error {
	if c.ipv6 {
		return wrap("set multicast hop limit", c.p6.SetMulticastHopLimit(ttl))
	}
	return wrap("set multicast ttl", c.p4.SetMulticastTTL(ttl))
}

// SetMulticastLoopback controls whether outgoing multicast datagrams are
// looped back to local listeners.
func (c *Conn) SetMulticastLoopback(on bool) error {
	if c.ipv6 {
		return wrap("set multicast loopback", c.p6.SetMulticastLoopback(on))
	}
	return wrap("set multicast loopback", c.p4.SetMulticastLoopback(on))
}

// SetMulticastInterface selects the interface for outgoing multicast.
func (c *Conn) SetMulticastInterface(ifi *net.Interface) error {
	if c.ipv6 {
		return wrap("set multicast interface", c.p6.SetMulticastInterface(ifi))
	}
	return wrap("set multicast interface", c.p4.SetMulticastInterface(ifi))
}

// JoinGroup joins a multicast group on ifi. A nil ifi lets the kernel pick.
func (c *Conn) JoinGroup(ifi *net.Interface, group netip.Addr) error {
	ga, err := c.groupAddr(group)
	if err != nil {
		return err
	}
	if c.ipv6 {
		return wrap("join group", c.p6.JoinGroup(ifi, ga))
	}
	return wrap("join group", c.p4.JoinGroup(ifi, ga))
}

// LeaveGroup leaves a multicast group on ifi.
func (c *Conn) LeaveGroup(ifi *net.Interface, group netip.Addr) error {
	ga, err := c.groupAddr(group)
	if err != nil {
		return err
	}
	if c.ipv6 {
		return wrap("leave group", c.p6.LeaveGroup(ifi, ga))
	}
	return wrap("leave group", c.p4.LeaveGroup(ifi, ga))
}

func (c *Conn) groupAddr(group netip.Addr) (*net.UDPAddr, error) {
	if !group.IsMulticast() {
		return nil, fmt.Errorf("%w: %s", ErrNotMulticast, group)
	}
	if !c.ipv6 && !group.Unmap().Is4() {
		return nil, fmt.Errorf("ipv6 group %s on ipv4 socket", group)
	}
	return &net.UDPAddr{IP: group.AsSlice(), Zone: group.Zone()}, nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
