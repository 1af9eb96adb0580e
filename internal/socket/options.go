package socket

import (
	"net"
	"net/netip"
)

// Socket options act on the kernel descriptor directly and do not go
// through the loop. They are safe from any goroutine, including session
// callbacks, and fail once the socket is closed.

// SetBroadcast toggles SO_BROADCAST.
func (s *Socket) SetBroadcast(on bool) error {
	return s.conn.SetBroadcast(on)
}

// Broadcast reports whether SO_BROADCAST is set.
func (s *Socket) Broadcast() (bool, error) {
	return s.conn.Broadcast()
}

// SetTTL sets the unicast hop limit of outgoing datagrams.
func (s *Socket) SetTTL(ttl int) error {
	return s.conn.SetTTL(ttl)
}

// TTL returns the unicast hop limit.
func (s *Socket) TTL() (int, error) {
	return s.conn.TTL()
}

// SetMulticastTTL sets the hop limit of outgoing multicast datagrams.
func (s *Socket) SetMulticastTTL(ttl int) error {
	return s.conn.SetMulticastTTL(ttl)
}

// SetMulticastLoopback controls whether multicast sends are looped back to
// the local host.
func (s *Socket) SetMulticastLoopback(on bool) error {
	return s.conn.SetMulticastLoopback(on)
}

// SetMulticastInterface selects the interface for outgoing multicast.
func (s *Socket) SetMulticastInterface(ifi *net.Interface) error {
	return s.conn.SetMulticastInterface(ifi)
}

// JoinGroup joins a multicast group on ifi, or on the system default
// interface when ifi is nil. Non-multicast groups fail with
// sockopt.ErrNotMulticast.
func (s *Socket) JoinGroup(ifi *net.Interface, group netip.Addr) error {
	return s.conn.JoinGroup(ifi, group)
}

// LeaveGroup leaves a group joined with JoinGroup.
func (s *Socket) LeaveGroup(ifi *net.Interface, group netip.Addr) error {
	return s.conn.LeaveGroup(ifi, group)
}
