//go:build unix

package send

import (
	"errors"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

var transientErrors = []error{
	unix.EAGAIN,
	unix.EWOULDBLOCK,
	unix.ENOBUFS,
	unix.ENOMEM,
	unix.EINTR,
}

func wouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

func platformSendto(fd uintptr, b []byte, dst netip.AddrPort, ipv6 bool) error {
	sa, err := sockaddr(dst, ipv6)
	if err != nil {
		return err
	}
	return unix.Sendto(int(fd), b, unix.MSG_DONTWAIT, sa)
}

// sockaddr converts dst for a socket of the given family.
func sockaddr(dst netip.AddrPort, ipv6 bool) (unix.Sockaddr, error) {
	addr := dst.Addr()
	if !addr.IsValid() {
		return nil, unix.EDESTADDRREQ
	}
	if ipv6 {
		sa := &unix.SockaddrInet6{Port: int(dst.Port()), Addr: addr.As16()}
		if zone := addr.Zone(); zone != "" {
			if ifi, err := net.InterfaceByName(zone); err == nil {
				sa.ZoneId = uint32(ifi.Index)
			}
		}
		return sa, nil
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return nil, unix.EAFNOSUPPORT
	}
	return &unix.SockaddrInet4{Port: int(dst.Port()), Addr: addr.As4()}, nil
}
