//go:build unix

package sockopt

import (
	"golang.org/x/sys/unix"
)

func control(fd uintptr, network string, flags Flags) error {
	if flags&ReuseAddress != 0 {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return err
		}
	}
	if network == "udp6" {
		v6only := 0
		if flags&IPv6Only != 0 {
			v6only = 1
		}
		if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, v6only); err != nil {
			return err
		}
	}
	return nil
}

func setBroadcast(fd uintptr, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, v)
}

func broadcastEnabled(fd uintptr) (bool, error) {
	v, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST)
	return v != 0, err
}
