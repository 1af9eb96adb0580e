//go:build !unix

package send

import (
	"errors"
	"net/netip"
)

var transientErrors []error

func wouldBlock(error) bool { return false }

func platformSendto(uintptr, []byte, netip.AddrPort, bool) error {
	return errors.ErrUnsupported
}
