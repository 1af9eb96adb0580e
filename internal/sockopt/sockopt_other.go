//go:build !unix

package sockopt

import "errors"

func control(uintptr, string, Flags) error {
	return nil
}

func setBroadcast(uintptr, bool) error {
	return errors.ErrUnsupported
}

func broadcastEnabled(uintptr) (bool, error) {
	return false, errors.ErrUnsupported
}
