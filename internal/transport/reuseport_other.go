//go:build !linux

package transport

import "syscall"

// reusePortControl is a no-op on platforms without SO_REUSEPORT support.
func reusePortControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
