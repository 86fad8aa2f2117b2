//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package transport

import "syscall"

// reuseControl is a no-op where SO_REUSEPORT is unavailable; port sharing
// then depends on the platform's default bind semantics.
func reuseControl(_, _ string, _ syscall.RawConn) error { return nil }
