package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Listen opens a TCP listener on port with address reuse enabled. Port 0
// picks an ephemeral port.
func Listen(ctx context.Context, port int) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseControl}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	return ln, nil
}

// newDialer returns a dialer bound to localPort (0 = ephemeral) with
// address reuse enabled.
func newDialer(localPort int, timeout time.Duration) *net.Dialer {
	d := &net.Dialer{Timeout: timeout, Control: reuseControl}
	if localPort > 0 {
		d.LocalAddr = &net.TCPAddr{Port: localPort}
	}
	return d
}

// Port returns the TCP port of addr, or 0.
func Port(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
