//go:build !linux

package lbnwire

import (
	"fmt"
	"net"
)

// ConfigureKeepalive enables TCP keepalive using only the portable
// net.TCPConn API. The fine-grained TCP_KEEPIDLE/TCP_KEEPINTVL/TCP_KEEPCNT
// tuning in keepalive_linux.go is Linux-specific.
func ConfigureKeepalive(conn net.Conn) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetKeepAlive(true); err != nil {
		return fmt.Errorf("enable TCP keepalive: %w", err)
	}
	return nil
}
