//go:build linux

package lbnwire

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// keepaliveIdleSeconds and keepaliveIntervalSeconds tune how quickly a
// half-dead LBN connection is detected, so the C3 reconnect loop does not
// wait on the kernel's much longer default keepalive timers before
// observing the socket is gone.
const (
	keepaliveIdleSeconds     = 15
	keepaliveIntervalSeconds = 5
	keepaliveCount           = 3
)

// ConfigureKeepalive tunes TCP keepalive on the LBN session socket via
// syscall.RawConn.Control, the same raw-socket-option mechanism the
// teacher's UDP sender uses for IP_TTL/SO_BINDTODEVICE tuning
// (internal/netio/sender.go's setSenderOpts), applied here to a stream
// socket's keepalive timers instead.
func ConfigureKeepalive(conn net.Conn) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetKeepAlive(true); err != nil {
		return fmt.Errorf("enable TCP keepalive: %w", err)
	}

	raw, err := tc.SyscallConn()
	if err != nil {
		return fmt.Errorf("obtain raw conn: %w", err)
	}

	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		intFD := int(fd)
		sockErr = setKeepaliveOpts(intFD)
	})
	if ctrlErr != nil {
		return fmt.Errorf("raw conn control: %w", ctrlErr)
	}
	return sockErr
}

func setKeepaliveOpts(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, keepaliveIdleSeconds); err != nil {
		return fmt.Errorf("set TCP_KEEPIDLE: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, keepaliveIntervalSeconds); err != nil {
		return fmt.Errorf("set TCP_KEEPINTVL: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, keepaliveCount); err != nil {
		return fmt.Errorf("set TCP_KEEPCNT: %w", err)
	}
	return nil
}
