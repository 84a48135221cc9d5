//go:build linux

package wire

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// TuneKeepalive enables aggressive TCP keepalive probing on long-lived
// Sim sockets so a silently dead peer is noticed within a few probe
// intervals instead of the kernel default of two hours.
func TuneKeepalive(conn net.Conn, idle, interval time.Duration) error {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tcp.SetKeepAlive(true); err != nil {
		return err
	}

	raw, err := tcp.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	cerr := raw.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP,
			unix.TCP_KEEPIDLE, int(idle.Seconds())); err != nil {
			serr = err
			return
		}
		serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP,
			unix.TCP_KEEPINTVL, int(interval.Seconds()))
	})
	if cerr != nil {
		return cerr
	}
	return serr
}
