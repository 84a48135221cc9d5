//go:build !linux

package wire

import (
	"net"
	"time"
)

// TuneKeepalive falls back to the portable keepalive switch where the
// per-probe socket options are not available.
func TuneKeepalive(conn net.Conn, idle, _ time.Duration) error {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tcp.SetKeepAlive(true); err != nil {
		return err
	}
	return tcp.SetKeepAlivePeriod(idle)
}
