package hv

import (
	"fmt"
	"net"
	"time"
)

// IsAPIAlive probes the in-guest API endpoint. The handshake selects how
// much of the protocol is exercised; timeoutSec bounds the whole probe
// and defaults to one second.
func (s *Session) IsAPIAlive(handshake Handshake, timeoutSec int) bool {
	if timeoutSec <= 0 {
		timeoutSec = 1
	}
	timeout := time.Duration(timeoutSec) * time.Second
	addr := net.JoinHostPort(s.APIHost(), fmt.Sprintf("%d", s.APIPort()))

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	switch handshake {
	case HandshakeNone:
		return true

	case HandshakeSimple:
		if _, err := conn.Write([]byte(" \n")); err != nil {
			return false
		}
		// The connection must survive the write. A read timeout means the
		// peer kept the connection open, which is good enough.
		buf := make([]byte, 1)
		_, err := conn.Read(buf)
		if err == nil {
			return true
		}
		nerr, ok := err.(net.Error)
		return ok && nerr.Timeout()

	case HandshakeHTTP:
		if _, err := conn.Write([]byte("GET / HTTP/1.0\r\n\r\n")); err != nil {
			return false
		}
		buf := make([]byte, 1)
		n, err := conn.Read(buf)
		return err == nil && n > 0
	}
	return false
}
