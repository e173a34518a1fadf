package wire

import (
	"net"
	"time"
)

// Conn wraps a net.Conn so that every read and write is armed with a
// deadline derived from the configured timeout. No protocol operation can
// block past it; expiry surfaces as a net timeout error on the operation.
type Conn struct {
	net.Conn
	timeout time.Duration
}

// NewConn wraps c. A zero timeout disables deadlines.
func NewConn(c net.Conn, timeout time.Duration) *Conn {
	return &Conn{Conn: c, timeout: timeout}
}

func (c *Conn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}
