package proxy

import (
	"net"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"
)

// connContext holds the transient state the Tunnel Engine tracks for one
// hijacked connection, grounded on the teacher's proxy/internal/conn.Context
// (which uses the same two libraries for the same purpose: a correlation ID
// for log lines, and an atomic lifecycle flag safe to read from whichever
// goroutine notices the connection died first). id is threaded into the
// tunnel's logger so every log line for a connection carries the same
// correlation ID.
type connContext struct {
	id     uuid.UUID
	raw    net.Conn
	closed atomic.Bool
}

func newConnContext(raw net.Conn) *connContext {
	return &connContext{
		id:  uuid.NewV4(),
		raw: raw,
	}
}

// close closes the raw connection at most once, returning whether this call
// performed the close.
func (c *connContext) close() bool {
	if c.closed.Swap(true) {
		return false
	}
	c.raw.Close()
	return true
}
