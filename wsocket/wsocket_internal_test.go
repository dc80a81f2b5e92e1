package wsocket

import (
	"net"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestRawResponseWriterHijackReturnsUnderlyingConn(t *testing.T) {
	c := qt.New(t)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	w := newRawResponseWriter(server)
	conn, rw, err := w.Hijack()

	c.Assert(err, qt.IsNil)
	c.Assert(conn, qt.Equals, server)
	c.Assert(rw, qt.Not(qt.IsNil))
}

func TestRawResponseWriterHeaderIsMutable(t *testing.T) {
	c := qt.New(t)

	_, server := net.Pipe()
	defer server.Close()

	w := newRawResponseWriter(server)
	w.Header().Set("Sec-WebSocket-Protocol", "chat")

	c.Assert(w.Header().Get("Sec-WebSocket-Protocol"), qt.Equals, "chat")
}
