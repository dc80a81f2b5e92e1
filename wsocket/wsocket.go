// Package wsocket performs the WebSocket upgrade handshake (RFC 6455) over a
// connection the proxy has already taken over (a TLS-terminated CONNECT
// tunnel, or a hijacked plain connection for ws://), and wraps the result in
// a small Send/Receive API for the downstream application.
//
// It builds on gorilla/websocket's Upgrader rather than hand-rolling frame
// (de)masking: the teacher repo this module was adapted from already
// depended on gorilla/websocket for its own (unrelated) live-traffic web UI,
// so the dependency and its tested RFC 6455 implementation are reused here
// for the websocket handler the proxy itself needs.
package wsocket

import (
	"bufio"
	"net"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Socket is an upgraded WebSocket connection, handed to the downstream
// application via Environ's "wsgi.websocket" key.
type Socket struct {
	conn *websocket.Conn
}

// SendText writes a text frame.
func (s *Socket) SendText(msg string) error {
	return s.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// SendBinary writes a binary frame.
func (s *Socket) SendBinary(data []byte) error {
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Receive reads the next complete message. text reports whether it was a
// text message (false means binary).
func (s *Socket) Receive() (data []byte, text bool, err error) {
	mt, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, false, err
	}
	return data, mt == websocket.TextMessage, nil
}

// Close closes the underlying connection.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// Upgrade performs the server-side RFC 6455 handshake over conn, using the
// already-parsed inner request line and headers (the Tunnel Engine parses
// these itself rather than handing the raw bytes to net/http, since the
// connection was hijacked before net/http ever saw the inner request).
func Upgrade(conn net.Conn, method, requestURI string, header http.Header) (*Socket, error) {
	u, err := url.Parse(requestURI)
	if err != nil {
		u = &url.URL{Path: requestURI}
	}

	req := &http.Request{
		Method:     method,
		URL:        u,
		Header:     header,
		Host:       header.Get("Host"),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
	}

	rw := newRawResponseWriter(conn)
	wsConn, err := upgrader.Upgrade(rw, req, nil)
	if err != nil {
		return nil, err
	}
	return &Socket{conn: wsConn}, nil
}

// rawResponseWriter adapts an already-hijacked net.Conn so gorilla's
// Upgrader — which expects to do its own http.Hijacker call — can perform
// the 101 handshake directly over it.
type rawResponseWriter struct {
	conn   net.Conn
	header http.Header
	rw     *bufio.ReadWriter
}

func newRawResponseWriter(conn net.Conn) *rawResponseWriter {
	return &rawResponseWriter{
		conn:   conn,
		header: make(http.Header),
		rw:     bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
	}
}

func (w *rawResponseWriter) Header() http.Header { return w.header }

func (w *rawResponseWriter) Write(b []byte) (int, error) { return w.rw.Write(b) }

func (w *rawResponseWriter) WriteHeader(int) {}

func (w *rawResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.conn, w.rw, nil
}
