package proxy

import (
	"bufio"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/ikreymer/wsgiprox/internal/helper"
	"github.com/ikreymer/wsgiprox/wsgiapp"
	"github.com/ikreymer/wsgiprox/wsocket"
)

// tunnelEstablished is written verbatim to the client once the CONNECT
// tunnel is ready, before the TLS handshake begins.
const tunnelEstablished = "HTTP/1.0 200 Connection Established\r\n" +
	"Proxy-Connection: close\r\n" +
	"Server: wsgiprox\r\n\r\n"

// serveTunnel is the Tunnel Engine: it answers a hijacked CONNECT request,
// TLS-terminates it against a CA-issued leaf certificate, then parses the one
// inner HTTP request and hands it to the downstream application.
func (s *Server) serveTunnel(raw net.Conn, hostport string, logger *slog.Logger) {
	defer raw.Close()

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
		port = "443"
	}

	cc := newConnContext(raw)
	defer cc.close()

	if _, err := io.WriteString(raw, tunnelEstablished); err != nil {
		logErr(logger, err)
		return
	}

	cert, err := s.cfg.CA.GetCert(host)
	if err != nil {
		logger.Error("failed to issue leaf certificate", "error", err)
		return
	}

	tlsConn := tls.Server(raw, &tls.Config{
		Certificates: []tls.Certificate{*cert},
		KeyLogWriter: helper.GetTLSKeyLogWriter(),
	})
	defer tlsConn.Close()

	if err := tlsConn.Handshake(); err != nil {
		logErr(logger, err)
		return
	}

	logger = logger.With("conn_id", cc.id.String())

	br := bufio.NewReader(tlsConn)

	// One CONNECT tunnel serves exactly one inner request (spec §4.2 step
	// 10: "close the buffered reader and the TLS socket on exit"), matching
	// the non-keepalive envelope already advertised in tunnelEstablished
	// ("Proxy-Connection: close"). The app's response carries no
	// Content-Length or Transfer-Encoding, so a conforming client has no way
	// to detect the end of the body except connection close; looping here
	// to serve a second request would deadlock any client waiting on that
	// close.
	if err := s.serveOneTunnelRequest(tlsConn, br, host, port, logger); err != nil && err != io.EOF {
		logErr(logger, err)
	}
}

// serveOneTunnelRequest parses the one inner HTTP request off br and hands it
// to the downstream application (or, for a WebSocket upgrade, upgrades the
// connection and hands over the Socket instead).
func (s *Server) serveOneTunnelRequest(tlsConn *tls.Conn, br *bufio.Reader, host, port string, logger *slog.Logger) error {
	method, requestURI, proto, err := readRequestLine(br)
	if err != nil {
		return err
	}

	header, err := readMIMEHeader(br)
	if err != nil {
		return err
	}

	env := wsgiapp.New()
	env.Set(wsgiapp.KeyRequestMethod, method)
	env.Set(wsgiapp.KeyServerProtocol, proto)
	env.Set(wsgiapp.KeyURLScheme, "https")
	env.Set(wsgiapp.KeyProxyScheme, "https")
	env.Set(wsgiapp.KeyProxyHost, host)
	env.Set(wsgiapp.KeyProxyPort, port)
	for name, values := range header {
		for _, v := range values {
			env.SetHeader(name, v)
		}
	}

	target := "https://" + hostForURL(host, port) + requestURI
	rewritten, err := s.resolve(target, header)
	if err != nil {
		return err
	}
	applyRequestURI(env, rewritten)

	if isWebSocketUpgrade(header) {
		socket, err := wsocket.Upgrade(tlsConn, method, requestURI, header)
		if err != nil {
			return err
		}
		env.Set(wsgiapp.KeyWebSocket, socket)
		s.cfg.App(env, func(string, http.Header) {})
		return nil
	}

	env.SetBody(io.LimitReader(br, contentLength(header)))

	wrote := false
	start := func(status string, respHeader http.Header) {
		wrote = true
		io.WriteString(tlsConn, "HTTP/1.1 "+status+"\r\n")
		respHeader.Write(tlsConn)
		io.WriteString(tlsConn, "\r\n")
	}

	body := s.cfg.App(env, start)
	if !wrote {
		start("204 No Content", make(http.Header))
	}
	if body != nil {
		io.Copy(tlsConn, body)
	}

	return nil
}

// hostForURL renders host:port for use in a synthesized request URL,
// omitting the port when it is the default HTTPS port so the Resolver sees
// the same target a browser's address bar would show.
func hostForURL(host, port string) string {
	if port == "" || port == "443" {
		return host
	}
	return net.JoinHostPort(host, port)
}

func readRequestLine(br *bufio.Reader) (method, requestURI, proto string, err error) {
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		return "", "", "", err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return "", "", "", io.ErrUnexpectedEOF
	}
	return parts[0], parts[1], parts[2], nil
}

func readMIMEHeader(br *bufio.Reader) (http.Header, error) {
	tp := textproto.NewReader(br)
	mh, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, err
	}
	return http.Header(mh), nil
}

func contentLength(header http.Header) int64 {
	v := header.Get("Content-Length")
	if v == "" {
		return 0
	}
	var n int64
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}

func isWebSocketUpgrade(header http.Header) bool {
	return strings.EqualFold(header.Get("Upgrade"), "websocket")
}
