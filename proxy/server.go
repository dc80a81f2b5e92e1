// Package proxy implements the Dispatcher and Tunnel Engine: a forward
// HTTP/HTTPS proxy that terminates CONNECT tunnels against a locally issued
// certificate and hands every request — plain or tunneled — to an embedded
// downstream application instead of relaying it to the real origin.
package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/ikreymer/wsgiprox/internal/helper"
	"github.com/ikreymer/wsgiprox/wsgiapp"
	"github.com/ikreymer/wsgiprox/wsocket"
)

// Server is the Dispatcher: the HTTP entry point that routes CONNECT
// requests to the Tunnel Engine, plain-HTTP proxy requests and direct
// requests to the downstream application.
type Server struct {
	cfg    Config
	server *http.Server
	logger *slog.Logger
}

// NewServer builds a Server from cfg. cfg.CA and cfg.App are required.
func NewServer(cfg Config) *Server {
	il := NewInstanceLoggerWithFile(cfg.Addr, cfg.InstanceName, cfg.LogFile)
	s := &Server{
		cfg:    cfg,
		logger: il.GetLogger(),
	}
	s.server = &http.Server{
		Addr:    cfg.Addr,
		Handler: s,
	}
	return s
}

// Start begins listening and serving. It blocks until the server is closed
// or shut down.
func (s *Server) Start() error {
	addr := s.server.Addr
	if addr == "" {
		addr = ":http"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info("proxy listening", "addr", addr)
	return s.server.Serve(ln)
}

// Close immediately stops the server, closing all active connections.
func (s *Server) Close() error {
	return s.server.Close()
}

// Shutdown gracefully stops the server, waiting for active requests (not
// hijacked tunnels, which run outside net/http's accounting) to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler and is the Dispatcher's single routing
// decision point (spec §4.1): CONNECT goes to the Tunnel Engine, an
// absolute-form "http://" target is a plain-HTTP proxied request, and
// anything else is a direct request to the proxy's own hostname.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodConnect:
		s.handleConnect(w, r)
	case r.URL.IsAbs() && r.URL.Scheme == "http":
		s.servePlainProxy(w, r)
	default:
		s.serveDirect(w, r)
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	logger := s.logger.With("host", r.Host)

	conn, ok := s.hijack(w, r)
	if !ok {
		// Spec §4.1 calls this "405 HTTPS Proxy Not Supported"; net/http's
		// ResponseWriter always emits the canonical reason phrase for a
		// status code ("Method Not Allowed") and exposes no hook to
		// override it short of writing the status line to a raw socket,
		// which by definition isn't available here since hijacking is what
		// just failed. The body carries the real message instead.
		httpError(w, "HTTPS Proxy Not Supported", http.StatusMethodNotAllowed)
		return
	}

	go s.serveTunnel(conn, r.Host, logger)
}

// hijack takes raw control of the client connection, preferring the
// standard http.Hijacker path and falling back to Config.SocketAccessor for
// embedders whose ResponseWriter does not implement it directly.
func (s *Server) hijack(w http.ResponseWriter, r *http.Request) (net.Conn, bool) {
	if hj, ok := w.(http.Hijacker); ok {
		conn, _, err := hj.Hijack()
		if err == nil {
			return conn, true
		}
	}
	if s.cfg.SocketAccessor != nil {
		return s.cfg.SocketAccessor(r)
	}
	return nil, false
}

// envFromRequest builds an Environ from a direct (non-tunneled) HTTP
// request's method, protocol and headers, leaving REQUEST_URI/PATH_INFO/
// QUERY_STRING for the caller to fill in via applyRequestURI once the
// target has been resolved.
func envFromRequest(r *http.Request) *wsgiapp.Environ {
	env := wsgiapp.New()
	env.Set(wsgiapp.KeyRequestMethod, r.Method)
	env.Set(wsgiapp.KeyServerProtocol, r.Proto)
	env.Set(wsgiapp.KeyURLScheme, "http")
	for name, values := range r.Header {
		for _, v := range values {
			env.SetHeader(name, v)
		}
	}
	env.SetBody(r.Body)
	return env
}

// servePlainProxy handles a non-CONNECT proxy request whose target is an
// absolute "http://" URL, including a plain (non-TLS) WebSocket upgrade —
// spec §8 scenario 6 — which the Tunnel Engine never sees since it only
// runs inside a CONNECT-hijacked, TLS-terminated connection.
func (s *Server) servePlainProxy(w http.ResponseWriter, r *http.Request) {
	target := r.URL.String()
	rewritten, err := s.resolve(target, r.Header)
	if err != nil {
		s.logger.Error("resolver failed", "error", err, "url", target)
		httpError(w, "resolver error", http.StatusBadGateway)
		return
	}

	if isWebSocketUpgrade(r.Header) {
		s.serveWebSocketPlain(w, r, rewritten)
		return
	}

	env := envFromRequest(r)
	applyRequestURI(env, rewritten)

	s.invoke(w, env)
}

// serveWebSocketPlain hijacks the client connection and performs the RFC
// 6455 upgrade directly over it, unlike the wss:// case where the Tunnel
// Engine performs the upgrade after its own TLS handshake.
func (s *Server) serveWebSocketPlain(w http.ResponseWriter, r *http.Request, rewritten string) {
	env := envFromRequest(r)
	applyRequestURI(env, rewritten)

	conn, ok := s.hijack(w, r)
	if !ok {
		httpError(w, "", http.StatusMethodNotAllowed)
		return
	}
	defer conn.Close()

	socket, err := wsocket.Upgrade(conn, r.Method, r.URL.RequestURI(), r.Header)
	if err != nil {
		logErr(s.logger, err)
		return
	}
	env.Set(wsgiapp.KeyWebSocket, socket)
	s.cfg.App(env, func(string, http.Header) {})
}

// serveDirect handles a request that targets the proxy's own hostname
// directly: magic CA-distribution paths are served from here, everything
// else is passed to the downstream application unchanged (spec §4.1).
func (s *Server) serveDirect(w http.ResponseWriter, r *http.Request) {
	if s.cfg.CAHandler != nil && s.cfg.CAHandler.Handles(r.URL.Path) {
		s.cfg.CAHandler.ServeHTTP(w, r)
		return
	}

	env := envFromRequest(r)
	applyRequestURI(env, r.URL.RequestURI())

	s.invoke(w, env)
}

func (s *Server) resolve(rawURL string, header http.Header) (string, error) {
	if s.cfg.Resolve == nil {
		return rawURL, nil
	}
	return s.cfg.Resolve(rawURL, header)
}

// invoke runs the downstream application over an http.ResponseWriter,
// translating its StartResponse/io.Reader contract into a real HTTP
// response. ResponseCheck detects an App that returned without starting a
// response, so the Dispatcher can still answer the client.
func (s *Server) invoke(w http.ResponseWriter, env *wsgiapp.Environ) {
	checked := helper.NewResponseCheck(w)

	start := func(status string, header http.Header) {
		for k, vv := range header {
			for _, v := range vv {
				checked.Header().Add(k, v)
			}
		}
		checked.WriteHeader(statusCode(status))
	}

	body := s.cfg.App(env, start)

	if rc, ok := checked.(*helper.ResponseCheck); ok && !rc.Wrote {
		checked.WriteHeader(http.StatusNoContent)
	}
	if body != nil {
		io.Copy(checked, body)
	}
}

// applyRequestURI sets REQUEST_URI, PATH_INFO and QUERY_STRING from a
// rewritten target, so that together PATH_INFO and QUERY_STRING always
// reconstruct REQUEST_URI (spec invariant 1).
func applyRequestURI(env *wsgiapp.Environ, rewritten string) {
	env.Set(wsgiapp.KeyRequestURI, rewritten)

	path := rewritten
	query := ""
	for i := 0; i < len(rewritten); i++ {
		if rewritten[i] == '?' {
			path = rewritten[:i]
			query = rewritten[i+1:]
			break
		}
	}
	env.Set(wsgiapp.KeyPathInfo, path)
	env.Set(wsgiapp.KeyQueryString, query)
}

func statusCode(status string) int {
	var code int
	if _, err := fmt.Sscanf(status, "%d", &code); err != nil || code == 0 {
		return http.StatusOK
	}
	return code
}
