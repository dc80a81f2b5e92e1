package proxy

import (
	"net"
	"net/http"

	"github.com/ikreymer/wsgiprox/cert"
	"github.com/ikreymer/wsgiprox/resolver"
	"github.com/ikreymer/wsgiprox/wsgiapp"
)

// Config configures a Server.
type Config struct {
	// Addr is the listen address, e.g. ":8080". Empty means ":http".
	Addr string

	// CA issues certificates for intercepted CONNECT tunnels.
	CA cert.CA

	// Resolve rewrites effective request URLs before they reach App. A nil
	// Resolve passes URLs through unchanged.
	Resolve resolver.Resolver

	// App is the downstream application every terminated request is handed
	// to.
	App wsgiapp.App

	// CAHandler, if set, serves the magic CA-distribution paths for direct
	// (non-intercepted) requests to the proxy's own hostname.
	CAHandler *wsgiapp.CAHandler

	// SocketAccessor is an extension point for embedding the Dispatcher
	// behind a foreign http.Server whose ResponseWriter does not implement
	// http.Hijacker directly. It is never needed by cmd/wsgiprox.
	SocketAccessor func(req *http.Request) (net.Conn, bool)

	// InstanceName identifies this Server in log output, useful when more
	// than one runs in the same process. Defaults to "proxy-<port>".
	InstanceName string

	// LogFile, if set, routes this Server's log output to a JSON file
	// instead of the global slog logger.
	LogFile string
}
