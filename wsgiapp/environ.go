// Package wsgiapp defines the contract between the proxy's Tunnel Engine /
// Dispatcher and the downstream application that handles terminated
// requests, modeled on the WSGI-style "environ" the proxy was distilled
// from: a mapping of well-known string keys plus a request body stream.
package wsgiapp

import (
	"io"
	"net/http"
	"strings"
)

// Well-known Environ keys, mirroring CGI/WSGI environ conventions.
const (
	KeyRequestMethod  = "REQUEST_METHOD"
	KeyRequestURI     = "REQUEST_URI"
	KeyPathInfo       = "PATH_INFO"
	KeyQueryString    = "QUERY_STRING"
	KeyServerProtocol = "SERVER_PROTOCOL"
	KeyURLScheme      = "url_scheme"
	KeyProxyScheme    = "proxy_scheme"
	KeyProxyHost      = "proxy_host"
	KeyProxyPort      = "proxy_port"
	KeyWebSocket      = "wsgi.websocket"
)

// Environ is the normalized request handed to App: a mapping of well-known
// string keys to string values (or, for the body and websocket extension
// keys, non-string values), built fresh per request by the Dispatcher or
// Tunnel Engine.
type Environ struct {
	vals map[string]any
	body io.Reader
}

// New returns an empty Environ.
func New() *Environ {
	return &Environ{vals: make(map[string]any)}
}

// Set stores val under key.
func (e *Environ) Set(key string, val any) {
	e.vals[key] = val
}

// Get returns the raw value stored under key, or nil if absent.
func (e *Environ) Get(key string) any {
	return e.vals[key]
}

// String returns the string value stored under key, or "" if absent or not
// a string.
func (e *Environ) String(key string) string {
	s, _ := e.vals[key].(string)
	return s
}

// Method returns REQUEST_METHOD.
func (e *Environ) Method() string { return e.String(KeyRequestMethod) }

// RequestURI returns REQUEST_URI.
func (e *Environ) RequestURI() string { return e.String(KeyRequestURI) }

// PathInfo returns PATH_INFO.
func (e *Environ) PathInfo() string { return e.String(KeyPathInfo) }

// QueryString returns QUERY_STRING.
func (e *Environ) QueryString() string { return e.String(KeyQueryString) }

// SetBody stores the request body reader.
func (e *Environ) SetBody(r io.Reader) { e.body = r }

// Body returns the request body reader, or nil if none was set.
func (e *Environ) Body() io.Reader { return e.body }

// SetHeader folds and stores an HTTP header under its Environ key.
func (e *Environ) SetHeader(name, value string) {
	e.Set(FoldHeaderName(name), value)
}

// Header looks up a previously folded header by its original HTTP name.
func (e *Environ) Header(name string) (string, bool) {
	v, ok := e.vals[FoldHeaderName(name)].(string)
	return v, ok
}

// WebSocket returns the socket installed under KeyWebSocket, if any. The
// concrete type is *wsocket.Socket; callers type-assert to avoid an import
// cycle (wsocket never needs to know about Environ).
func (e *Environ) WebSocket() any { return e.vals[KeyWebSocket] }

// FoldHeaderName folds an HTTP header name into its Environ key: dashes
// become underscores, the result is upper-cased, and it is prefixed with
// "HTTP_" — except Content-Length and Content-Type, which are left
// unprefixed, matching CGI/WSGI convention.
func FoldHeaderName(name string) string {
	folded := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if folded == "CONTENT_LENGTH" || folded == "CONTENT_TYPE" {
		return folded
	}
	return "HTTP_" + folded
}

// StartResponse begins the HTTP response. It must be called exactly once,
// before any body byte is produced.
type StartResponse func(status string, header http.Header)

// App is the downstream application the proxy hands terminated requests to.
// It returns the response body as an io.Reader; a nil return means an empty
// body (the normal case for a completed WebSocket session, where the app
// communicates entirely through Environ.WebSocket()).
type App func(env *Environ, start StartResponse) io.Reader
