// Package demoapp provides the sample wsgiapp.App wired into cmd/wsgiprox by
// default and exercised by the proxy package's end-to-end tests: an echo
// application that reports the resolved request URL it was handed, mirroring
// the reference demo app the original wsgiprox ships for manual testing.
package demoapp

import (
	"io"
	"net/http"
	"strings"

	"github.com/ikreymer/wsgiprox/wsgiapp"
	"github.com/ikreymer/wsgiprox/wsocket"
)

// New returns the echo App: for a plain request it reports the resolved
// REQUEST_URI (and, for POST, the request body) in its response body; for a
// WebSocket upgrade it echoes every received message back prefixed with the
// same REQUEST_URI.
func New() wsgiapp.App {
	return func(env *wsgiapp.Environ, start wsgiapp.StartResponse) io.Reader {
		if socket, ok := env.WebSocket().(*wsocket.Socket); ok {
			serveWebSocket(env, socket)
			return nil
		}
		return serveHTTP(env, start)
	}
}

func serveHTTP(env *wsgiapp.Environ, start wsgiapp.StartResponse) io.Reader {
	body := "Requested Url: " + env.RequestURI()

	if env.Method() == http.MethodPost {
		data, _ := io.ReadAll(env.Body())
		body += " Post Data: " + string(data)
	}

	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	start("200 OK", header)

	return strings.NewReader(body)
}

func serveWebSocket(env *wsgiapp.Environ, socket *wsocket.Socket) {
	prefix := "WS Request Url: " + env.RequestURI() + " Echo: "
	for {
		data, text, err := socket.Receive()
		if err != nil {
			return
		}
		msg := prefix + string(data)
		if text {
			if err := socket.SendText(msg); err != nil {
				return
			}
		} else if err := socket.SendBinary([]byte(msg)); err != nil {
			return
		}
	}
}
