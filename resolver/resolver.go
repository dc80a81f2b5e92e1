// Package resolver implements the URL-rewriting step the Tunnel Engine and
// Dispatcher run the effective request URL through before handing a request
// to the downstream application.
package resolver

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/ikreymer/wsgiprox/internal/helper"
)

// Resolver rewrites an effective request URL into the path (and, where
// applicable, query string) the downstream application should see. header
// carries the request's headers (e.g. for a resolver that varies the
// prefix by cookie), though Fixed below ignores it. Implementations are
// plain function values; no interface is needed since there is exactly one
// operation.
type Resolver func(rawURL string, header http.Header) (string, error)

// Fixed rewrites non-identity hosts to fixedPrefix+url, and identity hosts to
// their bare path+query, matching the "FixedResolver" contract used by the
// original wsgiprox implementation's tests.
type Fixed struct {
	prefix        string
	identityHosts []string
}

// NewFixed builds a Fixed resolver. prefix is normalized to carry a trailing
// "/" at construction time rather than leaving that to the caller. Entries
// in identityHosts may use shell-glob wildcards (e.g. "*.internal") and are
// matched the same way internal/helper.MatchHost matches CLI host rules.
func NewFixed(prefix string, identityHosts []string) *Fixed {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Fixed{prefix: prefix, identityHosts: identityHosts}
}

// Resolve implements Resolver.
func (f *Fixed) Resolve(rawURL string, _ http.Header) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	if f.isIdentity(u.Host) {
		out := u.Path
		if out == "" {
			out = "/"
		}
		if u.RawQuery != "" {
			out += "?" + u.RawQuery
		}
		return out, nil
	}

	return f.prefix + rawURL, nil
}

func (f *Fixed) isIdentity(host string) bool {
	if len(f.identityHosts) == 0 {
		return false
	}
	return helper.MatchHost(host, f.identityHosts)
}
