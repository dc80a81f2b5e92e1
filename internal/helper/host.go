package helper

import (
	"strings"

	"github.com/tidwall/match"
)

// MatchHost reports whether address (a "host" or "host:port" string) matches
// any entry in hosts. An entry without a port matches address on any port; an
// entry with a port only matches that exact port. Entries may use shell-glob
// wildcards in the host portion (e.g. "*.example.com").
func MatchHost(address string, hosts []string) bool {
	host, port := splitHostPort(address)

	for _, entry := range hosts {
		entryHost, entryPort := splitHostPort(entry)
		if entryPort != "" && entryPort != port {
			continue
		}
		if match.Match(host, entryHost) {
			return true
		}
	}
	return false
}

func splitHostPort(s string) (host, port string) {
	if i := strings.LastIndex(s, ":"); i != -1 {
		return s[:i], s[i+1:]
	}
	return s, ""
}
