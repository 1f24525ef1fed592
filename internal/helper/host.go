package helper

import (
	"net"

	"github.com/tidwall/match"
)

// MatchHost reports whether address (host or host:port) matches one of hosts.
// Entries may carry a port, in which case the port must match too, and may use
// glob wildcards such as "*.example.com".
func MatchHost(address string, hosts []string) bool {
	hostname, port := splitHostPort(address)
	for _, host := range hosts {
		h, p := splitHostPort(host)
		if p != "" && p != port {
			continue
		}
		if match.Match(hostname, h) {
			return true
		}
	}
	return false
}

func splitHostPort(address string) (string, string) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return address, ""
	}
	return host, port
}
