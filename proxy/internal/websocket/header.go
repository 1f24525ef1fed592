package websocket

import (
	"net/http"
	"strings"
)

// httpHeaderContains reports whether any comma separated token of header
// key equals token, ignoring case.
func httpHeaderContains(h http.Header, key, token string) bool {
	for _, v := range h.Values(key) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
