package attacker

import (
	"fmt"
	"net/http"
)

// httpError answers with a plain text error. Used when the upstream proxy
// rejected our credentials.
func httpError(w http.ResponseWriter, errMsg string, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Proxy-Authenticate", `Basic realm="proxy"`)
	w.WriteHeader(code)
	fmt.Fprintln(w, errMsg)
}
