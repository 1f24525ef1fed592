package launcher

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// basicAuth checks Proxy-Authorization against a fixed set of users.
type basicAuth struct {
	users map[string]string
}

// parseBasicAuth reads "user:pass|user2:pass2".
func parseBasicAuth(users string) (*basicAuth, error) {
	auth := &basicAuth{users: make(map[string]string)}
	for _, e := range strings.Split(users, "|") {
		user, pass, ok := strings.Cut(e, ":")
		if !ok || user == "" {
			return nil, fmt.Errorf("invalid proxy auth entry %q, want user:password", e)
		}
		auth.users[user] = pass
	}
	return auth, nil
}

func (a *basicAuth) entryAuth(_ http.ResponseWriter, req *http.Request) (bool, error) {
	header := req.Header.Get("Proxy-Authorization")
	if header == "" {
		return false, errors.New("missing authentication")
	}
	if !a.check(header) {
		return false, errors.New("invalid credentials")
	}
	return true, nil
}

func (a *basicAuth) check(header string) bool {
	encoded, ok := strings.CutPrefix(header, "Basic ")
	if !ok {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		slog.Warn("failed to decode Proxy-Authorization header", "in", "launcher.basicAuth.check", "error", err)
		return false
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}
	want, ok := a.users[user]
	return ok && want == pass
}
