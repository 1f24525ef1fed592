// Package route holds the backend that intercepted requests are sent to.
package route

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"unicode"
)

// DefaultTarget is used until a target is set.
const DefaultTarget = "http://localhost:443"

// ErrInvalidTarget is returned when the registered base URI cannot be
// combined with a request path.
var ErrInvalidTarget = errors.New("invalid route target")

// Target is the parsed form of a base URI.
type Target struct {
	Scheme string
	Host   string
	Port   string
}

// String renders the target as a base URI without a trailing slash.
func (t Target) String() string {
	host := t.Host
	if t.Port != "" {
		host = net.JoinHostPort(t.Host, t.Port)
	}
	return t.Scheme + "://" + host
}

// ParseTarget parses a base URI such as "http://127.0.0.1:21000".
func ParseTarget(base string) (Target, error) {
	u, err := url.Parse(base)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Target{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, u.Scheme)
	}
	if u.Hostname() == "" {
		return Target{}, fmt.Errorf("%w: %q has no host", ErrInvalidTarget, base)
	}
	return Target{Scheme: u.Scheme, Host: u.Hostname(), Port: u.Port()}, nil
}

// Registry stores the current target. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	target string
}

// NewRegistry returns a registry holding DefaultTarget.
func NewRegistry() *Registry {
	return &Registry{target: DefaultTarget}
}

// Set replaces the target. All whitespace is removed first, so
// " http://a :1" becomes "http://a:1". The value is not validated here;
// an unusable target fails each rewrite instead.
func (r *Registry) Set(target string) {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, target)

	r.mu.Lock()
	r.target = cleaned
	r.mu.Unlock()
}

// Get returns the current target.
func (r *Registry) Get() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.target
}

// Target returns the parsed current target.
func (r *Registry) Target() (Target, error) {
	return ParseTarget(r.Get())
}

// Rewrite returns the URL that replaces u: the registry target followed by
// u's path and query, or "/" when u has neither.
func (r *Registry) Rewrite(u *url.URL) (*url.URL, error) {
	return Rewrite(r.Get(), u)
}

// Rewrite joins base with the path and query of u.
func Rewrite(base string, u *url.URL) (*url.URL, error) {
	if _, err := ParseTarget(base); err != nil {
		return nil, err
	}
	pathAndQuery := u.RequestURI()
	if pathAndQuery == "" {
		pathAndQuery = "/"
	}
	rewritten, err := url.Parse(strings.TrimSuffix(base, "/") + pathAndQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	return rewritten, nil
}
