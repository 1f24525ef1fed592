package addons

import (
	"log/slog"
	"net/http"

	"github.com/anime-games-proxy/agproxy/proxy"
	"github.com/anime-games-proxy/agproxy/route"
)

// Matcher decides whether requests for an authority are redirected.
type Matcher interface {
	ShouldRedirect(authority string) bool
}

// Redirect sends requests whose authority matches to the backend held by
// a route registry. Path, query, method, headers and body are kept.
// CONNECT requests are never redirected.
type Redirect struct {
	proxy.BaseAddon
	matcher  Matcher
	registry *route.Registry
}

// NewRedirect creates a Redirect addon.
func NewRedirect(matcher Matcher, registry *route.Registry) *Redirect {
	return &Redirect{
		matcher:  matcher,
		registry: registry,
	}
}

func (adn *Redirect) Requestheaders(f *proxy.Flow) {
	if f.Request.Method == http.MethodConnect {
		return
	}
	authority := f.Request.URL.Host
	if !adn.matcher.ShouldRedirect(authority) {
		return
	}

	target, err := adn.registry.Rewrite(f.Request.URL)
	if err != nil {
		slog.Error("rewrite failed",
			"in", "addons.Redirect.Requestheaders",
			"authority", authority,
			"target", adn.registry.Get(),
			"error", err,
		)
		f.Response = &proxy.Response{
			StatusCode: http.StatusBadGateway,
			Header:     http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
			Body:       []byte("upstream unavailable\n"),
		}
		return
	}

	slog.Debug("redirecting request",
		"in", "addons.Redirect.Requestheaders",
		"from", f.Request.URL.String(),
		"to", target.String(),
	)
	f.Redirect(target)
}
