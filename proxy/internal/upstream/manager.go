// Package upstream dials upstream servers, optionally through an HTTP,
// HTTPS or SOCKS5 proxy.
package upstream

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/anime-games-proxy/agproxy/internal/helper"
	"github.com/anime-games-proxy/agproxy/proxy/internal/proxycontext"
)

const dialTimeout = 30 * time.Second

// Manager decides which upstream proxy, if any, each request goes through.
type Manager struct {
	// upstream is a fixed proxy URL such as "socks5://127.0.0.1:1080". When
	// empty the environment (HTTPS_PROXY, NO_PROXY) decides.
	upstream    string
	sslInsecure bool

	upstreamProxy func(*http.Request) (*url.URL, error)
}

// NewManager creates a Manager.
func NewManager(upstream string, sslInsecure bool) *Manager {
	return &Manager{
		upstream:    upstream,
		sslInsecure: sslInsecure,
	}
}

// SetUpstreamProxy overrides proxy selection for every request.
func (m *Manager) SetUpstreamProxy(fn func(*http.Request) (*url.URL, error)) {
	m.upstreamProxy = fn
}

// GetUpstreamConn dials the destination of req, through the upstream proxy
// when one applies.
func (m *Manager) GetUpstreamConn(ctx context.Context, req *http.Request) (net.Conn, error) {
	proxyURL, err := m.GetUpstreamProxyURL(req)
	if err != nil {
		return nil, err
	}
	address := helper.CanonicalAddr(req.URL)
	if proxyURL != nil {
		return helper.GetProxyConn(ctx, proxyURL, address, m.sslInsecure)
	}
	return (&net.Dialer{Timeout: dialTimeout}).DialContext(ctx, "tcp", address)
}

// GetUpstreamProxyURL returns the proxy for req, or nil to dial directly.
// A custom function set with SetUpstreamProxy wins over the configured
// upstream, which wins over the environment.
func (m *Manager) GetUpstreamProxyURL(req *http.Request) (*url.URL, error) {
	if proxycontext.IsDirectDial(req.Context()) {
		return nil, nil
	}
	if m.upstreamProxy != nil {
		return m.upstreamProxy(req)
	}
	if len(m.upstream) > 0 {
		return url.Parse(m.upstream)
	}
	host := req.Host
	if req.URL != nil && req.URL.Host != "" {
		host = req.URL.Host
	}
	cReq := &http.Request{URL: &url.URL{Scheme: "https", Host: host}}
	return http.ProxyFromEnvironment(cReq)
}

// RealUpstreamProxy returns an http.Transport.Proxy function. Outgoing
// requests built from a client request carry it in their context; proxy
// selection is made for that request unless it was rewritten.
func (m *Manager) RealUpstreamProxy() func(*http.Request) (*url.URL, error) {
	return func(cReq *http.Request) (*url.URL, error) {
		if proxycontext.IsDirectDial(cReq.Context()) {
			return nil, nil
		}
		req, ok := proxycontext.GetProxyRequest(cReq.Context())
		if !ok || req.URL == nil || req.URL.Host != cReq.URL.Host {
			req = cReq
		}
		return m.GetUpstreamProxyURL(req)
	}
}
