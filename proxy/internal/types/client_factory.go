package types

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"

	"github.com/anime-games-proxy/agproxy/internal/helper"
)

// UpstreamManager resolves the upstream proxy for outgoing requests.
type UpstreamManager interface {
	// RealUpstreamProxy is used as http.Transport.Proxy.
	RealUpstreamProxy() func(*http.Request) (*url.URL, error)
}

// ClientFactory creates the HTTP clients the attacker forwards with.
type ClientFactory interface {
	// CreateMainClient creates the client for rewritten requests and for
	// flows with UseSeparateClient set. It dials fresh connections through
	// the upstream manager.
	CreateMainClient(upstreamManager UpstreamManager, insecureSkipVerify bool) *http.Client

	// CreateHTTP2Client creates a client bound to an h2 upstream connection.
	CreateHTTP2Client(tlsConn *tls.Conn) *http.Client

	// CreatePlainHTTPClient creates an HTTP/1.1 client bound to conn.
	CreatePlainHTTPClient(conn net.Conn) *http.Client

	// CreateHTTPSClient creates a client bound to an upstream TLS connection.
	CreateHTTPSClient(tlsConn *tls.Conn) *http.Client
}

// DefaultClientFactory is the ClientFactory used unless one is configured.
type DefaultClientFactory struct {
	// DialTimeout bounds dials made by the main client. Zero means 30s.
	DialTimeout time.Duration
}

// NewDefaultClientFactory creates a DefaultClientFactory.
func NewDefaultClientFactory() *DefaultClientFactory {
	return &DefaultClientFactory{}
}

// Redirects are relayed to the client, never followed.
func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// CreateMainClient implements ClientFactory.
func (f *DefaultClientFactory) CreateMainClient(upstreamManager UpstreamManager, insecureSkipVerify bool) *http.Client {
	dialTimeout := f.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:       upstreamManager.RealUpstreamProxy(),
			DialContext: (&net.Dialer{Timeout: dialTimeout}).DialContext,
			// keep the upstream's encoding so bodies are relayed byte for byte
			DisableCompression:  true,
			ForceAttemptHTTP2:   true,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: insecureSkipVerify, //nolint:gosec // operator controlled
				KeyLogWriter:       helper.GetTLSKeyLogWriter(),
			},
		},
		CheckRedirect: noRedirect,
	}
}

// CreateHTTP2Client implements ClientFactory.
func (*DefaultClientFactory) CreateHTTP2Client(tlsConn *tls.Conn) *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			DialTLSContext: func(context.Context, string, string, *tls.Config) (net.Conn, error) {
				return tlsConn, nil
			},
			DisableCompression: true,
		},
		CheckRedirect: noRedirect,
	}
}

// CreatePlainHTTPClient implements ClientFactory.
func (*DefaultClientFactory) CreatePlainHTTPClient(conn net.Conn) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return conn, nil
			},
			ForceAttemptHTTP2:  false,
			DisableCompression: true,
		},
		CheckRedirect: noRedirect,
	}
}

// CreateHTTPSClient implements ClientFactory.
func (*DefaultClientFactory) CreateHTTPSClient(tlsConn *tls.Conn) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialTLSContext: func(context.Context, string, string) (net.Conn, error) {
				return tlsConn, nil
			},
			ForceAttemptHTTP2:  true,
			DisableCompression: true,
		},
		CheckRedirect: noRedirect,
	}
}
