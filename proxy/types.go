package proxy

import (
	"net"
	"net/http"

	"github.com/anime-games-proxy/agproxy/proxy/internal/conn"
	"github.com/anime-games-proxy/agproxy/proxy/internal/types"
)

// Types shared with the internal packages, exported for addons.
type (
	// Flow is one request/response exchange.
	Flow = types.Flow

	// Request is the request half of a Flow.
	Request = types.Request

	// Response is the response half of a Flow.
	Response = types.Response

	// ClientConn is a connection accepted from a client.
	ClientConn = conn.ClientConn

	// ServerConn is a connection dialed to an upstream.
	ServerConn = conn.ServerConn

	// ConnContext is the state of one client connection.
	ConnContext = conn.Context

	// Addon receives proxy events.
	Addon = types.Addon

	// BaseAddon implements every Addon hook as a no-op.
	BaseAddon = types.BaseAddon

	// UpstreamManager resolves upstream proxies for outgoing requests.
	UpstreamManager = types.UpstreamManager

	// ClientFactory builds the HTTP clients used to reach upstreams.
	ClientFactory = types.ClientFactory

	// DefaultClientFactory is the ClientFactory used unless configured.
	DefaultClientFactory = types.DefaultClientFactory
)

// NewDefaultClientFactory creates a new DefaultClientFactory.
func NewDefaultClientFactory() *DefaultClientFactory {
	return types.NewDefaultClientFactory()
}

// NewFlow creates a flow with a fresh ID, for addons and tests that build
// flows outside the proxy.
func NewFlow() *Flow {
	return types.NewFlow()
}

// NewRequest converts req into a flow Request.
func NewRequest(req *http.Request) *Request {
	return types.NewRequest(req)
}

// NewContext creates the connection context of c.
func NewContext(c net.Conn) *ConnContext {
	return conn.NewContext(conn.NewClientConn(c))
}
