package types

import (
	"io"
	"net/http"

	"github.com/anime-games-proxy/agproxy/proxy/internal/conn"
)

// Addon receives proxy events. Hooks run synchronously on the goroutine
// serving the connection, in registration order.
type Addon interface {
	// ClientConnected is called when a client connection is accepted. A
	// connection can carry many requests.
	ClientConnected(*conn.ClientConn)

	// ClientDisconnected is called once the client connection is closed.
	ClientDisconnected(*conn.ClientConn)

	// ServerConnected is called once an upstream connection is dialed.
	ServerConnected(*conn.Context)

	// ServerDisconnected is called once the upstream connection is closed.
	ServerDisconnected(*conn.Context)

	// TLSEstablishedServer is called after the upstream TLS handshake.
	TLSEstablishedServer(*conn.Context)

	// Requestheaders is called when request headers have been read. Setting
	// f.Response answers the request without contacting any upstream.
	Requestheaders(*Flow)

	// Request is called once the full request body has been buffered.
	Request(*Flow)

	// Responseheaders is called when response headers have been read.
	Responseheaders(*Flow)

	// Response is called once the full response body has been buffered.
	Response(*Flow)

	// StreamRequestModifier wraps the request body in stream mode.
	StreamRequestModifier(*Flow, io.Reader) io.Reader

	// StreamResponseModifier wraps the response body in stream mode.
	StreamResponseModifier(*Flow, io.Reader) io.Reader

	// AccessProxyServer is called for requests addressed to the proxy itself.
	AccessProxyServer(req *http.Request, res http.ResponseWriter)
}

// AddonRegistry exposes the registered addons.
type AddonRegistry interface {
	Get() []Addon
}

// BaseAddon implements every Addon hook as a no-op.
type BaseAddon struct{}

func (*BaseAddon) ClientConnected(*conn.ClientConn)                         {}
func (*BaseAddon) ClientDisconnected(*conn.ClientConn)                      {}
func (*BaseAddon) ServerConnected(*conn.Context)                            {}
func (*BaseAddon) ServerDisconnected(*conn.Context)                         {}
func (*BaseAddon) TLSEstablishedServer(*conn.Context)                       {}
func (*BaseAddon) Requestheaders(*Flow)                                     {}
func (*BaseAddon) Request(*Flow)                                            {}
func (*BaseAddon) Responseheaders(*Flow)                                    {}
func (*BaseAddon) Response(*Flow)                                           {}
func (*BaseAddon) StreamRequestModifier(_ *Flow, in io.Reader) io.Reader    { return in }
func (*BaseAddon) StreamResponseModifier(_ *Flow, in io.Reader) io.Reader   { return in }
func (*BaseAddon) AccessProxyServer(_ *http.Request, _ http.ResponseWriter) {}
