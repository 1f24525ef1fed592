// Package conn holds the per-connection state shared by the entry server,
// the attacker and addons.
package conn

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"
)

// ClientConn is a connection accepted from a proxy client.
type ClientConn struct {
	ID                 uuid.UUID
	Conn               net.Conn
	TLS                bool
	NegotiatedProtocol string
	// UpstreamCert selects dial-first interception: the upstream TLS
	// handshake completes before the client's. The default is lazy
	// interception, which never dials hosts whose requests are redirected.
	UpstreamCert bool
	ClientHello  *tls.ClientHelloInfo
	CloseChan    chan struct{}
}

// NewClientConn creates a ClientConn with a fresh ID.
func NewClientConn(c net.Conn) *ClientConn {
	return &ClientConn{
		ID:   uuid.NewV4(),
		Conn: c,
	}
}

// ServerName returns the SNI sent by the client, if any.
func (c *ClientConn) ServerName() string {
	if c.ClientHello == nil {
		return ""
	}
	return c.ClientHello.ServerName
}

func (c *ClientConn) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"id":  c.ID,
		"tls": c.TLS,
	}
	if c.Conn != nil {
		m["address"] = c.Conn.RemoteAddr().String()
	}
	if sni := c.ServerName(); sni != "" {
		m["sni"] = sni
	}
	return json.Marshal(m)
}

// ServerConn is a connection the proxy opened to an upstream server.
type ServerConn struct {
	ID       uuid.UUID
	Address  string
	Conn     net.Conn
	Client   *http.Client
	TLSConn  *tls.Conn
	TLSState *tls.ConnectionState
}

// NewServerConn creates a ServerConn with a fresh ID.
func NewServerConn() *ServerConn {
	return &ServerConn{
		ID: uuid.NewV4(),
	}
}

func (c *ServerConn) MarshalJSON() ([]byte, error) {
	peername := ""
	if c.Conn != nil {
		peername = c.Conn.RemoteAddr().String()
	}
	return json.Marshal(map[string]any{
		"id":       c.ID,
		"address":  c.Address,
		"peername": peername,
	})
}

// Context is the state of one client connection and, once dialed, its
// upstream counterpart.
type Context struct {
	ClientConn *ClientConn `json:"clientConn"`
	ServerConn *ServerConn `json:"serverConn"`
	// Tunnel is the authority of the CONNECT request that opened this
	// connection, empty for plain proxy requests.
	Tunnel string `json:"tunnel,omitempty"`
	// Intercept reports whether the tunnel is decrypted.
	Intercept bool `json:"intercept"`
	// FlowCount is the number of requests served on this connection.
	FlowCount atomic.Uint32 `json:"-"`
	// CloseAfterResponse is set when the upstream asked to close the
	// connection after the current response.
	CloseAfterResponse bool `json:"-"`
	// DialFn dials the upstream on first use when ServerConn is nil.
	DialFn func(context.Context) error `json:"-"`
}

// NewContext creates the context of a freshly accepted client connection.
func NewContext(clientConn *ClientConn) *Context {
	return &Context{
		ClientConn: clientConn,
	}
}

// ID returns the client connection ID.
func (c *Context) ID() uuid.UUID {
	return c.ClientConn.ID
}
