package conn

import (
	"bufio"
	"log/slog"
	"net"
	"sync"
)

// AddonNotifier receives disconnect events from wrapped connections.
type AddonNotifier interface {
	NotifyClientDisconnected(*ClientConn)
	NotifyServerDisconnected(*Context)
}

func remoteAddr(c *Context) string {
	if c == nil || c.ClientConn == nil || c.ClientConn.Conn == nil {
		return ""
	}
	return c.ClientConn.Conn.RemoteAddr().String()
}

// WrapClientConn wraps a client connection so that its first bytes can be
// peeked at and its close is reported exactly once.
type WrapClientConn struct {
	net.Conn
	r             *bufio.Reader
	ConnCtx       *Context
	addonNotifier AddonNotifier

	closeMu   sync.Mutex
	closed    bool
	closeErr  error
	CloseChan chan struct{}
}

// NewWrapClientConn wraps c. addonNotifier may be nil.
func NewWrapClientConn(c net.Conn, addonNotifier AddonNotifier) *WrapClientConn {
	return &WrapClientConn{
		Conn:          c,
		r:             bufio.NewReader(c),
		addonNotifier: addonNotifier,
		CloseChan:     make(chan struct{}),
	}
}

// Peek returns the next n bytes without consuming them.
func (c *WrapClientConn) Peek(n int) ([]byte, error) {
	return c.r.Peek(n)
}

func (c *WrapClientConn) Read(data []byte) (int, error) {
	return c.r.Read(data)
}

// CloseRead half-closes the underlying TCP connection when supported.
func (c *WrapClientConn) CloseRead() error {
	if tcpConn, ok := c.Conn.(*net.TCPConn); ok {
		return tcpConn.CloseRead()
	}
	return nil
}

// Closed reports whether Close has been called.
func (c *WrapClientConn) Closed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}

// Close closes the connection, notifies addons and closes the upstream
// connection if one was dialed.
func (c *WrapClientConn) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return c.closeErr
	}
	slog.Debug("WrapClientConn close", "remoteAddr", c.Conn.RemoteAddr().String())

	c.closed = true
	c.closeErr = c.Conn.Close()
	c.closeMu.Unlock()
	close(c.CloseChan)

	if c.ConnCtx == nil {
		return c.closeErr
	}
	if c.addonNotifier != nil {
		c.addonNotifier.NotifyClientDisconnected(c.ConnCtx.ClientConn)
	}
	if c.ConnCtx.ServerConn != nil && c.ConnCtx.ServerConn.Conn != nil {
		c.ConnCtx.ServerConn.Conn.Close()
	}

	return c.closeErr
}

// WrapServerConn wraps an upstream connection so that its close is
// reported exactly once.
type WrapServerConn struct {
	net.Conn
	ConnCtx       *Context
	addonNotifier AddonNotifier

	closeMu  sync.Mutex
	closed   bool
	closeErr error
}

// NewWrapServerConn wraps c for the client connection connCtx.
func NewWrapServerConn(c net.Conn, connCtx *Context, addonNotifier AddonNotifier) *WrapServerConn {
	return &WrapServerConn{
		Conn:          c,
		ConnCtx:       connCtx,
		addonNotifier: addonNotifier,
	}
}

// Close closes the connection and notifies addons. A decrypted keep-alive
// client connection is closed along with it, since its requests can no
// longer be served on the same upstream.
func (c *WrapServerConn) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return c.closeErr
	}
	slog.Debug("WrapServerConn close", "remoteAddr", remoteAddr(c.ConnCtx))

	c.closed = true
	c.closeErr = c.Conn.Close()
	c.closeMu.Unlock()

	if c.addonNotifier != nil {
		c.addonNotifier.NotifyServerDisconnected(c.ConnCtx)
	}

	if !c.ConnCtx.ClientConn.TLS {
		if wcc, ok := c.ConnCtx.ClientConn.Conn.(*WrapClientConn); ok {
			_ = wcc.CloseRead()
		}
	} else if !c.ConnCtx.CloseAfterResponse {
		c.ConnCtx.ClientConn.Conn.Close()
	}

	return c.closeErr
}
