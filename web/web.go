// Package web streams proxied flows to websocket clients. It is a
// read-only monitor: clients observe connections, requests and responses
// but cannot alter them.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/anime-games-proxy/agproxy/proxy"
)

// StreamPath is the websocket endpoint.
const StreamPath = "/echo"

// WebAddon publishes flow events to every connected monitor client.
type WebAddon struct {
	proxy.BaseAddon

	upgrader *websocket.Upgrader
	server   *http.Server
	addr     atomic.String

	conns   []*concurrentConn
	connsMu sync.RWMutex
}

// NewWebAddon creates a monitor that will listen on addr once started.
func NewWebAddon(addr string) *WebAddon {
	web := &WebAddon{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(StreamPath, web.echo)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "flow monitor, connect a websocket client to %s\n", StreamPath)
	})
	web.server = &http.Server{Addr: addr, Handler: mux}

	return web
}

// Start binds the monitor address and serves in the background.
func (web *WebAddon) Start() error {
	ln, err := net.Listen("tcp", web.server.Addr)
	if err != nil {
		return fmt.Errorf("web monitor listen on %s: %w", web.server.Addr, err)
	}
	web.addr.Store(ln.Addr().String())
	slog.Info("web monitor listening", "in", "web.WebAddon.Start", "addr", ln.Addr().String())

	go func() {
		if err := web.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("web monitor stopped", "in", "web.WebAddon.Start", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (web *WebAddon) Addr() string {
	return web.addr.Load()
}

// Close stops the monitor and disconnects its clients.
func (web *WebAddon) Close() error {
	err := web.server.Shutdown(context.Background())
	// Shutdown does not track hijacked connections.
	for _, c := range web.snapshot() {
		c.conn.Close()
	}
	return err
}

func (web *WebAddon) echo(w http.ResponseWriter, r *http.Request) {
	c, err := web.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "in", "web.WebAddon.echo", "error", err)
		return
	}
	conn := newConn(c)
	web.addConn(conn)
	defer func() {
		web.removeConn(conn)
		c.Close()
	}()

	conn.readloop()
}

func (web *WebAddon) addConn(c *concurrentConn) {
	web.connsMu.Lock()
	web.conns = append(web.conns, c)
	web.connsMu.Unlock()
}

func (web *WebAddon) removeConn(conn *concurrentConn) {
	web.connsMu.Lock()
	defer web.connsMu.Unlock()

	index := -1
	for i, c := range web.conns {
		if conn == c {
			index = i
			break
		}
	}
	if index == -1 {
		return
	}
	web.conns = append(web.conns[:index], web.conns[index+1:]...)
}

func (web *WebAddon) snapshot() []*concurrentConn {
	web.connsMu.RLock()
	defer web.connsMu.RUnlock()
	if len(web.conns) == 0 {
		return nil
	}
	conns := make([]*concurrentConn, len(web.conns))
	copy(conns, web.conns)
	return conns
}

func (web *WebAddon) sendFlow(f *proxy.Flow, mType messageType) {
	conns := web.snapshot()
	if len(conns) == 0 {
		return
	}

	msg, err := newMessageFlow(mType, f)
	if err != nil {
		slog.Debug("web addon gen msg failed", "in", "web.WebAddon.sendFlow", "type", mType, "error", err)
		return
	}
	for _, c := range conns {
		if mType == messageTypeRequest {
			c.trySendConnMessage(f)
		}
		c.writeMessage(msg)
	}
}

func (web *WebAddon) Requestheaders(f *proxy.Flow) {
	web.sendFlow(f, messageTypeRequest)
}

func (web *WebAddon) Request(f *proxy.Flow) {
	web.sendFlow(f, messageTypeRequestBody)
}

func (web *WebAddon) Responseheaders(f *proxy.Flow) {
	web.sendFlow(f, messageTypeResponse)
}

func (web *WebAddon) Response(f *proxy.Flow) {
	web.sendFlow(f, messageTypeResponseBody)
}

func (web *WebAddon) ServerDisconnected(connCtx *proxy.ConnContext) {
	for _, c := range web.snapshot() {
		c.whenConnClose(connCtx)
	}
}
