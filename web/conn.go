package web

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/anime-games-proxy/agproxy/proxy"
)

// concurrentConn serializes writes to one monitor client.
type concurrentConn struct {
	conn *websocket.Conn
	mu   sync.Mutex

	sendConnMessageMap map[string]bool
}

func newConn(c *websocket.Conn) *concurrentConn {
	return &concurrentConn{
		conn:               c,
		sendConnMessageMap: make(map[string]bool),
	}
}

// trySendConnMessage announces the flow's connection once per client.
func (c *concurrentConn) trySendConnMessage(f *proxy.Flow) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := f.ConnContext.ID().String()
	if c.sendConnMessageMap[key] {
		return
	}
	c.sendConnMessageMap[key] = true
	msg, err := newMessageFlow(messageTypeConn, f)
	if err != nil {
		slog.Error("web addon gen msg failed", "in", "web.concurrentConn.trySendConnMessage", "error", err)
		return
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, msg.toBytes()); err != nil {
		slog.Debug("write websocket message failed", "in", "web.concurrentConn.trySendConnMessage", "error", err)
	}
}

func (c *concurrentConn) whenConnClose(connCtx *proxy.ConnContext) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := connCtx.ID().String()
	if !c.sendConnMessageMap[key] {
		return
	}
	delete(c.sendConnMessageMap, key)

	msg := newMessageConnClose(connCtx)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, msg.toBytes()); err != nil {
		slog.Debug("write websocket message failed", "in", "web.concurrentConn.whenConnClose", "error", err)
	}
}

func (c *concurrentConn) writeMessage(msg *messageFlow) {
	c.mu.Lock()
	err := c.conn.WriteMessage(websocket.BinaryMessage, msg.toBytes())
	c.mu.Unlock()
	if err != nil {
		slog.Debug("write websocket message failed", "in", "web.concurrentConn.writeMessage", "error", err)
	}
}

// readloop discards client messages until the connection closes. Reading
// is required for gorilla/websocket to process close and ping frames.
func (c *concurrentConn) readloop() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
