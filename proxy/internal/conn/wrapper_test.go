package conn_test

import (
	"net"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/anime-games-proxy/agproxy/proxy/internal/conn"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) NotifyClientDisconnected(*conn.ClientConn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, "client")
}

func (n *recordingNotifier) NotifyServerDisconnected(*conn.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, "server")
}

func TestWrapClientConnPeekDoesNotConsume(t *testing.T) {
	c := qt.New(t)

	a, b := net.Pipe()
	defer b.Close()
	wc := conn.NewWrapClientConn(a, nil)
	wc.ConnCtx = conn.NewContext(conn.NewClientConn(wc))
	defer wc.Close()

	go func() { _, _ = b.Write([]byte{0x16, 0x03, 0x01, 0xff}) }()

	peek, err := wc.Peek(3)
	c.Assert(err, qt.IsNil)
	c.Assert(peek, qt.DeepEquals, []byte{0x16, 0x03, 0x01})

	buf := make([]byte, 4)
	n, err := wc.Read(buf)
	c.Assert(err, qt.IsNil)
	c.Assert(buf[:n], qt.DeepEquals, []byte{0x16, 0x03, 0x01, 0xff}[:n])
}

func TestWrapClientConnCloseNotifiesOnce(t *testing.T) {
	c := qt.New(t)

	a, b := net.Pipe()
	defer b.Close()
	notifier := &recordingNotifier{}
	wc := conn.NewWrapClientConn(a, notifier)
	wc.ConnCtx = conn.NewContext(conn.NewClientConn(wc))

	c.Assert(wc.Close(), qt.IsNil)
	c.Assert(wc.Close(), qt.IsNil)
	c.Assert(wc.Closed(), qt.IsTrue)
	c.Assert(notifier.events, qt.DeepEquals, []string{"client"})

	select {
	case <-wc.CloseChan:
	default:
		c.Fatal("CloseChan not closed")
	}
}

func TestWrapClientConnCloseClosesServerConn(t *testing.T) {
	c := qt.New(t)

	ca, cb := net.Pipe()
	defer cb.Close()
	sa, sb := net.Pipe()
	defer sb.Close()

	notifier := &recordingNotifier{}
	wc := conn.NewWrapClientConn(ca, notifier)
	connCtx := conn.NewContext(conn.NewClientConn(wc))
	wc.ConnCtx = connCtx
	connCtx.ServerConn = conn.NewServerConn()
	connCtx.ServerConn.Conn = conn.NewWrapServerConn(sa, connCtx, notifier)

	c.Assert(wc.Close(), qt.IsNil)
	c.Assert(notifier.events, qt.DeepEquals, []string{"client", "server"})
}

func TestWrapServerConnClosesDecryptedClient(t *testing.T) {
	c := qt.New(t)

	ca, cb := net.Pipe()
	defer cb.Close()
	sa, sb := net.Pipe()
	defer sb.Close()

	notifier := &recordingNotifier{}
	wc := conn.NewWrapClientConn(ca, notifier)
	connCtx := conn.NewContext(conn.NewClientConn(wc))
	connCtx.ClientConn.TLS = true
	wc.ConnCtx = connCtx

	sc := conn.NewWrapServerConn(sa, connCtx, notifier)
	c.Assert(sc.Close(), qt.IsNil)

	c.Assert(wc.Closed(), qt.IsTrue)
	c.Assert(notifier.events, qt.DeepEquals, []string{"server", "client"})
}
