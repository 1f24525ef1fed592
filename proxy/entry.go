package proxy

// The entry is the client facing side of the proxy. It accepts client
// connections, answers plain forward proxy requests through the attacker
// and turns CONNECT requests into tunnels:
//
//	CONNECT, not intercepted:  handleConnect → directTransfer → upstream
//	CONNECT, lazy (default):   handleConnect → httpsDialLazyAttack → attacker
//	CONNECT, dial first:       handleConnect → httpsDialFirstAttack → attacker
//
// Intercepted tunnels are answered with the DecryptEndpoint marker so that
// clients can tell a decrypting proxy from a plain one.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/anime-games-proxy/agproxy/internal/helper"
	"github.com/anime-games-proxy/agproxy/proxy/internal/conn"
	"github.com/anime-games-proxy/agproxy/proxy/internal/proxycontext"
	"github.com/anime-games-proxy/agproxy/proxy/internal/types"
)

const (
	// MarkerHeader is added to the CONNECT answer of intercepted tunnels.
	MarkerHeader = "DecryptEndpoint"
	// MarkerValue is the value of MarkerHeader.
	MarkerValue = "Created"
)

// wrapListener attaches a connection context to every accepted client
// connection and reports it to addons.
type wrapListener struct {
	net.Listener
	proxy *Proxy
}

func (l *wrapListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	proxy := l.proxy
	wc := conn.NewWrapClientConn(c, proxy)

	clientConn := conn.NewClientConn(wc)
	clientConn.CloseChan = wc.CloseChan
	connCtx := conn.NewContext(clientConn)
	wc.ConnCtx = connCtx
	proxy.trackClient(clientConn)

	for _, addon := range proxy.addonRegistry.Get() {
		addon.ClientConnected(connCtx.ClientConn)
	}

	return wc, nil
}

type entry struct {
	proxy  *Proxy
	server *http.Server
}

func newEntry(proxy *Proxy) *entry {
	e := &entry{proxy: proxy}
	e.server = &http.Server{
		Addr:    proxy.config.Addr,
		Handler: e,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			if wc, ok := c.(*conn.WrapClientConn); ok {
				return proxycontext.WithConnContext(ctx, wc.ConnCtx)
			}
			return ctx
		},
	}
	return e
}

func (e *entry) listen() (net.Listener, error) {
	addr := e.server.Addr
	if addr == "" {
		addr = ":http"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return ln, nil
}

func (e *entry) serve(ln net.Listener) error {
	return e.server.Serve(&wrapListener{
		Listener: ln,
		proxy:    e.proxy,
	})
}

func (e *entry) close() error {
	return e.server.Close()
}

func (e *entry) shutdown(ctx context.Context) error {
	return e.server.Shutdown(ctx)
}

// ServeHTTP routes CONNECT requests to handleConnect, absolute-form
// requests to the attacker and anything else to the AccessProxyServer
// addon event.
func (e *entry) ServeHTTP(res http.ResponseWriter, req *http.Request) {
	proxy := e.proxy

	logger := slog.Default().With(
		"in", "Proxy.entry.ServeHTTP",
		"host", req.Host,
	)
	if proxy.authProxy != nil {
		ok, err := proxy.authProxy(res, req)
		if !ok {
			logger.Error("proxy authentication failed", "error", err)
			httpError(res, "", http.StatusProxyAuthRequired)
			return
		}
	}
	if req.Method == http.MethodConnect {
		e.handleConnect(res, req)
		return
	}

	if !req.URL.IsAbs() || req.URL.Host == "" {
		check := &helper.ResponseCheck{ResponseWriter: res}
		for _, addon := range proxy.addonRegistry.Get() {
			addon.AccessProxyServer(req, check)
		}
		if !check.Wrote {
			check.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(check, "This is a proxy server, direct requests are not allowed")
		}
		return
	}

	proxy.attacker.InitHTTPDialFn(req)
	proxy.attacker.Attack(res, req)
}

// handleConnect decides how a tunnel is served. Tunnels are decrypted
// unless the intercept rule says otherwise or the CA cannot issue a
// certificate for the host, in which case bytes are relayed untouched.
func (e *entry) handleConnect(res http.ResponseWriter, req *http.Request) {
	proxy := e.proxy

	logger := slog.Default().With(
		"in", "Proxy.entry.handleConnect",
		"host", req.Host,
	)

	connCtx, ok := proxycontext.GetConnContext(req.Context())
	if !ok {
		panic("failed to get ConnContext from request context")
	}
	connCtx.Tunnel = req.Host

	shouldIntercept := proxy.shouldIntercept == nil || proxy.shouldIntercept(req)
	if shouldIntercept && !proxy.interceptable(req.URL.Hostname()) {
		logger.Warn("certificate quota exhausted, relaying tunnel without decryption")
		shouldIntercept = false
	}

	f := types.NewFlow()
	f.Request = types.NewRequest(req)
	f.ConnContext = connCtx
	f.ConnContext.Intercept = shouldIntercept
	defer f.Finish()

	for _, addon := range proxy.addonRegistry.Get() {
		addon.Requestheaders(f)
	}

	if !shouldIntercept {
		logger.Debug("begin transpond")
		e.directTransfer(res, req, f)
		return
	}

	if f.ConnContext.ClientConn.UpstreamCert {
		e.httpsDialFirstAttack(res, req, f)
		return
	}

	logger.Debug("begin intercept")
	e.httpsDialLazyAttack(res, req, f)
}

// establishConnection hijacks the client connection and answers the
// CONNECT request. From here on the connection is ours to close.
func (e *entry) establishConnection(res http.ResponseWriter, f *Flow) (net.Conn, error) {
	hj, ok := res.(http.Hijacker)
	if !ok {
		res.WriteHeader(http.StatusBadGateway)
		return nil, errors.New("response writer does not support hijacking")
	}
	cconn, _, err := hj.Hijack()
	if err != nil {
		res.WriteHeader(http.StatusBadGateway)
		return nil, err
	}

	header := make(http.Header)
	if f.ConnContext.Intercept {
		header.Set(MarkerHeader, MarkerValue)
	}
	answer := "HTTP/1.1 200 Connection Established\r\n"
	for key := range header {
		answer += key + ": " + header.Get(key) + "\r\n"
	}
	if _, err := io.WriteString(cconn, answer+"\r\n"); err != nil {
		cconn.Close()
		return nil, err
	}

	f.Response = &Response{
		StatusCode: http.StatusOK,
		Header:     header,
	}
	for _, addon := range e.proxy.addonRegistry.Get() {
		addon.Responseheaders(f)
	}

	return cconn, nil
}

// directTransfer relays the tunnel to its upstream without decrypting it.
func (e *entry) directTransfer(res http.ResponseWriter, req *http.Request, f *Flow) {
	proxy := e.proxy
	logger := slog.Default().With(
		"in", "Proxy.entry.directTransfer",
		"host", req.Host,
	)

	upstreamConn, err := proxy.upstreamManager.GetUpstreamConn(req.Context(), req)
	if err != nil {
		logger.Error("get upstream conn failed", "error", err)
		res.WriteHeader(http.StatusBadGateway)
		return
	}
	defer upstreamConn.Close()

	cconn, err := e.establishConnection(res, f)
	if err != nil {
		logger.Error("establish connection failed", "error", err)
		return
	}
	defer cconn.Close()

	helper.Transfer(logger, upstreamConn, cconn)
}

// httpsDialFirstAttack dials the upstream before answering the client so
// that the upstream's ALPN choice can be offered to the client.
func (e *entry) httpsDialFirstAttack(res http.ResponseWriter, req *http.Request, f *Flow) {
	proxy := e.proxy
	logger := slog.Default().With(
		"in", "Proxy.entry.httpsDialFirstAttack",
		"host", req.Host,
	)

	serverConn, err := proxy.attacker.HTTPSDial(req.Context(), req)
	if err != nil {
		logger.Error("httpsDial failed", "error", err)
		res.WriteHeader(http.StatusBadGateway)
		return
	}

	cconn, err := e.establishConnection(res, f)
	if err != nil {
		serverConn.Close()
		logger.Error("establish connection failed", "error", err)
		return
	}

	peek, err := peekClient(cconn)
	if err != nil {
		cconn.Close()
		serverConn.Close()
		logger.Debug("peek failed", "error", err)
		return
	}
	if !helper.IsTLS(peek) {
		// the upstream is already dialed, relay whatever the client speaks
		helper.Transfer(logger, serverConn, cconn)
		return
	}

	f.ConnContext.ClientConn.TLS = true
	proxy.attacker.HTTPSTLSDial(req.Context(), cconn, serverConn)
}

// httpsDialLazyAttack answers the client first and lets the attacker dial
// the upstream only when a request needs it.
func (e *entry) httpsDialLazyAttack(res http.ResponseWriter, req *http.Request, f *Flow) {
	proxy := e.proxy
	logger := slog.Default().With(
		"in", "Proxy.entry.httpsDialLazyAttack",
		"host", req.Host,
	)

	cconn, err := e.establishConnection(res, f)
	if err != nil {
		logger.Error("establish connection failed", "error", err)
		return
	}

	peek, err := peekClient(cconn)
	if err != nil {
		cconn.Close()
		logger.Debug("peek failed", "error", err)
		return
	}

	if !helper.IsTLS(peek) {
		proxy.attacker.ServePlain(cconn, f.ConnContext)
		return
	}

	f.ConnContext.ClientConn.TLS = true
	proxy.attacker.HTTPSLazyAttack(req.Context(), cconn, req)
}

func peekClient(c net.Conn) ([]byte, error) {
	wcc, ok := c.(*conn.WrapClientConn)
	if !ok {
		return nil, fmt.Errorf("unexpected client connection type %T", c)
	}
	return wcc.Peek(3)
}

// httpError writes a plain text error. 407 answers carry the challenge
// clients expect.
func httpError(w http.ResponseWriter, errMsg string, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if code == http.StatusProxyAuthRequired {
		w.Header().Set("Proxy-Authenticate", `Basic realm="proxy"`)
	}
	w.WriteHeader(code)
	fmt.Fprintln(w, errMsg)
}
