package attacker

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/net/http2"

	"github.com/anime-games-proxy/agproxy/cert"
	"github.com/anime-games-proxy/agproxy/internal/helper"
	"github.com/anime-games-proxy/agproxy/proxy/internal/conn"
	"github.com/anime-games-proxy/agproxy/proxy/internal/proxycontext"
	"github.com/anime-games-proxy/agproxy/proxy/internal/types"
	"github.com/anime-games-proxy/agproxy/proxy/internal/upstream"
	"github.com/anime-games-proxy/agproxy/proxy/internal/websocket"
)

// listener hands intercepted HTTP/1.1 connections to the attacker's
// http.Server.
type listener struct {
	connChan  chan net.Conn
	closeChan chan struct{}
	closeOnce sync.Once
}

func newListener() *listener {
	return &listener{
		connChan:  make(chan net.Conn),
		closeChan: make(chan struct{}),
	}
}

// accept queues c for the server. c is closed when the listener is.
func (l *listener) accept(c net.Conn) {
	select {
	case l.connChan <- c:
	case <-l.closeChan:
		c.Close()
	}
}

func (l *listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.connChan:
		return c, nil
	case <-l.closeChan:
		return nil, net.ErrClosed
	}
}

func (l *listener) Close() error {
	l.closeOnce.Do(func() { close(l.closeChan) })
	return nil
}

func (*listener) Addr() net.Addr { return nil }

// attackerConn wraps a net.Conn with its associated connection context.
// It is used to pass connection metadata through the HTTP server's ConnContext.
type attackerConn struct {
	net.Conn
	connCtx *conn.Context
}

// Attacker terminates intercepted TLS tunnels with forged leaf certificates
// and forwards the decrypted requests through the addon chain.
type Attacker struct {
	ca                 cert.CA
	upstreamManager    *upstream.Manager
	addonRegistry      types.AddonRegistry
	streamLargeBodies  int64
	insecureSkipVerify bool
	wsHandler          *websocket.Handler
	server             *http.Server
	h2Server           *http2.Server
	client             *http.Client
	listener           *listener
	clientFactory      types.ClientFactory
}

// Args contains all dependencies required by the Attacker.
type Args struct {
	CA              cert.CA
	UpstreamManager *upstream.Manager
	AddonRegistry   types.AddonRegistry

	// StreamLargeBodies is the threshold in bytes for switching to streaming mode.
	// Bodies larger than this will be streamed instead of buffered.
	StreamLargeBodies int64

	// InsecureSkipVerify controls whether to skip SSL certificate verification
	// when connecting to upstream servers.
	InsecureSkipVerify bool

	// WSHandler relays WebSocket upgrades. Defaults to a handler honoring
	// InsecureSkipVerify.
	WSHandler *websocket.Handler

	// ClientFactory is used to create HTTP clients for different scenarios.
	// If nil, DefaultClientFactory will be used.
	ClientFactory types.ClientFactory
}

// New creates an Attacker serving both HTTP/1.1 and h2 on decrypted
// connections.
func New(args Args) (*Attacker, error) {
	if args.CA == nil {
		return nil, errors.New("attacker: nil CA")
	}
	clientFactory := args.ClientFactory
	if clientFactory == nil {
		clientFactory = types.NewDefaultClientFactory()
	}
	wsHandler := args.WSHandler
	if wsHandler == nil {
		wsHandler = websocket.New(args.InsecureSkipVerify)
	}

	atk := &Attacker{
		ca:                 args.CA,
		upstreamManager:    args.UpstreamManager,
		addonRegistry:      args.AddonRegistry,
		streamLargeBodies:  args.StreamLargeBodies,
		insecureSkipVerify: args.InsecureSkipVerify,
		wsHandler:          wsHandler,
		clientFactory:      clientFactory,
		listener:           newListener(),
	}

	// used for rewritten requests and flows with UseSeparateClient
	atk.client = atk.clientFactory.CreateMainClient(atk.upstreamManager, args.InsecureSkipVerify)

	atk.server = &http.Server{
		Handler: atk,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return proxycontext.WithConnContext(ctx, c.(*attackerConn).connCtx)
		},
	}

	atk.h2Server = &http2.Server{
		MaxConcurrentStreams: 100, // todo: wait for remote server setting
		NewWriteScheduler:    func() http2.WriteScheduler { return http2.NewPriorityWriteScheduler(nil) },
	}

	return atk, nil
}

// Start serves decrypted HTTP/1.1 connections until Close is called.
func (a *Attacker) Start() error {
	err := a.server.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Close stops accepting decrypted connections and closes the ones being
// served over HTTP/1.1.
func (a *Attacker) Close() error {
	a.listener.Close()
	return a.server.Close()
}

// Shutdown stops accepting decrypted connections and waits for the active
// HTTP/1.1 ones to go idle, or for ctx to end.
func (a *Attacker) Shutdown(ctx context.Context) error {
	a.listener.Close()
	return a.server.Shutdown(ctx)
}

// NotifyClientDisconnected implements conn.AddonNotifier.
func (a *Attacker) NotifyClientDisconnected(client *conn.ClientConn) {
	for _, addon := range a.addonRegistry.Get() {
		addon.ClientDisconnected(client)
	}
}

// NotifyServerDisconnected implements conn.AddonNotifier.
func (a *Attacker) NotifyServerDisconnected(connCtx *conn.Context) {
	for _, addon := range a.addonRegistry.Get() {
		addon.ServerDisconnected(connCtx)
	}
}

// serveConn routes a decrypted client connection to the h2 server or to
// the HTTP/1.1 listener depending on the negotiated protocol.
func (a *Attacker) serveConn(clientTLSConn *tls.Conn, connCtx *conn.Context) {
	connCtx.ClientConn.NegotiatedProtocol = clientTLSConn.ConnectionState().NegotiatedProtocol

	if connCtx.ClientConn.NegotiatedProtocol == "h2" && connCtx.ServerConn != nil {
		connCtx.ServerConn.Client = a.clientFactory.CreateHTTP2Client(connCtx.ServerConn.TLSConn)

		ctx := proxycontext.WithConnContext(context.Background(), connCtx)
		ctx, cancel := context.WithCancel(ctx)
		go func() {
			<-connCtx.ClientConn.CloseChan
			cancel()
		}()
		go func() {
			a.h2Server.ServeConn(clientTLSConn, &http2.ServeConnOpts{
				Context:    ctx,
				Handler:    a,
				BaseConfig: a.server,
			})
		}()
		return
	}

	a.listener.accept(&attackerConn{
		Conn:    clientTLSConn,
		connCtx: connCtx,
	})
}

// ServePlain serves a tunnel whose client speaks plain HTTP instead of
// TLS. Its upstream is dialed by the first request that needs it.
func (a *Attacker) ServePlain(c net.Conn, connCtx *conn.Context) {
	a.listener.accept(&attackerConn{
		Conn:    c,
		connCtx: connCtx,
	})
}

// ServeHTTP completes the origin-form URLs of tunneled requests and
// forwards them to Attack.
func (a *Attacker) ServeHTTP(res http.ResponseWriter, req *http.Request) {
	connCtx, ok := proxycontext.GetConnContext(req.Context())
	if !ok {
		panic("failed to get ConnContext from request context")
	}
	if req.URL.Scheme == "" {
		req.URL.Scheme = "https"
		if !connCtx.ClientConn.TLS {
			req.URL.Scheme = "http"
		}
	}
	if req.URL.Host == "" {
		req.URL.Host = req.Host
	}
	if !connCtx.ClientConn.TLS && connCtx.ServerConn == nil && connCtx.DialFn == nil {
		a.InitHTTPDialFn(req)
	}
	a.Attack(res, req)
}

// InitHTTPDialFn makes the first request on a plain HTTP connection dial
// its upstream.
func (a *Attacker) InitHTTPDialFn(req *http.Request) {
	connCtx, ok := proxycontext.GetConnContext(req.Context())
	if !ok {
		panic("failed to get ConnContext from request context")
	}
	connCtx.DialFn = func(ctx context.Context) error {
		addr := helper.CanonicalAddr(req.URL)
		c, err := a.upstreamManager.GetUpstreamConn(ctx, req)
		if err != nil {
			return err
		}
		cw := conn.NewWrapServerConn(c, connCtx, a)

		serverConn := conn.NewServerConn()
		serverConn.Conn = cw
		serverConn.Address = addr
		serverConn.Client = a.clientFactory.CreatePlainHTTPClient(cw)

		connCtx.ServerConn = serverConn
		for _, addon := range a.addonRegistry.Get() {
			addon.ServerConnected(connCtx)
		}

		return nil
	}
}

// serverTLSHandshake performs the upstream TLS handshake, mirroring the
// client's ClientHello.
func (a *Attacker) serverTLSHandshake(ctx context.Context, connCtx *conn.Context) error {
	clientHello := connCtx.ClientConn.ClientHello
	serverConn := connCtx.ServerConn

	serverTLSConfig := &tls.Config{
		InsecureSkipVerify: a.insecureSkipVerify, //nolint:gosec // operator controlled
		KeyLogWriter:       helper.GetTLSKeyLogWriter(),
		ServerName:         serverName(clientHello, connCtx),
		NextProtos:         clientHello.SupportedProtos,
		// CurvePreferences:   clientHello.SupportedCurves, // todo: will cause errors if enabled
		CipherSuites: clientHello.CipherSuites,
	}
	if len(clientHello.SupportedVersions) > 0 {
		minVersion := clientHello.SupportedVersions[0]
		maxVersion := clientHello.SupportedVersions[0]
		for _, version := range clientHello.SupportedVersions {
			if version < minVersion {
				minVersion = version
			}
			if version > maxVersion {
				maxVersion = version
			}
		}
		serverTLSConfig.MinVersion = minVersion
		serverTLSConfig.MaxVersion = maxVersion
	}
	serverTLSConn := tls.Client(serverConn.Conn, serverTLSConfig)
	serverConn.TLSConn = serverTLSConn
	if err := serverTLSConn.HandshakeContext(ctx); err != nil {
		return err
	}
	serverTLSState := serverTLSConn.ConnectionState()
	serverConn.TLSState = &serverTLSState
	for _, addon := range a.addonRegistry.Get() {
		addon.TLSEstablishedServer(connCtx)
	}

	serverConn.Client = a.clientFactory.CreateHTTPSClient(serverTLSConn)

	return nil
}

// InitHTTPSDialFn makes the first request on a lazily intercepted tunnel
// dial the upstream and complete its TLS handshake.
func (a *Attacker) InitHTTPSDialFn(req *http.Request) {
	connCtx, ok := proxycontext.GetConnContext(req.Context())
	if !ok {
		panic("failed to get ConnContext from request context")
	}

	connCtx.DialFn = func(ctx context.Context) error {
		_, err := a.HTTPSDial(ctx, req)
		if err != nil {
			return err
		}
		if err := a.serverTLSHandshake(ctx, connCtx); err != nil {
			return err
		}
		return nil
	}
}

// HTTPSDial opens the TCP connection to the upstream of req. The TLS
// handshake is left to serverTLSHandshake.
func (a *Attacker) HTTPSDial(ctx context.Context, req *http.Request) (net.Conn, error) {
	connCtx, ok := proxycontext.GetConnContext(req.Context())
	if !ok {
		panic("failed to get ConnContext from request context")
	}

	plainConn, err := a.upstreamManager.GetUpstreamConn(ctx, req)
	if err != nil {
		return nil, err
	}

	serverConn := conn.NewServerConn()
	serverConn.Address = req.Host
	serverConn.Conn = conn.NewWrapServerConn(plainConn, connCtx, a)
	connCtx.ServerConn = serverConn
	for _, addon := range a.addonRegistry.Get() {
		addon.ServerConnected(connCtx)
	}

	return serverConn.Conn, nil
}

// HTTPSTLSDial intercepts a tunnel whose upstream is already dialed on
// sconn. The client's ClientHello is mirrored to the upstream and the
// protocol the upstream picks is offered back to the client.
func (a *Attacker) HTTPSTLSDial(ctx context.Context, cconn, sconn net.Conn) {
	connCtx, ok := proxycontext.GetConnContext(ctx)
	if !ok {
		panic("failed to get ConnContext from request context")
	}
	logger := slog.With(
		"in", "attacker.HTTPSTLSDial",
		"host", connCtx.ClientConn.Conn.RemoteAddr().String(),
	)

	var clientHello *tls.ClientHelloInfo
	clientHelloChan := make(chan *tls.ClientHelloInfo)
	serverTLSStateChan := make(chan *tls.ConnectionState)
	errChan1 := make(chan error, 1)
	errChan2 := make(chan error, 1)
	clientHandshakeDoneChan := make(chan struct{})

	clientTLSConn := tls.Server(cconn, &tls.Config{
		SessionTicketsDisabled: true, // GetConfigForClient must run on every handshake
		GetConfigForClient: func(chi *tls.ClientHelloInfo) (*tls.Config, error) {
			clientHelloChan <- chi
			nextProtos := make([]string, 0)

			// wait server handshake finish
			select {
			case err := <-errChan2:
				return nil, err
			case serverTLSState := <-serverTLSStateChan:
				if serverTLSState.NegotiatedProtocol != "" {
					nextProtos = append([]string{serverTLSState.NegotiatedProtocol}, nextProtos...)
				}
			}

			c, err := a.leafCert(chi, connCtx)
			if err != nil {
				return nil, err
			}
			return &tls.Config{
				SessionTicketsDisabled: true,
				Certificates:           []tls.Certificate{*c},
				NextProtos:             nextProtos,
			}, nil
		},
	})
	go func() {
		if err := clientTLSConn.HandshakeContext(ctx); err != nil {
			errChan1 <- err
			return
		}
		close(clientHandshakeDoneChan)
	}()

	// get clientHello from client
	select {
	case err := <-errChan1:
		cconn.Close()
		sconn.Close()
		logger.Error("client handshake failed", "error", err)
		return
	case clientHello = <-clientHelloChan:
	}
	connCtx.ClientConn.ClientHello = clientHello

	if err := a.serverTLSHandshake(ctx, connCtx); err != nil {
		cconn.Close()
		sconn.Close()
		errChan2 <- err
		logger.Error("server TLS handshake failed", "error", err)
		return
	}
	serverTLSStateChan <- connCtx.ServerConn.TLSState

	// wait client handshake finish
	select {
	case err := <-errChan1:
		cconn.Close()
		sconn.Close()
		logger.Error("client handshake failed", "error", err)
		return
	case <-clientHandshakeDoneChan:
	}

	// will go to Attacker.ServeHTTP
	a.serveConn(clientTLSConn, connCtx)
}

// HTTPSLazyAttack intercepts a tunnel without dialing its upstream. The
// upstream is dialed by the first request that is not redirected, so only
// http/1.1 is offered to the client.
func (a *Attacker) HTTPSLazyAttack(ctx context.Context, cconn net.Conn, req *http.Request) {
	connCtx, ok := proxycontext.GetConnContext(ctx)
	if !ok {
		panic("failed to get ConnContext from request context")
	}
	logger := slog.With(
		"in", "attacker.HTTPSLazyAttack",
		"host", connCtx.ClientConn.Conn.RemoteAddr().String(),
	)

	clientTLSConn := tls.Server(cconn, &tls.Config{
		SessionTicketsDisabled: true, // GetConfigForClient must run on every handshake
		GetConfigForClient: func(chi *tls.ClientHelloInfo) (*tls.Config, error) {
			connCtx.ClientConn.ClientHello = chi
			c, err := a.leafCert(chi, connCtx)
			if err != nil {
				return nil, err
			}
			return &tls.Config{
				SessionTicketsDisabled: true,
				Certificates:           []tls.Certificate{*c},
				NextProtos:             []string{"http/1.1"}, // only support http/1.1
			}, nil
		},
	})
	if err := clientTLSConn.HandshakeContext(ctx); err != nil {
		cconn.Close()
		logger.Error("client handshake failed", "error", err)
		return
	}

	// will go to Attacker.ServeHTTP
	a.InitHTTPSDialFn(req)
	a.serveConn(clientTLSConn, connCtx)
}

// executeProxyRequest sends the flow's request upstream. Rewritten requests
// and flows asking for it go through the main client; everything else
// reuses the connection's own upstream.
func (a *Attacker) executeProxyRequest(f *types.Flow, req *http.Request, reqBody io.Reader, rawReqURLHost, rawReqURLScheme string, res http.ResponseWriter, logger *slog.Logger) (*http.Response, error) {
	proxyReqCtx := proxycontext.WithProxyRequest(req.Context(), req)
	if f.DirectDial {
		proxyReqCtx = proxycontext.WithDirectDial(proxyReqCtx)
	}
	proxyReq, err := http.NewRequestWithContext(proxyReqCtx, f.Request.Method, f.Request.URL.String(), reqBody)
	if err != nil {
		logger.Error("failed to create proxy request", "error", err)
		res.WriteHeader(http.StatusBadGateway)
		return nil, err
	}

	for key, value := range f.Request.Header {
		for _, v := range value {
			proxyReq.Header.Add(key, v)
		}
	}

	useSeparateClient := f.UseSeparateClient ||
		rawReqURLHost != f.Request.URL.Host ||
		rawReqURLScheme != f.Request.URL.Scheme
	// a keep-alive forward proxy connection may carry requests for
	// several origins, only the first one owns ServerConn
	if sc := f.ConnContext.ServerConn; !useSeparateClient && f.ConnContext.Tunnel == "" &&
		sc != nil && sc.Address != helper.CanonicalAddr(f.Request.URL) {
		useSeparateClient = true
	}

	var proxyRes *http.Response
	if useSeparateClient {
		proxyRes, err = a.client.Do(proxyReq)
		if err != nil {
			helper.LogErr(logger, err)
			res.WriteHeader(http.StatusBadGateway)
			return nil, err
		}
		return proxyRes, nil
	}

	// Establish connection if needed
	if f.ConnContext.ServerConn == nil && f.ConnContext.DialFn != nil {
		if err := f.ConnContext.DialFn(req.Context()); err != nil {
			logger.Error("dial upstream failed", "error", err)
			if strings.Contains(err.Error(), "Proxy Authentication Required") {
				httpError(res, "", http.StatusProxyAuthRequired)
				return nil, err
			}
			res.WriteHeader(http.StatusBadGateway)
			return nil, err
		}
	}
	if f.ConnContext.ServerConn == nil || f.ConnContext.ServerConn.Client == nil {
		err := errors.New("no upstream connection")
		logger.Error("dial upstream failed", "error", err)
		res.WriteHeader(http.StatusBadGateway)
		return nil, err
	}

	proxyRes, err = f.ConnContext.ServerConn.Client.Do(proxyReq)
	if err != nil {
		helper.LogErr(logger, err)
		res.WriteHeader(http.StatusBadGateway)
		return nil, err
	}

	logger.Debug("got response", "status", proxyRes.StatusCode, "contentLength", proxyRes.ContentLength)
	return proxyRes, nil
}

// handleResponseHeadersAddons runs Responseheaders and reports whether an
// addon supplied the body itself.
func (a *Attacker) handleResponseHeadersAddons(f *types.Flow) bool {
	for _, addon := range a.addonRegistry.Get() {
		addon.Responseheaders(f)
		if f.Response.Body != nil {
			return true // early response
		}
	}
	return false
}

// readResponseBody buffers the upstream body and runs the Response event,
// or switches the flow to streaming once the body reaches
// streamLargeBodies.
func (a *Attacker) readResponseBody(f *types.Flow, proxyRes *http.Response, logger *slog.Logger) (io.Reader, bool) {
	var resBody io.Reader = proxyRes.Body
	if f.Stream {
		return resBody, true
	}

	streamThreshold := a.streamLargeBodies
	resBuf, r, err := helper.ReaderToBuffer(proxyRes.Body, streamThreshold)
	resBody = r
	if err != nil {
		logger.Error("failed to buffer response body", "error", err)
		return nil, false
	}

	if resBuf == nil {
		logger.Warn("response body too large, switching to stream", "threshold", streamThreshold)
		f.Stream = true
		return resBody, true
	}

	f.Response.Body = resBuf
	logger.Debug("buffered response body", "size", len(resBuf))

	for _, addon := range a.addonRegistry.Get() {
		addon.Response(f)
	}

	logger.Debug("after Response addon", "bodySize", len(f.Response.Body))
	return resBody, true
}

// replyToClient writes response followed by whichever of body,
// response.BodyReader and response.Body are set.
func (*Attacker) replyToClient(res http.ResponseWriter, response *types.Response, body io.Reader, logger *slog.Logger) {
	logger.Debug("replyToClient", "bodyReader", body != nil, "responseBodyReader", response.BodyReader != nil, "responseBodyLen", len(response.Body))
	if response.Header != nil {
		for key, value := range response.Header {
			for _, v := range value {
				res.Header().Add(key, v)
			}
		}
	}
	if response.Close {
		res.Header().Add("Connection", "close")
	}
	res.WriteHeader(response.StatusCode)

	if body != nil {
		n, err := io.Copy(res, body)
		logger.Debug("wrote from body reader", "bytes", n)
		if err != nil {
			helper.LogErr(logger, err)
		}
	}
	if response.BodyReader != nil {
		n, err := io.Copy(res, response.BodyReader)
		logger.Debug("wrote from response.BodyReader", "bytes", n)
		if err != nil {
			helper.LogErr(logger, err)
		}
	}
	if len(response.Body) > 0 {
		n, err := res.Write(response.Body)
		logger.Debug("wrote from response.Body", "bytes", n)
		if err != nil {
			helper.LogErr(logger, err)
		}
	}

	if flusher, ok := res.(http.Flusher); ok {
		flusher.Flush()
		logger.Debug("flushed response")
	}
}

// handleRequestAddons runs Requestheaders and reports whether an addon
// answered the request itself.
func (a *Attacker) handleRequestAddons(f *types.Flow) bool {
	for _, addon := range a.addonRegistry.Get() {
		addon.Requestheaders(f)
		if f.Response != nil {
			return true // early response
		}
	}
	return false
}

// readRequestBody buffers the client body and runs the Request event, or
// switches the flow to streaming once the body reaches streamLargeBodies.
func (a *Attacker) readRequestBody(f *types.Flow, req *http.Request, logger *slog.Logger) (io.Reader, bool) {
	var reqBody io.Reader = req.Body
	if f.Stream {
		return reqBody, true
	}

	streamThreshold := a.streamLargeBodies
	reqBuf, r, err := helper.ReaderToBuffer(req.Body, streamThreshold)
	reqBody = r
	if err != nil {
		logger.Error("failed to buffer request body", "error", err)
		return nil, false
	}

	if reqBuf == nil {
		logger.Warn("request body too large, switching to stream", "threshold", streamThreshold)
		f.Stream = true
		return reqBody, true
	}

	f.Request.Body = reqBuf

	for _, addon := range a.addonRegistry.Get() {
		addon.Request(f)
		if f.Response != nil {
			return nil, true // early response
		}
	}
	return bytes.NewReader(f.Request.Body), true
}

// Attack runs one decrypted request through the addon chain and relays
// it upstream. An addon may answer early from Requestheaders, Request or
// Responseheaders, and may redirect the request by rewriting its URL.
// A panicking addon yields a 502 if nothing was written yet.
func (a *Attacker) Attack(w http.ResponseWriter, req *http.Request) {
	logger := slog.With(
		"in", "attacker.Attack",
		"url", req.URL,
		"method", req.Method,
	)

	res := &helper.ResponseCheck{ResponseWriter: w}
	defer func() {
		if err := recover(); err != nil {
			logger.Warn("recovered from panic", "error", err)
			if !res.Wrote {
				res.WriteHeader(http.StatusBadGateway)
			}
		}
	}()

	connCtx, ok := proxycontext.GetConnContext(req.Context())
	if !ok {
		panic("failed to get ConnContext from request context")
	}

	f := types.NewFlow()
	f.Request = types.NewRequest(req)
	f.ConnContext = connCtx
	defer f.Finish()

	connCtx.FlowCount.Add(1)

	rawReqURLHost := f.Request.URL.Host
	rawReqURLScheme := f.Request.URL.Scheme

	if a.handleRequestAddons(f) {
		a.replyToClient(res, f.Response, nil, logger)
		return
	}

	if websocket.IsUpgrade(req) {
		a.wsHandler.Handle(res, req, f.Request.URL)
		return
	}

	reqBody, ok := a.readRequestBody(f, req, logger)
	if !ok {
		res.WriteHeader(http.StatusBadGateway)
		return
	}
	if f.Response != nil {
		a.replyToClient(res, f.Response, nil, logger)
		return
	}

	for _, addon := range a.addonRegistry.Get() {
		reqBody = addon.StreamRequestModifier(f, reqBody)
	}

	proxyRes, err := a.executeProxyRequest(f, req, reqBody, rawReqURLHost, rawReqURLScheme, res, logger)
	if err != nil {
		return
	}

	if proxyRes.Close {
		connCtx.CloseAfterResponse = true
	}

	defer proxyRes.Body.Close()

	f.Response = &types.Response{
		StatusCode: proxyRes.StatusCode,
		Header:     proxyRes.Header,
		Close:      proxyRes.Close,
	}

	if a.handleResponseHeadersAddons(f) {
		a.replyToClient(res, f.Response, nil, logger)
		return
	}

	resBody, ok := a.readResponseBody(f, proxyRes, logger)
	if !ok {
		res.WriteHeader(http.StatusBadGateway)
		return
	}

	for _, addon := range a.addonRegistry.Get() {
		resBody = addon.StreamResponseModifier(f, resBody)
	}

	a.replyToClient(res, f.Response, resBody, logger)
}

// leafCert issues the forged certificate for a client handshake. The
// issuance quota was checked against the CONNECT host before the tunnel
// was answered, as the SNI is only known once the client speaks TLS. A
// client sending a different SNI can still hit the cap here, and its
// handshake then fails.
func (a *Attacker) leafCert(chi *tls.ClientHelloInfo, connCtx *conn.Context) (*tls.Certificate, error) {
	name := leafName(chi, connCtx)
	c, err := a.ca.GetCert(name)
	if errors.Is(err, cert.ErrIssuanceExhausted) {
		slog.Warn("certificate quota exhausted after the tunnel was intercepted",
			"in", "attacker.leafCert",
			"sni", name,
			"tunnel", connCtx.Tunnel,
		)
	}
	return c, err
}

// leafName picks the name the forged certificate is issued for: the SNI,
// or the CONNECT host for clients that send none.
func leafName(chi *tls.ClientHelloInfo, connCtx *conn.Context) string {
	if chi.ServerName != "" {
		return chi.ServerName
	}
	return tunnelHost(connCtx)
}

// serverName is the SNI sent upstream.
func serverName(chi *tls.ClientHelloInfo, connCtx *conn.Context) string {
	if chi != nil && chi.ServerName != "" {
		return chi.ServerName
	}
	return tunnelHost(connCtx)
}

func tunnelHost(connCtx *conn.Context) string {
	if connCtx.Tunnel == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(connCtx.Tunnel)
	if err != nil {
		return connCtx.Tunnel
	}
	return host
}
