// Package proxy implements the decrypting forward proxy: the client facing
// listener, CONNECT handling, TLS termination and upstream forwarding.
// Behavior is customized by addons.
package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/atomic"

	"github.com/anime-games-proxy/agproxy/cert"
	"github.com/anime-games-proxy/agproxy/proxy/internal/addonregistry"
	"github.com/anime-games-proxy/agproxy/proxy/internal/attacker"
	"github.com/anime-games-proxy/agproxy/proxy/internal/conn"
	"github.com/anime-games-proxy/agproxy/proxy/internal/upstream"
)

// ErrFatalStartup is returned when the proxy cannot start serving, such as
// when its address cannot be bound.
var ErrFatalStartup = errors.New("proxy startup failed")

// attackerService is what the entry needs from the attacker.
type attackerService interface {
	Start() error
	Close() error
	Shutdown(ctx context.Context) error

	Attack(res http.ResponseWriter, req *http.Request)
	InitHTTPDialFn(req *http.Request)
	HTTPSDial(ctx context.Context, req *http.Request) (net.Conn, error)
	HTTPSTLSDial(ctx context.Context, cconn, sconn net.Conn)
	HTTPSLazyAttack(ctx context.Context, cconn net.Conn, req *http.Request)
	ServePlain(c net.Conn, connCtx *conn.Context)
}

// Proxy is a decrypting forward proxy. Create it with NewProxy, register
// addons, then Launch it.
type Proxy struct {
	config          Config
	ca              cert.CA
	addonRegistry   *addonregistry.Registry
	upstreamManager *upstream.Manager
	attacker        attackerService
	entry           *entry

	shouldIntercept func(req *http.Request) bool
	authProxy       func(res http.ResponseWriter, req *http.Request) (bool, error)

	state atomic.Int32
	addr  atomic.String

	mu      sync.Mutex
	handle  *Handle
	clients map[*conn.ClientConn]struct{}
}

// NewProxy creates a proxy issuing leaf certificates from ca.
func NewProxy(config Config, ca cert.CA) (*Proxy, error) {
	config.StreamLargeBodies = config.streamLargeBodies()

	prx := &Proxy{
		config:          config,
		ca:              ca,
		addonRegistry:   addonregistry.New(),
		upstreamManager: upstream.NewManager(config.Upstream, config.SslInsecure),
		clients:         make(map[*conn.ClientConn]struct{}),
	}

	atk, err := attacker.New(attacker.Args{
		CA:                 ca,
		UpstreamManager:    prx.upstreamManager,
		AddonRegistry:      prx.addonRegistry,
		StreamLargeBodies:  config.StreamLargeBodies,
		InsecureSkipVerify: config.SslInsecure,
		ClientFactory:      config.ClientFactory,
	})
	if err != nil {
		return nil, err
	}
	prx.attacker = atk
	prx.entry = newEntry(prx)

	return prx, nil
}

// AddAddon registers addon. Addons run in registration order.
func (prx *Proxy) AddAddon(addon Addon) {
	prx.addonRegistry.Add(addon)
}

// State returns the current lifecycle state.
func (prx *Proxy) State() State {
	return State(prx.state.Load())
}

// Addr returns the bound listen address, or "" before Launch.
func (prx *Proxy) Addr() string {
	return prx.addr.Load()
}

// Start launches the proxy and blocks until it stops.
func (prx *Proxy) Start() error {
	h, err := prx.Launch(context.Background())
	if err != nil {
		return err
	}
	return h.Wait()
}

// Close stops the proxy immediately, aborting client connections.
func (prx *Proxy) Close() error {
	if h := prx.currentHandle(); h != nil {
		return h.Stop()
	}
	return prx.entry.close()
}

// Shutdown stops accepting connections and waits for active requests to
// finish, or for ctx to end. Decrypted tunnels that are mid-request are
// given the same deadline.
func (prx *Proxy) Shutdown(ctx context.Context) error {
	if h := prx.currentHandle(); h != nil {
		return h.shutdown(ctx)
	}
	return prx.entry.shutdown(ctx)
}

// GetCertificate returns the root certificate clients must trust.
func (prx *Proxy) GetCertificate() x509.Certificate {
	return *prx.ca.GetRootCA()
}

// GetCertificateByCN returns the leaf certificate issued for commonName.
func (prx *Proxy) GetCertificateByCN(commonName string) (*tls.Certificate, error) {
	return prx.ca.GetCert(commonName)
}

// SetShouldInterceptRule decides per CONNECT request whether the tunnel is
// decrypted. Without a rule every tunnel is.
func (prx *Proxy) SetShouldInterceptRule(rule func(req *http.Request) bool) {
	prx.shouldIntercept = rule
}

// SetUpstreamProxy overrides upstream proxy selection.
func (prx *Proxy) SetUpstreamProxy(fn func(req *http.Request) (*url.URL, error)) {
	prx.upstreamManager.SetUpstreamProxy(fn)
}

// SetAuthProxy installs a check run on every request reaching the proxy.
// Requests it rejects are answered with 407.
func (prx *Proxy) SetAuthProxy(fn func(res http.ResponseWriter, req *http.Request) (bool, error)) {
	prx.authProxy = fn
}

func (prx *Proxy) currentHandle() *Handle {
	prx.mu.Lock()
	defer prx.mu.Unlock()
	return prx.handle
}

// interceptable reports whether a tunnel to host can be decrypted. A CA
// whose issuance quota is spent leaves the tunnel opaque.
func (prx *Proxy) interceptable(host string) bool {
	q, ok := prx.ca.(cert.Quota)
	if !ok {
		return true
	}
	return q.CanIssue(host)
}

func (prx *Proxy) trackClient(client *conn.ClientConn) {
	prx.mu.Lock()
	defer prx.mu.Unlock()
	prx.clients[client] = struct{}{}
}

// abortClients resets every open client connection.
func (prx *Proxy) abortClients() {
	prx.mu.Lock()
	clients := make([]*conn.ClientConn, 0, len(prx.clients))
	for c := range prx.clients {
		clients = append(clients, c)
	}
	prx.mu.Unlock()

	for _, c := range clients {
		if wc, ok := c.Conn.(*conn.WrapClientConn); ok {
			if tcpConn, ok := wc.Conn.(*net.TCPConn); ok {
				_ = tcpConn.SetLinger(0)
			}
		}
		c.Conn.Close()
	}
	if len(clients) > 0 {
		slog.Debug("aborted client connections", "in", "Proxy.abortClients", "count", len(clients))
	}
}

// NotifyClientDisconnected implements conn.AddonNotifier.
func (prx *Proxy) NotifyClientDisconnected(client *conn.ClientConn) {
	prx.mu.Lock()
	delete(prx.clients, client)
	prx.mu.Unlock()

	for _, addon := range prx.addonRegistry.Get() {
		addon.ClientDisconnected(client)
	}
}

// NotifyServerDisconnected implements conn.AddonNotifier.
func (prx *Proxy) NotifyServerDisconnected(connCtx *conn.Context) {
	for _, addon := range prx.addonRegistry.Get() {
		addon.ServerDisconnected(connCtx)
	}
}

func wrapStartup(err error) error {
	return fmt.Errorf("%w: %w", ErrFatalStartup, err)
}
