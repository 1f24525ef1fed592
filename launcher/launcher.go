// Package launcher assembles the decrypting proxy used by the game
// launcher: the on-disk CA, the redirect policy, the route registry and the
// optional observability addons.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/anime-games-proxy/agproxy/cert"
	"github.com/anime-games-proxy/agproxy/intercept"
	"github.com/anime-games-proxy/agproxy/internal/helper"
	"github.com/anime-games-proxy/agproxy/proxy"
	"github.com/anime-games-proxy/agproxy/proxy/addons"
	"github.com/anime-games-proxy/agproxy/route"
	"github.com/anime-games-proxy/agproxy/web"
)

// Options configures a Service. The zero value runs the proxy with the
// default rules, the default data directory and no extra addons.
type Options struct {
	DataDir      string   `json:"dataDir"`      // parent of the ca directory, default data dir when empty
	Target       string   `json:"target"`       // backend base URI, route.DefaultTarget when empty
	Rules        []string `json:"rules"`        // "kind:pattern" redirect rules, defaults when empty
	IgnoreHosts  []string `json:"ignoreHosts"`  // tunnels relayed without decryption
	SslInsecure  bool     `json:"sslInsecure"`  // skip upstream certificate verification
	Upstream     string   `json:"upstream"`     // upstream proxy URL
	UpstreamCert bool     `json:"upstreamCert"` // dial upstream before the client handshake
	MaxIssuance  int      `json:"maxIssuance"`  // leaf certificate cap, cert.DefaultMaxIssuance when 0
	ProxyAuth    string   `json:"proxyAuth"`    // "user:pass|user2:pass2"
	LogFile      string   `json:"logFile"`      // per-instance JSON flow log
	MetricsAddr  string   `json:"metricsAddr"`  // separate Prometheus listener
	WebAddr      string   `json:"webAddr"`      // live flow monitor
	Dump         string   `json:"dump"`         // flow dump file
	DumpLevel    int      `json:"dumpLevel"`    // 0 headers, 1 headers and bodies
}

// Service owns the state shared by every proxy it starts: the CA, the
// redirect policy and the route registry.
type Service struct {
	opts     Options
	ca       *cert.SelfSignCA
	policy   *intercept.Policy
	registry *route.Registry
	auth     *basicAuth

	mu   sync.Mutex
	runs map[*proxy.Handle]*run
}

// run is what one Start call owns besides the proxy itself.
type run struct {
	once    sync.Once
	closers []func() error
}

func (r *run) close() {
	r.once.Do(func() {
		for i := len(r.closers) - 1; i >= 0; i-- {
			if err := r.closers[i](); err != nil {
				slog.Warn("release proxy resource failed", "in", "launcher.run.close", "error", err)
			}
		}
	})
}

// New loads or creates the CA and prepares the policy. A CA that cannot be
// loaded or regenerated is reported as proxy.ErrFatalStartup.
func New(opts Options) (*Service, error) {
	caPath := ""
	if opts.DataDir != "" {
		caPath = filepath.Join(opts.DataDir, "ca")
	}
	ca, err := cert.LoadOrCreate(caPath, opts.MaxIssuance)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", proxy.ErrFatalStartup, err)
	}

	policy, err := intercept.ParsePolicy(opts.Rules)
	if err != nil {
		return nil, err
	}

	var auth *basicAuth
	if opts.ProxyAuth != "" {
		auth, err = parseBasicAuth(opts.ProxyAuth)
		if err != nil {
			return nil, err
		}
	}

	svc := &Service{
		opts:     opts,
		ca:       ca,
		policy:   policy,
		registry: route.NewRegistry(),
		auth:     auth,
		runs:     make(map[*proxy.Handle]*run),
	}
	if opts.Target != "" {
		svc.SetTarget(opts.Target)
	}
	return svc, nil
}

// CA returns the certificate authority clients must trust.
func (s *Service) CA() *cert.SelfSignCA {
	return s.ca
}

// SetTarget changes the backend redirected requests go to. Requests
// already in flight keep the previous target.
func (s *Service) SetTarget(addr string) {
	s.registry.Set(addr)
	slog.Info("route target set", "in", "launcher.Service.SetTarget", "target", s.registry.Get())
}

// Target returns the current backend.
func (s *Service) Target() string {
	return s.registry.Get()
}

// Start launches a proxy on port, on all interfaces. Port 0 picks a free
// port; the bound address is available from the handle. Cancelling ctx
// shuts the proxy down gracefully.
func (s *Service) Start(ctx context.Context, port int) (*proxy.Handle, error) {
	addr := net.JoinHostPort("", strconv.Itoa(port))
	p, err := proxy.NewProxy(proxy.Config{
		Addr:        addr,
		SslInsecure: s.opts.SslInsecure,
		Upstream:    s.opts.Upstream,
	}, s.ca)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", proxy.ErrFatalStartup, err)
	}

	r := &run{}
	if err := s.configure(p, addr, r); err != nil {
		r.close()
		return nil, err
	}

	h, err := p.Launch(ctx)
	if err != nil {
		r.close()
		return nil, err
	}
	slog.Info("proxy started", "in", "launcher.Service.Start", "addr", h.Addr(), "target", s.registry.Get())

	s.mu.Lock()
	s.runs[h] = r
	s.mu.Unlock()

	go func() {
		<-h.Done()
		s.release(h)
	}()

	return h, nil
}

// Stop aborts the proxy behind h and releases what its Start set up.
func (s *Service) Stop(h *proxy.Handle) error {
	err := h.Stop()
	s.release(h)
	return err
}

func (s *Service) release(h *proxy.Handle) {
	s.mu.Lock()
	r, ok := s.runs[h]
	delete(s.runs, h)
	s.mu.Unlock()
	if ok {
		r.close()
	}
}

// configure registers the addons in the order they must see each flow:
// redirect first so every later addon observes the final destination.
func (s *Service) configure(p *proxy.Proxy, addr string, r *run) error {
	rule := s.policy.ShouldDecrypt
	if len(s.opts.IgnoreHosts) > 0 {
		ignore := s.opts.IgnoreHosts
		rule = func(req *http.Request) bool {
			return s.policy.ShouldDecrypt(req) && !helper.MatchHost(req.Host, ignore)
		}
	}
	p.SetShouldInterceptRule(rule)

	if s.auth != nil {
		p.SetAuthProxy(s.auth.entryAuth)
	}

	p.AddAddon(addons.NewRedirect(s.policy, s.registry))
	p.AddAddon(addons.NewUpstreamCertAddon(s.opts.UpstreamCert))

	if s.opts.LogFile != "" {
		logAddon := addons.NewInstanceLogAddon(proxy.NewInstanceLoggerWithFile(addr, "", s.opts.LogFile))
		p.AddAddon(logAddon)
		r.closers = append(r.closers, logAddon.Close)
	} else {
		p.AddAddon(&addons.LogAddon{})
	}

	metrics := addons.NewMetrics()
	p.AddAddon(metrics)
	if s.opts.MetricsAddr != "" {
		stop, err := serveMetrics(s.opts.MetricsAddr, metrics.Handler())
		if err != nil {
			return fmt.Errorf("%w: %w", proxy.ErrFatalStartup, err)
		}
		r.closers = append(r.closers, stop)
	}

	if s.opts.WebAddr != "" {
		monitor := web.NewWebAddon(s.opts.WebAddr)
		if err := monitor.Start(); err != nil {
			return fmt.Errorf("%w: %w", proxy.ErrFatalStartup, err)
		}
		p.AddAddon(monitor)
		r.closers = append(r.closers, monitor.Close)
	}

	if s.opts.Dump != "" {
		dumper, err := addons.NewDumperWithFilename(s.opts.Dump, addons.DumpLevel(s.opts.DumpLevel))
		if err != nil {
			return err
		}
		p.AddAddon(dumper)
		r.closers = append(r.closers, dumper.Close)
	}

	return nil
}

func serveMetrics(addr string, handler http.Handler) (func() error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle(addons.MetricsPath, handler)
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "in", "launcher.serveMetrics", "error", err)
		}
	}()
	slog.Info("metrics listening", "in", "launcher.serveMetrics", "addr", ln.Addr().String())
	return srv.Close, nil
}
