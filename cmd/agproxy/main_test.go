package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"go.uber.org/atomic"

	"github.com/anime-games-proxy/agproxy/cert"
	"github.com/anime-games-proxy/agproxy/proxy"
)

// launchWithSlowOrigin starts a proxy and an https origin that holds every
// request until the test ends. It returns once a request through the
// proxy has reached the origin, along with the client's result.
func launchWithSlowOrigin(ctx context.Context, c *qt.C) (*proxy.Handle, <-chan error) {
	c.Helper()

	entered := make(chan struct{})
	var enterOnce sync.Once
	release := make(chan struct{})
	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enterOnce.Do(func() { close(entered) })
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	c.Cleanup(origin.Close)
	c.Cleanup(func() { close(release) })

	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)
	p, err := proxy.NewProxy(proxy.Config{Addr: "127.0.0.1:0", SslInsecure: true}, ca)
	c.Assert(err, qt.IsNil)
	h, err := p.Launch(ctx)
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { _ = h.Stop() })

	roots := x509.NewCertPool()
	roots.AddCert(ca.GetRootCA())
	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{RootCAs: roots},
		Proxy:           http.ProxyURL(&url.URL{Scheme: "http", Host: h.Addr()}),
	}}

	errCh := make(chan error, 1)
	go func() {
		res, err := client.Get(origin.URL)
		if err == nil {
			_, err = io.ReadAll(res.Body)
			res.Body.Close()
		}
		errCh <- err
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		c.Fatal("request never reached the origin")
	}
	return h, errCh
}

func TestAwaitShutdownAbortsAfterGrace(t *testing.T) {
	c := qt.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h, errCh := launchWithSlowOrigin(ctx, c)

	var aborted atomic.Bool
	cancel()
	start := time.Now()
	err := awaitShutdown(ctx, h, func() error {
		aborted.Store(true)
		return h.Stop()
	}, 200*time.Millisecond)
	c.Assert(err, qt.IsNil)
	c.Assert(aborted.Load(), qt.IsTrue)
	c.Assert(time.Since(start) >= 200*time.Millisecond, qt.IsTrue)
	c.Assert(time.Since(start) < 2*time.Second, qt.IsTrue)

	select {
	case err := <-errCh:
		c.Assert(err, qt.IsNotNil)
	case <-time.After(2 * time.Second):
		c.Fatal("client was not aborted")
	}
}

func TestAwaitShutdownWithoutInFlightWorkSkipsAbort(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)
	p, err := proxy.NewProxy(proxy.Config{Addr: "127.0.0.1:0"}, ca)
	c.Assert(err, qt.IsNil)

	ctx, cancel := context.WithCancel(context.Background())
	h, err := p.Launch(ctx)
	c.Assert(err, qt.IsNil)

	var aborted atomic.Bool
	cancel()
	err = awaitShutdown(ctx, h, func() error {
		aborted.Store(true)
		return h.Stop()
	}, 5*time.Second)
	c.Assert(err, qt.IsNil)
	c.Assert(aborted.Load(), qt.IsFalse)
	c.Assert(p.State(), qt.Equals, proxy.StateStopped)
}

func TestAwaitShutdownReturnsWhenProxyStops(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)
	p, err := proxy.NewProxy(proxy.Config{Addr: "127.0.0.1:0"}, ca)
	c.Assert(err, qt.IsNil)
	h, err := p.Launch(context.Background())
	c.Assert(err, qt.IsNil)

	go func() { _ = h.Stop() }()
	err = awaitShutdown(context.Background(), h, func() error {
		c.Error("abort called without a signal")
		return nil
	}, time.Second)
	c.Assert(err, qt.IsNil)
}
