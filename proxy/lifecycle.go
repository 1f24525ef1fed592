package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"go.uber.org/atomic"
)

// State is a step of the proxy lifecycle. States only move forward.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateListening
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateShuttingDown:
		return "shutting down"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Handle controls a launched proxy.
type Handle struct {
	proxy *Proxy

	served chan struct{} // closed when the accept loop returns
	done   chan struct{} // closed once the proxy is fully stopped
	err    error

	stopping     atomic.Bool
	finishOnce   sync.Once
	shutdownOnce sync.Once
	shutdownErr  error
	abortOnce    sync.Once
	abortErr     error
}

// Launch binds the configured address and serves in the background.
// Cancelling ctx shuts the proxy down gracefully. A bind failure is
// reported as ErrFatalStartup. A proxy can be launched once.
func (prx *Proxy) Launch(ctx context.Context) (*Handle, error) {
	if !prx.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		return nil, fmt.Errorf("proxy cannot be launched while %s", prx.State())
	}

	ln, err := prx.entry.listen()
	if err != nil {
		prx.state.Store(int32(StateStopped))
		return nil, wrapStartup(err)
	}
	prx.addr.Store(ln.Addr().String())

	h := &Handle{
		proxy:  prx,
		served: make(chan struct{}),
		done:   make(chan struct{}),
	}
	prx.mu.Lock()
	prx.handle = h
	prx.mu.Unlock()

	go func() {
		if err := prx.attacker.Start(); err != nil {
			slog.Error("attacker stopped", "in", "Proxy.Launch", "error", err)
		}
	}()

	prx.state.Store(int32(StateListening))
	slog.Info("proxy listening", "in", "Proxy.Launch", "addr", ln.Addr().String())

	go func() {
		err := prx.entry.serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		h.err = err
		close(h.served)
		// a requested stop finishes the handle itself once tunnels are drained
		if !h.stopping.Load() {
			h.finish()
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			if err := h.shutdown(context.Background()); err != nil {
				slog.Warn("graceful shutdown failed", "in", "Proxy.Launch", "error", err)
			}
		case <-h.done:
		}
	}()

	return h, nil
}

// Addr returns the address the proxy is bound to.
func (h *Handle) Addr() string {
	return h.proxy.Addr()
}

// Done is closed once the proxy has stopped, including the decrypted
// tunnels still being served after the listener was closed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the proxy has stopped and returns the serve error,
// nil on a clean stop.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Stop aborts the proxy: the listener and every client connection are
// closed without waiting for in-flight requests. It also cuts short a
// graceful shutdown already in progress. It returns once the proxy is
// stopped.
func (h *Handle) Stop() error {
	h.abortOnce.Do(func() {
		prx := h.proxy
		h.stopping.Store(true)
		prx.state.CompareAndSwap(int32(StateListening), int32(StateShuttingDown))
		err := prx.entry.close()
		prx.abortClients()
		if aerr := prx.attacker.Close(); err == nil {
			err = aerr
		}
		h.abortErr = err
		<-h.served
		h.finish()
	})
	<-h.done
	return h.abortErr
}

// shutdown closes the listener and waits for active requests, on both the
// client facing server and the decrypted tunnels, to complete or for ctx
// to end.
func (h *Handle) shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		prx := h.proxy
		h.stopping.Store(true)
		prx.state.CompareAndSwap(int32(StateListening), int32(StateShuttingDown))
		err := prx.entry.shutdown(ctx)
		if aerr := prx.attacker.Shutdown(ctx); err == nil {
			err = aerr
		}
		h.shutdownErr = err
		<-h.served
		h.finish()
	})
	<-h.done
	return h.shutdownErr
}

func (h *Handle) finish() {
	h.finishOnce.Do(func() {
		h.proxy.state.Store(int32(StateStopped))
		close(h.done)
	})
}
