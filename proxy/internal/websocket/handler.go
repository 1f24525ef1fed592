// Package websocket relays WebSocket upgrades seen inside decrypted tunnels.
// Frames are not inspected.
package websocket

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/anime-games-proxy/agproxy/internal/helper"
)

const dialTimeout = 30 * time.Second

// Handler relays WebSocket connections.
type Handler struct {
	insecureSkipVerify bool
}

// New creates a Handler. insecureSkipVerify disables upstream certificate
// verification for wss targets.
func New(insecureSkipVerify bool) *Handler {
	return &Handler{insecureSkipVerify: insecureSkipVerify}
}

// IsUpgrade reports whether req asks for a WebSocket upgrade.
func IsUpgrade(req *http.Request) bool {
	return httpHeaderContains(req.Header, "Connection", "upgrade") &&
		httpHeaderContains(req.Header, "Upgrade", "websocket")
}

// Handle forwards the upgrade request to target, which may differ from the
// request's own URL when it was rewritten, then splices the two
// connections together.
func (h *Handler) Handle(res http.ResponseWriter, req *http.Request, target *url.URL) {
	logger := slog.Default().With(
		"in", "websocket.Handle",
		"host", req.Host,
		"target", target.Host,
	)

	out := req.Clone(req.Context())
	out.URL = &url.URL{Path: target.Path, RawPath: target.RawPath, RawQuery: target.RawQuery}
	out.Host = target.Host
	out.RequestURI = ""
	upgradeBuf, err := httputil.DumpRequest(out, false)
	if err != nil {
		logger.Error("DumpRequest failed", "error", err)
		res.WriteHeader(http.StatusBadGateway)
		return
	}

	server, err := h.dial(req.Context(), target)
	if err != nil {
		helper.LogErr(logger, err)
		res.WriteHeader(http.StatusBadGateway)
		return
	}
	defer server.Close()

	client, _, err := res.(http.Hijacker).Hijack()
	if err != nil {
		logger.Error("Hijack failed", "error", err)
		res.WriteHeader(http.StatusBadGateway)
		return
	}
	defer client.Close()

	if _, err := server.Write(upgradeBuf); err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}
	helper.Transfer(logger, server, client)
}

func (h *Handler) dial(ctx context.Context, target *url.URL) (net.Conn, error) {
	address := helper.CanonicalAddr(target)
	dialer := &net.Dialer{Timeout: dialTimeout}
	if target.Scheme == "http" || target.Scheme == "ws" {
		return dialer.DialContext(ctx, "tcp", address)
	}
	tlsDialer := &tls.Dialer{
		NetDialer: dialer,
		Config: &tls.Config{
			ServerName:         target.Hostname(),
			InsecureSkipVerify: h.insecureSkipVerify, //nolint:gosec // operator controlled
			NextProtos:         []string{"http/1.1"},
		},
	}
	return tlsDialer.DialContext(ctx, "tcp", address)
}
