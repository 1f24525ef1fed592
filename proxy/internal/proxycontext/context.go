// Package proxycontext defines the context keys shared by the proxy's
// internal packages.
package proxycontext

import (
	"context"
	"net/http"

	"github.com/anime-games-proxy/agproxy/proxy/internal/conn"
)

type proxyContextKey string

var (
	connContextKey proxyContextKey = "connContext"
	proxyReqCtxKey proxyContextKey = "proxyReq"
	directDialKey  proxyContextKey = "directDial"
)

// WithConnContext adds a connection context to the given context.
func WithConnContext(ctx context.Context, connCtx *conn.Context) context.Context {
	return context.WithValue(ctx, connContextKey, connCtx)
}

// GetConnContext retrieves the connection context from the given context.
func GetConnContext(ctx context.Context) (*conn.Context, bool) {
	connCtx, ok := ctx.Value(connContextKey).(*conn.Context)
	return connCtx, ok
}

// WithProxyRequest records the request received from the client.
func WithProxyRequest(ctx context.Context, req *http.Request) context.Context {
	return context.WithValue(ctx, proxyReqCtxKey, req)
}

// GetProxyRequest retrieves the request received from the client.
func GetProxyRequest(ctx context.Context) (*http.Request, bool) {
	req, ok := ctx.Value(proxyReqCtxKey).(*http.Request)
	return req, ok
}

// WithDirectDial marks an outgoing request that must bypass any upstream
// proxy.
func WithDirectDial(ctx context.Context) context.Context {
	return context.WithValue(ctx, directDialKey, true)
}

// IsDirectDial reports whether WithDirectDial was applied to ctx.
func IsDirectDial(ctx context.Context) bool {
	direct, _ := ctx.Value(directDialKey).(bool)
	return direct
}
