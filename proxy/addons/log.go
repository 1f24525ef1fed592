package addons

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/anime-games-proxy/agproxy/proxy"
)

// LogAddon logs connection and flow events using the global slog logger.
type LogAddon struct {
	proxy.BaseAddon
}

func (*LogAddon) ClientConnected(client *proxy.ClientConn) {
	slog.Info("client connected", "remoteAddr", client.Conn.RemoteAddr().String())
}

func (*LogAddon) ClientDisconnected(client *proxy.ClientConn) {
	slog.Info("client disconnected", "remoteAddr", client.Conn.RemoteAddr().String())
}

func (*LogAddon) ServerConnected(connCtx *proxy.ConnContext) {
	slog.Info("server connected",
		"clientAddr", connCtx.ClientConn.Conn.RemoteAddr().String(),
		"serverAddr", connCtx.ServerConn.Address,
		"localAddr", connCtx.ServerConn.Conn.LocalAddr().String(),
		"remoteAddr", connCtx.ServerConn.Conn.RemoteAddr().String(),
	)
}

func (*LogAddon) ServerDisconnected(connCtx *proxy.ConnContext) {
	slog.Info("server disconnected",
		"clientAddr", connCtx.ClientConn.Conn.RemoteAddr().String(),
		"serverAddr", connCtx.ServerConn.Address,
		"localAddr", connCtx.ServerConn.Conn.LocalAddr().String(),
		"remoteAddr", connCtx.ServerConn.Conn.RemoteAddr().String(),
		"flowCount", connCtx.FlowCount.Load(),
	)
}

func (*LogAddon) Requestheaders(f *proxy.Flow) {
	clientAddr := f.ConnContext.ClientConn.Conn.RemoteAddr().String()
	if f.Request.Method == http.MethodConnect {
		slog.Info("tunnel requested",
			"clientAddr", clientAddr,
			"authority", f.Request.URL.Host,
			"intercept", f.ConnContext.Intercept,
		)
	} else {
		slog.Debug("request headers",
			"clientAddr", clientAddr,
			"method", f.Request.Method,
			"url", f.Request.URL.String(),
		)
	}

	start := time.Now()
	go func() {
		<-f.Done()
		var statusCode int
		if f.Response != nil {
			statusCode = f.Response.StatusCode
		}
		var contentLen int
		if f.Response != nil && f.Response.Body != nil {
			contentLen = len(f.Response.Body)
		}
		attrs := []any{
			"clientAddr", clientAddr,
			"method", f.Request.Method,
			"url", f.Request.URL.String(),
			"status", statusCode,
			"contentLength", contentLen,
			"durationMs", time.Since(start).Milliseconds(),
		}
		if f.Redirected() {
			attrs = append(attrs, "redirectedFrom", f.RedirectedFrom.String())
		}
		slog.Info("request completed", attrs...)
	}()
}
