package addons

import (
	"net/http"
	"time"

	"github.com/anime-games-proxy/agproxy/proxy"
)

// InstanceLogAddon logs flow events tagged with the proxy instance, so
// several proxies can share one log sink.
type InstanceLogAddon struct {
	proxy.BaseAddon
	logger *proxy.InstanceLogger
}

// NewInstanceLogAddon creates an instance-aware log addon writing through
// logger.
func NewInstanceLogAddon(logger *proxy.InstanceLogger) *InstanceLogAddon {
	return &InstanceLogAddon{logger: logger}
}

// NewInstanceLogAddonWithFile creates an instance-aware log addon with file output.
func NewInstanceLogAddonWithFile(addr, instanceName, logFilePath string) *InstanceLogAddon {
	return NewInstanceLogAddon(proxy.NewInstanceLoggerWithFile(addr, instanceName, logFilePath))
}

// SetLogger allows setting a custom instance logger.
func (adn *InstanceLogAddon) SetLogger(logger *proxy.InstanceLogger) {
	adn.logger = logger
}

// Close releases the log file of the current logger.
func (adn *InstanceLogAddon) Close() error {
	return adn.logger.Close()
}

func (adn *InstanceLogAddon) ClientConnected(client *proxy.ClientConn) {
	adn.logger.WithFields(
		"client_addr", client.Conn.RemoteAddr().String(),
		"event", "client_connected",
	).Info("Client connected")
}

func (adn *InstanceLogAddon) ClientDisconnected(client *proxy.ClientConn) {
	adn.logger.WithFields(
		"client_addr", client.Conn.RemoteAddr().String(),
		"event", "client_disconnected",
	).Info("Client disconnected")
}

func (adn *InstanceLogAddon) ServerConnected(connCtx *proxy.ConnContext) {
	adn.logger.WithFields(
		"client_addr", connCtx.ClientConn.Conn.RemoteAddr().String(),
		"server_addr", connCtx.ServerConn.Address,
		"event", "server_connected",
	).Info("Server connected")
}

func (adn *InstanceLogAddon) ServerDisconnected(connCtx *proxy.ConnContext) {
	adn.logger.WithFields(
		"client_addr", connCtx.ClientConn.Conn.RemoteAddr().String(),
		"server_addr", connCtx.ServerConn.Address,
		"flow_count", connCtx.FlowCount.Load(),
		"event", "server_disconnected",
	).Info("Server disconnected")
}

func (adn *InstanceLogAddon) TLSEstablishedServer(connCtx *proxy.ConnContext) {
	adn.logger.WithFields(
		"client_addr", connCtx.ClientConn.Conn.RemoteAddr().String(),
		"server_addr", connCtx.ServerConn.Address,
		"event", "tls_established",
	).Debug("TLS connection established with server")
}

func (adn *InstanceLogAddon) Requestheaders(f *proxy.Flow) {
	clientAddr := f.ConnContext.ClientConn.Conn.RemoteAddr().String()
	if f.Request.Method == http.MethodConnect {
		adn.logger.WithFields(
			"client_addr", clientAddr,
			"authority", f.Request.URL.Host,
			"intercept", f.ConnContext.Intercept,
			"event", "tunnel",
		).Info("Tunnel requested")
		return
	}

	start := time.Now()
	go func() {
		<-f.Done()
		var statusCode int
		if f.Response != nil {
			statusCode = f.Response.StatusCode
		}
		redirectedFrom := ""
		if f.Redirected() {
			redirectedFrom = f.RedirectedFrom.String()
		}

		adn.logger.WithFields(
			"client_addr", clientAddr,
			"method", f.Request.Method,
			"url", f.Request.URL.String(),
			"redirected_from", redirectedFrom,
			"status_code", statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"event", "request_completed",
		).Info("Request completed")
	}()
}
