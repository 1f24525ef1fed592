package addons

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anime-games-proxy/agproxy/proxy"
)

// MetricsPath is where the proxy answers metric scrapes addressed to
// itself.
const MetricsPath = "/metrics"

// Metrics records Prometheus metrics for proxied traffic.
type Metrics struct {
	proxy.BaseAddon

	requestsTotal   *prometheus.CounterVec
	redirectsTotal  prometheus.Counter
	tunnelsTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeConns     prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a Metrics addon with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agproxy",
			Name:      "requests_total",
			Help:      "Total number of proxied requests.",
		}, []string{"method", "scheme"}),

		redirectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agproxy",
			Name:      "redirects_total",
			Help:      "Number of requests sent to the configured backend.",
		}),

		tunnelsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agproxy",
			Name:      "tunnels_total",
			Help:      "Number of CONNECT tunnels by interception mode.",
		}, []string{"mode"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agproxy",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "status"}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agproxy",
			Name:      "active_connections",
			Help:      "Number of open client connections.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.redirectsTotal,
		m.tunnelsTotal,
		m.requestDuration,
		m.activeConns,
	)

	return m
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ClientConnected(*proxy.ClientConn) {
	m.activeConns.Inc()
}

func (m *Metrics) ClientDisconnected(*proxy.ClientConn) {
	m.activeConns.Dec()
}

func (m *Metrics) Requestheaders(f *proxy.Flow) {
	if f.Request.Method == http.MethodConnect {
		mode := "passthrough"
		if f.ConnContext != nil && f.ConnContext.Intercept {
			mode = "intercept"
		}
		m.tunnelsTotal.WithLabelValues(mode).Inc()
		return
	}

	m.requestsTotal.WithLabelValues(f.Request.Method, f.Request.URL.Scheme).Inc()

	start := time.Now()
	go func() {
		<-f.Done()
		// 502s written by the proxy itself leave no Response on the flow
		status := "error"
		if f.Response != nil {
			status = strconv.Itoa(f.Response.StatusCode)
		}
		m.requestDuration.WithLabelValues(f.Request.Method, status).Observe(time.Since(start).Seconds())
		if f.Redirected() {
			m.redirectsTotal.Inc()
		}
	}()
}

// AccessProxyServer answers scrapes sent straight to the proxy address.
func (m *Metrics) AccessProxyServer(req *http.Request, res http.ResponseWriter) {
	if req.URL.Path != MetricsPath {
		return
	}
	m.Handler().ServeHTTP(res, req)
}
