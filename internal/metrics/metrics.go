// Package metrics exposes Prometheus counters and gauges for the UAP
// server and the proxy. It is purely observational: nothing in the
// protocol or relay logic depends on its values.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// UAP holds the gauges and counters for a running uap-server, satisfying
// uap.Metrics.
type UAP struct {
	sessionsActive prometheus.Gauge
	packetsDropped *prometheus.CounterVec
	sessionsTotal  prometheus.Counter
}

// NewUAP registers and returns a fresh set of UAP metrics.
func NewUAP(reg prometheus.Registerer) *UAP {
	factory := promauto.With(reg)
	return &UAP{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "uap_sessions_active",
			Help: "Number of UAP sessions currently open.",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "uap_sessions_total",
			Help: "Total number of UAP sessions created.",
		}),
		packetsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "uap_packets_dropped_total",
			Help: "Total number of UAP packets dropped, by reason.",
		}, []string{"reason"}),
	}
}

// SessionCreated implements uap.Metrics.
func (m *UAP) SessionCreated() {
	m.sessionsActive.Inc()
	m.sessionsTotal.Inc()
}

// SessionClosed implements uap.Metrics.
func (m *UAP) SessionClosed() {
	m.sessionsActive.Dec()
}

// PacketDropped implements uap.Metrics.
func (m *UAP) PacketDropped(reason string) {
	m.packetsDropped.WithLabelValues(reason).Inc()
}

// Proxy holds the counters and gauges for a running proxy.
type Proxy struct {
	ConnectionsTotal prometheus.Counter
	ConnectTunnels   prometheus.Gauge
	UpstreamFailures prometheus.Counter
}

// NewProxy registers and returns a fresh set of proxy metrics.
func NewProxy(reg prometheus.Registerer) *Proxy {
	factory := promauto.With(reg)
	return &Proxy{
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "proxy_connections_total",
			Help: "Total number of client connections accepted.",
		}),
		ConnectTunnels: factory.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_connect_tunnels_active",
			Help: "Number of CONNECT tunnels currently relaying.",
		}),
		UpstreamFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "proxy_upstream_dial_failures_total",
			Help: "Total number of failed upstream dials.",
		}),
	}
}

// Serve starts a minimal HTTP server exposing /metrics on addr until ctx
// is canceled. It returns the error from ListenAndServe (including a
// failure to bind) if the server stops on its own, or the result of
// http.Server.Close once ctx is canceled.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
