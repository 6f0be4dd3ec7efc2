package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gustycube/sshmap/internal/health"
)

var (
	AttemptsTotal    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sshmap_attempts_total", Help: "credential attempts by outcome"}, []string{"outcome"})
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "sshmap_connections_total", Help: "authenticated sessions opened"})
	HostsDiscovered  = prometheus.NewCounter(prometheus.CounterOpts{Name: "sshmap_hosts_discovered_total", Help: "distinct hosts reached"})
	EdgesTotal       = prometheus.NewCounter(prometheus.CounterOpts{Name: "sshmap_access_edges_total", Help: "access edges recorded"})
	TargetsTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sshmap_targets_total", Help: "scan targets by status"}, []string{"status"})
	QueueDepth       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sshmap_queue_depth", Help: "targets waiting in the scan queue"})
	SessionsCached   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sshmap_sessions_cached", Help: "live sessions held by the session cache"})
)

func init() {
	prometheus.MustRegister(AttemptsTotal, ConnectionsTotal, HostsDiscovered, EdgesTotal, TargetsTotal, QueueDepth, SessionsCached)
}

// ServeWithHealth exposes prometheus metrics alongside the health
// endpoints on one listener. Blocks; run it in a goroutine.
func ServeWithHealth(addr string, healthHandler *health.Handler, log *zap.SugaredLogger) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", healthHandler.HealthHandler)
	http.HandleFunc("/ready", healthHandler.ReadinessHandler)
	http.HandleFunc("/live", healthHandler.LivenessHandler)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Warnw("metrics server stopped", "err", err)
	}
}
