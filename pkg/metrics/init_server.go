package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initServerMetrics() {
	r.CommandsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusokv_commands_total",
			Help: "Commands processed",
		},
		[]string{"command", "status"}, // status: ok, error
	)

	r.ClientConnections = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusokv_client_connections",
			Help: "Currently open client connections",
		},
	)

	r.KeysTotal = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusokv_keys_total",
			Help: "Keys stored across all databases",
		},
	)
}
