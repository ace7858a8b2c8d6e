package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacrelay_requests_total",
			Help: "Total number of forwarded HTTP requests.",
		},
		[]string{"method", "route", "code"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pacrelay_request_duration_seconds",
			Help:    "Forwarded request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	TunnelsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacrelay_tunnels_total",
			Help: "Total number of CONNECT tunnels by outcome.",
		},
		[]string{"route", "result"},
	)

	TunnelDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pacrelay_tunnel_duration_seconds",
			Help:    "Lifetime of established CONNECT tunnels in seconds.",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"route"},
	)

	BytesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacrelay_bytes_sent_total",
			Help: "Total bytes sent to clients.",
		},
		[]string{"route"},
	)

	BytesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacrelay_bytes_received_total",
			Help: "Total bytes received from clients.",
		},
		[]string{"route"},
	)

	ActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pacrelay_active_connections",
			Help: "Number of in-flight requests and open tunnels.",
		},
		[]string{"kind"},
	)

	PACReloadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacrelay_pac_reload_total",
			Help: "Count of PAC script loads.",
		},
		[]string{"status"},
	)

	PACErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacrelay_pac_errors_total",
			Help: "Count of requests that could not be routed by the PAC script.",
		},
		[]string{"reason"},
	)

	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacrelay_upstream_errors_total",
			Help: "Count of errors connecting to origins or upstream proxies.",
		},
		[]string{"upstream"},
	)
)

// All collects all metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		RequestsTotal,
		RequestDuration,
		TunnelsTotal,
		TunnelDuration,
		BytesSent,
		BytesReceived,
		ActiveConnections,
		PACReloadTotal,
		PACErrors,
		UpstreamErrors,
	}
}

// RegisterOn registers all metrics on the given registry.
func RegisterOn(reg prometheus.Registerer) {
	for _, c := range All() {
		reg.MustRegister(c)
	}
}

// Register registers all metrics on the default registry.
func Register() {
	RegisterOn(prometheus.DefaultRegisterer)
}
