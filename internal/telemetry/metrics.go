package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	UsageQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imagegen_usage_queue_depth",
		Help: "Generation logs waiting to be written",
	})

	ProviderCircuitOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imagegen_provider_circuit_open",
		Help: "1 while the provider circuit breaker is open",
	})
)

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
