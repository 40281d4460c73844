package orchestrator

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// metricsHandler wires an OTel Prometheus exporter as the process's global
// MeterProvider reader, then serves the Prometheus text exposition format
// over the default registerer/gatherer the exporter attaches to. Mirrors
// the teacher's own ClueMetrics (runtime/agent/telemetry/clue.go), which
// records against otel.Meter(...) and expects otel.SetMeterProvider to
// already be configured; kadirpekel-hector's
// pkg/observability/metrics.go's promhttp.HandlerFor(registry, ...) shape
// grounds the HTTP side.
func metricsHandler() http.Handler {
	exporter, err := otelprometheus.New()
	if err != nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics exporter unavailable: "+err.Error(), http.StatusServiceUnavailable)
		})
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	return promhttp.Handler()
}
