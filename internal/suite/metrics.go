package suite

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the suite's Prometheus instruments on a private
// registry so tests can run suites side by side.
type metrics struct {
	registry *prometheus.Registry

	eventsTotal    *prometheus.CounterVec
	eventsResolved prometheus.Counter
	scansTotal     *prometheus.CounterVec
	findingsTotal  *prometheus.CounterVec
	quarantineOps  *prometheus.CounterVec

	unresolvedEvents prometheus.Gauge
	protectionScore  prometheus.Gauge
	quarantineBytes  prometheus.Gauge
	signatureCount   prometheus.Gauge
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &metrics{
		registry: reg,
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_events_total",
			Help: "Ledger events emitted, by category and severity.",
		}, []string{"category", "severity"}),
		eventsResolved: factory.NewCounter(prometheus.CounterOpts{
			Name: "vigil_events_resolved_total",
			Help: "Ledger events resolved by action execution.",
		}),
		scansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_scans_total",
			Help: "Finished scans, by type and terminal status.",
		}, []string{"type", "status"}),
		findingsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_findings_total",
			Help: "Scan findings, by severity.",
		}, []string{"severity"}),
		quarantineOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_quarantine_operations_total",
			Help: "Quarantine mutations, by operation.",
		}, []string{"operation"}),
		unresolvedEvents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vigil_unresolved_events",
			Help: "Open ledger events of medium severity or above.",
		}),
		protectionScore: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vigil_protection_score",
			Help: "Aggregate protection score, 0-100.",
		}),
		quarantineBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vigil_quarantine_active_bytes",
			Help: "Total size of actively quarantined content.",
		}),
		signatureCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vigil_signature_count",
			Help: "Signatures in the active definitions set.",
		}),
	}
}

// serveMetrics exposes the registry over HTTP until the server is shut
// down by Stop.
func serveMetrics(listen string, m *metrics, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "listen", listen, "error", err)
		}
	}()
	logger.Info("metrics endpoint listening", "listen", listen)
	return srv
}
