package telemetry

import (
	"context"
	"github.com/icinga/icinga-go-library/logging"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"net/http"
	"time"
)

const namespace = "icingastate"

// Metrics exposes the processing of check results and alerts to Prometheus.
//
// All methods may be called on a nil *Metrics, which discards the observations.
type Metrics struct {
	registry *prometheus.Registry

	checkResults      *prometheus.CounterVec
	alertsRequested   *prometheus.CounterVec
	alertsSuppressed  *prometheus.CounterVec
	alertsDelivered   *prometheus.CounterVec
	alertsFailed      *prometheus.CounterVec
	subscriberBacklog *prometheus.GaugeVec
	checkables        *prometheus.GaugeVec
	authority         prometheus.Gauge
}

// NewMetrics creates Metrics with their own registry, including the Go and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		checkResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "check_results_total",
			Help:      "Check results received, by object type and outcome",
		}, []string{"object_type", "outcome"}),
		alertsRequested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_requested_total",
			Help:      "Alerts requested by checkables, by type",
		}, []string{"type"}),
		alertsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_suppressed_total",
			Help:      "Problem and recovery candidates not published immediately, by reason",
		}, []string{"reason"}),
		alertsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_delivered_total",
			Help:      "Alerts successfully handed to subscribers",
		}, []string{"subscriber"}),
		alertsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_failed_total",
			Help:      "Alerts dropped after the subscriber failed permanently",
		}, []string{"subscriber"}),
		subscriberBacklog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriber_backlog",
			Help:      "Alerts queued for a subscriber",
		}, []string{"subscriber"}),
		checkables: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkables",
			Help:      "Registered checkables, by object type",
		}, []string{"object_type"}),
		authority: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "authority",
			Help:      "Whether this instance processes check results (1) or not (0)",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.checkResults, m.alertsRequested, m.alertsSuppressed, m.alertsDelivered, m.alertsFailed,
		m.subscriberBacklog, m.checkables, m.authority,
	)

	return m
}

// Registry returns the registry all metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// CheckResult counts a check result of the given object type.
// outcome is e.g. "processed", "skipped" or "invalid".
func (m *Metrics) CheckResult(objectType, outcome string) {
	if m != nil {
		m.checkResults.WithLabelValues(objectType, outcome).Inc()
	}
}

// AlertRequested counts an alert of the given type.
func (m *Metrics) AlertRequested(alertType string) {
	if m != nil {
		m.alertsRequested.WithLabelValues(alertType).Inc()
	}
}

// AlertSuppressed counts a Problem or Recovery candidate held back for reason.
func (m *Metrics) AlertSuppressed(reason string) {
	if m != nil {
		m.alertsSuppressed.WithLabelValues(reason).Inc()
	}
}

// AlertDelivered counts an alert handed to subscriber.
func (m *Metrics) AlertDelivered(subscriber string) {
	if m != nil {
		m.alertsDelivered.WithLabelValues(subscriber).Inc()
	}
}

// AlertFailed counts an alert subscriber gave up on.
func (m *Metrics) AlertFailed(subscriber string) {
	if m != nil {
		m.alertsFailed.WithLabelValues(subscriber).Inc()
	}
}

// SubscriberBacklog sets the number of alerts queued for subscriber.
func (m *Metrics) SubscriberBacklog(subscriber string, n int) {
	if m != nil {
		m.subscriberBacklog.WithLabelValues(subscriber).Set(float64(n))
	}
}

// Checkables adds delta to the number of registered checkables of objectType.
func (m *Metrics) Checkables(objectType string, delta float64) {
	if m != nil {
		m.checkables.WithLabelValues(objectType).Add(delta)
	}
}

// Authority records whether this instance is responsible.
func (m *Metrics) Authority(authority bool) {
	if m != nil {
		v := 0.0
		if authority {
			v = 1
		}

		m.authority.Set(v)
	}
}

// Serve exposes the metrics via HTTP on addr under /metrics until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Infow("Serving metrics", zap.String("address", "http://"+addr+"/metrics"))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "can't serve metrics")
	}

	return nil
}
