package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wallet"

// Metrics holds the Prometheus collectors of the metering engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	outcomes       *prometheus.CounterVec
	debitedCents   *prometheus.CounterVec
	costPerCall    *prometheus.HistogramVec
	topUps         *prometheus.CounterVec
	topUpCents     prometheus.Counter
	anomalies      *prometheus.CounterVec
	anomalyBacklog prometheus.Gauge
	anomalyCents   prometheus.Gauge
	exportedEvents prometheus.Counter
	exportDropped  prometheus.Counter
}

// New creates the collectors on a private registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "metered_requests_total",
				Help:      "Metered requests by feature and outcome",
			},
			[]string{"feature", "outcome"},
		),

		debitedCents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "debited_cents_total",
				Help:      "Cents debited by settled calls",
			},
			[]string{"feature"},
		),

		costPerCall: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "call_cost_cents",
				Help:      "Cost of a settled call in cents",
				Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
			},
			[]string{"feature", "model"},
		),

		topUps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "topups_total",
				Help:      "Top-up reconciliations by result",
			},
			[]string{"result"},
		),

		topUpCents: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "topup_cents_total",
				Help:      "Cents credited by newly created top-up lots",
			},
		),

		anomalies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "settlement_anomalies_total",
				Help:      "Completed calls whose settlement did not go through",
			},
			[]string{"kind"},
		),

		anomalyBacklog: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "settlement_anomalies_open",
				Help:      "Unresolved settlement anomalies",
			},
		),

		anomalyCents: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "settlement_anomalies_open_cents",
				Help:      "Unbilled cents held by unresolved settlement anomalies",
			},
		),

		exportedEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exported_usage_events_total",
				Help:      "Usage events written to the export sink",
			},
		),

		exportDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "export_dropped_events_total",
				Help:      "Usage events dropped because the export queue was full or unavailable",
			},
		),
	}
}

// RecordOutcome counts one metered request
func (m *Metrics) RecordOutcome(feature, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(feature, outcome).Inc()
}

// RecordSettlement records a successful debit
func (m *Metrics) RecordSettlement(feature, model string, costCents int64) {
	if m == nil {
		return
	}
	m.debitedCents.WithLabelValues(feature).Add(float64(costCents))
	m.costPerCall.WithLabelValues(feature, model).Observe(float64(costCents))
}

// RecordTopUp counts a reconciliation; amountCents is added only for
// newly created lots.
func (m *Metrics) RecordTopUp(result string, amountCents int64) {
	if m == nil {
		return
	}
	m.topUps.WithLabelValues(result).Inc()
	if result == "created" {
		m.topUpCents.Add(float64(amountCents))
	}
}

// RecordAnomaly counts a settlement anomaly
func (m *Metrics) RecordAnomaly(kind string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(kind).Inc()
}

// SetAnomalyBacklog publishes the unresolved anomaly totals
func (m *Metrics) SetAnomalyBacklog(count, cents int64) {
	if m == nil {
		return
	}
	m.anomalyBacklog.Set(float64(count))
	m.anomalyCents.Set(float64(cents))
}

// RecordExported counts events written by the exporter
func (m *Metrics) RecordExported(n int) {
	if m == nil {
		return
	}
	m.exportedEvents.Add(float64(n))
}

// RecordExportDropped counts an event that could not be queued for export
func (m *Metrics) RecordExportDropped() {
	if m == nil {
		return
	}
	m.exportDropped.Inc()
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
