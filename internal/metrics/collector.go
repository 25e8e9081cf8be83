package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vpnshop-bot/keyengine/internal/failure"
)

const metricsNamespace = "keyengine"

// Collector is a prometheus.Collector for the key lifecycle engine.
type Collector struct {
	panelRequests  *prometheus.HistogramVec
	fulfilOutcomes *prometheus.CounterVec
	markersEmitted *prometheus.CounterVec
	backups        *prometheus.CounterVec
	backupBytes    prometheus.Gauge
	quarantined    prometheus.Gauge
}

func NewCollector() *Collector {
	return &Collector{
		panelRequests: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "panel_request_seconds",
				Help:      "Latency of panel requests by host, operation and outcome.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			}, []string{"host", "op", "outcome"},
		),
		fulfilOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "fulfil_total",
				Help:      "Fulfil calls by origin and outcome.",
			}, []string{"origin", "outcome"},
		),
		markersEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "markers_emitted_total",
				Help:      "Scheduler markers written by kind and status.",
			}, []string{"kind", "status"},
		),
		backups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "backups_total",
				Help:      "Database backup attempts by outcome.",
			}, []string{"outcome"},
		),
		backupBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "last_backup_bytes",
				Help:      "Size of the most recent backup file.",
			},
		),
		quarantined: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "quarantined_hosts",
				Help:      "Panel hosts currently in quarantine.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.panelRequests.Describe(ch)
	c.fulfilOutcomes.Describe(ch)
	c.markersEmitted.Describe(ch)
	c.backups.Describe(ch)
	c.backupBytes.Describe(ch)
	c.quarantined.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.panelRequests.Collect(ch)
	c.fulfilOutcomes.Collect(ch)
	c.markersEmitted.Collect(ch)
	c.backups.Collect(ch)
	c.backupBytes.Collect(ch)
	c.quarantined.Collect(ch)
}

func (c *Collector) PanelRequest(host, op string, elapsed time.Duration, err error) {
	if c == nil {
		return
	}
	c.panelRequests.WithLabelValues(host, op, outcome(err)).Observe(elapsed.Seconds())
}

func (c *Collector) Fulfil(origin string, err error, applied bool) {
	if c == nil {
		return
	}
	result := outcome(err)
	if err == nil && !applied {
		result = "replay"
	}
	c.fulfilOutcomes.WithLabelValues(origin, result).Inc()
}

func (c *Collector) Marker(kind, status string) {
	if c == nil {
		return
	}
	c.markersEmitted.WithLabelValues(kind, status).Inc()
}

func (c *Collector) Backup(err error, size int64) {
	if c == nil {
		return
	}
	c.backups.WithLabelValues(outcome(err)).Inc()
	if err == nil {
		c.backupBytes.Set(float64(size))
	}
}

func (c *Collector) QuarantinedHosts(n int) {
	if c == nil {
		return
	}
	c.quarantined.Set(float64(n))
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return failure.Kind(err)
}
