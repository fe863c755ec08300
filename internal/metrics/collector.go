package metrics

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "centrix"

// Collector exports a Store's Snapshot as Prometheus metrics.
//
// Values are read at scrape time; nothing is registered globally.
type Collector struct {
	store *Store

	openApprovals  *prometheus.Desc
	queueDepth     *prometheus.Desc
	errors1m       *prometheus.Desc
	alertsDedup    *prometheus.Desc
	alertsThrottle *prometheus.Desc
	latencyMedian  *prometheus.Desc
	risk           *prometheus.Desc
	counter        *prometheus.Desc
}

// NewCollector creates a Collector over s.
func NewCollector(s *Store) *Collector {
	return &Collector{
		store: s,
		openApprovals: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "open_approvals"),
			"Approvals currently pending.", nil, nil),
		queueDepth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "queue_depth"),
			"Commands waiting in status NEW.", nil, nil),
		errors1m: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "errors_1m"),
			"Errors recorded in the last minute.", nil, nil),
		alertsDedup: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "alerts", "dedup_1m"),
			"Alerts suppressed by deduplication in the last minute.", nil, nil),
		alertsThrottle: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "alerts", "throttle_1m"),
			"Alerts suppressed by throttling in the last minute.", nil, nil),
		latencyMedian: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "latency_median_seconds"),
			"Median of recent latency samples.", nil, nil),
		risk: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "risk", "value"),
			"Risk gauges by field.", []string{"field"}, nil),
		counter: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "counter_total"),
			"Named monotonic counters.", []string{"name"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.openApprovals
	ch <- c.queueDepth
	ch <- c.errors1m
	ch <- c.alertsDedup
	ch <- c.alertsThrottle
	ch <- c.latencyMedian
	ch <- c.risk
	ch <- c.counter
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.store.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.openApprovals, prometheus.GaugeValue, float64(snap.OpenApprovals))
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(snap.QueueDepth))
	ch <- prometheus.MustNewConstMetric(c.errors1m, prometheus.GaugeValue, float64(snap.Errors1m))
	ch <- prometheus.MustNewConstMetric(c.alertsDedup, prometheus.GaugeValue, float64(snap.AlertsDedup1m))
	ch <- prometheus.MustNewConstMetric(c.alertsThrottle, prometheus.GaugeValue, float64(snap.AlertsThrottle1m))
	if snap.LatencyMedianMS != nil {
		ch <- prometheus.MustNewConstMetric(c.latencyMedian, prometheus.GaugeValue, *snap.LatencyMedianMS/1000)
	}

	ch <- prometheus.MustNewConstMetric(c.risk, prometheus.GaugeValue, snap.Risk.PnLDay, "pnl_day")
	ch <- prometheus.MustNewConstMetric(c.risk, prometheus.GaugeValue, snap.Risk.PnLOpen, "pnl_open")
	ch <- prometheus.MustNewConstMetric(c.risk, prometheus.GaugeValue, snap.Risk.MarginUsedPct, "margin_used_pct")

	names := make([]string, 0, len(snap.Counters))
	for name := range snap.Counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ch <- prometheus.MustNewConstMetric(c.counter, prometheus.CounterValue, float64(snap.Counters[name]), name)
	}
}
