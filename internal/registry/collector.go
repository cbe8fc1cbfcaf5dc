package registry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/homedeck/homedeck/internal/lifecycle"
)

var allStatuses = []lifecycle.Status{
	lifecycle.Stopped,
	lifecycle.Starting,
	lifecycle.Running,
	lifecycle.Degraded,
	lifecycle.Stopping,
	lifecycle.Faulted,
}

// Collector exports per-source gauges read from registry snapshots at
// scrape time.
type Collector struct {
	reg *Registry

	status      *prometheus.Desc
	failures    *prometheus.Desc
	slack       *prometheus.Desc
	avgInterval *prometheus.Desc
	lastRefresh *prometheus.Desc
	nextRefresh *prometheus.Desc
	unavailable *prometheus.Desc
}

// NewCollector creates a collector for the registry. Register it with a
// prometheus.Registerer.
func NewCollector(reg *Registry) *Collector {
	labels := []string{"source"}
	return &Collector{
		reg: reg,
		status: prometheus.NewDesc(
			"homedeck_source_status",
			"Lifecycle status of a source, 1 for the current status.",
			[]string{"source", "status"}, nil,
		),
		failures: prometheus.NewDesc(
			"homedeck_source_consecutive_failures",
			"Consecutive failed fetches of a source.",
			labels, nil,
		),
		slack: prometheus.NewDesc(
			"homedeck_source_slack_seconds",
			"Current scheduling slack of a source.",
			labels, nil,
		),
		avgInterval: prometheus.NewDesc(
			"homedeck_source_average_interval_seconds",
			"Mean observed publication interval of a source.",
			labels, nil,
		),
		lastRefresh: prometheus.NewDesc(
			"homedeck_source_last_refresh_timestamp_seconds",
			"Unix time of the last completed fetch of a source.",
			labels, nil,
		),
		nextRefresh: prometheus.NewDesc(
			"homedeck_source_next_refresh_timestamp_seconds",
			"Unix time of the next scheduled fetch of a source.",
			labels, nil,
		),
		unavailable: prometheus.NewDesc(
			"homedeck_source_unavailable_instants",
			"Instants of a source confirmed absent upstream.",
			labels, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.status
	ch <- c.failures
	ch <- c.slack
	ch <- c.avgInterval
	ch <- c.lastRefresh
	ch <- c.nextRefresh
	ch <- c.unavailable
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.reg.Statuses() {
		for _, s := range allStatuses {
			v := 0.0
			if st.Status == s {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.status, prometheus.GaugeValue, v, st.ID, s.String())
		}

		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.GaugeValue, float64(st.ConsecutiveFailures), st.ID)
		ch <- prometheus.MustNewConstMetric(c.slack, prometheus.GaugeValue, st.CurrentSlack.Seconds(), st.ID)
		ch <- prometheus.MustNewConstMetric(c.avgInterval, prometheus.GaugeValue, st.AverageInterval.Seconds(), st.ID)
		ch <- prometheus.MustNewConstMetric(c.unavailable, prometheus.GaugeValue, float64(len(st.Unavailable)), st.ID)

		if !st.LastRefresh.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.lastRefresh, prometheus.GaugeValue, float64(st.LastRefresh.Unix()), st.ID)
		}
		if !st.NextRefresh.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.nextRefresh, prometheus.GaugeValue, float64(st.NextRefresh.Unix()), st.ID)
		}
	}
}
