// Package metrics records task outcomes as Prometheus metrics and JSON files.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TFMV/resync/pkg/core"
)

// Collector exports outcome metrics on its own registry.
type Collector struct {
	registry      *prometheus.Registry
	tasks         *prometheus.CounterVec
	discrepancies *prometheus.CounterVec
	repairUnits   *prometheus.CounterVec
	duration      prometheus.Histogram
	matchingRate  *prometheus.GaugeVec
}

// NewCollector registers the resync metrics on a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resync",
			Name:      "tasks_total",
			Help:      "Finished reconciliation tasks by status.",
		}, []string{"status"}),
		discrepancies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resync",
			Name:      "discrepancies_total",
			Help:      "Discrepant keys found, by class.",
		}, []string{"class"}),
		repairUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resync",
			Name:      "repair_units_total",
			Help:      "Dispatched repair units by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "resync",
			Name:      "task_duration_seconds",
			Help:      "Wall-clock duration of reconciliation tasks.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		matchingRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "resync",
			Name:      "matching_rate",
			Help:      "Matching rate of the last run of each task.",
		}, []string{"task"}),
	}
	c.registry.MustRegister(c.tasks, c.discrepancies, c.repairUnits, c.duration, c.matchingRate)
	return c
}

// Name identifies the collector in logs.
func (c *Collector) Name() string { return "prometheus" }

// SaveOutcome records one finished task.
func (c *Collector) SaveOutcome(_ context.Context, o core.TaskOutcome) error {
	c.tasks.WithLabelValues(string(o.Status)).Inc()
	c.discrepancies.WithLabelValues("mismatched").Add(float64(o.Mismatched))
	c.discrepancies.WithLabelValues("source_only").Add(float64(o.SourceOnly))
	c.discrepancies.WithLabelValues("target_only").Add(float64(o.TargetOnly))
	if o.RepairUnits > 0 {
		c.repairUnits.WithLabelValues("success").Add(float64(o.RepairUnits - o.FailedUnits))
		c.repairUnits.WithLabelValues("fail").Add(float64(o.FailedUnits))
	}
	c.duration.Observe(o.Duration().Seconds())
	if o.Status != core.StatusFail || o.SourceCount+o.TargetCount > 0 {
		c.matchingRate.WithLabelValues(o.TaskID).Set(o.MatchingRate)
	}
	return nil
}

// Registry returns the registry holding the metrics.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
