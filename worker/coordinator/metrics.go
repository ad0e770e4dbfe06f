// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/canonical/opensearch-dashboards-operator/internal/workloadstatus"
)

const metricsNamespace = "opensearch_dashboards_coordinator"

// Collector is a prometheus.Collector that collects metrics about the
// coordinator worker.
type Collector struct {
	passes   *prometheus.CounterVec
	restarts *prometheus.CounterVec
	status   *prometheus.GaugeVec
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		passes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reconcile_passes_total",
				Help:      "The number of reconciliation passes run.",
			}, []string{"result"},
		),
		restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "restarts_total",
				Help:      "The number of service restarts by outcome.",
			}, []string{"outcome"},
		),
		status: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "status",
				Help:      "Set to 1 for the status the unit currently reports.",
			}, []string{"code"},
		),
	}
}

func (c *Collector) pass(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.passes.WithLabelValues(result).Inc()
}

func (c *Collector) restart(outcome string) {
	c.restarts.WithLabelValues(outcome).Inc()
}

func (c *Collector) setStatus(current workloadstatus.Code) {
	for _, code := range workloadstatus.Codes {
		value := 0.0
		if code == current {
			value = 1
		}
		c.status.WithLabelValues(string(code)).Set(value)
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.passes.Describe(ch)
	c.restarts.Describe(ch)
	c.status.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.passes.Collect(ch)
	c.restarts.Collect(ch)
	c.status.Collect(ch)
}
