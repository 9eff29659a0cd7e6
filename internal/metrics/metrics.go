// Package metrics exposes the Prometheus metrics of a certcore run. A batch
// run pushes them to a Pushgateway when one is configured.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds every collector of one run on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	StageDuration *prometheus.HistogramVec
	StageResults  *prometheus.CounterVec
	Documents     *prometheus.CounterVec
	Changes       *prometheus.CounterVec
	Unresolved    prometheus.Gauge
	Certificates  prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "certcore_stage_duration_seconds",
			Help:    "Duration of pipeline stages and sync runs",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600},
		}, []string{"stage"}),
		StageResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "certcore_stage_results_total",
			Help: "Pipeline stage outcomes by stage and status",
		}, []string{"stage", "status"}),
		Documents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "certcore_documents_total",
			Help: "Per-document download and conversion outcomes",
		}, []string{"operation", "status"}), // operation: download, convert
		Changes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "certcore_sync_changes_total",
			Help: "Change records written by sync runs, by kind",
		}, []string{"kind"}),
		Unresolved: f.NewGauge(prometheus.GaugeOpts{
			Name: "certcore_unresolved_identifiers",
			Help: "Referenced identifiers without a certificate in the last analysis",
		}),
		Certificates: f.NewGauge(prometheus.GaugeOpts{
			Name: "certcore_certificates",
			Help: "Certificates in the dataset",
		}),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe records one stage outcome.
func (m *Metrics) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.StageDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.StageResults.WithLabelValues(operation, status).Inc()
}

// Document records a per-document outcome.
func (m *Metrics) Document(operation string, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.Documents.WithLabelValues(operation, status).Inc()
}

// Change records n change records of kind.
func (m *Metrics) Change(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Changes.WithLabelValues(kind).Add(float64(n))
}

// Push sends every collector to the Pushgateway at url under job.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if m == nil || url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
