package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type FlowMetrics struct {
	registry          *prometheus.Registry
	authorizations    *prometheus.CounterVec
	actions           *prometheus.CounterVec
	previews          *prometheus.CounterVec
	previewLatency    prometheus.Histogram
	previewsDiscarded prometheus.Counter
	readLayerHits     *prometheus.CounterVec
}

var (
	flowOnce     sync.Once
	flowRegistry *FlowMetrics
)

// Flow returns the process-wide flow metrics, registered on a private registry.
func Flow() *FlowMetrics {
	flowOnce.Do(func() {
		flowRegistry = &FlowMetrics{
			registry: prometheus.NewRegistry(),
			authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lendflow_authorizations_total",
				Help: "Authorization attempts by path and outcome.",
			}, []string{"path", "outcome"}),
			actions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lendflow_actions_total",
				Help: "Protocol action submissions by kind and outcome.",
			}, []string{"kind", "outcome"}),
			previews: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lendflow_previews_total",
				Help: "Health factor previews by outcome.",
			}, []string{"outcome"}),
			previewLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "lendflow_preview_seconds",
				Help:    "Latency of health factor preview reads.",
				Buckets: prometheus.DefBuckets,
			}),
			previewsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lendflow_previews_discarded_total",
				Help: "Preview results dropped because a newer request superseded them.",
			}),
			readLayerHits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lendflow_read_cache_total",
				Help: "Read layer lookups by family and cache tier.",
			}, []string{"family", "tier"}),
		}
		flowRegistry.registry.MustRegister(
			flowRegistry.authorizations,
			flowRegistry.actions,
			flowRegistry.previews,
			flowRegistry.previewLatency,
			flowRegistry.previewsDiscarded,
			flowRegistry.readLayerHits,
		)
	})
	return flowRegistry
}

func (m *FlowMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *FlowMetrics) ObserveAuthorization(path, outcome string) {
	if m == nil {
		return
	}
	m.authorizations.WithLabelValues(label(path), label(outcome)).Inc()
}

func (m *FlowMetrics) ObserveAction(kind, outcome string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(label(kind), label(outcome)).Inc()
}

func (m *FlowMetrics) ObservePreview(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.previews.WithLabelValues(label(outcome)).Inc()
	m.previewLatency.Observe(elapsed.Seconds())
}

func (m *FlowMetrics) IncPreviewDiscarded() {
	if m == nil {
		return
	}
	m.previewsDiscarded.Inc()
}

func (m *FlowMetrics) ObserveReadCache(family, tier string) {
	if m == nil {
		return
	}
	m.readLayerHits.WithLabelValues(label(family), label(tier)).Inc()
}

// WriteTextfile dumps the registry in the node-exporter textfile format.
func (m *FlowMetrics) WriteTextfile(path string) error {
	if m == nil || strings.TrimSpace(path) == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}
