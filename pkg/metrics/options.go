package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Option customises a Manager. Naming, bucket and registry options only
// matter to NewManager; WithMetricsEnabled and WithRefreshInterval can also
// be applied later through Configure.
type Option func(*Manager)

// WithNamespace replaces the "fieldsync" namespace. Empty is ignored.
func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

// WithSubsystem replaces the "sync" subsystem. Empty is ignored.
func WithSubsystem(subsystem string) Option {
	return func(m *Manager) {
		if subsystem != "" {
			m.subsystem = subsystem
		}
	}
}

// WithMetricPrefix is prepended to every metric name after the subsystem.
func WithMetricPrefix(prefix string) Option {
	return func(m *Manager) { m.metricPrefix = prefix }
}

// WithHistogramBuckets overrides the millisecond latency buckets.
func WithHistogramBuckets(buckets []float64) Option {
	return func(m *Manager) {
		if len(buckets) > 0 {
			m.histogramBuckets = append([]float64(nil), buckets...)
		}
	}
}

// WithCustomLabels attaches constant labels, e.g. a device or site id.
func WithCustomLabels(labels map[string]string) Option {
	return func(m *Manager) {
		for k, v := range labels {
			m.customLabels[k] = v
		}
	}
}

// WithPrometheusRegistry registers the metrics on registry instead of the
// default registerer.
func WithPrometheusRegistry(registry prometheus.Registerer) Option {
	return func(m *Manager) {
		if registry != nil {
			m.registry = registry
		}
	}
}

// WithMetricsEnabled turns recording on or off. A disabled manager keeps
// its collectors registered but the Record and Update helpers become no-ops.
func WithMetricsEnabled(enabled bool) Option {
	return func(m *Manager) { m.enabled.Store(enabled) }
}

// WithRefreshInterval sets how often gauge updaters should resample.
// Non-positive values are ignored.
func WithRefreshInterval(interval time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.refreshInterval.Store(int64(interval))
		}
	}
}
