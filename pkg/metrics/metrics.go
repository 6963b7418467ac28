// Package metrics records pipeline measurements through the MetricsCollector
// interface. PrometheusCollector is the production implementation.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/latoulicious/audiograph/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector defines the interface for metrics collection
type MetricsCollector interface {
	RecordCounter(name string, value int64, tags map[string]string)
	RecordGauge(name string, value float64, tags map[string]string)
	RecordHistogram(name string, value float64, tags map[string]string)
	RecordTiming(name string, duration time.Duration, tags map[string]string)
}

// MetricType represents the type of metric
type MetricType int

const (
	CounterType MetricType = iota
	GaugeType
	HistogramType
	TimingType
)

func (mt MetricType) String() string {
	switch mt {
	case CounterType:
		return "counter"
	case GaugeType:
		return "gauge"
	case HistogramType:
		return "histogram"
	case TimingType:
		return "timing"
	default:
		return "unknown"
	}
}

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "audiograph"

var timingBuckets = []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}

type vec struct {
	kind   MetricType
	labels []string

	counter   *prometheus.CounterVec
	gauge     *prometheus.GaugeVec
	histogram *prometheus.HistogramVec
}

// PrometheusCollector implements MetricsCollector on its own registry. Vectors
// are created on first use, keyed by metric name; the label set of a name is
// fixed by its first observation.
type PrometheusCollector struct {
	namespace string
	registry  *prometheus.Registry
	factory   promauto.Factory
	logger    logging.Logger

	mu   sync.Mutex
	vecs map[string]*vec
}

// NewPrometheusCollector creates a collector with a fresh registry.
func NewPrometheusCollector(namespace string, logger logging.Logger) *PrometheusCollector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if logger == nil {
		logger = logging.Nop()
	}
	reg := prometheus.NewRegistry()
	return &PrometheusCollector{
		namespace: namespace,
		registry:  reg,
		factory:   promauto.With(reg),
		logger:    logger.With(logging.Component("metrics")),
		vecs:      make(map[string]*vec),
	}
}

// Registry returns the registry the collector registers into.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordCounter records a counter metric
func (c *PrometheusCollector) RecordCounter(name string, value int64, tags map[string]string) {
	if value < 0 {
		c.logger.Warn("Negative counter increment ignored", logging.String("name", name), logging.Int64("value", value))
		return
	}
	v := c.lookup(name, CounterType, tags)
	if v == nil {
		return
	}
	v.counter.With(prometheus.Labels(tags)).Add(float64(value))
}

// RecordGauge records a gauge metric
func (c *PrometheusCollector) RecordGauge(name string, value float64, tags map[string]string) {
	v := c.lookup(name, GaugeType, tags)
	if v == nil {
		return
	}
	v.gauge.With(prometheus.Labels(tags)).Set(value)
}

// RecordHistogram records a histogram metric
func (c *PrometheusCollector) RecordHistogram(name string, value float64, tags map[string]string) {
	v := c.lookup(name, HistogramType, tags)
	if v == nil {
		return
	}
	v.histogram.With(prometheus.Labels(tags)).Observe(value)
}

// RecordTiming records a duration in seconds.
func (c *PrometheusCollector) RecordTiming(name string, duration time.Duration, tags map[string]string) {
	v := c.lookup(name, TimingType, tags)
	if v == nil {
		return
	}
	v.histogram.With(prometheus.Labels(tags)).Observe(duration.Seconds())
}

func (c *PrometheusCollector) lookup(name string, kind MetricType, tags map[string]string) *vec {
	labels := labelKeys(tags)

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.vecs[name]; ok {
		if v.kind != kind {
			c.logger.Warn("Metric type mismatch",
				logging.String("name", name),
				logging.String("registered", v.kind.String()),
				logging.String("recorded", kind.String()),
			)
			return nil
		}
		if !equalKeys(v.labels, labels) {
			c.logger.Warn("Metric label mismatch",
				logging.String("name", name),
				logging.Any("registered", v.labels),
				logging.Any("recorded", labels),
			)
			return nil
		}
		return v
	}

	full := c.metricName(name, kind)
	help := fmt.Sprintf("%s (%s)", name, kind)
	v := &vec{kind: kind, labels: labels}
	switch kind {
	case CounterType:
		v.counter = c.factory.NewCounterVec(prometheus.CounterOpts{Name: full, Help: help}, labels)
	case GaugeType:
		v.gauge = c.factory.NewGaugeVec(prometheus.GaugeOpts{Name: full, Help: help}, labels)
	case HistogramType:
		v.histogram = c.factory.NewHistogramVec(prometheus.HistogramOpts{Name: full, Help: help}, labels)
	case TimingType:
		v.histogram = c.factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    full,
			Help:    help,
			Buckets: timingBuckets,
		}, labels)
	}
	c.vecs[name] = v
	return v
}

// metricName maps "pipeline.state.changes" to "audiograph_pipeline_state_changes_total".
func (c *PrometheusCollector) metricName(name string, kind MetricType) string {
	base := c.namespace + "_" + sanitize(name)
	switch kind {
	case CounterType:
		if !strings.HasSuffix(base, "_total") {
			base += "_total"
		}
	case TimingType:
		if !strings.HasSuffix(base, "_seconds") {
			base += "_seconds"
		}
	}
	return base
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

func labelKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func equalKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type nop struct{}

func (nop) RecordCounter(string, int64, map[string]string)        {}
func (nop) RecordGauge(string, float64, map[string]string)        {}
func (nop) RecordHistogram(string, float64, map[string]string)    {}
func (nop) RecordTiming(string, time.Duration, map[string]string) {}

// Nop returns a collector that records nothing.
func Nop() MetricsCollector {
	return nop{}
}
