// Package metrics exposes Prometheus metrics for the governor.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all governor metrics.
type Registry struct {
	// Classifier metrics
	SamplesTotal      *prometheus.CounterVec // result: accrued, below_threshold, whitelisted, invalid
	UsageSecondsTotal *prometheus.CounterVec
	AppMatches        *prometheus.CounterVec

	// Enforcement metrics
	SegmentStatus       *prometheus.GaugeVec // 0=ok 1=pending 2=blacklisted
	Transitions         *prometheus.CounterVec
	EnforcementCommands *prometheus.CounterVec
	EvaluateDuration    prometheus.Histogram

	// Shaping metrics
	PolicyApplies   *prometheus.CounterVec
	PolicyRollbacks prometheus.Counter
	TCCommands      *prometheus.CounterVec
	ClassBytes      *prometheus.GaugeVec
	ClassDropped    *prometheus.GaugeVec

	// Feed metrics
	FeedLines  *prometheus.CounterVec
	FeedOffset prometheus.Gauge
}

// Get returns the global metrics registry, creating it on the default
// Prometheus registerer if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = NewRegistry(prometheus.DefaultRegisterer)
	})
	return registry
}

// NewRegistry builds a registry on an explicit registerer. Tests use
// prometheus.NewRegistry() to avoid duplicate-collector panics.
func NewRegistry(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	r := &Registry{}

	r.SamplesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "floe_flow_samples_total",
		Help: "Flow samples processed, by outcome",
	}, []string{"result"})

	r.UsageSecondsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "floe_usage_seconds_total",
		Help: "Accrued usage seconds per segment",
	}, []string{"segment"})

	r.AppMatches = f.NewCounterVec(prometheus.CounterOpts{
		Name: "floe_app_matches_total",
		Help: "Application signature matches",
	}, []string{"app"})

	r.SegmentStatus = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "floe_segment_status",
		Help: "Enforcement status per segment (0=ok, 1=pending, 2=blacklisted)",
	}, []string{"segment"})

	r.Transitions = f.NewCounterVec(prometheus.CounterOpts{
		Name: "floe_segment_transitions_total",
		Help: "Enforcement state transitions",
	}, []string{"segment", "to"})

	r.EnforcementCommands = f.NewCounterVec(prometheus.CounterOpts{
		Name: "floe_enforcement_commands_total",
		Help: "Block/unblock commands executed",
	}, []string{"action", "result"})

	r.EvaluateDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "floe_evaluate_duration_seconds",
		Help:    "Duration of one enforcement evaluation pass",
		Buckets: prometheus.DefBuckets,
	})

	r.PolicyApplies = f.NewCounterVec(prometheus.CounterOpts{
		Name: "floe_policy_applies_total",
		Help: "Shaping policy applies, by result",
	}, []string{"result"})

	r.PolicyRollbacks = f.NewCounter(prometheus.CounterOpts{
		Name: "floe_policy_rollbacks_total",
		Help: "Shaping policy rollbacks after a failed apply",
	})

	r.TCCommands = f.NewCounterVec(prometheus.CounterOpts{
		Name: "floe_tc_commands_total",
		Help: "Compiled tc commands executed, by result",
	}, []string{"result"})

	r.ClassBytes = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "floe_class_bytes",
		Help: "Bytes counted against a shaping class",
	}, []string{"interface", "classid"})

	r.ClassDropped = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "floe_class_dropped_packets",
		Help: "Packets dropped by a shaping class",
	}, []string{"interface", "classid"})

	r.FeedLines = f.NewCounterVec(prometheus.CounterOpts{
		Name: "floe_feed_lines_total",
		Help: "Flow feed lines read, by outcome",
	}, []string{"result"})

	r.FeedOffset = f.NewGauge(prometheus.GaugeOpts{
		Name: "floe_feed_offset_bytes",
		Help: "Current byte offset into the flow feed",
	})

	return r
}
