// Package metrics exposes ReplyPipe engine counters to Prometheus.
//
// A nil *Metrics is valid and records nothing, so components can run without
// a registry in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "replypipe"

// Metrics holds the engine's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	triggers          *prometheus.CounterVec
	replies           *prometheus.CounterVec
	outcomes          *prometheus.CounterVec
	dispatchFailures  *prometheus.CounterVec
	concurrencyRetry  prometheus.Counter
	timersRecovered   prometheus.Counter
	delaysArmed       prometheus.Counter
	armedDelays       prometheus.Gauge
	inboundDuplicates prometheus.Counter
}

// New creates a Metrics instance with Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Inbound messages that matched a flow.",
		}, []string{"flow"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Replies acknowledged by a dispatcher.",
		}, []string{"flow"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Scheduler transition outcomes by kind.",
		}, []string{"outcome"}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Dispatcher errors by channel.",
		}, []string{"channel"}),
		concurrencyRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "concurrency_retries_total",
			Help:      "Transitions retried after an optimistic concurrency conflict.",
		}),
		timersRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_recovered_total",
			Help:      "Delayed steps re-armed or fired during startup recovery.",
		}),
		delaysArmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delays_armed_total",
			Help:      "Delayed steps armed.",
		}),
		armedDelays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "armed_delays",
			Help:      "Delayed steps currently waiting to fire, as of the last sweep.",
		}),
		inboundDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_duplicates_total",
			Help:      "Inbound messages dropped as already processed.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.triggers, m.replies, m.outcomes, m.dispatchFailures,
		m.concurrencyRetry, m.timersRecovered, m.delaysArmed, m.armedDelays,
		m.inboundDuplicates,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveTrigger(flowID string) {
	if m != nil {
		m.triggers.WithLabelValues(flowID).Inc()
	}
}

func (m *Metrics) ObserveReply(flowID string) {
	if m != nil {
		m.replies.WithLabelValues(flowID).Inc()
	}
}

func (m *Metrics) ObserveOutcome(outcome string) {
	if m != nil {
		m.outcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveDispatchFailure(channel string) {
	if m != nil {
		m.dispatchFailures.WithLabelValues(channel).Inc()
	}
}

func (m *Metrics) ObserveConcurrencyRetry() {
	if m != nil {
		m.concurrencyRetry.Inc()
	}
}

func (m *Metrics) ObserveTimersRecovered(n int) {
	if m != nil && n > 0 {
		m.timersRecovered.Add(float64(n))
	}
}

func (m *Metrics) ObserveDelayArmed() {
	if m != nil {
		m.delaysArmed.Inc()
	}
}

func (m *Metrics) SetArmedDelays(n int) {
	if m != nil {
		m.armedDelays.Set(float64(n))
	}
}

func (m *Metrics) ObserveInboundDuplicate() {
	if m != nil {
		m.inboundDuplicates.Inc()
	}
}
