// Package metrics exposes scheduler counters to Prometheus.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "postsched/pkg/logx"
)

const namespace = "postsched"

// Outcome labels for SchedulesResolved.
const (
	OutcomeScheduled   = "scheduled"
	OutcomeUnscheduled = "unscheduled"
)

type Metrics struct {
	reg *prometheus.Registry

	schedulesResolved  *prometheus.CounterVec
	postsQueued        *prometheus.CounterVec
	postsDispatched    *prometheus.CounterVec
	dispatchErrors     prometheus.Counter
	suggestionFallback prometheus.Counter
	configReloads      *prometheus.CounterVec
}

// New builds the collectors on a private registry, plus the Go runtime and
// process collectors.
func New(log logx.Logger) *Metrics {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Metrics{reg: prometheus.NewRegistry()}

	m.schedulesResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "schedules_resolved_total",
		Help:      "Platform send times computed, by platform and outcome.",
	}, []string{"platform", "outcome"})
	m.postsQueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "posts_queued_total",
		Help:      "Posts persisted to the queue, by platform.",
	}, []string{"platform"})
	m.postsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "posts_dispatched_total",
		Help:      "Posts handed off by the dispatcher, by platform.",
	}, []string{"platform"})
	m.dispatchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_errors_total",
		Help:      "Dispatcher sweeps that failed.",
	})
	m.suggestionFallback = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "suggestion_fallbacks_total",
		Help:      "Times the built-in windows replaced the suggestion service.",
	})
	m.configReloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "config_reloads_total",
		Help:      "Config reload attempts, by result.",
	}, []string{"result"})

	for name, c := range map[string]prometheus.Collector{
		"schedules_resolved_total":   m.schedulesResolved,
		"posts_queued_total":         m.postsQueued,
		"posts_dispatched_total":     m.postsDispatched,
		"dispatch_errors_total":      m.dispatchErrors,
		"suggestion_fallbacks_total": m.suggestionFallback,
		"config_reloads_total":       m.configReloads,
		"go":                         collectors.NewGoCollector(),
		"process":                    collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := m.reg.Register(c); err != nil {
			log.Warn("metrics: register failed", logx.String("collector", name), logx.Err(err))
		}
	}
	return m
}

// Registry is the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ScheduleResolved(platform string, scheduled bool) {
	if m == nil {
		return
	}
	outcome := OutcomeUnscheduled
	if scheduled {
		outcome = OutcomeScheduled
	}
	m.schedulesResolved.WithLabelValues(platform, outcome).Inc()
}

func (m *Metrics) PostQueued(platform string) {
	if m == nil {
		return
	}
	m.postsQueued.WithLabelValues(platform).Inc()
}

func (m *Metrics) PostDispatched(platform string) {
	if m == nil {
		return
	}
	m.postsDispatched.WithLabelValues(platform).Inc()
}

func (m *Metrics) DispatchFailed() {
	if m == nil {
		return
	}
	m.dispatchErrors.Inc()
}

func (m *Metrics) SuggestionFallback() {
	if m == nil {
		return
	}
	m.suggestionFallback.Inc()
}

func (m *Metrics) ConfigReload(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.configReloads.WithLabelValues(result).Inc()
}
