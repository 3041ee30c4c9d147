package metrics

import (
	"net/http"
	"strings"

	"github.com/flowbaker/flowguard/pkg/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "flowguard"

// PrometheusSink exports the core's samples on its own registry.
type PrometheusSink struct {
	registry *prometheus.Registry

	healthLatency  *prometheus.HistogramVec
	healthFailures *prometheus.CounterVec
	blockedRuns    *prometheus.CounterVec
	other          *prometheus.GaugeVec
}

func NewPrometheusSink() *PrometheusSink {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sink := &PrometheusSink{
		registry: registry,
		healthLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "credential_health_latency_seconds",
				Help:      "Duration of workflow credential health checks in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
			},
			[]string{"workflow_id"},
		),
		healthFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_health_failures_total",
				Help:      "Total number of credentials reported unhealthy by health checks",
			},
			[]string{"workflow_id"},
		),
		blockedRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trigger_blocked_runs_total",
				Help:      "Total number of trigger dispatches blocked by unhealthy credentials",
			},
			[]string{"workflow_id"},
		),
		other: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sample",
				Help:      "Last value of samples without a dedicated collector",
			},
			[]string{"name", "workflow_id"},
		),
	}

	registry.MustRegister(sink.healthLatency, sink.healthFailures, sink.blockedRuns, sink.other)

	return sink
}

func (s *PrometheusSink) Record(name string, workflowID string, value float64) {
	switch name {
	case domain.MetricCredentialHealthLatency:
		s.healthLatency.WithLabelValues(workflowID).Observe(value)
	case domain.MetricCredentialHealthFailures:
		if value < 0 {
			log.Warn().Str("metric", name).Float64("value", value).Msg("Ignoring negative counter sample")
			return
		}
		s.healthFailures.WithLabelValues(workflowID).Add(value)
	case domain.MetricTriggerBlockedRuns:
		if value < 0 {
			log.Warn().Str("metric", name).Float64("value", value).Msg("Ignoring negative counter sample")
			return
		}
		s.blockedRuns.WithLabelValues(workflowID).Add(value)
	default:
		s.other.WithLabelValues(strings.ReplaceAll(name, ".", "_"), workflowID).Set(value)
	}
}

func (s *PrometheusSink) Registry() *prometheus.Registry {
	return s.registry
}

func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
