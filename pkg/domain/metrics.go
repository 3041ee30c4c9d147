package domain

const (
	MetricCredentialHealthLatency  = "credential.health_latency"
	MetricCredentialHealthFailures = "credential.health_failures"
	MetricTriggerBlockedRuns       = "trigger.blocked_runs"
)

// MetricsSink receives named numeric samples keyed by workflow id.
type MetricsSink interface {
	Record(name string, workflowID string, value float64)
}

type NoOpMetricsSink struct{}

func (NoOpMetricsSink) Record(name string, workflowID string, value float64) {}
