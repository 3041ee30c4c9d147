package domain

import (
	"context"
	"time"
)

type TriggerSource string

var (
	TriggerSourceCron    TriggerSource = "cron"
	TriggerSourceWebhook TriggerSource = "webhook"
)

// ExecuteWorkflowTask is handed to the graph engine once a trigger is admitted.
type ExecuteWorkflowTask struct {
	RunID       string            `json:"run_id"`
	WorkflowID  string            `json:"workflow_id"`
	TriggerID   string            `json:"trigger_id"`
	Source      TriggerSource     `json:"source"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	Payload     []byte            `json:"payload,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// WorkflowDispatcher hands admitted runs to the execution engine.
type WorkflowDispatcher interface {
	EnqueueTask(ctx context.Context, task ExecuteWorkflowTask) error
}

type WorkflowDispatcherFunc func(ctx context.Context, task ExecuteWorkflowTask) error

func (f WorkflowDispatcherFunc) EnqueueTask(ctx context.Context, task ExecuteWorkflowTask) error {
	return f(ctx, task)
}
