// Package trigger admits cron and webhook triggered runs only for workflows whose
// credentials are healthy.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flowbaker/flowguard/pkg/domain"
	"github.com/flowbaker/flowguard/pkg/trigger/cron"
	"github.com/flowbaker/flowguard/pkg/trigger/webhook"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// HealthGuard is satisfied by *oauth.Service.
type HealthGuard interface {
	IsWorkflowHealthy(ctx context.Context, workflowID string) bool
}

type cronTrigger struct {
	id         string
	workflowID string
	state      *cron.State

	// admitMu keeps two admissions from surfacing the same occurrence.
	admitMu sync.Mutex
}

type webhookTrigger struct {
	id         string
	workflowID string
	validator  *webhook.Validator
}

type Layer struct {
	guard      HealthGuard
	dispatcher domain.WorkflowDispatcher
	metrics    domain.MetricsSink
	clock      domain.Clock
	newRunID   func() string

	mu       sync.RWMutex
	crons    map[string]*cronTrigger
	webhooks map[string]*webhookTrigger
	runs     map[string]string // run id -> cron trigger id

	blockedMu sync.Mutex
	blocked   map[string]int
}

type Dependencies struct {
	HealthGuard    HealthGuard
	Dispatcher     domain.WorkflowDispatcher
	Metrics        domain.MetricsSink
	Clock          domain.Clock
	RunIDGenerator func() string
}

func NewLayer(deps Dependencies) (*Layer, error) {
	if deps.HealthGuard == nil {
		return nil, errors.New("health guard is required")
	}

	if deps.Dispatcher == nil {
		return nil, errors.New("workflow dispatcher is required")
	}

	metrics := deps.Metrics
	if metrics == nil {
		metrics = domain.NoOpMetricsSink{}
	}

	newRunID := deps.RunIDGenerator
	if newRunID == nil {
		newRunID = uuid.NewString
	}

	return &Layer{
		guard:      deps.HealthGuard,
		dispatcher: deps.Dispatcher,
		metrics:    metrics,
		clock:      deps.Clock,
		newRunID:   newRunID,
		crons:      make(map[string]*cronTrigger),
		webhooks:   make(map[string]*webhookTrigger),
		runs:       make(map[string]string),
		blocked:    make(map[string]int),
	}, nil
}

func (l *Layer) RegisterCron(triggerID string, workflowID string, config domain.CronTriggerConfig) (*cron.State, error) {
	if triggerID == "" || workflowID == "" {
		return nil, errors.New("trigger id and workflow id are required")
	}

	state, err := cron.NewState(config)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.isRegisteredLocked(triggerID) {
		return nil, fmt.Errorf("trigger %s is already registered", triggerID)
	}

	l.crons[triggerID] = &cronTrigger{id: triggerID, workflowID: workflowID, state: state}

	log.Info().
		Str("trigger_id", triggerID).
		Str("workflow_id", workflowID).
		Str("expression", state.Config().Expression).
		Str("timezone", state.Config().Timezone).
		Msg("Cron trigger registered")

	return state, nil
}

func (l *Layer) RegisterWebhook(triggerID string, workflowID string, config domain.WebhookTriggerConfig) (*webhook.Validator, error) {
	if triggerID == "" || workflowID == "" {
		return nil, errors.New("trigger id and workflow id are required")
	}

	validator, err := webhook.NewValidator(triggerID, config)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.isRegisteredLocked(triggerID) {
		return nil, fmt.Errorf("trigger %s is already registered", triggerID)
	}

	l.webhooks[triggerID] = &webhookTrigger{id: triggerID, workflowID: workflowID, validator: validator}

	log.Info().
		Str("trigger_id", triggerID).
		Str("workflow_id", workflowID).
		Strs("allowed_methods", validator.Config().AllowedMethods).
		Msg("Webhook trigger registered")

	return validator, nil
}

func (l *Layer) isRegisteredLocked(triggerID string) bool {
	_, isCron := l.crons[triggerID]
	_, isWebhook := l.webhooks[triggerID]

	return isCron || isWebhook
}

// AdmitCron dispatches the due occurrence of a cron trigger. An occurrence that is
// skipped because of an active run or unhealthy credentials is consumed.
func (l *Layer) AdmitCron(ctx context.Context, triggerID string, now time.Time) (domain.ExecuteWorkflowTask, error) {
	l.mu.RLock()
	trigger, ok := l.crons[triggerID]
	l.mu.RUnlock()

	if !ok {
		return domain.ExecuteWorkflowTask{}, fmt.Errorf("%w: %s", domain.ErrUnknownTrigger, triggerID)
	}

	trigger.admitMu.Lock()
	defer trigger.admitMu.Unlock()

	occurrence, ok := trigger.state.PeekDue(now)
	if !ok {
		return domain.ExecuteWorkflowTask{}, domain.ErrNotDue
	}

	if !trigger.state.CanDispatch() {
		trigger.state.ConsumeDue(now)

		log.Info().
			Str("trigger_id", triggerID).
			Str("workflow_id", trigger.workflowID).
			Time("occurrence", occurrence).
			Strs("active_runs", trigger.state.ActiveRuns()).
			Msg("Skipping cron occurrence while a previous run is active")

		return domain.ExecuteWorkflowTask{}, domain.ErrRunInProgress
	}

	if err := l.checkHealth(ctx, triggerID, trigger.workflowID); err != nil {
		trigger.state.ConsumeDue(now)
		return domain.ExecuteWorkflowTask{}, err
	}

	runID := l.newRunID()
	if !trigger.state.TryRegisterRun(runID) {
		trigger.state.ConsumeDue(now)
		return domain.ExecuteWorkflowTask{}, domain.ErrRunInProgress
	}

	trigger.state.ConsumeDue(now)

	scheduledAt := occurrence.UTC()
	task := domain.ExecuteWorkflowTask{
		RunID:       runID,
		WorkflowID:  trigger.workflowID,
		TriggerID:   triggerID,
		Source:      domain.TriggerSourceCron,
		ScheduledAt: &scheduledAt,
	}

	l.mu.Lock()
	l.runs[runID] = triggerID
	l.mu.Unlock()

	if err := l.dispatcher.EnqueueTask(ctx, task); err != nil {
		l.CompleteRun(runID)
		return domain.ExecuteWorkflowTask{}, fmt.Errorf("failed to enqueue cron run: %w", err)
	}

	log.Info().
		Str("trigger_id", triggerID).
		Str("workflow_id", trigger.workflowID).
		Str("run_id", runID).
		Time("occurrence", occurrence).
		Msg("Cron run dispatched")

	return task, nil
}

// AdmitWebhook validates the request and dispatches a run carrying its body.
func (l *Layer) AdmitWebhook(ctx context.Context, triggerID string, req domain.WebhookRequest) (domain.ExecuteWorkflowTask, error) {
	l.mu.RLock()
	trigger, ok := l.webhooks[triggerID]
	l.mu.RUnlock()

	if !ok {
		return domain.ExecuteWorkflowTask{}, fmt.Errorf("%w: %s", domain.ErrUnknownTrigger, triggerID)
	}

	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = l.clock.Now()
	}

	if err := trigger.validator.Validate(req); err != nil {
		log.Warn().
			Err(err).
			Str("trigger_id", triggerID).
			Str("source", req.SourceKey).
			Msg("Webhook request rejected")

		return domain.ExecuteWorkflowTask{}, err
	}

	if err := l.checkHealth(ctx, triggerID, trigger.workflowID); err != nil {
		return domain.ExecuteWorkflowTask{}, err
	}

	headers := make(map[string]string, len(req.Headers))
	for name := range req.Headers {
		headers[name] = req.Headers.Get(name)
	}

	receivedAt := req.ReceivedAt.UTC()
	task := domain.ExecuteWorkflowTask{
		RunID:       l.newRunID(),
		WorkflowID:  trigger.workflowID,
		TriggerID:   triggerID,
		Source:      domain.TriggerSourceWebhook,
		ScheduledAt: &receivedAt,
		Payload:     req.Body,
		Headers:     headers,
	}

	if err := l.dispatcher.EnqueueTask(ctx, task); err != nil {
		return domain.ExecuteWorkflowTask{}, fmt.Errorf("failed to enqueue webhook run: %w", err)
	}

	log.Info().
		Str("trigger_id", triggerID).
		Str("workflow_id", trigger.workflowID).
		Str("run_id", task.RunID).
		Msg("Webhook run dispatched")

	return task, nil
}

func (l *Layer) checkHealth(ctx context.Context, triggerID string, workflowID string) error {
	if l.guard.IsWorkflowHealthy(ctx, workflowID) {
		return nil
	}

	l.blockedMu.Lock()
	l.blocked[workflowID]++
	l.blockedMu.Unlock()

	l.metrics.Record(domain.MetricTriggerBlockedRuns, workflowID, 1)

	log.Warn().
		Str("trigger_id", triggerID).
		Str("workflow_id", workflowID).
		Msg("Trigger blocked by unhealthy credentials")

	return &domain.TriggerBlockedError{
		TriggerID:  triggerID,
		WorkflowID: workflowID,
		Reason:     "workflow credentials are unhealthy",
	}
}

// Tick evaluates every cron trigger once and returns the dispatched runs.
func (l *Layer) Tick(ctx context.Context, now time.Time) []domain.ExecuteWorkflowTask {
	var dispatched []domain.ExecuteWorkflowTask

	for _, triggerID := range l.CronTriggerIDs() {
		task, err := l.AdmitCron(ctx, triggerID, now)
		if err != nil {
			if !errors.Is(err, domain.ErrNotDue) && !errors.Is(err, domain.ErrRunInProgress) {
				log.Error().Err(err).Str("trigger_id", triggerID).Msg("Failed to admit cron run")
			}
			continue
		}

		dispatched = append(dispatched, task)
	}

	return dispatched
}

// CompleteRun releases the overlap guard held by a cron run.
func (l *Layer) CompleteRun(runID string) bool {
	l.mu.Lock()
	triggerID, ok := l.runs[runID]
	if ok {
		delete(l.runs, runID)
	}
	trigger := l.crons[triggerID]
	l.mu.Unlock()

	if !ok || trigger == nil {
		return false
	}

	return trigger.state.ReleaseRun(runID)
}

func (l *Layer) CronTriggerIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.crons))
	for id := range l.crons {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// WorkflowIDs lists every workflow with at least one registered trigger.
func (l *Layer) WorkflowIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, trigger := range l.crons {
		seen[trigger.workflowID] = struct{}{}
	}
	for _, trigger := range l.webhooks {
		seen[trigger.workflowID] = struct{}{}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

func (l *Layer) NextRun(triggerID string, now time.Time) (time.Time, bool) {
	l.mu.RLock()
	trigger, ok := l.crons[triggerID]
	l.mu.RUnlock()

	if !ok {
		return time.Time{}, false
	}

	return trigger.state.Next(now)
}

func (l *Layer) BlockedRuns(workflowID string) int {
	l.blockedMu.Lock()
	defer l.blockedMu.Unlock()

	return l.blocked[workflowID]
}

func (l *Layer) ResetBlockedRuns() {
	l.blockedMu.Lock()
	defer l.blockedMu.Unlock()

	l.blocked = make(map[string]int)
}

type TriggerSummary struct {
	TriggerID  string               `json:"trigger_id"`
	WorkflowID string               `json:"workflow_id"`
	Source     domain.TriggerSource `json:"source"`
	NextRunAt  *time.Time           `json:"next_run_at,omitempty"`
	ActiveRuns []string             `json:"active_runs,omitempty"`
}

// Triggers describes every registered trigger, sorted by id.
func (l *Layer) Triggers(now time.Time) []TriggerSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	summaries := make([]TriggerSummary, 0, len(l.crons)+len(l.webhooks))

	for _, trigger := range l.crons {
		summary := TriggerSummary{
			TriggerID:  trigger.id,
			WorkflowID: trigger.workflowID,
			Source:     domain.TriggerSourceCron,
			ActiveRuns: trigger.state.ActiveRuns(),
		}

		if next, ok := trigger.state.Next(now); ok {
			summary.NextRunAt = &next
		}

		summaries = append(summaries, summary)
	}

	for _, trigger := range l.webhooks {
		summaries = append(summaries, TriggerSummary{
			TriggerID:  trigger.id,
			WorkflowID: trigger.workflowID,
			Source:     domain.TriggerSourceWebhook,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].TriggerID < summaries[j].TriggerID
	})

	return summaries
}
