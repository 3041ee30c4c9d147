// Package scheduler drives the trigger layer's cron evaluation and the background
// credential health refresh.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowbaker/flowguard/pkg/domain"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const actor = "system:scheduler"

type TriggerTicker interface {
	Tick(ctx context.Context, now time.Time) []domain.ExecuteWorkflowTask
	WorkflowIDs() []string
}

type HealthRefresher interface {
	EnsureWorkflowHealth(ctx context.Context, workflowID string, actor string) (domain.CredentialHealthReport, error)
}

type GovernanceEvaluator interface {
	EvaluateWorkflowGovernance(ctx context.Context, workflowID string) ([]domain.GovernanceAlert, error)
}

// GovernanceFunc adapts a function to GovernanceEvaluator.
type GovernanceFunc func(ctx context.Context, workflowID string) ([]domain.GovernanceAlert, error)

func (f GovernanceFunc) EvaluateWorkflowGovernance(ctx context.Context, workflowID string) ([]domain.GovernanceAlert, error) {
	return f(ctx, workflowID)
}

type Scheduler struct {
	triggers   TriggerTicker
	health     HealthRefresher
	governance GovernanceEvaluator
	clock      domain.Clock

	tickInterval   time.Duration
	healthInterval time.Duration
}

type Dependencies struct {
	Triggers   TriggerTicker
	Health     HealthRefresher
	Governance GovernanceEvaluator // optional
	Clock      domain.Clock

	TickInterval   time.Duration
	HealthInterval time.Duration // zero disables the background refresh
}

func New(deps Dependencies) (*Scheduler, error) {
	if deps.Triggers == nil {
		return nil, errors.New("trigger ticker is required")
	}

	if deps.HealthInterval > 0 && deps.Health == nil {
		return nil, errors.New("health refresher is required when health interval is set")
	}

	if deps.TickInterval <= 0 {
		return nil, fmt.Errorf("tick interval must be positive, got %s", deps.TickInterval)
	}

	return &Scheduler{
		triggers:       deps.Triggers,
		health:         deps.Health,
		governance:     deps.Governance,
		clock:          deps.Clock,
		tickInterval:   deps.TickInterval,
		healthInterval: deps.HealthInterval,
	}, nil
}

// Run blocks until ctx is cancelled, then waits for running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if _, err := c.AddFunc(every(s.tickInterval), func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule trigger tick: %w", err)
	}

	if s.healthInterval > 0 {
		if _, err := c.AddFunc(every(s.healthInterval), func() { s.RefreshHealth(ctx) }); err != nil {
			return fmt.Errorf("failed to schedule health refresh: %w", err)
		}
	}

	log.Info().
		Dur("tick_interval", s.tickInterval).
		Dur("health_interval", s.healthInterval).
		Msg("Scheduler started")

	c.Start()

	<-ctx.Done()

	<-c.Stop().Done()

	log.Info().Msg("Scheduler stopped")

	return nil
}

// Tick evaluates every cron trigger once.
func (s *Scheduler) Tick(ctx context.Context) int {
	tasks := s.triggers.Tick(ctx, s.clock.Now())

	if len(tasks) > 0 {
		log.Debug().Int("dispatched", len(tasks)).Msg("Cron tick dispatched runs")
	}

	return len(tasks)
}

// RefreshHealth re-checks every workflow with a registered trigger. Failures are logged
// and do not stop the remaining workflows.
func (s *Scheduler) RefreshHealth(ctx context.Context) {
	for _, workflowID := range s.triggers.WorkflowIDs() {
		if ctx.Err() != nil {
			return
		}

		if _, err := s.health.EnsureWorkflowHealth(ctx, workflowID, actor); err != nil {
			log.Error().Err(err).Str("workflow_id", workflowID).Msg("Background health check failed")
			continue
		}

		if s.governance == nil {
			continue
		}

		alerts, err := s.governance.EvaluateWorkflowGovernance(ctx, workflowID)
		if err != nil {
			log.Error().Err(err).Str("workflow_id", workflowID).Msg("Governance evaluation failed")
			continue
		}

		if len(alerts) > 0 {
			log.Warn().Str("workflow_id", workflowID).Int("alerts", len(alerts)).Msg("Workflow has governance alerts")
		}
	}
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
