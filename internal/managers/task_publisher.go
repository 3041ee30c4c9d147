package managers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowbaker/flowguard/pkg/domain"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const TaskTypeExecuteWorkflow = "execute_workflow"

type logTaskPublisher struct{}

// NewLogTaskPublisher returns a dispatcher that only records admitted runs in the log.
// It is the default when no execution engine is attached.
func NewLogTaskPublisher() domain.WorkflowDispatcher {
	return logTaskPublisher{}
}

func (logTaskPublisher) EnqueueTask(ctx context.Context, task domain.ExecuteWorkflowTask) error {
	if err := validateTask(task); err != nil {
		return err
	}

	log.Info().
		Str("run_id", task.RunID).
		Str("workflow_id", task.WorkflowID).
		Str("trigger_id", task.TriggerID).
		Str("source", string(task.Source)).
		Int("payload_bytes", len(task.Payload)).
		Msg("Workflow run admitted")

	return nil
}

type redisTaskPublisher struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

type RedisTaskPublisherDependencies struct {
	Client redis.UniversalClient
	Stream string
	MaxLen int64
}

// NewRedisTaskPublisher appends admitted runs to a redis stream for the execution engine to consume.
func NewRedisTaskPublisher(deps RedisTaskPublisherDependencies) (domain.WorkflowDispatcher, error) {
	if deps.Client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}

	if deps.Stream == "" {
		return nil, fmt.Errorf("stream cannot be empty")
	}

	return &redisTaskPublisher{
		client: deps.Client,
		stream: deps.Stream,
		maxLen: deps.MaxLen,
	}, nil
}

func (p *redisTaskPublisher) EnqueueTask(ctx context.Context, task domain.ExecuteWorkflowTask) error {
	if err := validateTask(task); err != nil {
		return err
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"task_type":   TaskTypeExecuteWorkflow,
			"run_id":      task.RunID,
			"workflow_id": task.WorkflowID,
			"task_data":   string(data),
		},
	}

	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("task enqueue failed: %w", err)
	}

	log.Debug().
		Str("run_id", task.RunID).
		Str("workflow_id", task.WorkflowID).
		Str("stream_id", id).
		Msg("Workflow run enqueued")

	return nil
}

func validateTask(task domain.ExecuteWorkflowTask) error {
	if task.WorkflowID == "" {
		return fmt.Errorf("workflowID cannot be empty")
	}

	if task.RunID == "" {
		return fmt.Errorf("runID cannot be empty")
	}

	return nil
}
