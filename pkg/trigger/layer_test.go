package trigger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowbaker/flowguard/pkg/domain"
	"github.com/flowbaker/flowguard/pkg/metrics"
	"github.com/flowbaker/flowguard/pkg/trigger/webhook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

type fakeGuard struct {
	mu        sync.Mutex
	unhealthy map[string]bool
	calls     int
}

func (g *fakeGuard) IsWorkflowHealthy(ctx context.Context, workflowID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls++
	return !g.unhealthy[workflowID]
}

func (g *fakeGuard) setHealthy(workflowID string, healthy bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.unhealthy[workflowID] = !healthy
}

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []domain.ExecuteWorkflowTask
	err   error
}

func (d *recordingDispatcher) EnqueueTask(ctx context.Context, task domain.ExecuteWorkflowTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return d.err
	}

	d.tasks = append(d.tasks, task)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.tasks)
}

type fixture struct {
	guard      *fakeGuard
	dispatcher *recordingDispatcher
	metrics    *metrics.InMemorySink
	layer      *Layer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	var counter atomic.Int32
	f := &fixture{
		guard:      &fakeGuard{unhealthy: map[string]bool{}},
		dispatcher: &recordingDispatcher{},
		metrics:    metrics.NewInMemorySink(),
	}

	layer, err := NewLayer(Dependencies{
		HealthGuard: f.guard,
		Dispatcher:  f.dispatcher,
		Metrics:     f.metrics,
		Clock:       func() time.Time { return testNow },
		RunIDGenerator: func() string {
			return fmt.Sprintf("run-%d", counter.Add(1))
		},
	})
	require.NoError(t, err)

	f.layer = layer
	return f
}

func TestNewLayer_RequiresCollaborators(t *testing.T) {
	_, err := NewLayer(Dependencies{Dispatcher: &recordingDispatcher{}})
	assert.Error(t, err)

	_, err = NewLayer(Dependencies{HealthGuard: &fakeGuard{}})
	assert.Error(t, err)
}

func TestLayer_RegisterRejectsDuplicatesAndInvalidConfig(t *testing.T) {
	f := newFixture(t)

	_, err := f.layer.RegisterCron("daily", "wf-1", domain.CronTriggerConfig{Expression: "0 9 * * *"})
	require.NoError(t, err)

	_, err = f.layer.RegisterCron("daily", "wf-1", domain.CronTriggerConfig{Expression: "0 9 * * *"})
	assert.Error(t, err)

	_, err = f.layer.RegisterWebhook("daily", "wf-1", domain.WebhookTriggerConfig{SharedSecret: "s"})
	assert.Error(t, err)

	_, err = f.layer.RegisterCron("bad", "wf-1", domain.CronTriggerConfig{Expression: "nope"})
	var validationErr *domain.CronValidationError
	assert.ErrorAs(t, err, &validationErr)

	_, err = f.layer.RegisterWebhook("hook", "", domain.WebhookTriggerConfig{SharedSecret: "s"})
	assert.Error(t, err)
}

func TestLayer_AdmitCron(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.layer.RegisterCron("daily", "wf-1", domain.CronTriggerConfig{Expression: "0 9 * * *"})
	require.NoError(t, err)

	task, err := f.layer.AdmitCron(ctx, "daily", testNow)
	require.NoError(t, err)

	assert.Equal(t, "run-1", task.RunID)
	assert.Equal(t, "wf-1", task.WorkflowID)
	assert.Equal(t, "daily", task.TriggerID)
	assert.Equal(t, domain.TriggerSourceCron, task.Source)
	require.NotNil(t, task.ScheduledAt)
	assert.True(t, testNow.Equal(*task.ScheduledAt))
	assert.Equal(t, 1, f.dispatcher.count())

	_, err = f.layer.AdmitCron(ctx, "daily", testNow.Add(5*time.Minute))
	assert.ErrorIs(t, err, domain.ErrNotDue)

	_, err = f.layer.AdmitCron(ctx, "unknown", testNow)
	assert.ErrorIs(t, err, domain.ErrUnknownTrigger)
}

func TestLayer_OverlapGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.layer.RegisterCron("minutely", "wf-1", domain.CronTriggerConfig{Expression: "* * * * *"})
	require.NoError(t, err)

	first, err := f.layer.AdmitCron(ctx, "minutely", testNow)
	require.NoError(t, err)

	_, err = f.layer.AdmitCron(ctx, "minutely", testNow.Add(time.Minute))
	assert.ErrorIs(t, err, domain.ErrRunInProgress)

	// the skipped occurrence is not replayed
	_, err = f.layer.AdmitCron(ctx, "minutely", testNow.Add(time.Minute))
	assert.ErrorIs(t, err, domain.ErrNotDue)

	assert.True(t, f.layer.CompleteRun(first.RunID))
	assert.False(t, f.layer.CompleteRun(first.RunID))

	_, err = f.layer.AdmitCron(ctx, "minutely", testNow.Add(2*time.Minute))
	assert.NoError(t, err)
	assert.Equal(t, 2, f.dispatcher.count())
}

func TestLayer_AllowOverlapping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.layer.RegisterCron("minutely", "wf-1", domain.CronTriggerConfig{Expression: "* * * * *", AllowOverlapping: true})
	require.NoError(t, err)

	_, err = f.layer.AdmitCron(ctx, "minutely", testNow)
	require.NoError(t, err)

	_, err = f.layer.AdmitCron(ctx, "minutely", testNow.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, 2, f.dispatcher.count())
}

func TestLayer_UnhealthyWorkflowBlocksCron(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.layer.RegisterCron("daily", "wf-1", domain.CronTriggerConfig{Expression: "0 9 * * *"})
	require.NoError(t, err)

	f.guard.setHealthy("wf-1", false)

	_, err = f.layer.AdmitCron(ctx, "daily", testNow)

	var blocked *domain.TriggerBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, "daily", blocked.TriggerID)
	assert.Equal(t, "wf-1", blocked.WorkflowID)

	assert.Equal(t, 1, f.layer.BlockedRuns("wf-1"))
	assert.Equal(t, 1.0, f.metrics.Sum(domain.MetricTriggerBlockedRuns, "wf-1"))
	assert.Zero(t, f.dispatcher.count())

	// the occurrence was consumed, so recovering health does not replay it
	f.guard.setHealthy("wf-1", true)
	_, err = f.layer.AdmitCron(ctx, "daily", testNow.Add(time.Minute))
	assert.ErrorIs(t, err, domain.ErrNotDue)

	// no run was registered for the blocked occurrence
	_, err = f.layer.AdmitCron(ctx, "daily", testNow.Add(24*time.Hour))
	assert.NoError(t, err)

	f.layer.ResetBlockedRuns()
	assert.Zero(t, f.layer.BlockedRuns("wf-1"))
}

func TestLayer_DispatchFailureReleasesRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.layer.RegisterCron("minutely", "wf-1", domain.CronTriggerConfig{Expression: "* * * * *"})
	require.NoError(t, err)

	f.dispatcher.err = errors.New("queue unavailable")
	_, err = f.layer.AdmitCron(ctx, "minutely", testNow)
	require.Error(t, err)

	f.dispatcher.err = nil
	_, err = f.layer.AdmitCron(ctx, "minutely", testNow.Add(time.Minute))
	assert.NoError(t, err)
}

func TestLayer_AdmitWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.layer.RegisterWebhook("hook", "wf-2", domain.WebhookTriggerConfig{SharedSecret: "s3cret"})
	require.NoError(t, err)

	body := []byte(`{"event":"created"}`)
	headers := http.Header{}
	for name, value := range webhook.SignedHeaders("s3cret", testNow, body) {
		headers.Set(name, value)
	}
	headers.Set("Content-Type", "application/json")

	task, err := f.layer.AdmitWebhook(ctx, "hook", domain.WebhookRequest{Method: http.MethodPost, Body: body, Headers: headers})
	require.NoError(t, err)

	assert.Equal(t, "wf-2", task.WorkflowID)
	assert.Equal(t, domain.TriggerSourceWebhook, task.Source)
	assert.Equal(t, body, task.Payload)
	assert.Equal(t, "application/json", task.Headers["Content-Type"])

	_, err = f.layer.AdmitWebhook(ctx, "hook", domain.WebhookRequest{Method: http.MethodPost, Body: []byte("tampered"), Headers: headers, ReceivedAt: testNow})
	var authErr *domain.WebhookAuthenticationError
	assert.ErrorAs(t, err, &authErr)

	_, err = f.layer.AdmitWebhook(ctx, "missing", domain.WebhookRequest{})
	assert.ErrorIs(t, err, domain.ErrUnknownTrigger)

	f.guard.setHealthy("wf-2", false)
	_, err = f.layer.AdmitWebhook(ctx, "hook", domain.WebhookRequest{Method: http.MethodPost, Body: body, Headers: headers, ReceivedAt: testNow})
	var blocked *domain.TriggerBlockedError
	assert.ErrorAs(t, err, &blocked)
	assert.Equal(t, 1, f.layer.BlockedRuns("wf-2"))

	assert.Equal(t, 1, f.dispatcher.count())
}

func TestLayer_WebhookRejectionSkipsHealthCheck(t *testing.T) {
	f := newFixture(t)

	_, err := f.layer.RegisterWebhook("hook", "wf-1", domain.WebhookTriggerConfig{SharedSecret: "s"})
	require.NoError(t, err)

	_, err = f.layer.AdmitWebhook(context.Background(), "hook", domain.WebhookRequest{Method: http.MethodGet})

	var methodErr *domain.MethodNotAllowedError
	require.ErrorAs(t, err, &methodErr)
	assert.Zero(t, f.guard.calls)
	assert.Zero(t, f.layer.BlockedRuns("wf-1"))
}

func TestLayer_Tick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.layer.RegisterCron("a-daily", "wf-1", domain.CronTriggerConfig{Expression: "0 9 * * *"})
	require.NoError(t, err)
	_, err = f.layer.RegisterCron("b-hourly", "wf-2", domain.CronTriggerConfig{Expression: "0 * * * *"})
	require.NoError(t, err)
	_, err = f.layer.RegisterCron("c-evening", "wf-3", domain.CronTriggerConfig{Expression: "0 18 * * *"})
	require.NoError(t, err)
	_, err = f.layer.RegisterWebhook("hook", "wf-4", domain.WebhookTriggerConfig{SharedSecret: "s"})
	require.NoError(t, err)

	f.guard.setHealthy("wf-2", false)

	dispatched := f.layer.Tick(ctx, testNow)
	require.Len(t, dispatched, 1)
	assert.Equal(t, "a-daily", dispatched[0].TriggerID)
	assert.Equal(t, 1, f.layer.BlockedRuns("wf-2"))

	assert.Empty(t, f.layer.Tick(ctx, testNow))

	assert.Equal(t, []string{"a-daily", "b-hourly", "c-evening"}, f.layer.CronTriggerIDs())
	assert.Equal(t, []string{"wf-1", "wf-2", "wf-3", "wf-4"}, f.layer.WorkflowIDs())

	next, ok := f.layer.NextRun("c-evening", testNow)
	require.True(t, ok)
	assert.True(t, next.Equal(time.Date(2025, 1, 1, 18, 0, 0, 0, time.UTC)))
}

func TestLayer_ConcurrentAdmissionsDispatchOccurrenceOnce(t *testing.T) {
	f := newFixture(t)

	_, err := f.layer.RegisterCron("daily", "wf-1", domain.CronTriggerConfig{Expression: "0 9 * * *", AllowOverlapping: true})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.layer.AdmitCron(context.Background(), "daily", testNow)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.dispatcher.count())
}

func TestLayer_Triggers(t *testing.T) {
	f := newFixture(t)

	_, err := f.layer.RegisterCron("b-daily", "wf-1", domain.CronTriggerConfig{Expression: "0 10 * * *"})
	require.NoError(t, err)
	_, err = f.layer.RegisterWebhook("a-hook", "wf-2", domain.WebhookTriggerConfig{SharedSecret: "s"})
	require.NoError(t, err)

	summaries := f.layer.Triggers(testNow)
	require.Len(t, summaries, 2)

	assert.Equal(t, "a-hook", summaries[0].TriggerID)
	assert.Equal(t, domain.TriggerSourceWebhook, summaries[0].Source)
	assert.Nil(t, summaries[0].NextRunAt)

	assert.Equal(t, "b-daily", summaries[1].TriggerID)
	assert.Equal(t, "wf-1", summaries[1].WorkflowID)
	require.NotNil(t, summaries[1].NextRunAt)
	assert.True(t, testNow.Add(time.Hour).Equal(*summaries[1].NextRunAt))
	assert.Empty(t, summaries[1].ActiveRuns)
}
