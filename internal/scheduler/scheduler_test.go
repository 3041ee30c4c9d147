package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowbaker/flowguard/pkg/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

type fakeTicker struct {
	ticks     atomic.Int32
	lastNow   atomic.Value
	workflows []string
}

func (f *fakeTicker) Tick(ctx context.Context, now time.Time) []domain.ExecuteWorkflowTask {
	f.ticks.Add(1)
	f.lastNow.Store(now)
	return []domain.ExecuteWorkflowTask{{RunID: "run-1", WorkflowID: "wf-1"}}
}

func (f *fakeTicker) WorkflowIDs() []string {
	return f.workflows
}

type fakeHealth struct {
	mu      sync.Mutex
	checked []string
	failFor string
}

func (f *fakeHealth) EnsureWorkflowHealth(ctx context.Context, workflowID string, actor string) (domain.CredentialHealthReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.checked = append(f.checked, workflowID+"/"+actor)
	if workflowID == f.failFor {
		return domain.CredentialHealthReport{}, errors.New("vault unavailable")
	}

	return domain.CredentialHealthReport{WorkflowID: workflowID, IsHealthy: true}, nil
}

func (f *fakeHealth) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.checked...)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Dependencies{TickInterval: time.Second})
	assert.Error(t, err)

	_, err = New(Dependencies{Triggers: &fakeTicker{}})
	assert.Error(t, err)

	_, err = New(Dependencies{Triggers: &fakeTicker{}, TickInterval: time.Second, HealthInterval: time.Minute})
	assert.Error(t, err)

	_, err = New(Dependencies{Triggers: &fakeTicker{}, TickInterval: time.Second})
	assert.NoError(t, err)
}

func TestScheduler_TickUsesClock(t *testing.T) {
	ticker := &fakeTicker{}
	s, err := New(Dependencies{
		Triggers:     ticker,
		Clock:        func() time.Time { return testNow },
		TickInterval: time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, s.Tick(context.Background()))
	assert.Equal(t, testNow, ticker.lastNow.Load())
}

func TestScheduler_RefreshHealthContinuesPastFailures(t *testing.T) {
	ticker := &fakeTicker{workflows: []string{"wf-1", "wf-2", "wf-3"}}
	health := &fakeHealth{failFor: "wf-2"}

	var evaluated []string
	s, err := New(Dependencies{
		Triggers: ticker,
		Health:   health,
		Governance: GovernanceFunc(func(ctx context.Context, workflowID string) ([]domain.GovernanceAlert, error) {
			evaluated = append(evaluated, workflowID)
			return nil, nil
		}),
		TickInterval:   time.Second,
		HealthInterval: time.Minute,
	})
	require.NoError(t, err)

	s.RefreshHealth(context.Background())

	assert.Equal(t, []string{"wf-1/system:scheduler", "wf-2/system:scheduler", "wf-3/system:scheduler"}, health.calls())
	assert.Equal(t, []string{"wf-1", "wf-3"}, evaluated)
}

func TestScheduler_RefreshHealthStopsOnCancel(t *testing.T) {
	health := &fakeHealth{}
	s, err := New(Dependencies{
		Triggers:       &fakeTicker{workflows: []string{"wf-1", "wf-2"}},
		Health:         health,
		TickInterval:   time.Second,
		HealthInterval: time.Minute,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s.RefreshHealth(ctx)
	assert.Empty(t, health.calls())
}

func TestScheduler_RunTicksUntilCancelled(t *testing.T) {
	ticker := &fakeTicker{}
	s, err := New(Dependencies{
		Triggers:     ticker,
		TickInterval: time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return ticker.ticks.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
