package governance

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/flowbaker/flowguard/pkg/cipher"
	"github.com/flowbaker/flowguard/pkg/domain"
	"github.com/flowbaker/flowguard/pkg/store/inmemory"
	"github.com/flowbaker/flowguard/pkg/vault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

var testPolicy = domain.GovernancePolicy{
	WarningWindow:  72 * time.Hour,
	CriticalWindow: 24 * time.Hour,
}

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()

	c, err := cipher.NewAESGCM(bytes.Repeat([]byte{9}, cipher.KeySize), "test-key")
	require.NoError(t, err)

	v, err := vault.New(vault.Dependencies{
		Store:  inmemory.New(),
		Cipher: c,
		Clock:  func() time.Time { return testNow },
	})
	require.NoError(t, err)

	return v
}

func createOAuth(t *testing.T, v *vault.Vault, name string, scope domain.CredentialScope, tokens *domain.OAuthTokenSecrets) domain.CredentialMetadata {
	t.Helper()

	credential, err := v.CreateCredential(context.Background(), vault.CreateCredentialParams{
		Name:        name,
		Provider:    "github",
		Secret:      []byte("client-secret"),
		Actor:       "alice",
		Scope:       &scope,
		Kind:        domain.CredentialKindOAuth,
		OAuthTokens: tokens,
	})
	require.NoError(t, err)

	return credential
}

func expiringTokens(d time.Duration, refreshToken string) *domain.OAuthTokenSecrets {
	expiresAt := testNow.Add(d)
	return &domain.OAuthTokenSecrets{AccessToken: "access", RefreshToken: refreshToken, ExpiresAt: &expiresAt}
}

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()

	evaluator, err := NewEvaluator(testPolicy, func() time.Time { return testNow })
	require.NoError(t, err)

	return evaluator
}

func alertsByKind(alerts []domain.GovernanceAlert, credentialID string) map[domain.GovernanceAlertKind]domain.GovernanceAlert {
	byKind := map[domain.GovernanceAlertKind]domain.GovernanceAlert{}
	for _, alert := range alerts {
		if alert.CredentialID == credentialID {
			byKind[alert.Kind] = alert
		}
	}
	return byKind
}

func TestNewEvaluator_Validation(t *testing.T) {
	tests := []struct {
		name    string
		policy  domain.GovernancePolicy
		wantErr bool
	}{
		{name: "valid", policy: testPolicy},
		{name: "equal windows", policy: domain.GovernancePolicy{WarningWindow: time.Hour, CriticalWindow: time.Hour}},
		{name: "missing warning", policy: domain.GovernancePolicy{CriticalWindow: time.Hour}, wantErr: true},
		{name: "missing critical", policy: domain.GovernancePolicy{WarningWindow: time.Hour}, wantErr: true},
		{name: "critical wider than warning", policy: domain.GovernancePolicy{WarningWindow: time.Hour, CriticalWindow: 2 * time.Hour}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEvaluator(tt.policy, nil)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEvaluateWorkflowGovernance_Expiry(t *testing.T) {
	tests := []struct {
		name      string
		expiresIn time.Duration
		wantLevel domain.GovernanceAlertLevel
	}{
		{name: "far from expiry", expiresIn: 30 * 24 * time.Hour},
		{name: "inside warning window", expiresIn: 48 * time.Hour, wantLevel: domain.GovernanceAlertLevelWarning},
		{name: "warning window boundary", expiresIn: 72 * time.Hour, wantLevel: domain.GovernanceAlertLevelWarning},
		{name: "inside critical window", expiresIn: 2 * time.Hour, wantLevel: domain.GovernanceAlertLevelCritical},
		{name: "already expired", expiresIn: -time.Hour, wantLevel: domain.GovernanceAlertLevelCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestVault(t)
			credential := createOAuth(t, v, "github", domain.WorkflowScope("wf-1"), expiringTokens(tt.expiresIn, "refresh"))

			alerts, err := newTestEvaluator(t).EvaluateWorkflowGovernance(context.Background(), v, "wf-1", domain.WorkflowAccess("wf-1", "bob"))
			require.NoError(t, err)

			expiring, ok := alertsByKind(alerts, credential.ID)[domain.GovernanceAlertExpiring]
			if tt.wantLevel == "" {
				assert.False(t, ok)
				assert.Empty(t, alerts)
				return
			}

			require.True(t, ok)
			assert.Equal(t, tt.wantLevel, expiring.Level)
			assert.Equal(t, "wf-1:"+credential.ID+":EXPIRING", expiring.ID)
			assert.Equal(t, "wf-1", expiring.WorkflowID)
			assert.False(t, expiring.IsAcknowledged())
		})
	}
}

func TestEvaluateWorkflowGovernance_HealthAndRefreshToken(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	unhealthy := createOAuth(t, v, "unhealthy", domain.WorkflowScope("wf-1"), expiringTokens(30*24*time.Hour, "refresh"))
	_, err := v.MarkHealth(ctx, domain.AdminAccess("scheduler"), unhealthy.ID, domain.HealthStatusUnhealthy, "token revoked", "scheduler")
	require.NoError(t, err)

	noRefresh := createOAuth(t, v, "no-refresh", domain.UnrestrictedScope(), expiringTokens(30*24*time.Hour, ""))
	noTokens := createOAuth(t, v, "no-tokens", domain.WorkflowScope("wf-1"), nil)

	secretScope := domain.WorkflowScope("wf-1")
	secret, err := v.CreateCredential(ctx, vault.CreateCredentialParams{
		Name:     "api key",
		Provider: "stripe",
		Secret:   []byte("sk"),
		Actor:    "alice",
		Scope:    &secretScope,
	})
	require.NoError(t, err)

	alerts, err := newTestEvaluator(t).EvaluateWorkflowGovernance(ctx, v, "wf-1", domain.WorkflowAccess("wf-1", "bob"))
	require.NoError(t, err)
	assert.Len(t, alerts, 3)

	health, ok := alertsByKind(alerts, unhealthy.ID)[domain.GovernanceAlertHealthUnhealthy]
	require.True(t, ok)
	assert.Equal(t, domain.GovernanceAlertLevelCritical, health.Level)
	assert.Contains(t, health.Message, "token revoked")

	missing, ok := alertsByKind(alerts, noRefresh.ID)[domain.GovernanceAlertMissingRefreshToken]
	require.True(t, ok)
	assert.Equal(t, domain.GovernanceAlertLevelWarning, missing.Level)

	_, ok = alertsByKind(alerts, noTokens.ID)[domain.GovernanceAlertMissingRefreshToken]
	assert.True(t, ok)

	assert.Empty(t, alertsByKind(alerts, secret.ID))
}

func TestEvaluateWorkflowGovernance_RespectsScope(t *testing.T) {
	v := newTestVault(t)

	other := createOAuth(t, v, "other", domain.WorkflowScope("wf-2"), expiringTokens(time.Hour, ""))

	alerts, err := newTestEvaluator(t).EvaluateWorkflowGovernance(context.Background(), v, "wf-1", domain.WorkflowAccess("wf-1", "bob"))
	require.NoError(t, err)
	assert.Empty(t, alerts)

	alerts, err = newTestEvaluator(t).EvaluateWorkflowGovernance(context.Background(), v, "", domain.AdminAccess("admin"))
	require.NoError(t, err)
	assert.Len(t, alertsByKind(alerts, other.ID), 2)
}

func TestAlertManager_Acknowledge(t *testing.T) {
	v := newTestVault(t)
	credential := createOAuth(t, v, "github", domain.WorkflowScope("wf-1"), expiringTokens(2*time.Hour, "refresh"))

	evaluator := newTestEvaluator(t)
	clock := testNow
	manager := NewAlertManager(func() time.Time { return clock })

	alerts, err := evaluator.EvaluateWorkflowGovernance(context.Background(), v, "wf-1", domain.WorkflowAccess("wf-1", "bob"))
	require.NoError(t, err)
	manager.Sync("wf-1", alerts)

	require.Len(t, manager.Pending("wf-1"), 1)
	alertID := AlertID("wf-1", credential.ID, domain.GovernanceAlertExpiring)

	acknowledged, err := manager.Acknowledge(alertID, "carol")
	require.NoError(t, err)
	require.NotNil(t, acknowledged.AcknowledgedAt)
	assert.Equal(t, "carol", acknowledged.AcknowledgedBy)
	assert.True(t, testNow.Equal(*acknowledged.AcknowledgedAt))

	clock = testNow.Add(time.Hour)
	again, err := manager.Acknowledge(alertID, "dave")
	require.NoError(t, err)
	assert.Equal(t, "carol", again.AcknowledgedBy)
	assert.True(t, testNow.Equal(*again.AcknowledgedAt))

	assert.Empty(t, manager.Pending("wf-1"))

	// re-evaluation keeps the acknowledgment
	alerts, err = evaluator.EvaluateWorkflowGovernance(context.Background(), v, "wf-1", domain.WorkflowAccess("wf-1", "bob"))
	require.NoError(t, err)
	merged := manager.Sync("wf-1", alerts)
	require.Len(t, merged, 1)
	assert.True(t, merged[0].IsAcknowledged())
	assert.Empty(t, manager.Pending("wf-1"))

	_, err = manager.Acknowledge("missing", "carol")
	var notFound *domain.GovernanceAlertNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.AlertID)
	assert.True(t, domain.IsNotFound(err))
}

func TestAlertManager_SyncResolvesAndEscalates(t *testing.T) {
	manager := NewAlertManager(func() time.Time { return testNow })

	warning := domain.GovernanceAlert{ID: "wf-1:c1:EXPIRING", CredentialID: "c1", WorkflowID: "wf-1", Kind: domain.GovernanceAlertExpiring, Level: domain.GovernanceAlertLevelWarning}
	other := domain.GovernanceAlert{ID: "wf-2:c2:EXPIRING", CredentialID: "c2", WorkflowID: "wf-2", Kind: domain.GovernanceAlertExpiring, Level: domain.GovernanceAlertLevelWarning}

	manager.Sync("wf-1", []domain.GovernanceAlert{warning})
	manager.Sync("wf-2", []domain.GovernanceAlert{other})

	_, err := manager.Acknowledge(warning.ID, "carol")
	require.NoError(t, err)

	critical := warning
	critical.Level = domain.GovernanceAlertLevelCritical
	manager.Sync("wf-1", []domain.GovernanceAlert{critical})

	pending := manager.Pending("wf-1")
	require.Len(t, pending, 1)
	assert.Equal(t, domain.GovernanceAlertLevelCritical, pending[0].Level)

	manager.Sync("wf-1", nil)
	_, err = manager.Get(warning.ID)
	assert.True(t, domain.IsNotFound(err))

	_, err = manager.Get(other.ID)
	assert.NoError(t, err)

	manager.Reset()
	assert.Empty(t, manager.Pending("wf-2"))
}
