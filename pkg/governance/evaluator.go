package governance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flowbaker/flowguard/pkg/domain"
)

// CredentialReader is the part of the vault the evaluator reads.
type CredentialReader interface {
	ListCredentials(ctx context.Context, access domain.AccessContext) ([]domain.CredentialMetadata, error)
	RevealOAuthTokens(ctx context.Context, access domain.AccessContext, credentialID string) (domain.OAuthTokenSecrets, error)
}

// Evaluator derives alerts from vault state. It stores nothing.
type Evaluator struct {
	policy domain.GovernancePolicy
	clock  domain.Clock
}

func NewEvaluator(policy domain.GovernancePolicy, clock domain.Clock) (*Evaluator, error) {
	if policy.WarningWindow <= 0 || policy.CriticalWindow <= 0 {
		return nil, errors.New("governance warning and critical windows must be positive")
	}

	if policy.CriticalWindow > policy.WarningWindow {
		return nil, fmt.Errorf("critical window %s exceeds warning window %s", policy.CriticalWindow, policy.WarningWindow)
	}

	return &Evaluator{policy: policy, clock: clock}, nil
}

// EvaluateWorkflowGovernance returns the alerts for every credential visible to access,
// attributed to workflowID.
func (e *Evaluator) EvaluateWorkflowGovernance(ctx context.Context, vault CredentialReader, workflowID string, access domain.AccessContext) ([]domain.GovernanceAlert, error) {
	credentials, err := vault.ListCredentials(ctx, access)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	now := e.clock.Now().UTC()
	alerts := []domain.GovernanceAlert{}

	for _, credential := range credentials {
		if credential.Health.Status == domain.HealthStatusUnhealthy {
			message := fmt.Sprintf("credential %s is unhealthy", credential.Name)
			if credential.Health.Reason != "" {
				message += ": " + credential.Health.Reason
			}

			alerts = append(alerts, newAlert(workflowID, credential, domain.GovernanceAlertHealthUnhealthy, domain.GovernanceAlertLevelCritical, message, now))
		}

		if !credential.IsOAuth() {
			continue
		}

		tokens, err := vault.RevealOAuthTokens(ctx, access, credential.ID)
		if errors.Is(err, domain.ErrMissingOAuthTokens) {
			alerts = append(alerts, newAlert(workflowID, credential, domain.GovernanceAlertMissingRefreshToken, domain.GovernanceAlertLevelWarning,
				fmt.Sprintf("credential %s has no oauth tokens and cannot refresh", credential.Name), now))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tokens of credential %s: %w", credential.ID, err)
		}

		if level, ok := e.expiryLevel(tokens, now); ok {
			alerts = append(alerts, newAlert(workflowID, credential, domain.GovernanceAlertExpiring, level,
				expiryMessage(credential, *tokens.ExpiresAt, now), now))
		}

		if !tokens.HasRefreshToken() {
			alerts = append(alerts, newAlert(workflowID, credential, domain.GovernanceAlertMissingRefreshToken, domain.GovernanceAlertLevelWarning,
				fmt.Sprintf("credential %s has no refresh token and cannot self-heal", credential.Name), now))
		}
	}

	return alerts, nil
}

func (e *Evaluator) expiryLevel(tokens domain.OAuthTokenSecrets, now time.Time) (domain.GovernanceAlertLevel, bool) {
	if tokens.ExpiresAt == nil {
		return "", false
	}

	remaining := tokens.ExpiresAt.Sub(now)

	switch {
	case remaining <= e.policy.CriticalWindow:
		return domain.GovernanceAlertLevelCritical, true
	case remaining <= e.policy.WarningWindow:
		return domain.GovernanceAlertLevelWarning, true
	}

	return "", false
}

func expiryMessage(credential domain.CredentialMetadata, expiresAt time.Time, now time.Time) string {
	if !expiresAt.After(now) {
		return fmt.Sprintf("oauth token of credential %s expired at %s", credential.Name, expiresAt.UTC().Format(time.RFC3339))
	}

	return fmt.Sprintf("oauth token of credential %s expires in %s", credential.Name, expiresAt.Sub(now).Round(time.Minute))
}

func newAlert(workflowID string, credential domain.CredentialMetadata, kind domain.GovernanceAlertKind, level domain.GovernanceAlertLevel, message string, now time.Time) domain.GovernanceAlert {
	return domain.GovernanceAlert{
		ID:           AlertID(workflowID, credential.ID, kind),
		CredentialID: credential.ID,
		WorkflowID:   workflowID,
		Kind:         kind,
		Level:        level,
		Message:      message,
		DetectedAt:   now,
	}
}

// AlertID is stable across evaluations so acknowledgments survive re-evaluation.
func AlertID(workflowID string, credentialID string, kind domain.GovernanceAlertKind) string {
	parts := []string{credentialID, string(kind)}
	if workflowID != "" {
		parts = append([]string{workflowID}, parts...)
	}

	return strings.Join(parts, ":")
}
