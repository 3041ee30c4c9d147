package domain

import (
	"context"
	"time"
)

type OAuthTokenSecrets struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	TokenType    string     `json:"token_type,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func (t OAuthTokenSecrets) HasRefreshToken() bool {
	return t.RefreshToken != ""
}

// ExpiresWithin reports whether the token lapses within d of now. A token with no
// expiry is treated as expiring.
func (t OAuthTokenSecrets) ExpiresWithin(now time.Time, d time.Duration) bool {
	if t.ExpiresAt == nil {
		return true
	}

	return !t.ExpiresAt.After(now.Add(d))
}

type ValidationResult struct {
	Status        HealthStatus `json:"status"`
	FailureReason string       `json:"failure_reason,omitempty"`
}

type OAuthProvider interface {
	RefreshTokens(ctx context.Context, metadata CredentialMetadata, tokens OAuthTokenSecrets) (OAuthTokenSecrets, error)
	ValidateTokens(ctx context.Context, metadata CredentialMetadata, tokens OAuthTokenSecrets) (ValidationResult, error)
}

type CredentialHealthResult struct {
	CredentialID  string       `json:"credential_id"`
	Provider      string       `json:"provider"`
	Status        HealthStatus `json:"status"`
	FailureReason string       `json:"failure_reason,omitempty"`
	Refreshed     bool         `json:"refreshed"`
}

type CredentialHealthReport struct {
	WorkflowID string                   `json:"workflow_id"`
	Results    []CredentialHealthResult `json:"results"`
	CheckedAt  time.Time                `json:"checked_at"`
	IsHealthy  bool                     `json:"is_healthy"`
	Failures   []CredentialHealthResult `json:"failures,omitempty"`
}

// NewCredentialHealthReport aggregates results. The report is healthy only when every
// result is HEALTHY.
func NewCredentialHealthReport(workflowID string, results []CredentialHealthResult, checkedAt time.Time) CredentialHealthReport {
	report := CredentialHealthReport{
		WorkflowID: workflowID,
		Results:    results,
		CheckedAt:  checkedAt,
		IsHealthy:  true,
	}

	for _, result := range results {
		if result.Status != HealthStatusHealthy {
			report.IsHealthy = false
			report.Failures = append(report.Failures, result)
		}
	}

	return report
}
