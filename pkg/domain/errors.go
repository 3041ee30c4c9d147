package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRecordNotFound        = errors.New("record not found")
	ErrMissingCredentialID   = errors.New("credential id cannot be empty")
	ErrInvalidScope          = errors.New("credential scope must be unrestricted or name at least one workflow")
	ErrNotDue                = errors.New("no cron occurrence is due")
	ErrRunInProgress         = errors.New("a previous run of this trigger is still active")
	ErrUnknownTrigger        = errors.New("unknown trigger")
	ErrProviderNotRegistered = errors.New("oauth provider not registered")
	ErrMissingOAuthTokens    = errors.New("credential has no oauth tokens")
)

type CredentialNotFoundError struct {
	CredentialID string
}

func (e *CredentialNotFoundError) Error() string {
	return fmt.Sprintf("credential %q not found", e.CredentialID)
}

// WorkflowScopeError is returned when a credential exists but is outside the caller's scope.
type WorkflowScopeError struct {
	CredentialID string
	WorkflowID   string
}

func (e *WorkflowScopeError) Error() string {
	if e.WorkflowID == "" {
		return fmt.Sprintf("credential %q is not accessible without a workflow scope", e.CredentialID)
	}

	return fmt.Sprintf("credential %q is not accessible from workflow %q", e.CredentialID, e.WorkflowID)
}

type RotationPolicyError struct {
	CredentialID string
	Reason       string
}

func (e *RotationPolicyError) Error() string {
	return fmt.Sprintf("rotation of credential %q rejected: %s", e.CredentialID, e.Reason)
}

type CredentialHealthError struct {
	WorkflowID string
	Failures   []CredentialHealthResult
}

func (e *CredentialHealthError) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for _, failure := range e.Failures {
		ids = append(ids, failure.CredentialID)
	}

	return fmt.Sprintf("workflow %q has unhealthy credentials: [%s]", e.WorkflowID, strings.Join(ids, ", "))
}

type GovernanceAlertNotFoundError struct {
	AlertID string
}

func (e *GovernanceAlertNotFoundError) Error() string {
	return fmt.Sprintf("governance alert %q not found", e.AlertID)
}

type CronValidationError struct {
	Expression string
	Timezone   string
	Err        error
}

func (e *CronValidationError) Error() string {
	return fmt.Sprintf("invalid cron trigger (expression %q, timezone %q): %v", e.Expression, e.Timezone, e.Err)
}

func (e *CronValidationError) Unwrap() error {
	return e.Err
}

type MethodNotAllowedError struct {
	Method  string
	Allowed []string
}

func (e *MethodNotAllowedError) Error() string {
	return fmt.Sprintf("method %s not allowed, expected one of [%s]", e.Method, strings.Join(e.Allowed, ", "))
}

type WebhookAuthenticationError struct {
	Reason string
}

func (e *WebhookAuthenticationError) Error() string {
	return "webhook authentication failed: " + e.Reason
}

type RateLimitExceededError struct {
	Key               string
	RequestsPerMinute int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit of %d requests per minute exceeded for %q", e.RequestsPerMinute, e.Key)
}

type CipherMismatchError struct {
	Expected string
	Actual   string
}

func (e *CipherMismatchError) Error() string {
	return fmt.Sprintf("cipher mismatch: envelope algorithm %q, cipher algorithm %q", e.Actual, e.Expected)
}

type CiphertextTooShortError struct {
	Length  int
	Minimum int
}

func (e *CiphertextTooShortError) Error() string {
	return fmt.Sprintf("ciphertext too short: %d bytes, need at least %d", e.Length, e.Minimum)
}

type TriggerBlockedError struct {
	TriggerID  string
	WorkflowID string
	Reason     string
}

func (e *TriggerBlockedError) Error() string {
	return fmt.Sprintf("trigger %q blocked for workflow %q: %s", e.TriggerID, e.WorkflowID, e.Reason)
}

// IsNotFound reports whether err is a missing credential or alert.
func IsNotFound(err error) bool {
	var credentialErr *CredentialNotFoundError
	var alertErr *GovernanceAlertNotFoundError

	return errors.As(err, &credentialErr) || errors.As(err, &alertErr) || errors.Is(err, ErrRecordNotFound)
}
