package domain

import (
	"slices"
	"time"
)

type CredentialKind string

const (
	CredentialKindSecret CredentialKind = "SECRET"
	CredentialKindOAuth  CredentialKind = "OAUTH"
)

type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
)

func (s HealthStatus) IsValid() bool {
	switch s {
	case HealthStatusUnknown, HealthStatusHealthy, HealthStatusUnhealthy:
		return true
	}

	return false
}

// CredentialScope is either unrestricted or limited to a set of workflow ids, never both.
type CredentialScope struct {
	Unrestricted bool     `json:"unrestricted" bson:"unrestricted"`
	WorkflowIDs  []string `json:"workflow_ids,omitempty" bson:"workflow_ids,omitempty"`
}

func UnrestrictedScope() CredentialScope {
	return CredentialScope{Unrestricted: true}
}

func WorkflowScope(workflowIDs ...string) CredentialScope {
	ids := slices.Clone(workflowIDs)
	slices.Sort(ids)

	return CredentialScope{WorkflowIDs: slices.Compact(ids)}
}

func (s CredentialScope) Validate() error {
	if s.Unrestricted && len(s.WorkflowIDs) > 0 {
		return ErrInvalidScope
	}

	if !s.Unrestricted && len(s.WorkflowIDs) == 0 {
		return ErrInvalidScope
	}

	if slices.Contains(s.WorkflowIDs, "") {
		return ErrInvalidScope
	}

	return nil
}

func (s CredentialScope) Includes(workflowID string) bool {
	if s.Unrestricted {
		return true
	}

	return workflowID != "" && slices.Contains(s.WorkflowIDs, workflowID)
}

// IncludesExplicitly reports whether the workflow is named in the scope. Unrestricted
// scopes name no workflow.
func (s CredentialScope) IncludesExplicitly(workflowID string) bool {
	return !s.Unrestricted && slices.Contains(s.WorkflowIDs, workflowID)
}

// AccessContext identifies who is asking the vault for a credential.
// An unrestricted context sees every credential.
type AccessContext struct {
	WorkflowID   string
	Unrestricted bool
	Actor        string
}

func WorkflowAccess(workflowID, actor string) AccessContext {
	return AccessContext{WorkflowID: workflowID, Actor: actor}
}

func AdminAccess(actor string) AccessContext {
	return AccessContext{Unrestricted: true, Actor: actor}
}

func (c AccessContext) CanAccess(scope CredentialScope) bool {
	if c.Unrestricted {
		return true
	}

	return scope.Includes(c.WorkflowID)
}

type HealthSnapshot struct {
	Status    HealthStatus `json:"status" bson:"status"`
	Reason    string       `json:"reason,omitempty" bson:"reason,omitempty"`
	CheckedAt *time.Time   `json:"checked_at,omitempty" bson:"checked_at,omitempty"`
	CheckedBy string       `json:"checked_by,omitempty" bson:"checked_by,omitempty"`
}

type CredentialMetadata struct {
	ID       string          `json:"id" bson:"id"`
	Name     string          `json:"name" bson:"name"`
	Provider string          `json:"provider" bson:"provider"`
	Scopes   []string        `json:"scopes,omitempty" bson:"scopes,omitempty"`
	Kind     CredentialKind  `json:"kind" bson:"kind"`
	Scope    CredentialScope `json:"scope" bson:"scope"`

	Envelope      EncryptionEnvelope  `json:"envelope" bson:"envelope"`
	OAuthEnvelope *EncryptionEnvelope `json:"oauth_envelope,omitempty" bson:"oauth_envelope,omitempty"`

	Health HealthSnapshot `json:"health" bson:"health"`

	CreatedBy     string    `json:"created_by" bson:"created_by"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
	LastRotatedAt time.Time `json:"last_rotated_at" bson:"last_rotated_at"`
	LastRotatedBy string    `json:"last_rotated_by,omitempty" bson:"last_rotated_by,omitempty"`
}

func (m CredentialMetadata) IsOAuth() bool {
	return m.Kind == CredentialKindOAuth
}

// Clone returns a copy that shares no slices or pointers with m.
func (m CredentialMetadata) Clone() CredentialMetadata {
	c := m
	c.Scopes = slices.Clone(m.Scopes)
	c.Scope.WorkflowIDs = slices.Clone(m.Scope.WorkflowIDs)

	if m.OAuthEnvelope != nil {
		envelope := *m.OAuthEnvelope
		c.OAuthEnvelope = &envelope
	}

	if m.Health.CheckedAt != nil {
		checkedAt := *m.Health.CheckedAt
		c.Health.CheckedAt = &checkedAt
	}

	return c
}

// CredentialDescription is the redacted view of a credential. It never carries
// plaintext or ciphertext.
type CredentialDescription struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Provider      string          `json:"provider"`
	Scopes        []string        `json:"scopes,omitempty"`
	Kind          CredentialKind  `json:"kind"`
	Scope         CredentialScope `json:"scope"`
	Algorithm     string          `json:"algorithm"`
	KeyID         string          `json:"key_id"`
	HasOAuthToken bool            `json:"has_oauth_tokens"`
	Health        HealthSnapshot  `json:"health"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
	LastRotatedAt time.Time       `json:"last_rotated_at"`
}

func DescribeCredential(m CredentialMetadata) CredentialDescription {
	c := m.Clone()

	return CredentialDescription{
		ID:            c.ID,
		Name:          c.Name,
		Provider:      c.Provider,
		Scopes:        c.Scopes,
		Kind:          c.Kind,
		Scope:         c.Scope,
		Algorithm:     c.Envelope.Algorithm,
		KeyID:         c.Envelope.KeyID,
		HasOAuthToken: c.OAuthEnvelope != nil,
		Health:        c.Health,
		CreatedBy:     c.CreatedBy,
		CreatedAt:     c.CreatedAt,
		LastRotatedAt: c.LastRotatedAt,
	}
}
