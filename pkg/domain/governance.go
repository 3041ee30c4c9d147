package domain

import "time"

type GovernanceAlertKind string

const (
	GovernanceAlertExpiring            GovernanceAlertKind = "EXPIRING"
	GovernanceAlertHealthUnhealthy     GovernanceAlertKind = "HEALTH_UNHEALTHY"
	GovernanceAlertMissingRefreshToken GovernanceAlertKind = "MISSING_REFRESH_TOKEN"
)

type GovernanceAlertLevel string

const (
	GovernanceAlertLevelWarning  GovernanceAlertLevel = "WARNING"
	GovernanceAlertLevelCritical GovernanceAlertLevel = "CRITICAL"
)

type GovernanceAlert struct {
	ID             string               `json:"id"`
	CredentialID   string               `json:"credential_id"`
	WorkflowID     string               `json:"workflow_id,omitempty"`
	Kind           GovernanceAlertKind  `json:"kind"`
	Level          GovernanceAlertLevel `json:"level"`
	Message        string               `json:"message"`
	DetectedAt     time.Time            `json:"detected_at"`
	AcknowledgedAt *time.Time           `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string               `json:"acknowledged_by,omitempty"`
}

func (a GovernanceAlert) IsAcknowledged() bool {
	return a.AcknowledgedAt != nil
}

// GovernancePolicy holds the expiry windows. CriticalWindow must not exceed WarningWindow.
type GovernancePolicy struct {
	WarningWindow  time.Duration
	CriticalWindow time.Duration
}
