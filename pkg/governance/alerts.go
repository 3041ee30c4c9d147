package governance

import (
	"sort"
	"sync"

	"github.com/flowbaker/flowguard/pkg/domain"

	"github.com/rs/zerolog/log"
)

// AlertManager tracks derived alerts and their acknowledgments.
type AlertManager struct {
	mu     sync.Mutex
	alerts map[string]domain.GovernanceAlert
	clock  domain.Clock
}

func NewAlertManager(clock domain.Clock) *AlertManager {
	return &AlertManager{
		alerts: make(map[string]domain.GovernanceAlert),
		clock:  clock,
	}
}

// Sync replaces the tracked alerts of workflowID with a fresh evaluation. Alerts that
// are still present keep their acknowledgment unless their level changed.
func (m *AlertManager) Sync(workflowID string, alerts []domain.GovernanceAlert) []domain.GovernanceAlert {
	m.mu.Lock()
	defer m.mu.Unlock()

	fresh := make(map[string]struct{}, len(alerts))
	merged := make([]domain.GovernanceAlert, 0, len(alerts))

	for _, alert := range alerts {
		if existing, ok := m.alerts[alert.ID]; ok && existing.Level == alert.Level {
			alert.DetectedAt = existing.DetectedAt
			alert.AcknowledgedAt = existing.AcknowledgedAt
			alert.AcknowledgedBy = existing.AcknowledgedBy
		}

		m.alerts[alert.ID] = alert
		fresh[alert.ID] = struct{}{}
		merged = append(merged, alert)
	}

	for id, alert := range m.alerts {
		if alert.WorkflowID != workflowID {
			continue
		}

		if _, ok := fresh[id]; !ok {
			delete(m.alerts, id)
		}
	}

	return merged
}

// Acknowledge records actor against the alert. Acknowledging twice keeps the first record.
func (m *AlertManager) Acknowledge(alertID string, actor string) (domain.GovernanceAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[alertID]
	if !ok {
		return domain.GovernanceAlert{}, &domain.GovernanceAlertNotFoundError{AlertID: alertID}
	}

	if alert.IsAcknowledged() {
		return alert, nil
	}

	now := m.clock.Now().UTC()
	alert.AcknowledgedAt = &now
	alert.AcknowledgedBy = actor
	m.alerts[alertID] = alert

	log.Info().
		Str("alert_id", alertID).
		Str("credential_id", alert.CredentialID).
		Str("actor", actor).
		Msg("Governance alert acknowledged")

	return alert, nil
}

func (m *AlertManager) Get(alertID string) (domain.GovernanceAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[alertID]
	if !ok {
		return domain.GovernanceAlert{}, &domain.GovernanceAlertNotFoundError{AlertID: alertID}
	}

	return alert, nil
}

// Pending lists unacknowledged alerts of workflowID ordered by id.
func (m *AlertManager) Pending(workflowID string) []domain.GovernanceAlert {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := []domain.GovernanceAlert{}
	for _, alert := range m.alerts {
		if alert.WorkflowID == workflowID && !alert.IsAcknowledged() {
			pending = append(pending, alert)
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].ID < pending[j].ID
	})

	return pending
}

func (m *AlertManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.alerts = make(map[string]domain.GovernanceAlert)
}
