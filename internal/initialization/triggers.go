package initialization

import (
	"errors"
	"fmt"
	"os"

	"github.com/flowbaker/flowguard/pkg/domain"
	"github.com/flowbaker/flowguard/pkg/trigger"
	"github.com/flowbaker/flowguard/pkg/trigger/cron"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// TriggerDefinitions is the on-disk form of the triggers a flowguard instance admits.
type TriggerDefinitions struct {
	Cron     []CronTriggerDefinition    `yaml:"cron"`
	Webhooks []WebhookTriggerDefinition `yaml:"webhooks"`
}

// CronTriggerDefinition takes either an expression or a simple interval.
type CronTriggerDefinition struct {
	ID         string              `yaml:"id"`
	WorkflowID string              `yaml:"workflow_id"`
	Interval   *IntervalDefinition `yaml:"interval,omitempty"`

	domain.CronTriggerConfig `yaml:",inline"`
}

type IntervalDefinition struct {
	Every  string `yaml:"every"` // minute, hour or day
	Minute int    `yaml:"minute"`
	Hour   int    `yaml:"hour"`
	Day    int    `yaml:"day"`
}

type WebhookTriggerDefinition struct {
	ID         string `yaml:"id"`
	WorkflowID string `yaml:"workflow_id"`

	domain.WebhookTriggerConfig `yaml:",inline"`
}

func LoadTriggerDefinitions(path string) (TriggerDefinitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TriggerDefinitions{}, fmt.Errorf("failed to read trigger definitions: %w", err)
	}

	return ParseTriggerDefinitions(data)
}

func ParseTriggerDefinitions(data []byte) (TriggerDefinitions, error) {
	var definitions TriggerDefinitions

	if err := yaml.Unmarshal(data, &definitions); err != nil {
		return TriggerDefinitions{}, fmt.Errorf("failed to parse trigger definitions: %w", err)
	}

	for i := range definitions.Cron {
		definition := &definitions.Cron[i]

		if definition.Interval == nil {
			continue
		}

		if definition.Expression != "" {
			return TriggerDefinitions{}, fmt.Errorf("cron trigger %s: set either expression or interval, not both", definition.ID)
		}

		expression, err := cron.ExpressionFromInterval(definition.Interval.Every, definition.Interval.Minute, definition.Interval.Hour, definition.Interval.Day)
		if err != nil {
			return TriggerDefinitions{}, fmt.Errorf("cron trigger %s: %w", definition.ID, err)
		}

		definition.Expression = expression
	}

	return definitions, nil
}

// RegisterTriggers registers every definition and reports all failures together.
func RegisterTriggers(layer *trigger.Layer, definitions TriggerDefinitions) error {
	var errs []error

	for _, definition := range definitions.Cron {
		if _, err := layer.RegisterCron(definition.ID, definition.WorkflowID, definition.CronTriggerConfig); err != nil {
			errs = append(errs, fmt.Errorf("cron trigger %s: %w", definition.ID, err))
		}
	}

	for _, definition := range definitions.Webhooks {
		if _, err := layer.RegisterWebhook(definition.ID, definition.WorkflowID, definition.WebhookTriggerConfig); err != nil {
			errs = append(errs, fmt.Errorf("webhook trigger %s: %w", definition.ID, err))
		}
	}

	log.Debug().
		Int("cron_triggers", len(definitions.Cron)).
		Int("webhook_triggers", len(definitions.Webhooks)).
		Int("failures", len(errs)).
		Msg("Trigger definitions registered")

	return errors.Join(errs...)
}
