// Package webhook authenticates and admits webhook trigger requests.
package webhook

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/flowbaker/flowguard/pkg/domain"
)

// Validator holds the configuration of one webhook trigger. Only the rate limit
// counters change after construction.
type Validator struct {
	triggerID string
	config    domain.WebhookTriggerConfig
	limiter   *rateLimiter
}

func NewValidator(triggerID string, config domain.WebhookTriggerConfig) (*Validator, error) {
	if triggerID == "" {
		return nil, errors.New("trigger id is required")
	}

	if config.SharedSecret == "" {
		return nil, errors.New("webhook shared secret is required")
	}

	if config.RateLimit.RequestsPerMinute < 0 {
		return nil, errors.New("requests per minute cannot be negative")
	}

	if config.SignatureHeader == "" {
		config.SignatureHeader = DefaultSignatureHeader
	}

	if config.TimestampHeader == "" {
		config.TimestampHeader = DefaultTimestampHeader
	}

	if config.TimestampTolerance <= 0 {
		config.TimestampTolerance = DefaultTimestampTolerance
	}

	methods := make([]string, 0, len(config.AllowedMethods))
	for _, method := range config.AllowedMethods {
		methods = append(methods, strings.ToUpper(strings.TrimSpace(method)))
	}
	if len(methods) == 0 {
		methods = []string{http.MethodPost}
	}
	config.AllowedMethods = methods

	validator := &Validator{
		triggerID: triggerID,
		config:    config,
	}

	if config.RateLimit.RequestsPerMinute > 0 {
		validator.limiter = newRateLimiter(config.RateLimit.RequestsPerMinute)
	}

	return validator, nil
}

func (v *Validator) TriggerID() string {
	return v.triggerID
}

func (v *Validator) Config() domain.WebhookTriggerConfig {
	return v.config
}

// Validate checks method, signature, replay window and rate limit in that order.
// Only authenticated requests count against the rate limit.
func (v *Validator) Validate(req domain.WebhookRequest) error {
	method := strings.ToUpper(req.Method)
	if !slices.Contains(v.config.AllowedMethods, method) {
		return &domain.MethodNotAllowedError{Method: req.Method, Allowed: slices.Clone(v.config.AllowedMethods)}
	}

	err := Verify(v.config, req.Body, req.Headers.Get(v.config.SignatureHeader), req.Headers.Get(v.config.TimestampHeader), req.ReceivedAt)
	if err != nil {
		return err
	}

	if v.limiter == nil {
		return nil
	}

	key := v.rateLimitKey(req)
	if !v.limiter.allow(key, req.ReceivedAt) {
		return &domain.RateLimitExceededError{Key: key, RequestsPerMinute: v.config.RateLimit.RequestsPerMinute}
	}

	return nil
}

func (v *Validator) rateLimitKey(req domain.WebhookRequest) string {
	if v.config.RateLimit.PerSource && req.SourceKey != "" {
		return v.triggerID + ":" + req.SourceKey
	}

	return v.triggerID
}
