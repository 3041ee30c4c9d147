package domain

import (
	"net/http"
	"time"
)

type CronTriggerConfig struct {
	Expression       string     `json:"expression" yaml:"expression"`
	Timezone         string     `json:"timezone" yaml:"timezone"`
	AllowOverlapping bool       `json:"allow_overlapping" yaml:"allow_overlapping"`
	StartAt          *time.Time `json:"start_at,omitempty" yaml:"start_at,omitempty"`
	EndAt            *time.Time `json:"end_at,omitempty" yaml:"end_at,omitempty"`
}

type RateLimitConfig struct {
	RequestsPerMinute int  `json:"requests_per_minute" yaml:"requests_per_minute"`
	PerSource         bool `json:"per_source" yaml:"per_source"`
}

type WebhookTriggerConfig struct {
	SharedSecret       string          `json:"-" yaml:"shared_secret"`
	SignatureHeader    string          `json:"signature_header" yaml:"signature_header"`
	TimestampHeader    string          `json:"timestamp_header" yaml:"timestamp_header"`
	AllowedMethods     []string        `json:"allowed_methods" yaml:"allowed_methods"`
	RateLimit          RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	TimestampTolerance time.Duration   `json:"timestamp_tolerance" yaml:"timestamp_tolerance"`
}

// WebhookRequest is what the transport hands to the validator.
type WebhookRequest struct {
	Method     string
	Body       []byte
	Headers    http.Header
	ReceivedAt time.Time
	SourceKey  string
}
