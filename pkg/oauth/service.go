package oauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flowbaker/flowguard/pkg/domain"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTokenTTL        = 5 * time.Minute
	DefaultProviderTimeout = 10 * time.Second
	DefaultConcurrency     = 4

	systemActor = "system:oauth"
)

// CredentialVault is the part of the vault the health checks read and write back to.
type CredentialVault interface {
	ListWorkflowCredentials(ctx context.Context, workflowID string, kind domain.CredentialKind) ([]domain.CredentialMetadata, error)
	RevealOAuthTokens(ctx context.Context, access domain.AccessContext, credentialID string) (domain.OAuthTokenSecrets, error)
	UpdateOAuthTokens(ctx context.Context, access domain.AccessContext, credentialID string, tokens domain.OAuthTokenSecrets, actor string) (domain.CredentialMetadata, error)
	MarkHealth(ctx context.Context, access domain.AccessContext, credentialID string, status domain.HealthStatus, reason string, actor string) (domain.CredentialMetadata, error)
}

// Service refreshes and validates the OAuth credentials of workflows and keeps the
// last health report of each workflow.
type Service struct {
	vault   CredentialVault
	metrics domain.MetricsSink
	clock   domain.Clock

	tokenTTL        time.Duration
	providerTimeout time.Duration
	concurrency     int
	reportMaxAge    time.Duration

	providersMu sync.RWMutex
	providers   map[string]domain.OAuthProvider

	reportsMu sync.RWMutex
	reports   map[string]domain.CredentialHealthReport
}

type Dependencies struct {
	Vault   CredentialVault
	Metrics domain.MetricsSink
	Clock   domain.Clock

	// TokenTTL is how close to expiry a token must be before it is refreshed.
	TokenTTL        time.Duration
	ProviderTimeout time.Duration
	Concurrency     int
	// ReportMaxAge makes health queries recompute reports older than this. Zero keeps
	// the last report until the next explicit check.
	ReportMaxAge time.Duration
}

func NewService(deps Dependencies) (*Service, error) {
	if deps.Vault == nil {
		return nil, errors.New("vault is required")
	}

	metrics := deps.Metrics
	if metrics == nil {
		metrics = domain.NoOpMetricsSink{}
	}

	tokenTTL := deps.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}

	providerTimeout := deps.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = DefaultProviderTimeout
	}

	concurrency := deps.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	return &Service{
		vault:           deps.Vault,
		metrics:         metrics,
		clock:           deps.Clock,
		tokenTTL:        tokenTTL,
		providerTimeout: providerTimeout,
		concurrency:     concurrency,
		reportMaxAge:    deps.ReportMaxAge,
		providers:       make(map[string]domain.OAuthProvider),
		reports:         make(map[string]domain.CredentialHealthReport),
	}, nil
}

func (s *Service) RegisterProvider(name string, provider domain.OAuthProvider) {
	s.providersMu.Lock()
	defer s.providersMu.Unlock()

	s.providers[name] = provider
}

func (s *Service) provider(name string) (domain.OAuthProvider, bool) {
	s.providersMu.RLock()
	defer s.providersMu.RUnlock()

	provider, ok := s.providers[name]
	return provider, ok
}

// EnsureWorkflowHealth refreshes tokens close to expiry, validates every OAuth
// credential scoped to the workflow and stores the resulting report. Provider
// failures become UNHEALTHY results; vault and cipher failures are returned.
func (s *Service) EnsureWorkflowHealth(ctx context.Context, workflowID string, actor string) (domain.CredentialHealthReport, error) {
	if actor == "" {
		actor = systemActor
	}

	startedAt := s.clock.Now()

	credentials, err := s.vault.ListWorkflowCredentials(ctx, workflowID, domain.CredentialKindOAuth)
	if err != nil {
		s.recordLatency(workflowID, startedAt)
		return domain.CredentialHealthReport{}, fmt.Errorf("failed to list oauth credentials: %w", err)
	}

	results := make([]domain.CredentialHealthResult, len(credentials))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for i, credential := range credentials {
		g.Go(func() error {
			result, err := s.checkCredential(gctx, workflowID, credential, actor)
			if err != nil {
				return err
			}

			results[i] = result
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.recordLatency(workflowID, startedAt)
		return domain.CredentialHealthReport{}, err
	}

	checkedAt := s.clock.Now().UTC()
	report := domain.NewCredentialHealthReport(workflowID, results, checkedAt)

	s.recordLatency(workflowID, startedAt)
	s.metrics.Record(domain.MetricCredentialHealthFailures, workflowID, float64(len(report.Failures)))

	s.reportsMu.Lock()
	s.reports[workflowID] = report
	s.reportsMu.Unlock()

	event := log.Info()
	if !report.IsHealthy {
		event = log.Warn()
	}
	event.
		Str("workflow_id", workflowID).
		Int("credentials", len(results)).
		Int("failures", len(report.Failures)).
		Bool("healthy", report.IsHealthy).
		Msg("Workflow credential health checked")

	return report, nil
}

// recordLatency is also called for aborted checks, which record no failure count.
func (s *Service) recordLatency(workflowID string, startedAt time.Time) {
	s.metrics.Record(domain.MetricCredentialHealthLatency, workflowID, s.clock.Now().Sub(startedAt).Seconds())
}

func (s *Service) checkCredential(ctx context.Context, workflowID string, credential domain.CredentialMetadata, actor string) (domain.CredentialHealthResult, error) {
	access := domain.WorkflowAccess(workflowID, actor)

	result, err := s.probe(ctx, access, credential, actor)
	if err != nil {
		return domain.CredentialHealthResult{}, err
	}

	if ctx.Err() != nil {
		return domain.CredentialHealthResult{}, ctx.Err()
	}

	if _, err := s.vault.MarkHealth(ctx, access, credential.ID, result.Status, result.FailureReason, actor); err != nil {
		return domain.CredentialHealthResult{}, fmt.Errorf("failed to record health of credential %s: %w", credential.ID, err)
	}

	return result, nil
}

// probe returns an error only for vault failures. Provider failures are reported
// through the result.
func (s *Service) probe(ctx context.Context, access domain.AccessContext, credential domain.CredentialMetadata, actor string) (domain.CredentialHealthResult, error) {
	result := domain.CredentialHealthResult{
		CredentialID: credential.ID,
		Provider:     credential.Provider,
		Status:       domain.HealthStatusUnhealthy,
	}

	provider, ok := s.provider(credential.Provider)
	if !ok {
		result.FailureReason = fmt.Sprintf("%s: %s", domain.ErrProviderNotRegistered, credential.Provider)
		return result, nil
	}

	tokens, err := s.vault.RevealOAuthTokens(ctx, access, credential.ID)
	if errors.Is(err, domain.ErrMissingOAuthTokens) {
		result.FailureReason = "no oauth tokens stored"
		return result, nil
	}
	if err != nil {
		return domain.CredentialHealthResult{}, fmt.Errorf("failed to reveal tokens of credential %s: %w", credential.ID, err)
	}

	if tokens.ExpiresWithin(s.clock.Now(), s.tokenTTL) {
		callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
		newTokens, err := provider.RefreshTokens(callCtx, credential, tokens)
		cancel()

		if err != nil {
			log.Warn().
				Err(err).
				Str("credential_id", credential.ID).
				Str("provider", credential.Provider).
				Msg("OAuth token refresh failed")

			result.FailureReason = "token refresh failed: " + err.Error()
			return result, nil
		}

		if _, err := s.vault.UpdateOAuthTokens(ctx, access, credential.ID, newTokens, actor); err != nil {
			return domain.CredentialHealthResult{}, fmt.Errorf("failed to store refreshed tokens of credential %s: %w", credential.ID, err)
		}

		tokens = newTokens
		result.Refreshed = true
	}

	callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	validation, err := provider.ValidateTokens(callCtx, credential, tokens)
	cancel()

	if err != nil {
		log.Warn().
			Err(err).
			Str("credential_id", credential.ID).
			Str("provider", credential.Provider).
			Msg("OAuth token validation failed")

		result.FailureReason = "token validation failed: " + err.Error()
		return result, nil
	}

	if !validation.Status.IsValid() {
		result.FailureReason = fmt.Sprintf("provider returned invalid status %q", validation.Status)
		return result, nil
	}

	result.Status = validation.Status
	result.FailureReason = validation.FailureReason

	return result, nil
}

// RequireHealthy returns a CredentialHealthError when the workflow's report is unhealthy.
func (s *Service) RequireHealthy(ctx context.Context, workflowID string) error {
	report, err := s.currentReport(ctx, workflowID)
	if err != nil {
		return err
	}

	if !report.IsHealthy {
		return &domain.CredentialHealthError{
			WorkflowID: workflowID,
			Failures:   report.Failures,
		}
	}

	return nil
}

// IsWorkflowHealthy never fails; a check that cannot complete counts as unhealthy.
func (s *Service) IsWorkflowHealthy(ctx context.Context, workflowID string) bool {
	report, err := s.currentReport(ctx, workflowID)
	if err != nil {
		log.Error().Err(err).Str("workflow_id", workflowID).Msg("Failed to compute workflow health")
		return false
	}

	return report.IsHealthy
}

func (s *Service) LastReport(workflowID string) (domain.CredentialHealthReport, bool) {
	s.reportsMu.RLock()
	defer s.reportsMu.RUnlock()

	report, ok := s.reports[workflowID]
	return report, ok
}

// Reset drops every stored report.
func (s *Service) Reset() {
	s.reportsMu.Lock()
	defer s.reportsMu.Unlock()

	s.reports = make(map[string]domain.CredentialHealthReport)
}

func (s *Service) currentReport(ctx context.Context, workflowID string) (domain.CredentialHealthReport, error) {
	report, ok := s.LastReport(workflowID)
	if ok && !s.isStale(report) {
		return report, nil
	}

	return s.EnsureWorkflowHealth(ctx, workflowID, systemActor)
}

func (s *Service) isStale(report domain.CredentialHealthReport) bool {
	if s.reportMaxAge <= 0 {
		return false
	}

	return s.clock.Now().Sub(report.CheckedAt) > s.reportMaxAge
}
