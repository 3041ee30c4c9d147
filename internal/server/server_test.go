package server

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flowbaker/flowguard/internal/config"
	"github.com/flowbaker/flowguard/internal/initialization"
	"github.com/flowbaker/flowguard/internal/middlewares"
	"github.com/flowbaker/flowguard/pkg/cipher"
	"github.com/flowbaker/flowguard/pkg/domain"
	"github.com/flowbaker/flowguard/pkg/trigger/webhook"
	"github.com/flowbaker/flowguard/pkg/vault"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

const (
	adminToken     = "admin-secret"
	adminJWTSecret = "admin-jwt-secret-0123456789abcdef"
	webhookSecret  = "hook-secret"
)

type stubProvider struct {
	status domain.HealthStatus
}

func (p *stubProvider) RefreshTokens(ctx context.Context, metadata domain.CredentialMetadata, tokens domain.OAuthTokenSecrets) (domain.OAuthTokenSecrets, error) {
	return tokens, nil
}

func (p *stubProvider) ValidateTokens(ctx context.Context, metadata domain.CredentialMetadata, tokens domain.OAuthTokenSecrets) (domain.ValidationResult, error) {
	if p.status != domain.HealthStatusHealthy {
		return domain.ValidationResult{Status: p.status, FailureReason: "revoked"}, nil
	}

	return domain.ValidationResult{Status: domain.HealthStatusHealthy}, nil
}

type testServer struct {
	app      *fiber.App
	deps     *initialization.Dependencies
	provider *stubProvider
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	key, err := cipher.GenerateKey()
	require.NoError(t, err)

	cfg := &config.Config{
		AdminToken:      adminToken,
		AdminJWTSecret:  adminJWTSecret,
		CipherAlgorithm: cipher.AlgorithmAESGCM,
		EncryptionKey:   key,
		KeyID:           "primary",
		Store:           config.StoreConfig{Backend: config.StoreBackendMemory},
		OAuth: config.OAuthConfig{
			TokenTTL:        5 * time.Minute,
			ProviderTimeout: time.Second,
			Concurrency:     2,
		},
		Governance: config.GovernanceConfig{WarningWindow: 72 * time.Hour, CriticalWindow: 24 * time.Hour},
		Metrics:    config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Dispatch:   config.DispatchConfig{Backend: config.DispatchBackendLog},
		Scheduler:  config.SchedulerConfig{TickInterval: time.Second},
	}

	container, err := initialization.NewContainer(cfg, initialization.ContainerOptions{
		Clock: func() time.Time { return testNow },
	})
	require.NoError(t, err)

	deps, err := container.BuildDependencies(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = deps.Close(context.Background()) })

	provider := &stubProvider{status: domain.HealthStatusHealthy}
	deps.OAuthService.RegisterProvider("acme", provider)

	_, err = deps.TriggerLayer.RegisterWebhook("hook", "wf-1", domain.WebhookTriggerConfig{
		SharedSecret: webhookSecret,
		RateLimit:    domain.RateLimitConfig{RequestsPerMinute: 2},
	})
	require.NoError(t, err)

	app := NewHTTPServer(HTTPServerDependencies{
		AdminAuth: middlewares.AdminAuthConfig{
			Token:  cfg.AdminToken,
			Issuer: deps.AdminTokens,
			Clock:  func() time.Time { return testNow },
		},
		MetricsPath:          cfg.Metrics.Path,
		Prometheus:           deps.Prometheus,
		WebhookController:    deps.WebhookController,
		WorkflowController:   deps.WorkflowController,
		TriggerController:    deps.TriggerController,
		GovernanceController: deps.GovernanceController,
	})

	return &testServer{app: app, deps: deps, provider: provider}
}

func (s *testServer) addOAuthCredential(t *testing.T, workflowID string, expiresAt time.Time) domain.CredentialMetadata {
	t.Helper()

	scope := domain.WorkflowScope(workflowID)
	credential, err := s.deps.Vault.CreateCredential(context.Background(), vault.CreateCredentialParams{
		Name:     "acme account",
		Provider: "acme",
		Secret:   []byte("client-secret"),
		Actor:    "test",
		Scope:    &scope,
		Kind:     domain.CredentialKindOAuth,
		OAuthTokens: &domain.OAuthTokenSecrets{
			AccessToken:  "access",
			RefreshToken: "refresh",
			ExpiresAt:    &expiresAt,
		},
	})
	require.NoError(t, err)

	return credential
}

func (s *testServer) do(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()

	resp, err := s.app.Test(req)
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	var decoded map[string]any
	if len(body) > 0 && strings.HasPrefix(resp.Header.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(body, &decoded))
	}

	return resp, decoded
}

func adminRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+adminToken)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	return req
}

func webhookRequest(method string, body []byte, secret string) *http.Request {
	req := httptest.NewRequest(method, "/webhooks/hook", bytes.NewReader(body))
	for key, value := range webhook.SignedHeaders(secret, testNow, body) {
		req.Header.Set(key, value)
	}
	return req
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "flowguard", body["service"])
}

func TestServer_WebhookAccepted(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, webhookRequest(http.MethodPost, []byte(`{"event":"push"}`), webhookSecret))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "wf-1", body["workflow_id"])
	assert.Equal(t, "hook", body["trigger_id"])
	assert.NotEmpty(t, body["run_id"])
}

func TestServer_WebhookCompressedBodyIsVerifiedAsSent(t *testing.T) {
	s := newTestServer(t)

	var compressed bytes.Buffer
	writer := gzip.NewWriter(&compressed)
	_, err := writer.Write([]byte(`{"event":"push"}`))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := webhookRequest(http.MethodPost, compressed.Bytes(), webhookSecret)
	req.Header.Set(fiber.HeaderContentEncoding, "gzip")

	resp, body := s.do(t, req)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "body: %v", body)
	assert.Equal(t, "wf-1", body["workflow_id"])
}

func TestServer_WebhookRejections(t *testing.T) {
	t.Run("bad signature", func(t *testing.T) {
		s := newTestServer(t)

		resp, body := s.do(t, webhookRequest(http.MethodPost, []byte(`{}`), "wrong-secret"))
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Contains(t, body["error"], "signature mismatch")
	})

	t.Run("method not allowed", func(t *testing.T) {
		s := newTestServer(t)

		resp, _ := s.do(t, webhookRequest(http.MethodPut, []byte(`{}`), webhookSecret))
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
		assert.Equal(t, http.MethodPost, resp.Header.Get(fiber.HeaderAllow))
	})

	t.Run("unknown trigger", func(t *testing.T) {
		s := newTestServer(t)

		req := httptest.NewRequest(http.MethodPost, "/webhooks/missing", strings.NewReader(`{}`))
		resp, _ := s.do(t, req)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("rate limited", func(t *testing.T) {
		s := newTestServer(t)

		for i := 0; i < 2; i++ {
			resp, _ := s.do(t, webhookRequest(http.MethodPost, []byte(`{}`), webhookSecret))
			require.Equal(t, http.StatusAccepted, resp.StatusCode)
		}

		resp, _ := s.do(t, webhookRequest(http.MethodPost, []byte(`{}`), webhookSecret))
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	})

	t.Run("unhealthy workflow", func(t *testing.T) {
		s := newTestServer(t)
		s.provider.status = domain.HealthStatusUnhealthy
		s.addOAuthCredential(t, "wf-1", testNow.Add(30*24*time.Hour))

		resp, body := s.do(t, webhookRequest(http.MethodPost, []byte(`{}`), webhookSecret))
		assert.Equal(t, http.StatusLocked, resp.StatusCode)
		assert.Contains(t, body["error"], "blocked")
		assert.Equal(t, 1, s.deps.TriggerLayer.BlockedRuns("wf-1"))
	})
}

func TestServer_AdminTokenRequired(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, httptest.NewRequest(http.MethodGet, "/api/triggers", nil))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := s.do(t, adminRequest(http.MethodGet, "/api/triggers", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	triggers, ok := body["triggers"].([]any)
	require.True(t, ok)
	require.Len(t, triggers, 1)
	assert.Equal(t, "hook", triggers[0].(map[string]any)["trigger_id"])
}

func TestServer_WorkflowHealth(t *testing.T) {
	s := newTestServer(t)
	s.addOAuthCredential(t, "wf-1", testNow.Add(30*24*time.Hour))

	resp, _ := s.do(t, adminRequest(http.MethodGet, "/api/workflows/wf-1/health", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := s.do(t, adminRequest(http.MethodPost, "/api/workflows/wf-1/health", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["is_healthy"])
	assert.Len(t, body["results"], 1)

	resp, body = s.do(t, adminRequest(http.MethodGet, "/api/workflows/wf-1/health", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "wf-1", body["workflow_id"])

	resp, body = s.do(t, adminRequest(http.MethodGet, "/api/workflows/wf-1/credentials", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	credentials := body["credentials"].([]any)
	require.Len(t, credentials, 1)
	credential := credentials[0].(map[string]any)
	assert.Equal(t, "acme", credential["provider"])
	assert.Equal(t, "HEALTHY", credential["health"].(map[string]any)["status"])
	assert.NotContains(t, credential, "envelope")
}

func TestServer_GovernanceAlerts(t *testing.T) {
	s := newTestServer(t)
	credential := s.addOAuthCredential(t, "wf-1", testNow.Add(time.Hour))

	resp, body := s.do(t, adminRequest(http.MethodGet, "/api/workflows/wf-1/alerts", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	alerts := body["alerts"].([]any)
	require.Len(t, alerts, 1)
	alert := alerts[0].(map[string]any)
	assert.Equal(t, "EXPIRING", alert["kind"])
	assert.Equal(t, "CRITICAL", alert["level"])
	assert.Equal(t, credential.ID, alert["credential_id"])

	alertID := alert["id"].(string)
	resp, body = s.do(t, adminRequest(http.MethodPost, "/api/alerts/"+alertID+"/acknowledge", strings.NewReader(`{"actor":"ops"}`)))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ops", body["acknowledged_by"])

	// acknowledging again without a content type keeps the first actor
	req := httptest.NewRequest(http.MethodPost, "/api/alerts/"+alertID+"/acknowledge", strings.NewReader(`{"actor":"other"}`))
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+adminToken)
	resp, body = s.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ops", body["acknowledged_by"])

	resp, body = s.do(t, adminRequest(http.MethodGet, "/api/workflows/wf-1/alerts?pending=true", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["alerts"])

	resp, _ = s.do(t, adminRequest(http.MethodPost, "/api/alerts/missing/acknowledge", strings.NewReader(`{"actor":"ops"}`)))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, adminRequest(http.MethodPost, "/api/alerts/"+alertID+"/acknowledge", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_SignedAdminToken(t *testing.T) {
	s := newTestServer(t)
	s.addOAuthCredential(t, "wf-1", testNow.Add(time.Hour))
	require.NotNil(t, s.deps.AdminTokens)

	signedRequest := func(method, target, token string, body io.Reader) *http.Request {
		req := httptest.NewRequest(method, target, body)
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return req
	}

	expired, err := s.deps.AdminTokens.Issue("alice", time.Minute, testNow.Add(-time.Hour))
	require.NoError(t, err)

	resp, _ := s.do(t, signedRequest(http.MethodGet, "/api/triggers", expired, nil))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := s.deps.AdminTokens.Issue("alice", time.Hour, testNow)
	require.NoError(t, err)

	resp, body := s.do(t, signedRequest(http.MethodGet, "/api/workflows/wf-1/alerts", token, nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	alertID := body["alerts"].([]any)[0].(map[string]any)["id"].(string)

	// the token subject is recorded even when the body names someone else
	resp, body = s.do(t, signedRequest(http.MethodPost, "/api/alerts/"+alertID+"/acknowledge", token, strings.NewReader(`{"actor":"mallory"}`)))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", body["acknowledged_by"])
}

func TestServer_CompleteUnknownRun(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, adminRequest(http.MethodPost, "/api/runs/run-unknown/complete", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer(t)

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}
