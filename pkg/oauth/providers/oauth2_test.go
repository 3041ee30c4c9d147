package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flowbaker/flowguard/pkg/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

func newTestProvider(t *testing.T, server *httptest.Server, userInfoPath string) *OAuth2Provider {
	t.Helper()

	config := OAuth2Config{
		ClientID:     "client",
		ClientSecret: "secret",
		TokenURL:     server.URL + "/token",
	}
	if userInfoPath != "" {
		config.UserInfoURL = server.URL + userInfoPath
	}

	provider, err := NewOAuth2Provider(OAuth2ProviderDependencies{
		Config:     config,
		HTTPClient: server.Client(),
		Clock:      func() time.Time { return testNow },
	})
	require.NoError(t, err)

	return provider
}

func TestOAuth2Provider_RefreshTokens(t *testing.T) {
	var form map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = map[string]string{
			"grant_type":    r.PostForm.Get("grant_type"),
			"refresh_token": r.PostForm.Get("refresh_token"),
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	provider := newTestProvider(t, server, "")

	tokens, err := provider.RefreshTokens(context.Background(), domain.CredentialMetadata{}, domain.OAuthTokenSecrets{
		AccessToken:  "old-access",
		RefreshToken: "refresh-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "refresh_token", form["grant_type"])
	assert.Equal(t, "refresh-1", form["refresh_token"])
	assert.Equal(t, "new-access", tokens.AccessToken)
	assert.Equal(t, "refresh-1", tokens.RefreshToken)
	require.NotNil(t, tokens.ExpiresAt)
	assert.True(t, tokens.ExpiresAt.After(time.Now()))
}

func TestOAuth2Provider_RefreshTokensFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer server.Close()

	provider := newTestProvider(t, server, "")

	_, err := provider.RefreshTokens(context.Background(), domain.CredentialMetadata{}, domain.OAuthTokenSecrets{AccessToken: "a"})
	assert.ErrorIs(t, err, ErrNoRefreshToken)

	_, err = provider.RefreshTokens(context.Background(), domain.CredentialMetadata{}, domain.OAuthTokenSecrets{AccessToken: "a", RefreshToken: "r"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_grant")
}

func TestOAuth2Provider_ValidateTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			w.WriteHeader(http.StatusOK)
		case "Bearer revoked":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	provider := newTestProvider(t, server, "/userinfo")
	expired := testNow.Add(-time.Minute)

	tests := []struct {
		name    string
		tokens  domain.OAuthTokenSecrets
		status  domain.HealthStatus
		reason  string
		wantErr bool
	}{
		{name: "accepted", tokens: domain.OAuthTokenSecrets{AccessToken: "good"}, status: domain.HealthStatusHealthy},
		{name: "rejected", tokens: domain.OAuthTokenSecrets{AccessToken: "revoked"}, status: domain.HealthStatusUnhealthy, reason: "provider rejected access token (status 401)"},
		{name: "server error", tokens: domain.OAuthTokenSecrets{AccessToken: "boom"}, wantErr: true},
		{name: "empty token", tokens: domain.OAuthTokenSecrets{}, status: domain.HealthStatusUnhealthy, reason: "access token is empty"},
		{name: "expired", tokens: domain.OAuthTokenSecrets{AccessToken: "good", ExpiresAt: &expired}, status: domain.HealthStatusUnhealthy, reason: "access token expired"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := provider.ValidateTokens(context.Background(), domain.CredentialMetadata{}, tt.tokens)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.status, result.Status)
			assert.Equal(t, tt.reason, result.FailureReason)
		})
	}
}

func TestOAuth2Provider_ValidateWithoutUserInfo(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	provider := newTestProvider(t, server, "")

	result, err := provider.ValidateTokens(context.Background(), domain.CredentialMetadata{}, domain.OAuthTokenSecrets{AccessToken: "anything"})
	require.NoError(t, err)
	assert.Equal(t, domain.HealthStatusHealthy, result.Status)
}

func TestNewOAuth2Provider_RequiresTokenURL(t *testing.T) {
	_, err := NewOAuth2Provider(OAuth2ProviderDependencies{})
	assert.Error(t, err)
}
