// Package providers holds OAuthProvider implementations backed by standard OAuth2 endpoints.
package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flowbaker/flowguard/pkg/domain"

	"golang.org/x/oauth2"
)

var ErrNoRefreshToken = errors.New("credential has no refresh token")

type OAuth2Config struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	TokenURL     string   `mapstructure:"token_url"`
	UserInfoURL  string   `mapstructure:"userinfo_url"`
	Scopes       []string `mapstructure:"scopes"`
}

// OAuth2Provider refreshes through the token endpoint with the refresh_token grant and
// validates by calling the userinfo endpoint with the access token.
type OAuth2Provider struct {
	config      oauth2.Config
	userInfoURL string
	httpClient  *http.Client
	clock       domain.Clock
}

type OAuth2ProviderDependencies struct {
	Config     OAuth2Config
	HTTPClient *http.Client
	Clock      domain.Clock
}

func NewOAuth2Provider(deps OAuth2ProviderDependencies) (*OAuth2Provider, error) {
	if deps.Config.TokenURL == "" {
		return nil, errors.New("token url is required")
	}

	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &OAuth2Provider{
		config: oauth2.Config{
			ClientID:     deps.Config.ClientID,
			ClientSecret: deps.Config.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL: deps.Config.TokenURL,
			},
			Scopes: deps.Config.Scopes,
		},
		userInfoURL: deps.Config.UserInfoURL,
		httpClient:  httpClient,
		clock:       deps.Clock,
	}, nil
}

func (p *OAuth2Provider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func (p *OAuth2Provider) RefreshTokens(ctx context.Context, metadata domain.CredentialMetadata, tokens domain.OAuthTokenSecrets) (domain.OAuthTokenSecrets, error) {
	if !tokens.HasRefreshToken() {
		return domain.OAuthTokenSecrets{}, ErrNoRefreshToken
	}

	// An expiry in the past makes the token source go to the token endpoint.
	stale := &oauth2.Token{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenType:    tokens.TokenType,
		Expiry:       time.Unix(1, 0),
	}

	token, err := p.config.TokenSource(p.clientContext(ctx), stale).Token()
	if err != nil {
		return domain.OAuthTokenSecrets{}, fmt.Errorf("failed to refresh token: %w", err)
	}

	refreshed := domain.OAuthTokenSecrets{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
	}

	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = tokens.RefreshToken
	}

	if !token.Expiry.IsZero() {
		expiry := token.Expiry.UTC()
		refreshed.ExpiresAt = &expiry
	}

	return refreshed, nil
}

func (p *OAuth2Provider) ValidateTokens(ctx context.Context, metadata domain.CredentialMetadata, tokens domain.OAuthTokenSecrets) (domain.ValidationResult, error) {
	if tokens.AccessToken == "" {
		return domain.ValidationResult{Status: domain.HealthStatusUnhealthy, FailureReason: "access token is empty"}, nil
	}

	if tokens.ExpiresAt != nil && !tokens.ExpiresAt.After(p.clock.Now()) {
		return domain.ValidationResult{Status: domain.HealthStatusUnhealthy, FailureReason: "access token expired"}, nil
	}

	if p.userInfoURL == "" {
		return domain.ValidationResult{Status: domain.HealthStatusHealthy}, nil
	}

	tokenType := tokens.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tokens.AccessToken, TokenType: tokenType})
	client := oauth2.NewClient(p.clientContext(ctx), ts)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return domain.ValidationResult{}, fmt.Errorf("failed to create userinfo request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return domain.ValidationResult{}, fmt.Errorf("failed to call userinfo endpoint: %w", err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return domain.ValidationResult{Status: domain.HealthStatusHealthy}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.ValidationResult{
			Status:        domain.HealthStatusUnhealthy,
			FailureReason: fmt.Sprintf("provider rejected access token (status %d)", resp.StatusCode),
		}, nil
	default:
		return domain.ValidationResult{}, fmt.Errorf("unexpected userinfo status %d", resp.StatusCode)
	}
}
