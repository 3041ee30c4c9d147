package vault

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/flowbaker/flowguard/pkg/domain"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
)

// Vault stores credentials encrypted and enforces workflow scoping on every read and write.
type Vault struct {
	store  domain.CredentialStore
	cipher domain.Cipher
	locks  *keyedMutex
	clock  domain.Clock
	newID  func() string
}

type Dependencies struct {
	Store       domain.CredentialStore
	Cipher      domain.Cipher
	Clock       domain.Clock
	IDGenerator func() string
}

func New(deps Dependencies) (*Vault, error) {
	if deps.Store == nil {
		return nil, errors.New("credential store is required")
	}

	if deps.Cipher == nil {
		return nil, errors.New("cipher is required")
	}

	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return xid.New().String() }
	}

	return &Vault{
		store:  deps.Store,
		cipher: deps.Cipher,
		locks:  newKeyedMutex(),
		clock:  deps.Clock,
		newID:  newID,
	}, nil
}

type CreateCredentialParams struct {
	Name        string
	Provider    string
	Scopes      []string
	Secret      []byte
	Actor       string
	Scope       *domain.CredentialScope // nil means unrestricted
	Kind        domain.CredentialKind   // empty means SECRET
	OAuthTokens *domain.OAuthTokenSecrets
}

func (v *Vault) CreateCredential(ctx context.Context, params CreateCredentialParams) (domain.CredentialMetadata, error) {
	if params.Name == "" {
		return domain.CredentialMetadata{}, errors.New("credential name cannot be empty")
	}

	if params.Provider == "" {
		return domain.CredentialMetadata{}, errors.New("credential provider cannot be empty")
	}

	kind := params.Kind
	if kind == "" {
		kind = domain.CredentialKindSecret
	}

	if kind != domain.CredentialKindSecret && kind != domain.CredentialKindOAuth {
		return domain.CredentialMetadata{}, fmt.Errorf("unsupported credential kind %q", kind)
	}

	if kind == domain.CredentialKindSecret && params.OAuthTokens != nil {
		return domain.CredentialMetadata{}, errors.New("oauth tokens require credential kind OAUTH")
	}

	scope := domain.UnrestrictedScope()
	if params.Scope != nil {
		scope = *params.Scope
		if !scope.Unrestricted {
			scope = domain.WorkflowScope(scope.WorkflowIDs...)
		}
	}

	if err := scope.Validate(); err != nil {
		return domain.CredentialMetadata{}, err
	}

	envelope, err := v.cipher.Encrypt(params.Secret)
	if err != nil {
		return domain.CredentialMetadata{}, fmt.Errorf("failed to encrypt secret: %w", err)
	}

	now := v.clock.Now().UTC()

	credential := domain.CredentialMetadata{
		ID:            v.newID(),
		Name:          params.Name,
		Provider:      params.Provider,
		Scopes:        append([]string(nil), params.Scopes...),
		Kind:          kind,
		Scope:         scope,
		Envelope:      envelope,
		Health:        domain.HealthSnapshot{Status: domain.HealthStatusUnknown},
		CreatedBy:     params.Actor,
		CreatedAt:     now,
		LastRotatedAt: now,
		LastRotatedBy: params.Actor,
	}

	if params.OAuthTokens != nil {
		tokenEnvelope, err := v.encryptTokens(*params.OAuthTokens)
		if err != nil {
			return domain.CredentialMetadata{}, err
		}

		credential.OAuthEnvelope = &tokenEnvelope
	}

	if err := v.store.Put(ctx, credential); err != nil {
		return domain.CredentialMetadata{}, fmt.Errorf("failed to store credential: %w", err)
	}

	log.Info().
		Str("credential_id", credential.ID).
		Str("provider", credential.Provider).
		Str("kind", string(credential.Kind)).
		Str("actor", params.Actor).
		Msg("Credential created")

	return credential.Clone(), nil
}

func (v *Vault) GetCredential(ctx context.Context, access domain.AccessContext, credentialID string) (domain.CredentialMetadata, error) {
	credential, err := v.loadAuthorized(ctx, access, credentialID)
	if err != nil {
		return domain.CredentialMetadata{}, err
	}

	return credential.Clone(), nil
}

func (v *Vault) RevealSecret(ctx context.Context, access domain.AccessContext, credentialID string) ([]byte, error) {
	credential, err := v.loadAuthorized(ctx, access, credentialID)
	if err != nil {
		return nil, err
	}

	secret, err := v.cipher.Decrypt(credential.Envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential %s: %w", credentialID, err)
	}

	return secret, nil
}

func (v *Vault) RevealOAuthTokens(ctx context.Context, access domain.AccessContext, credentialID string) (domain.OAuthTokenSecrets, error) {
	credential, err := v.loadAuthorized(ctx, access, credentialID)
	if err != nil {
		return domain.OAuthTokenSecrets{}, err
	}

	return v.decryptTokens(credential)
}

// RotateSecret replaces the stored secret. A secret identical to the current one is
// rejected and leaves the credential untouched.
func (v *Vault) RotateSecret(ctx context.Context, access domain.AccessContext, credentialID string, secret []byte, actor string) (domain.CredentialMetadata, error) {
	unlock := v.locks.Lock(credentialID)
	defer unlock()

	credential, err := v.loadAuthorized(ctx, access, credentialID)
	if err != nil {
		return domain.CredentialMetadata{}, err
	}

	current, err := v.cipher.Decrypt(credential.Envelope)
	if err != nil {
		return domain.CredentialMetadata{}, fmt.Errorf("failed to decrypt credential %s: %w", credentialID, err)
	}

	if subtle.ConstantTimeCompare(current, secret) == 1 {
		log.Warn().
			Str("credential_id", credentialID).
			Str("actor", actor).
			Msg("Rejected rotation with unchanged secret")

		return domain.CredentialMetadata{}, &domain.RotationPolicyError{
			CredentialID: credentialID,
			Reason:       "new secret is identical to the current secret",
		}
	}

	envelope, err := v.cipher.Encrypt(secret)
	if err != nil {
		return domain.CredentialMetadata{}, fmt.Errorf("failed to encrypt secret: %w", err)
	}

	credential.Envelope = envelope
	credential.LastRotatedAt = v.clock.Now().UTC()
	credential.LastRotatedBy = actor

	if err := v.store.Put(ctx, credential); err != nil {
		return domain.CredentialMetadata{}, fmt.Errorf("failed to store rotated credential: %w", err)
	}

	log.Info().
		Str("credential_id", credentialID).
		Str("actor", actor).
		Msg("Credential secret rotated")

	return credential.Clone(), nil
}

// UpdateOAuthTokens replaces the token envelope of an OAuth credential wholesale.
func (v *Vault) UpdateOAuthTokens(ctx context.Context, access domain.AccessContext, credentialID string, tokens domain.OAuthTokenSecrets, actor string) (domain.CredentialMetadata, error) {
	unlock := v.locks.Lock(credentialID)
	defer unlock()

	credential, err := v.loadAuthorized(ctx, access, credentialID)
	if err != nil {
		return domain.CredentialMetadata{}, err
	}

	if !credential.IsOAuth() {
		return domain.CredentialMetadata{}, fmt.Errorf("credential %s is not an OAuth credential", credentialID)
	}

	envelope, err := v.encryptTokens(tokens)
	if err != nil {
		return domain.CredentialMetadata{}, err
	}

	credential.OAuthEnvelope = &envelope

	if err := v.store.Put(ctx, credential); err != nil {
		return domain.CredentialMetadata{}, fmt.Errorf("failed to store oauth tokens: %w", err)
	}

	log.Debug().
		Str("credential_id", credentialID).
		Str("actor", actor).
		Msg("OAuth tokens updated")

	return credential.Clone(), nil
}

func (v *Vault) MarkHealth(ctx context.Context, access domain.AccessContext, credentialID string, status domain.HealthStatus, reason string, actor string) (domain.CredentialMetadata, error) {
	if !status.IsValid() {
		return domain.CredentialMetadata{}, fmt.Errorf("invalid health status %q", status)
	}

	unlock := v.locks.Lock(credentialID)
	defer unlock()

	credential, err := v.loadAuthorized(ctx, access, credentialID)
	if err != nil {
		return domain.CredentialMetadata{}, err
	}

	checkedAt := v.clock.Now().UTC()
	credential.Health = domain.HealthSnapshot{
		Status:    status,
		Reason:    reason,
		CheckedAt: &checkedAt,
		CheckedBy: actor,
	}

	if err := v.store.Put(ctx, credential); err != nil {
		return domain.CredentialMetadata{}, fmt.Errorf("failed to store health snapshot: %w", err)
	}

	return credential.Clone(), nil
}

// ListCredentials returns unrestricted credentials plus those scoped to the caller's
// workflow, or everything for an unrestricted context.
func (v *Vault) ListCredentials(ctx context.Context, access domain.AccessContext) ([]domain.CredentialMetadata, error) {
	all, err := v.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	visible := make([]domain.CredentialMetadata, 0, len(all))
	for _, credential := range all {
		if access.CanAccess(credential.Scope) {
			visible = append(visible, credential.Clone())
		}
	}

	sortCredentials(visible)

	return visible, nil
}

func (v *Vault) DescribeCredentials(ctx context.Context, access domain.AccessContext) ([]domain.CredentialDescription, error) {
	credentials, err := v.ListCredentials(ctx, access)
	if err != nil {
		return nil, err
	}

	descriptions := make([]domain.CredentialDescription, 0, len(credentials))
	for _, credential := range credentials {
		descriptions = append(descriptions, domain.DescribeCredential(credential))
	}

	return descriptions, nil
}

// ListWorkflowCredentials returns credentials of kind whose scope names workflowID.
// Unrestricted credentials are not included.
func (v *Vault) ListWorkflowCredentials(ctx context.Context, workflowID string, kind domain.CredentialKind) ([]domain.CredentialMetadata, error) {
	credentials, err := v.ListCredentials(ctx, domain.WorkflowAccess(workflowID, ""))
	if err != nil {
		return nil, err
	}

	scoped := make([]domain.CredentialMetadata, 0, len(credentials))
	for _, credential := range credentials {
		if credential.Kind == kind && credential.Scope.IncludesExplicitly(workflowID) {
			scoped = append(scoped, credential)
		}
	}

	return scoped, nil
}

func (v *Vault) loadAuthorized(ctx context.Context, access domain.AccessContext, credentialID string) (domain.CredentialMetadata, error) {
	credential, err := v.store.Get(ctx, credentialID)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return domain.CredentialMetadata{}, &domain.CredentialNotFoundError{CredentialID: credentialID}
		}

		return domain.CredentialMetadata{}, fmt.Errorf("failed to load credential %s: %w", credentialID, err)
	}

	if !access.CanAccess(credential.Scope) {
		log.Warn().
			Str("credential_id", credentialID).
			Str("workflow_id", access.WorkflowID).
			Str("actor", access.Actor).
			Msg("Credential access outside workflow scope")

		return domain.CredentialMetadata{}, &domain.WorkflowScopeError{
			CredentialID: credentialID,
			WorkflowID:   access.WorkflowID,
		}
	}

	return credential, nil
}

func (v *Vault) encryptTokens(tokens domain.OAuthTokenSecrets) (domain.EncryptionEnvelope, error) {
	payload, err := json.Marshal(tokens)
	if err != nil {
		return domain.EncryptionEnvelope{}, fmt.Errorf("failed to marshal oauth tokens: %w", err)
	}

	envelope, err := v.cipher.Encrypt(payload)
	if err != nil {
		return domain.EncryptionEnvelope{}, fmt.Errorf("failed to encrypt oauth tokens: %w", err)
	}

	return envelope, nil
}

func (v *Vault) decryptTokens(credential domain.CredentialMetadata) (domain.OAuthTokenSecrets, error) {
	if credential.OAuthEnvelope == nil {
		return domain.OAuthTokenSecrets{}, fmt.Errorf("credential %s: %w", credential.ID, domain.ErrMissingOAuthTokens)
	}

	payload, err := v.cipher.Decrypt(*credential.OAuthEnvelope)
	if err != nil {
		return domain.OAuthTokenSecrets{}, fmt.Errorf("failed to decrypt oauth tokens of %s: %w", credential.ID, err)
	}

	var tokens domain.OAuthTokenSecrets
	if err := json.Unmarshal(payload, &tokens); err != nil {
		return domain.OAuthTokenSecrets{}, fmt.Errorf("failed to unmarshal oauth tokens: %w", err)
	}

	return tokens, nil
}

func sortCredentials(credentials []domain.CredentialMetadata) {
	sort.Slice(credentials, func(i, j int) bool {
		if credentials[i].CreatedAt.Equal(credentials[j].CreatedAt) {
			return credentials[i].ID < credentials[j].ID
		}

		return credentials[i].CreatedAt.Before(credentials[j].CreatedAt)
	})
}
