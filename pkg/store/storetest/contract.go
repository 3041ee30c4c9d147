// Package storetest holds the behaviour every domain.CredentialStore must share.
package storetest

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/flowbaker/flowguard/pkg/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCredential(id string, scope domain.CredentialScope) domain.CredentialMetadata {
	createdAt := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

	return domain.CredentialMetadata{
		ID:       id,
		Name:     "credential " + id,
		Provider: "github",
		Scopes:   []string{"repo", "read:user"},
		Kind:     domain.CredentialKindOAuth,
		Scope:    scope,
		Envelope: domain.EncryptionEnvelope{
			Algorithm:  "aes-256-gcm",
			KeyID:      "k1",
			Ciphertext: "c2VjcmV0",
		},
		OAuthEnvelope: &domain.EncryptionEnvelope{
			Algorithm:  "aes-256-gcm",
			KeyID:      "k1",
			Ciphertext: "dG9rZW5z",
		},
		Health:        domain.HealthSnapshot{Status: domain.HealthStatusUnknown},
		CreatedBy:     "alice",
		CreatedAt:     createdAt,
		LastRotatedAt: createdAt,
	}
}

// Run exercises get/put/list semantics against a fresh, empty store.
func Run(t *testing.T, newStore func(t *testing.T) domain.CredentialStore) {
	t.Run("get unknown returns ErrRecordNotFound", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, domain.ErrRecordNotFound)
	})

	t.Run("put then get round trips", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		credential := sampleCredential("cred-1", domain.WorkflowScope("wf-1", "wf-2"))
		require.NoError(t, store.Put(ctx, credential))

		loaded, err := store.Get(ctx, "cred-1")
		require.NoError(t, err)

		assert.Equal(t, credential.ID, loaded.ID)
		assert.Equal(t, credential.Name, loaded.Name)
		assert.Equal(t, credential.Scopes, loaded.Scopes)
		assert.Equal(t, credential.Scope, loaded.Scope)
		assert.Equal(t, credential.Envelope, loaded.Envelope)
		require.NotNil(t, loaded.OAuthEnvelope)
		assert.Equal(t, *credential.OAuthEnvelope, *loaded.OAuthEnvelope)
		assert.Equal(t, credential.Health.Status, loaded.Health.Status)
		assert.True(t, credential.CreatedAt.Equal(loaded.CreatedAt))
		assert.True(t, credential.LastRotatedAt.Equal(loaded.LastRotatedAt))
	})

	t.Run("put overwrites", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		credential := sampleCredential("cred-1", domain.UnrestrictedScope())
		require.NoError(t, store.Put(ctx, credential))

		credential.Envelope.Ciphertext = "cm90YXRlZA=="
		checkedAt := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
		credential.Health = domain.HealthSnapshot{Status: domain.HealthStatusUnhealthy, Reason: "expired", CheckedAt: &checkedAt}
		require.NoError(t, store.Put(ctx, credential))

		loaded, err := store.Get(ctx, "cred-1")
		require.NoError(t, err)
		assert.Equal(t, "cm90YXRlZA==", loaded.Envelope.Ciphertext)
		assert.Equal(t, domain.HealthStatusUnhealthy, loaded.Health.Status)
		require.NotNil(t, loaded.Health.CheckedAt)
		assert.True(t, checkedAt.Equal(*loaded.Health.CheckedAt))

		all, err := store.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("list returns every record", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, store.Put(ctx, sampleCredential(id, domain.UnrestrictedScope())))
		}

		all, err := store.List(ctx)
		require.NoError(t, err)

		ids := make([]string, 0, len(all))
		for _, credential := range all {
			ids = append(ids, credential.ID)
		}
		sort.Strings(ids)

		assert.Equal(t, []string{"a", "b", "c"}, ids)
	})

	t.Run("put without id fails", func(t *testing.T) {
		store := newStore(t)

		err := store.Put(context.Background(), sampleCredential("", domain.UnrestrictedScope()))
		assert.ErrorIs(t, err, domain.ErrMissingCredentialID)
	})

	t.Run("returned records are isolated copies", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Put(ctx, sampleCredential("cred-1", domain.WorkflowScope("wf-1"))))

		loaded, err := store.Get(ctx, "cred-1")
		require.NoError(t, err)
		loaded.Scope.WorkflowIDs[0] = "tampered"

		reloaded, err := store.Get(ctx, "cred-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"wf-1"}, reloaded.Scope.WorkflowIDs)
	})
}
