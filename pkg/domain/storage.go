package domain

import "context"

// CredentialStore persists credential records keyed by id. Implementations must return
// ErrRecordNotFound from Get for unknown ids.
type CredentialStore interface {
	Get(ctx context.Context, credentialID string) (CredentialMetadata, error)
	Put(ctx context.Context, credential CredentialMetadata) error
	List(ctx context.Context) ([]CredentialMetadata, error)
}
