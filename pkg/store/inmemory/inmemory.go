package inmemory

import (
	"context"
	"sync"

	"github.com/flowbaker/flowguard/pkg/domain"
)

type Store struct {
	mu          sync.RWMutex
	credentials map[string]domain.CredentialMetadata
}

func New() *Store {
	return &Store{
		credentials: make(map[string]domain.CredentialMetadata),
	}
}

func (s *Store) Get(ctx context.Context, credentialID string) (domain.CredentialMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	credential, ok := s.credentials[credentialID]
	if !ok {
		return domain.CredentialMetadata{}, domain.ErrRecordNotFound
	}

	return credential.Clone(), nil
}

func (s *Store) Put(ctx context.Context, credential domain.CredentialMetadata) error {
	if credential.ID == "" {
		return domain.ErrMissingCredentialID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.credentials[credential.ID] = credential.Clone()

	return nil
}

func (s *Store) List(ctx context.Context) ([]domain.CredentialMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	credentials := make([]domain.CredentialMetadata, 0, len(s.credentials))
	for _, credential := range s.credentials {
		credentials = append(credentials, credential.Clone())
	}

	return credentials, nil
}

// Reset drops every record.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.credentials = make(map[string]domain.CredentialMetadata)
}
