package filestorage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/flowbaker/flowguard/pkg/domain"
)

const fileExtension = ".json"

// Store keeps one JSON document per credential under baseDir.
type Store struct {
	mu      sync.RWMutex
	baseDir string
}

// New creates a file store rooted at baseDir.
// If baseDir is empty, it defaults to "./credentials"
func New(baseDir string) (*Store, error) {
	if baseDir == "" {
		baseDir = "./credentials"
	}

	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &Store{baseDir: baseDir}, nil
}

func (s *Store) Get(ctx context.Context, credentialID string) (domain.CredentialMetadata, error) {
	path, err := s.credentialPath(credentialID)
	if err != nil {
		return domain.CredentialMetadata{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.load(path)
}

func (s *Store) Put(ctx context.Context, credential domain.CredentialMetadata) error {
	if credential.ID == "" {
		return domain.ErrMissingCredentialID
	}

	path, err := s.credentialPath(credential.ID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(credential, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.baseDir, ".credential-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write credential file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close credential file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace credential file: %w", err)
	}

	return nil
}

func (s *Store) List(ctx context.Context) ([]domain.CredentialMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials directory: %w", err)
	}

	credentials := make([]domain.CredentialMetadata, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != fileExtension || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		credential, err := s.load(filepath.Join(s.baseDir, entry.Name()))
		if err != nil {
			return nil, err
		}

		credentials = append(credentials, credential)
	}

	return credentials, nil
}

func (s *Store) load(path string) (domain.CredentialMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.CredentialMetadata{}, domain.ErrRecordNotFound
		}

		return domain.CredentialMetadata{}, fmt.Errorf("failed to read credential file: %w", err)
	}

	var credential domain.CredentialMetadata
	if err := json.Unmarshal(data, &credential); err != nil {
		return domain.CredentialMetadata{}, fmt.Errorf("failed to unmarshal credential %s: %w", filepath.Base(path), err)
	}

	return credential, nil
}

func (s *Store) credentialPath(credentialID string) (string, error) {
	if credentialID == "" {
		return "", domain.ErrMissingCredentialID
	}

	if filepath.Base(credentialID) != credentialID || strings.HasPrefix(credentialID, ".") {
		return "", fmt.Errorf("invalid credential id %q", credentialID)
	}

	return filepath.Join(s.baseDir, credentialID+fileExtension), nil
}
