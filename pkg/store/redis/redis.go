package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flowbaker/flowguard/pkg/domain"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "flowguard:"

// Store keeps each credential as a JSON string plus an index set of ids.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

type Opts struct {
	KeyPrefix string
}

func New(client redis.UniversalClient, opts Opts) *Store {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	return &Store{
		client:    client,
		keyPrefix: prefix,
	}
}

func (s *Store) credentialKey(credentialID string) string {
	return s.keyPrefix + "credential:" + credentialID
}

func (s *Store) indexKey() string {
	return s.keyPrefix + "credentials"
}

func (s *Store) Get(ctx context.Context, credentialID string) (domain.CredentialMetadata, error) {
	data, err := s.client.Get(ctx, s.credentialKey(credentialID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.CredentialMetadata{}, domain.ErrRecordNotFound
		}

		return domain.CredentialMetadata{}, fmt.Errorf("failed to get credential: %w", err)
	}

	return decode(data)
}

func (s *Store) Put(ctx context.Context, credential domain.CredentialMetadata) error {
	if credential.ID == "" {
		return domain.ErrMissingCredentialID
	}

	data, err := json.Marshal(credential)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.credentialKey(credential.ID), data, 0)
		pipe.SAdd(ctx, s.indexKey(), credential.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}

	return nil
}

func (s *Store) List(ctx context.Context) ([]domain.CredentialMetadata, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list credential ids: %w", err)
	}

	if len(ids) == 0 {
		return []domain.CredentialMetadata{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.credentialKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	credentials := make([]domain.CredentialMetadata, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}

		credential, err := decode([]byte(raw))
		if err != nil {
			return nil, err
		}

		credentials = append(credentials, credential)
	}

	return credentials, nil
}

func decode(data []byte) (domain.CredentialMetadata, error) {
	var credential domain.CredentialMetadata
	if err := json.Unmarshal(data, &credential); err != nil {
		return domain.CredentialMetadata{}, fmt.Errorf("failed to unmarshal credential: %w", err)
	}

	return credential, nil
}
