package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowbaker/flowguard/pkg/domain"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const credentialsCollection = "credentials"

// Store implements domain.CredentialStore using MongoDB
type Store struct {
	database *mongo.Database
}

func New(database *mongo.Database) *Store {
	store := &Store{
		database: database,
	}
	store.ensureIndexes()
	return store
}

func (s *Store) ensureIndexes() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "scope.workflow_ids", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "created_at", Value: 1}},
		},
	}

	_, err := s.collection().Indexes().CreateMany(ctx, indexes)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create indexes for credentials")
	}
}

func (s *Store) collection() *mongo.Collection {
	return s.database.Collection(credentialsCollection)
}

func (s *Store) Get(ctx context.Context, credentialID string) (domain.CredentialMetadata, error) {
	var credential domain.CredentialMetadata

	err := s.collection().FindOne(ctx, bson.M{"id": credentialID}).Decode(&credential)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.CredentialMetadata{}, domain.ErrRecordNotFound
		}

		return domain.CredentialMetadata{}, fmt.Errorf("failed to find credential: %w", err)
	}

	return credential, nil
}

func (s *Store) Put(ctx context.Context, credential domain.CredentialMetadata) error {
	if credential.ID == "" {
		return domain.ErrMissingCredentialID
	}

	opts := options.Replace().SetUpsert(true)

	_, err := s.collection().ReplaceOne(ctx, bson.M{"id": credential.ID}, credential, opts)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}

	return nil
}

func (s *Store) List(ctx context.Context) ([]domain.CredentialMetadata, error) {
	findOptions := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "id", Value: 1}})

	cursor, err := s.collection().Find(ctx, bson.M{}, findOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to find credentials: %w", err)
	}
	defer cursor.Close(ctx)

	credentials := []domain.CredentialMetadata{}
	if err := cursor.All(ctx, &credentials); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}

	return credentials, nil
}
