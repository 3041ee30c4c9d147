package postgresql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flowbaker/flowguard/pkg/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is satisfied by both *pgx.Conn and *pgxpool.Pool.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db          DB
	tablePrefix string
}

type Opts struct {
	TablePrefix string
}

// New creates the credentials table if it does not exist yet.
func New(ctx context.Context, db DB, opts Opts) (*Store, error) {
	store := &Store{
		db:          db,
		tablePrefix: opts.TablePrefix,
	}

	if err := store.ensureTables(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *Store) table() string {
	if s.tablePrefix != "" {
		return fmt.Sprintf("%s_credentials", s.tablePrefix)
	}
	return "credentials"
}

func (s *Store) ensureTables(ctx context.Context) error {
	createSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			document JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, s.table())

	createIndexSQL := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_%s_created ON %s(created_at, id)`, s.table(), s.table())

	if _, err := s.db.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create credentials table: %w", err)
	}

	if _, err := s.db.Exec(ctx, createIndexSQL); err != nil {
		return fmt.Errorf("failed to create credentials index: %w", err)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, credentialID string) (domain.CredentialMetadata, error) {
	query := fmt.Sprintf(`SELECT document FROM %s WHERE id = $1`, s.table())

	var document []byte
	err := s.db.QueryRow(ctx, query, credentialID).Scan(&document)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CredentialMetadata{}, domain.ErrRecordNotFound
		}

		return domain.CredentialMetadata{}, fmt.Errorf("failed to get credential: %w", err)
	}

	return decode(document)
}

func (s *Store) Put(ctx context.Context, credential domain.CredentialMetadata) error {
	if credential.ID == "" {
		return domain.ErrMissingCredentialID
	}

	document, err := json.Marshal(credential)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	upsertSQL := fmt.Sprintf(`
		INSERT INTO %s (id, document, created_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, updated_at = NOW()`, s.table())

	if _, err := s.db.Exec(ctx, upsertSQL, credential.ID, document, credential.CreatedAt); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}

	return nil
}

func (s *Store) List(ctx context.Context) ([]domain.CredentialMetadata, error) {
	query := fmt.Sprintf(`SELECT document FROM %s ORDER BY created_at, id`, s.table())

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	documents, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("failed to scan credentials: %w", err)
	}

	credentials := make([]domain.CredentialMetadata, 0, len(documents))
	for _, document := range documents {
		credential, err := decode(document)
		if err != nil {
			return nil, err
		}

		credentials = append(credentials, credential)
	}

	return credentials, nil
}

func decode(document []byte) (domain.CredentialMetadata, error) {
	var credential domain.CredentialMetadata
	if err := json.Unmarshal(document, &credential); err != nil {
		return domain.CredentialMetadata{}, fmt.Errorf("failed to unmarshal credential: %w", err)
	}

	return credential, nil
}
