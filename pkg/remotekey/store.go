package remotekey

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/zfranque/de.systopia.remotetools/pkg/database"
)

var (
	// ErrNotFound is returned when a key is not linked to any entity.
	ErrNotFound = errors.New("remotekey: key not found")
	// ErrKeyExists is returned by Save when the key is already taken.
	ErrKeyExists = errors.New("remotekey: key already exists")
)

// Store persists key to entity links in the contact identity table.
type Store struct {
	db      database.DBTX
	dialect database.Dialect
}

// NewStore creates a store on top of a database handle or transaction.
func NewStore(db database.DBTX, dialect database.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// WithTx returns a copy of the store bound to tx.
func (s *Store) WithTx(tx database.DBTX) *Store {
	return &Store{db: tx, dialect: s.dialect}
}

// Init creates the identity table.
func (s *Store) Init(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS contact_identities (
			id %s,
			entity_id BIGINT NOT NULL,
			identifier_type TEXT NOT NULL,
			identifier TEXT NOT NULL,
			used_since TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (identifier_type, identifier)
		)`, s.dialect.SerialPrimaryKey())
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("remotekey: init schema: %w", err)
	}
	return nil
}

// Resolve returns the entity linked to key.
func (s *Store) Resolve(ctx context.Context, key string) (int64, error) {
	if key == "" {
		return 0, ErrNotFound
	}

	query := fmt.Sprintf(
		"SELECT entity_id FROM contact_identities WHERE identifier_type = %s AND identifier = %s",
		s.dialect.Placeholder(1), s.dialect.Placeholder(2))

	var entityID int64
	err := s.db.QueryRowContext(ctx, query, IdentifierType, key).Scan(&entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("remotekey: resolve: %w", err)
	}
	return entityID, nil
}

// Save links key to entityID. The unique constraint on the identifier makes
// the insert the authoritative collision check.
func (s *Store) Save(ctx context.Context, key string, entityID int64) error {
	query := fmt.Sprintf(
		`INSERT INTO contact_identities (entity_id, identifier_type, identifier)
		 VALUES (%s) ON CONFLICT (identifier_type, identifier) DO NOTHING`,
		s.dialect.Placeholders(1, 3))

	res, err := s.db.ExecContext(ctx, query, entityID, IdentifierType, key)
	if err != nil {
		return fmt.Errorf("remotekey: save: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remotekey: save: %w", err)
	}
	if n == 0 {
		return ErrKeyExists
	}
	return nil
}

// KeysFor lists every key linked to entityID, oldest first.
func (s *Store) KeysFor(ctx context.Context, entityID int64) ([]string, error) {
	query := fmt.Sprintf(
		"SELECT identifier FROM contact_identities WHERE identifier_type = %s AND entity_id = %s ORDER BY id",
		s.dialect.Placeholder(1), s.dialect.Placeholder(2))

	rows, err := s.db.QueryContext(ctx, query, IdentifierType, entityID)
	if err != nil {
		return nil, fmt.Errorf("remotekey: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("remotekey: list: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
