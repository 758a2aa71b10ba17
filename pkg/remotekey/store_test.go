package remotekey

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zfranque/de.systopia.remotetools/pkg/database"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewStore(db, database.SQLite)
	require.NoError(t, store.Init(ctx))
	return store
}

func TestStore_SaveResolve(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	_, err := store.Resolve(ctx, "MISSING")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Save(ctx, "KEY1", 42))
	id, err := store.Resolve(ctx, "KEY1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	assert.ErrorIs(t, store.Save(ctx, "KEY1", 43), ErrKeyExists)

	require.NoError(t, store.Save(ctx, "KEY2", 42))
	keys, err := store.KeysFor(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, []string{"KEY1", "KEY2"}, keys)
}

func TestStore_ResolveEmptyKey(t *testing.T) {
	store := setupStore(t)
	_, err := store.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ResolveStorageError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT entity_id FROM contact_identities")).
		WithArgs(IdentifierType, "KEY").
		WillReturnError(errors.New("connection reset"))

	store := NewStore(db, database.Postgres)
	_, err = store.Resolve(context.Background(), "KEY")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SavePostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1, $2, $3) ON CONFLICT")).
		WithArgs(int64(7), IdentifierType, "KEY").
		WillReturnResult(sqlmock.NewResult(1, 1))

	store := NewStore(db, database.Postgres)
	require.NoError(t, store.Save(context.Background(), "KEY", 7))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_WithTxRollback(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	db := store.db.(*sql.DB)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.WithTx(tx).Save(ctx, "TXKEY", 1))
	require.NoError(t, tx.Rollback())

	_, err = store.Resolve(ctx, "TXKEY")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIssuer_ResolveRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	issuer := NewIssuer(store)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	issued := map[string]bool{}
	properties.Property("resolve(issue(p)) returns the linked entity", prop.ForAll(
		func(prefix string, entityID int64) bool {
			key, err := issuer.Issue(ctx, prefix, entityID)
			if err != nil || issued[key] {
				return false
			}
			issued[key] = true
			got, err := store.Resolve(ctx, key)
			return err == nil && got == entityID
		},
		gen.AlphaString(),
		gen.Int64Range(1, 1_000_000),
	))

	properties.TestingRun(t)
}
