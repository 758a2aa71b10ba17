package fieldmap

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zfranque/de.systopia.remotetools/pkg/database"
)

func setupRegistry(t *testing.T) *Registry {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	r := NewRegistry(db, database.SQLite)
	require.NoError(t, r.Init(ctx))
	return r
}

func TestRegistry_DefineAndResolve(t *testing.T) {
	ctx := context.Background()
	r := setupRegistry(t)

	_, err := r.DefineGroup(ctx, "remote_contact_data", "Remote Contact Data")
	require.NoError(t, err)

	roles, err := r.DefineField(ctx, "remote_contact_data", FieldDefinition{
		Name:        "remote_contact_roles",
		MultiValue:  true,
		OptionGroup: "remote_contact_roles",
	})
	require.NoError(t, err)
	assert.Equal(t, "value_remote_contact_data", roles.Table)
	assert.Equal(t, "remote_contact_roles_1", roles.Column)
	assert.Equal(t, "custom_1", roles.InternalName())

	nick, err := r.DefineField(ctx, "remote_contact_data", FieldDefinition{Name: "nick"})
	require.NoError(t, err)

	storage, ok, err := ResolveStorage(ctx, r, "custom_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Storage{Table: "value_remote_contact_data", Column: "remote_contact_roles_1", MultiValue: true}, storage)

	storage, ok, err = ResolveStorage(ctx, r, nick.InternalName())
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, storage.MultiValue)

	_, ok, err = ResolveStorage(ctx, r, "first_name")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = ResolveStorage(ctx, r, "custom_99")
	require.NoError(t, err)
	assert.False(t, ok)

	name, err := ResolveQualified(ctx, r, "remote_contact_data.nick")
	require.NoError(t, err)
	assert.Equal(t, nick.InternalName(), name)

	_, err = ResolveQualified(ctx, r, "remote_contact_data.missing")
	assert.ErrorIs(t, err, ErrUnknownField)

	keys, err := ResolveQualifiedKeys(ctx, r, map[string]any{
		"remote_contact_data.nick": "ada",
		"unknown.field":            1,
		"options.limit":            2,
		"first_name":               "Ada",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		nick.InternalName(): "ada",
		"unknown.field":     1,
		"options.limit":     2,
		"first_name":        "Ada",
	}, keys)

	fields, err := r.Fields(ctx)
	require.NoError(t, err)
	assert.Len(t, fields, 2)
}

func TestRegistry_InvalidNames(t *testing.T) {
	ctx := context.Background()
	r := setupRegistry(t)

	_, err := r.DefineGroup(ctx, "bad; DROP TABLE x", "x")
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = r.DefineField(ctx, "nope", FieldDefinition{Name: "f"})
	assert.ErrorIs(t, err, ErrUnknownGroup)

	_, err = r.DefineField(ctx, "nope", FieldDefinition{Name: "F-1"})
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestRegistry_LoadError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta("FROM custom_fields f JOIN custom_groups g")).
		WillReturnError(errors.New("timeout"))

	r := NewRegistry(db, database.Postgres)
	_, _, err = ResolveStorage(context.Background(), r, "custom_3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistry_MemoizesUntilFlush(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	columns := []string{"id", "custom_group_id", "name", "name", "label", "table_name",
		"column_name", "data_type", "serialize", "option_group"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM custom_fields")).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(3, 1, "g", "tags", "Tags", "value_g", "tags_3", "String", 1, ""))
	mock.ExpectQuery(regexp.QuoteMeta("FROM custom_fields")).
		WillReturnRows(sqlmock.NewRows(columns))

	ctx := context.Background()
	r := NewRegistry(db, database.Postgres)

	f, err := r.FieldByID(ctx, 3)
	require.NoError(t, err)
	assert.True(t, f.MultiValue)
	_, err = r.FieldByName(ctx, "g", "tags")
	require.NoError(t, err)

	r.Flush()
	_, err = r.FieldByID(ctx, 3)
	assert.ErrorIs(t, err, ErrUnknownField)
	require.NoError(t, mock.ExpectationsWereMet())
}
