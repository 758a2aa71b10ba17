package orquery

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zfranque/de.systopia.remotetools/pkg/database"
	"github.com/zfranque/de.systopia.remotetools/pkg/fieldmap"
	"github.com/zfranque/de.systopia.remotetools/pkg/request"
)

type fixture struct {
	db       *sql.DB
	registry *fieldmap.Registry
	tags     fieldmap.CustomField
	topics   fieldmap.CustomField
	nick     fieldmap.CustomField
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, "CREATE TABLE contacts (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	reg := fieldmap.NewRegistry(db, database.SQLite)
	require.NoError(t, reg.Init(ctx))
	_, err = reg.DefineGroup(ctx, "profile_data", "Profile Data")
	require.NoError(t, err)
	tags, err := reg.DefineField(ctx, "profile_data", fieldmap.FieldDefinition{Name: "tags", MultiValue: true})
	require.NoError(t, err)
	topics, err := reg.DefineField(ctx, "profile_data", fieldmap.FieldDefinition{Name: "topics", MultiValue: true})
	require.NoError(t, err)
	nick, err := reg.DefineField(ctx, "profile_data", fieldmap.FieldDefinition{Name: "nick"})
	require.NoError(t, err)

	f := &fixture{db: db, registry: reg, tags: tags, topics: topics, nick: nick}
	f.contact(t, 1, []string{"1", "2", "3"}, []string{"go"})
	f.contact(t, 2, []string{"2", "3", "4"}, []string{"sql"})
	f.contact(t, 3, []string{"12", "120"}, nil)
	f.contact(t, 4, nil, nil)
	return f
}

func (f *fixture) contact(t *testing.T, id int64, tags, topics []string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.db.ExecContext(ctx, "INSERT INTO contacts (id) VALUES (?)", id)
	require.NoError(t, err)
	_, err = f.db.ExecContext(ctx,
		"INSERT INTO value_profile_data (entity_id, "+f.tags.Column+", "+f.topics.Column+") VALUES (?, ?, ?)",
		id, fieldmap.Serialize(tags), fieldmap.Serialize(topics))
	require.NoError(t, err)
}

func (f *fixture) rewriter() *Rewriter {
	return New(f.db, database.SQLite, f.registry)
}

func TestApply_OrSemantics(t *testing.T) {
	f := setup(t)
	req := request.New("RemoteContact", "get", request.Params{
		"tags":    map[string]any{"IN": []any{"1", "4"}},
		"options": map[string]any{OptionName: []any{"tags"}},
	})
	mapper := fieldmap.NewMapper(map[string]string{"tags": f.tags.InternalName()})

	f.rewriter().Apply(context.Background(), req, mapper)
	require.False(t, req.HasErrors())

	assert.Nil(t, req.Param("tags"), "handled filter is removed")
	ids, ok := req.IDRestriction()
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2}, ids)
}

func TestApply_QualifiedInternalName(t *testing.T) {
	f := setup(t)
	req := request.New("RemoteContact", "get", request.Params{
		"profile_data.tags": []any{"12", "3"},
		"options":           map[string]any{OptionName: "profile_data.tags"},
	})

	f.rewriter().Apply(context.Background(), req, nil)
	ids, ok := req.IDRestriction()
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2, 3}, ids)
}

func TestApply_DelimiterAware(t *testing.T) {
	f := setup(t)
	for _, tt := range []struct {
		values []any
		want   []int64
	}{
		{[]any{"1", "120"}, []int64{1, 3}},
		{[]any{"0", "20"}, []int64{}},
		{[]any{"1%", "_"}, []int64{}},
	} {
		req := request.New("RemoteContact", "get", request.Params{
			"tags":    map[string]any{"IN": tt.values},
			"options": map[string]any{OptionName: "tags"},
		})
		f.rewriter().Apply(context.Background(), req, fieldmap.NewMapper(map[string]string{"tags": f.tags.InternalName()}))
		ids, ok := req.IDRestriction()
		require.True(t, ok)
		assert.Equal(t, tt.want, ids, "%v", tt.values)
	}
}

func TestApply_CaseSensitive(t *testing.T) {
	f := setup(t)
	mapper := fieldmap.NewMapper(map[string]string{"topics": f.topics.InternalName()})
	for _, tt := range []struct {
		values []any
		want   []int64
	}{
		{[]any{"GO", "zzz"}, []int64{}},
		{[]any{"go", "zzz"}, []int64{1}},
	} {
		req := request.New("RemoteContact", "get", request.Params{
			"topics":  map[string]any{"IN": tt.values},
			"options": map[string]any{OptionName: "topics"},
		})
		f.rewriter().Apply(context.Background(), req, mapper)
		ids, ok := req.IDRestriction()
		require.True(t, ok)
		assert.Equal(t, tt.want, ids, "%v", tt.values)
	}
}

func TestApply_AcrossFieldsIsAnd(t *testing.T) {
	f := setup(t)
	req := request.New("RemoteContact", "get", request.Params{
		"tags":    map[string]any{"IN": []any{"1", "4"}},
		"topics":  map[string]any{"IN": []any{"sql", "rust"}},
		"options": map[string]any{OptionName: []any{"tags", "topics"}},
	})
	mapper := fieldmap.NewMapper(map[string]string{
		"tags":   f.tags.InternalName(),
		"topics": f.topics.InternalName(),
	})

	f.rewriter().Apply(context.Background(), req, mapper)
	ids, _ := req.IDRestriction()
	assert.Equal(t, []int64{2}, ids)
}

func TestApply_EmptyMatchRestrictsToNothing(t *testing.T) {
	f := setup(t)
	req := request.New("RemoteContact", "get", request.Params{
		"tags":    map[string]any{"IN": []any{"98", "99"}},
		"options": map[string]any{OptionName: "tags"},
	})
	f.rewriter().Apply(context.Background(), req, fieldmap.NewMapper(map[string]string{"tags": f.tags.InternalName()}))

	ids, ok := req.IDRestriction()
	assert.True(t, ok)
	assert.Empty(t, ids)
}

func TestExtract_DemotesIneligibleFields(t *testing.T) {
	f := setup(t)
	req := request.New("RemoteContact", "get", request.Params{
		"tags":       map[string]any{"IN": []any{"1"}},
		"nick":       map[string]any{"IN": []any{"a", "b"}},
		"first_name": []any{"Ada", "Grace"},
		"options":    map[string]any{OptionName: "tags,nick,first_name,missing"},
	})
	mapper := fieldmap.NewMapper(map[string]string{
		"tags": f.tags.InternalName(),
		"nick": f.nick.InternalName(),
	})

	queries, err := f.rewriter().Extract(context.Background(), req, mapper)
	require.NoError(t, err)
	assert.Empty(t, queries)
	assert.False(t, req.HasErrors())

	refs := req.ReferencedStatus(request.SeverityWarning)
	assert.Contains(t, refs, "tags")
	assert.Contains(t, refs, "missing")
	status := req.ReferencedStatus(request.SeverityStatus)
	assert.Contains(t, status, "nick")
	assert.Contains(t, status, "first_name")

	assert.NotNil(t, req.Param("tags"))
	assert.NotNil(t, req.Param("nick"))
	_, restricted := req.IDRestriction()
	assert.False(t, restricted)
}

func TestExtract_NoOption(t *testing.T) {
	f := setup(t)
	req := request.New("RemoteContact", "get", request.Params{"tags": []any{"1", "2"}})
	queries, err := f.rewriter().Extract(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Nil(t, queries)
	assert.Empty(t, req.StatusMessages())
}

func TestBuild_Postgres(t *testing.T) {
	r := New(nil, database.Postgres, nil)
	query, args := r.Build([]Query{
		{Storage: fieldmap.Storage{Table: "value_a", Column: "tags_1"}, Values: []string{"x", "y"}},
		{Storage: fieldmap.Storage{Table: "value_b", Column: "roles_2"}, Values: []string{"z"}},
	})
	assert.Equal(t,
		"SELECT DISTINCT base.id FROM contacts base"+
			" LEFT JOIN value_a mv0 ON mv0.entity_id = base.id"+
			" LEFT JOIN value_b mv1 ON mv1.entity_id = base.id"+
			` WHERE (mv0.tags_1 LIKE $1 ESCAPE '\' OR mv0.tags_1 LIKE $2 ESCAPE '\')`+
			` AND (mv1.roles_2 LIKE $3 ESCAPE '\')`+
			" ORDER BY base.id",
		query)
	assert.Equal(t, []any{"%\x01x\x01%", "%\x01y\x01%", "%\x01z\x01%"}, args)
}

func TestApply_StorageFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	columns := []string{"id", "custom_group_id", "name", "name", "label", "table_name",
		"column_name", "data_type", "serialize", "option_group"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM custom_fields")).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(5, 1, "g", "tags", "Tags", "value_g", "tags_5", "String", 1, ""))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT base.id FROM contacts base")).
		WillReturnError(errors.New("lock timeout"))

	reg := fieldmap.NewRegistry(db, database.Postgres)
	req := request.New("RemoteContact", "get", request.Params{
		"custom_5": []any{"a", "b"},
		"options":  map[string]any{OptionName: "custom_5"},
	})
	New(db, database.Postgres, reg).Apply(context.Background(), req, nil)

	assert.True(t, req.HasErrors())
	_, restricted := req.IDRestriction()
	assert.False(t, restricted)
	require.NoError(t, mock.ExpectationsWereMet())
}
