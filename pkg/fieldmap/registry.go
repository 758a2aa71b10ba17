package fieldmap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/zfranque/de.systopia.remotetools/pkg/database"
)

var (
	// ErrUnknownGroup is returned for custom groups that are not defined.
	ErrUnknownGroup = errors.New("fieldmap: unknown custom group")
	// ErrInvalidName is returned for group or field names unusable as SQL identifiers.
	ErrInvalidName = errors.New("fieldmap: invalid name")
)

var identifier = regexp.MustCompile(`^[a-z][a-z0-9_]{0,47}$`)

// FieldDefinition describes a custom field to create.
type FieldDefinition struct {
	Name        string
	Label       string
	DataType    string
	MultiValue  bool
	OptionGroup string
}

// Registry keeps custom group and field definitions in SQL and creates
// their value tables. Definitions are memoized until Flush.
type Registry struct {
	db      database.DBTX
	dialect database.Dialect

	mu      sync.RWMutex
	loaded  bool
	byID    map[int64]CustomField
	byQName map[string]int64
}

// NewRegistry creates a registry.
func NewRegistry(db database.DBTX, dialect database.Dialect) *Registry {
	return &Registry{db: db, dialect: dialect}
}

// Init creates the metadata tables.
func (r *Registry) Init(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS custom_groups (
			id %s,
			name TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			table_name TEXT NOT NULL,
			extends TEXT NOT NULL DEFAULT 'Contact'
		)`, r.dialect.SerialPrimaryKey()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS custom_fields (
			id %s,
			custom_group_id BIGINT NOT NULL REFERENCES custom_groups(id),
			name TEXT NOT NULL,
			label TEXT NOT NULL,
			column_name TEXT NOT NULL,
			data_type TEXT NOT NULL DEFAULT 'String',
			serialize INTEGER NOT NULL DEFAULT 0,
			option_group TEXT NOT NULL DEFAULT '',
			UNIQUE (custom_group_id, name)
		)`, r.dialect.SerialPrimaryKey()),
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("fieldmap: init schema: %w", err)
		}
	}
	return nil
}

// DefineGroup creates a custom group for contacts and its value table.
func (r *Registry) DefineGroup(ctx context.Context, name, title string) (int64, error) {
	if !identifier.MatchString(name) {
		return 0, fmt.Errorf("%w: group %q", ErrInvalidName, name)
	}
	table := "value_" + name

	query := fmt.Sprintf("INSERT INTO custom_groups (name, title, table_name) VALUES (%s) RETURNING id",
		r.dialect.Placeholders(1, 3))
	var id int64
	if err := r.db.QueryRowContext(ctx, query, name, title, table).Scan(&id); err != nil {
		return 0, fmt.Errorf("fieldmap: define group %s: %w", name, err)
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id %s,
		entity_id BIGINT NOT NULL UNIQUE
	)`, table, r.dialect.SerialPrimaryKey())
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return 0, fmt.Errorf("fieldmap: create %s: %w", table, err)
	}
	return id, nil
}

// DefineField adds a field to an existing group. The value column is named
// <field>_<id>.
func (r *Registry) DefineField(ctx context.Context, group string, def FieldDefinition) (CustomField, error) {
	if !identifier.MatchString(def.Name) {
		return CustomField{}, fmt.Errorf("%w: field %q", ErrInvalidName, def.Name)
	}
	if def.DataType == "" {
		def.DataType = "String"
	}
	if def.Label == "" {
		def.Label = def.Name
	}

	var groupID int64
	var table string
	query := fmt.Sprintf("SELECT id, table_name FROM custom_groups WHERE name = %s", r.dialect.Placeholder(1))
	err := r.db.QueryRowContext(ctx, query, group).Scan(&groupID, &table)
	if errors.Is(err, sql.ErrNoRows) {
		return CustomField{}, fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}
	if err != nil {
		return CustomField{}, fmt.Errorf("fieldmap: lookup group %s: %w", group, err)
	}

	serialize := 0
	if def.MultiValue {
		serialize = 1
	}
	insert := fmt.Sprintf(
		`INSERT INTO custom_fields (custom_group_id, name, label, column_name, data_type, serialize, option_group)
		 VALUES (%s) RETURNING id`, r.dialect.Placeholders(1, 7))
	var id int64
	if err := r.db.QueryRowContext(ctx, insert, groupID, def.Name, def.Label, "", def.DataType, serialize, def.OptionGroup).Scan(&id); err != nil {
		return CustomField{}, fmt.Errorf("fieldmap: define field %s.%s: %w", group, def.Name, err)
	}

	column := def.Name + "_" + strconv.FormatInt(id, 10)
	update := fmt.Sprintf("UPDATE custom_fields SET column_name = %s WHERE id = %s",
		r.dialect.Placeholder(1), r.dialect.Placeholder(2))
	if _, err := r.db.ExecContext(ctx, update, column, id); err != nil {
		return CustomField{}, fmt.Errorf("fieldmap: define field %s.%s: %w", group, def.Name, err)
	}
	if _, err := r.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT", table, column)); err != nil {
		return CustomField{}, fmt.Errorf("fieldmap: add column %s: %w", column, err)
	}

	r.Flush()
	return CustomField{
		ID:          id,
		GroupID:     groupID,
		Group:       group,
		Name:        def.Name,
		Label:       def.Label,
		Table:       table,
		Column:      column,
		DataType:    def.DataType,
		MultiValue:  def.MultiValue,
		OptionGroup: def.OptionGroup,
	}, nil
}

// FieldByID returns the field with the given id.
func (r *Registry) FieldByID(ctx context.Context, id int64) (CustomField, error) {
	if err := r.load(ctx); err != nil {
		return CustomField{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byID[id]
	if !ok {
		return CustomField{}, fmt.Errorf("%w: custom_%d", ErrUnknownField, id)
	}
	return f, nil
}

// FieldByName returns the field named group.name.
func (r *Registry) FieldByName(ctx context.Context, group, name string) (CustomField, error) {
	if err := r.load(ctx); err != nil {
		return CustomField{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byQName[group+QualifiedSeparator+name]
	if !ok {
		return CustomField{}, fmt.Errorf("%w: %s.%s", ErrUnknownField, group, name)
	}
	return r.byID[id], nil
}

// Fields returns every defined field.
func (r *Registry) Fields(ctx context.Context) ([]CustomField, error) {
	if err := r.load(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CustomField, 0, len(r.byID))
	for _, f := range r.byID {
		out = append(out, f)
	}
	return out, nil
}

// HasGroup reports whether a group named name is defined.
func (r *Registry) HasGroup(ctx context.Context, name string) (bool, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM custom_groups WHERE name = %s", r.dialect.Placeholder(1))
	var n int
	if err := r.db.QueryRowContext(ctx, query, name).Scan(&n); err != nil {
		return false, fmt.Errorf("fieldmap: lookup group %s: %w", name, err)
	}
	return n > 0, nil
}

// Preload fills the memo so later lookups need no database access.
func (r *Registry) Preload(ctx context.Context) error {
	return r.load(ctx)
}

// Flush drops the memoized definitions.
func (r *Registry) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = false
	r.byID = nil
	r.byQName = nil
}

func (r *Registry) load(ctx context.Context) error {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT f.id, f.custom_group_id, g.name, f.name, f.label, g.table_name,
		       f.column_name, f.data_type, f.serialize, f.option_group
		FROM custom_fields f JOIN custom_groups g ON g.id = f.custom_group_id`)
	if err != nil {
		return fmt.Errorf("fieldmap: load fields: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byID := map[int64]CustomField{}
	byQName := map[string]int64{}
	for rows.Next() {
		var f CustomField
		var serialize int
		if err := rows.Scan(&f.ID, &f.GroupID, &f.Group, &f.Name, &f.Label, &f.Table,
			&f.Column, &f.DataType, &serialize, &f.OptionGroup); err != nil {
			return fmt.Errorf("fieldmap: load fields: %w", err)
		}
		f.MultiValue = serialize != 0
		byID[f.ID] = f
		byQName[f.QualifiedName()] = f.ID
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("fieldmap: load fields: %w", err)
	}

	r.mu.Lock()
	r.byID, r.byQName, r.loaded = byID, byQName, true
	r.mu.Unlock()
	return nil
}
