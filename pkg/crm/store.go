package crm

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/zfranque/de.systopia.remotetools/pkg/database"
	"github.com/zfranque/de.systopia.remotetools/pkg/fieldmap"
	"github.com/zfranque/de.systopia.remotetools/pkg/request"
)

var (
	// ErrContactNotFound is returned for missing or deleted contacts.
	ErrContactNotFound = errors.New("crm: contact not found")
	// ErrUnsupportedEntity is returned for entities without an owning contact.
	ErrUnsupportedEntity = errors.New("crm: unsupported entity")
	// ErrUnknownField is returned when writing a field the store does not know.
	ErrUnknownField = errors.New("crm: unknown field")
)

// CoreField is a column of the contacts table.
type CoreField struct {
	Name     string
	Type     string
	Title    string
	Writable bool
}

// CoreFields lists the contact columns in display order.
var CoreFields = []CoreField{
	{Name: "id", Type: "Integer", Title: "Contact ID"},
	{Name: "contact_type", Type: "String", Title: "Contact Type", Writable: true},
	{Name: "first_name", Type: "String", Title: "First Name", Writable: true},
	{Name: "last_name", Type: "String", Title: "Last Name", Writable: true},
	{Name: "display_name", Type: "String", Title: "Display Name", Writable: true},
	{Name: "email", Type: "String", Title: "Email", Writable: true},
	{Name: "hash", Type: "String", Title: "Contact Hash"},
	{Name: "is_deleted", Type: "Boolean", Title: "Contact is in Trash"},
}

var coreByName = func() map[string]CoreField {
	m := make(map[string]CoreField, len(CoreFields))
	for _, f := range CoreFields {
		m[f.Name] = f
	}
	return m
}()

// Store reads and writes contacts.
type Store struct {
	db      database.DBTX
	dialect database.Dialect
	fields  *fieldmap.Registry
	logger  *slog.Logger
}

// NewStore creates a contact store. fields resolves custom field names.
func NewStore(db database.DBTX, dialect database.Dialect, fields *fieldmap.Registry) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		fields:  fields,
		logger:  slog.Default().With("component", "crm"),
	}
}

// WithTx returns a copy of the store bound to tx. Custom field definitions
// must be preloaded before the transaction starts when the database allows a
// single connection.
func (s *Store) WithTx(tx database.DBTX) *Store {
	c := *s
	c.db = tx
	return &c
}

// Fields returns the custom field registry.
func (s *Store) Fields() *fieldmap.Registry { return s.fields }

type column struct {
	key   string
	expr  string
	table string
	alias string
	field fieldmap.CustomField
	multi bool
	core  bool
}

type joins struct {
	aliases map[string]string
	order   []string
}

func (j *joins) alias(table string) string {
	if a, ok := j.aliases[table]; ok {
		return a
	}
	a := "cv" + strconv.Itoa(len(j.order))
	j.aliases[table] = a
	j.order = append(j.order, table)
	return a
}

// resolve maps a field name to its SQL column. ok is false for unknown names.
func (s *Store) resolve(ctx context.Context, name string, j *joins) (column, bool, error) {
	if f, ok := coreByName[name]; ok {
		return column{key: name, expr: "c." + f.Name, core: true}, true, nil
	}

	internal := name
	if _, _, qualified := fieldmap.SplitQualified(name); qualified {
		resolved, err := fieldmap.ResolveQualified(ctx, s.fields, name)
		if errors.Is(err, fieldmap.ErrUnknownField) {
			return column{}, false, nil
		}
		if err != nil {
			return column{}, false, err
		}
		internal = resolved
	}
	id, ok := fieldmap.ParseCustomFieldName(internal)
	if !ok {
		return column{}, false, nil
	}
	f, err := s.fields.FieldByID(ctx, id)
	if errors.Is(err, fieldmap.ErrUnknownField) {
		return column{}, false, nil
	}
	if err != nil {
		return column{}, false, err
	}

	col := column{key: name, table: f.Table, field: f, multi: f.MultiValue}
	if j != nil {
		col.alias = j.alias(f.Table)
		col.expr = col.alias + "." + f.Column
	}
	return col, true, nil
}

// Get returns the contacts matching q. Deleted contacts are excluded unless
// q filters on is_deleted. Unknown filter and sort fields are ignored.
func (s *Store) Get(ctx context.Context, q request.Query) ([]request.Record, error) {
	j := &joins{aliases: map[string]string{}}
	args := database.NewArgs(s.dialect)

	names := q.Return
	if len(names) == 0 {
		for _, f := range CoreFields {
			if f.Name != "is_deleted" {
				names = append(names, f.Name)
			}
		}
	}
	selected := []column{{key: "id", expr: "c.id", core: true}}
	seen := map[string]bool{"id": true}
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		col, ok, err := s.resolve(ctx, name, j)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.logger.DebugContext(ctx, "ignoring unknown return field", "field", name)
			continue
		}
		selected = append(selected, col)
	}

	var where []string
	for _, name := range request.SortedKeys(q.Filters) {
		col, ok, err := s.resolve(ctx, name, j)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.logger.DebugContext(ctx, "ignoring unknown filter", "field", name)
			continue
		}
		if cond := condition(col, q.Filters[name], args); cond != "" {
			where = append(where, cond)
		}
	}
	if _, filtered := q.Filters["is_deleted"]; !filtered {
		where = append(where, "c.is_deleted = 0")
	}
	if q.Restricted {
		if len(q.IDs) == 0 {
			where = append(where, "1 = 0")
		} else {
			ph := make([]string, len(q.IDs))
			for i, id := range q.IDs {
				ph[i] = args.Add(id)
			}
			where = append(where, "c.id IN ("+strings.Join(ph, ", ")+")")
		}
	}

	var order []string
	for _, srt := range q.Sort {
		col, ok, err := s.resolve(ctx, srt.Field, j)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.logger.DebugContext(ctx, "ignoring unknown sort field", "field", srt.Field)
			continue
		}
		dir := "ASC"
		if srt.Direction == request.Desc {
			dir = "DESC"
		}
		order = append(order, col.expr+" "+dir)
	}
	order = append(order, "c.id ASC")

	exprs := make([]string, len(selected))
	for i, col := range selected {
		exprs[i] = col.expr
	}

	var sb strings.Builder
	sb.WriteString("SELECT " + strings.Join(exprs, ", ") + " FROM contacts c")
	for _, table := range j.order {
		a := j.aliases[table]
		fmt.Fprintf(&sb, " LEFT JOIN %s %s ON %s.entity_id = c.id", table, a, a)
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY " + strings.Join(order, ", "))
	sb.WriteString(s.limitClause(q.Limit, q.Offset))

	return s.query(ctx, sb.String(), args.Values(), selected)
}

func (s *Store) limitClause(limit, offset int) string {
	switch {
	case limit > 0 && offset > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d", limit)
	case offset > 0 && s.dialect == database.SQLite:
		return fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	case offset > 0:
		return fmt.Sprintf(" OFFSET %d", offset)
	}
	return ""
}

func (s *Store) query(ctx context.Context, query string, args []any, selected []column) ([]request.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("crm: get: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []request.Record
	for rows.Next() {
		var id int64
		values := make([]sql.NullString, len(selected)-1)
		dest := make([]any, len(selected))
		dest[0] = &id
		for i := range values {
			dest[i+1] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("crm: scan: %w", err)
		}

		rec := request.Record{"id": id}
		for i, col := range selected[1:] {
			rec[col.key] = decode(col, values[i])
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("crm: get: %w", err)
	}
	return out, nil
}

func decode(col column, v sql.NullString) any {
	if col.multi {
		list := fieldmap.Unserialize(v.String)
		if list == nil {
			list = []string{}
		}
		return list
	}
	if !v.Valid {
		return nil
	}
	return v.String
}

func condition(col column, f request.Filter, args *database.Args) string {
	if !f.Unary() && f.Operator != request.OpIn && f.Operator != request.OpNotIn && len(f.Values) == 0 {
		return ""
	}
	if col.multi {
		return multiCondition(col.expr, f, args)
	}
	switch f.Operator {
	case request.OpIsNull:
		return fmt.Sprintf("(%s IS NULL OR %s = '')", col.expr, col.expr)
	case request.OpIsNotNull:
		return fmt.Sprintf("(%s IS NOT NULL AND %s <> '')", col.expr, col.expr)
	case request.OpIn, request.OpNotIn:
		if len(f.Values) == 0 {
			if f.Operator == request.OpIn {
				return "1 = 0"
			}
			return ""
		}
		ph := make([]string, len(f.Values))
		for i, v := range f.Values {
			ph[i] = args.Add(v)
		}
		return fmt.Sprintf("%s %s (%s)", col.expr, f.Operator, strings.Join(ph, ", "))
	}
	if len(f.Values) == 0 {
		return ""
	}
	return fmt.Sprintf("%s %s %s", col.expr, f.Operator, args.Add(f.Values[0]))
}

// multiCondition matches whole values inside a serialized list. IN requires
// every value to be present.
func multiCondition(expr string, f request.Filter, args *database.Args) string {
	contains := func(v string) string {
		return fmt.Sprintf(`%s LIKE %s ESCAPE '\'`, expr, args.Add(fieldmap.LikePattern(v)))
	}
	lacks := func(v string) string {
		return fmt.Sprintf(`%s NOT LIKE %s ESCAPE '\'`, expr, args.Add(fieldmap.LikePattern(v)))
	}

	switch f.Operator {
	case request.OpIsNull:
		return fmt.Sprintf("(%s IS NULL OR %s = '')", expr, expr)
	case request.OpIsNotNull:
		return fmt.Sprintf("(%s IS NOT NULL AND %s <> '')", expr, expr)
	case request.OpEqual:
		return contains(f.Values[0])
	case request.OpNotEqual:
		return fmt.Sprintf("(%s IS NULL OR %s)", expr, lacks(f.Values[0]))
	case request.OpIn:
		if len(f.Values) == 0 {
			return "1 = 0"
		}
		terms := make([]string, len(f.Values))
		for i, v := range f.Values {
			terms[i] = contains(v)
		}
		return "(" + strings.Join(terms, " AND ") + ")"
	case request.OpNotIn:
		if len(f.Values) == 0 {
			return ""
		}
		terms := make([]string, len(f.Values))
		for i, v := range f.Values {
			terms[i] = lacks(v)
		}
		return fmt.Sprintf("(%s IS NULL OR (%s))", expr, strings.Join(terms, " AND "))
	}
	if len(f.Values) == 0 {
		return ""
	}
	return fmt.Sprintf("%s %s %s", expr, f.Operator, args.Add(f.Values[0]))
}

// GetByID returns one non-deleted contact with the given return fields.
func (s *Store) GetByID(ctx context.Context, id int64, fields ...string) (request.Record, error) {
	recs, err := s.Get(ctx, request.Query{IDs: []int64{id}, Restricted: true, Return: fields, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrContactNotFound
	}
	return recs[0], nil
}

// ContactHash returns the hash of a non-deleted contact.
func (s *Store) ContactHash(ctx context.Context, contactID int64) (string, error) {
	query := fmt.Sprintf("SELECT hash FROM contacts WHERE id = %s AND is_deleted = 0", s.dialect.Placeholder(1))
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx, query, contactID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrContactNotFound
	}
	if err != nil {
		return "", fmt.Errorf("crm: contact hash: %w", err)
	}
	return hash.String, nil
}

// OwnerContact returns the contact an entity belongs to.
func (s *Store) OwnerContact(_ context.Context, entity string, id int64) (int64, error) {
	if strings.EqualFold(entity, "contact") {
		return id, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedEntity, entity)
}

func newHash() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("crm: read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
