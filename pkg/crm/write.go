package crm

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/zfranque/de.systopia.remotetools/pkg/database"
	"github.com/zfranque/de.systopia.remotetools/pkg/fieldmap"
	"github.com/zfranque/de.systopia.remotetools/pkg/request"
)

type customWrite struct {
	columns []string
	values  []any
}

type writeSet struct {
	core    []string
	values  []any
	custom  map[string]*customWrite
	tables  []string
	touched []string
}

func (s *Store) prepare(ctx context.Context, values map[string]any) (*writeSet, error) {
	ws := &writeSet{custom: map[string]*customWrite{}}
	for _, name := range sortedKeys(values) {
		v := values[name]
		if f, ok := coreByName[name]; ok {
			if !f.Writable {
				return nil, fmt.Errorf("%w: %s is read-only", ErrUnknownField, name)
			}
			text, err := toText(v)
			if err != nil {
				return nil, fmt.Errorf("crm: field %s: %w", name, err)
			}
			ws.core = append(ws.core, name)
			ws.values = append(ws.values, text)
			ws.touched = append(ws.touched, name)
			continue
		}

		col, ok, err := s.resolve(ctx, name, nil)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownField, name)
		}
		var stored any
		if col.multi {
			list, err := toList(v)
			if err != nil {
				return nil, fmt.Errorf("crm: field %s: %w", name, err)
			}
			stored = fieldmap.Serialize(list)
		} else {
			text, err := toText(v)
			if err != nil {
				return nil, fmt.Errorf("crm: field %s: %w", name, err)
			}
			stored = text
		}
		cw, ok := ws.custom[col.table]
		if !ok {
			cw = &customWrite{}
			ws.custom[col.table] = cw
			ws.tables = append(ws.tables, col.table)
		}
		cw.columns = append(cw.columns, col.field.Column)
		cw.values = append(cw.values, stored)
		ws.touched = append(ws.touched, name)
	}
	return ws, nil
}

// Create inserts a contact and returns its id. values may hold core fields
// and custom fields by custom_<id> or group.field name.
func (s *Store) Create(ctx context.Context, values map[string]any) (int64, error) {
	ws, err := s.prepare(ctx, values)
	if err != nil {
		return 0, err
	}
	hash, err := newHash()
	if err != nil {
		return 0, err
	}

	columns := append([]string{}, ws.core...)
	vals := append([]any{}, ws.values...)
	if _, ok := values["display_name"]; !ok {
		columns = append(columns, "display_name")
		vals = append(vals, displayName(values))
	}
	columns = append(columns, "hash")
	vals = append(vals, hash)

	query := fmt.Sprintf("INSERT INTO contacts (%s) VALUES (%s) RETURNING id",
		strings.Join(columns, ", "), s.dialect.Placeholders(1, len(vals)))
	var id int64
	if err := s.db.QueryRowContext(ctx, query, vals...).Scan(&id); err != nil {
		return 0, fmt.Errorf("crm: create contact: %w", err)
	}
	if err := s.writeCustom(ctx, id, ws); err != nil {
		return 0, err
	}
	s.logger.DebugContext(ctx, "contact created", "contact_id", id)
	return id, nil
}

// Update writes values to an existing contact and returns the stored record
// with the core fields and every updated field.
func (s *Store) Update(ctx context.Context, id int64, values map[string]any) (request.Record, error) {
	if _, err := s.ContactHash(ctx, id); err != nil {
		return nil, err
	}
	ws, err := s.prepare(ctx, values)
	if err != nil {
		return nil, err
	}

	if len(ws.core) > 0 {
		args := database.NewArgs(s.dialect)
		sets := make([]string, len(ws.core))
		for i, col := range ws.core {
			sets[i] = col + " = " + args.Add(ws.values[i])
		}
		query := fmt.Sprintf("UPDATE contacts SET %s WHERE id = %s", strings.Join(sets, ", "), args.Add(id))
		if _, err := s.db.ExecContext(ctx, query, args.Values()...); err != nil {
			return nil, fmt.Errorf("crm: update contact %d: %w", id, err)
		}
	}
	if err := s.writeCustom(ctx, id, ws); err != nil {
		return nil, err
	}

	fields := make([]string, 0, len(CoreFields)+len(ws.touched))
	for _, f := range CoreFields {
		if f.Name != "is_deleted" {
			fields = append(fields, f.Name)
		}
	}
	fields = append(fields, ws.touched...)
	return s.GetByID(ctx, id, fields...)
}

func (s *Store) writeCustom(ctx context.Context, id int64, ws *writeSet) error {
	for _, table := range ws.tables {
		cw := ws.custom[table]
		columns := append([]string{"entity_id"}, cw.columns...)
		vals := append([]any{id}, cw.values...)
		updates := make([]string, len(cw.columns))
		for i, col := range cw.columns {
			updates[i] = col + " = excluded." + col
		}
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (entity_id) DO UPDATE SET %s",
			table, strings.Join(columns, ", "), s.dialect.Placeholders(1, len(vals)), strings.Join(updates, ", "))
		if _, err := s.db.ExecContext(ctx, query, vals...); err != nil {
			return fmt.Errorf("crm: write %s for contact %d: %w", table, id, err)
		}
	}
	return nil
}

// SoftDelete moves a contact to the trash.
func (s *Store) SoftDelete(ctx context.Context, id int64) error {
	query := fmt.Sprintf("UPDATE contacts SET is_deleted = 1 WHERE id = %s", s.dialect.Placeholder(1))
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("crm: delete contact %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrContactNotFound
	}
	return nil
}

// RegenerateHash replaces the contact hash, invalidating every token signed
// with the old one.
func (s *Store) RegenerateHash(ctx context.Context, id int64) (string, error) {
	hash, err := newHash()
	if err != nil {
		return "", err
	}
	query := fmt.Sprintf("UPDATE contacts SET hash = %s WHERE id = %s AND is_deleted = 0",
		s.dialect.Placeholder(1), s.dialect.Placeholder(2))
	res, err := s.db.ExecContext(ctx, query, hash, id)
	if err != nil {
		return "", fmt.Errorf("crm: regenerate hash %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return "", ErrContactNotFound
	}
	return hash, nil
}

// Option is one entry of an option group.
type Option struct {
	Name   string
	Value  string
	Label  string
	Weight int
}

// AddOption defines an option. Existing options are left untouched.
func (s *Store) AddOption(ctx context.Context, group string, opt Option) error {
	query := fmt.Sprintf(`INSERT INTO option_values (option_group, name, value, label, weight)
		VALUES (%s) ON CONFLICT (option_group, name) DO NOTHING`, s.dialect.Placeholders(1, 5))
	if _, err := s.db.ExecContext(ctx, query, group, opt.Name, opt.Value, opt.Label, opt.Weight); err != nil {
		return fmt.Errorf("crm: add option %s/%s: %w", group, opt.Name, err)
	}
	return nil
}

// Options lists the active options of a group by weight.
func (s *Store) Options(ctx context.Context, group string) ([]Option, error) {
	query := fmt.Sprintf(`SELECT name, value, label, weight FROM option_values
		WHERE option_group = %s AND is_active = 1 ORDER BY weight, id`, s.dialect.Placeholder(1))
	rows, err := s.db.QueryContext(ctx, query, group)
	if err != nil {
		return nil, fmt.Errorf("crm: options %s: %w", group, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Option
	for rows.Next() {
		var o Option
		if err := rows.Scan(&o.Name, &o.Value, &o.Label, &o.Weight); err != nil {
			return nil, fmt.Errorf("crm: scan option: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// OptionLabels maps option values to labels.
func (s *Store) OptionLabels(ctx context.Context, group string) (map[string]string, error) {
	opts, err := s.Options(ctx, group)
	if err != nil {
		return nil, err
	}
	labels := make(map[string]string, len(opts))
	for _, o := range opts {
		labels[o.Value] = o.Label
	}
	return labels, nil
}

func displayName(values map[string]any) string {
	first, _ := toText(values["first_name"])
	last, _ := toText(values["last_name"])
	name := strings.TrimSpace(first + " " + last)
	if name == "" {
		name, _ = toText(values["email"])
	}
	return name
}

func toText(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool:
		if t {
			return "1", nil
		}
		return "0", nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case fmt.Stringer:
		return t.String(), nil
	}
	return "", fmt.Errorf("unsupported value %T", v)
}

func toList(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, err := toText(item)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		if t == "" {
			return nil, nil
		}
		return strings.Split(t, ","), nil
	}
	s, err := toText(v)
	if err != nil {
		return nil, err
	}
	return []string{s}, nil
}
