// Package orquery gives "any of these values" semantics to IN filters on
// multi-value custom fields. The contact store ANDs the values of such a
// filter; the rewriter pulls the filter out of the request, finds the
// matching contacts with a raw OR query against the custom value tables
// and narrows the request to those ids.
package orquery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zfranque/de.systopia.remotetools/pkg/database"
	"github.com/zfranque/de.systopia.remotetools/pkg/fieldmap"
	"github.com/zfranque/de.systopia.remotetools/pkg/request"
)

// OptionName is the request option listing the fields to search in OR mode.
const OptionName = "multivalue_search_mode_or"

// Query is one extracted OR filter.
type Query struct {
	Parameter     string
	InternalField string
	Storage       fieldmap.Storage
	Values        []string
}

// Rewriter extracts and executes OR filters.
type Rewriter struct {
	db        database.DBTX
	dialect   database.Dialect
	fields    fieldmap.FieldSource
	baseTable string
	logger    *slog.Logger
}

// Option configures a Rewriter.
type Option func(*Rewriter)

// WithBaseTable overrides the entity table the value tables join against.
func WithBaseTable(table string) Option {
	return func(r *Rewriter) { r.baseTable = table }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Rewriter) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a rewriter.
func New(db database.DBTX, dialect database.Dialect, fields fieldmap.FieldSource, opts ...Option) *Rewriter {
	r := &Rewriter{
		db:        db,
		dialect:   dialect,
		fields:    fields,
		baseTable: "contacts",
		logger:    slog.Default().With("component", "orquery"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply runs the rewrite on req. External field names are mapped through
// mapper. Storage failures are recorded as request errors.
func (r *Rewriter) Apply(ctx context.Context, req *request.Request, mapper *fieldmap.Mapper) {
	queries, err := r.Extract(ctx, req, mapper)
	if err != nil {
		r.logger.ErrorContext(ctx, "or query extraction failed", "error", err)
		req.AddError("Multi-value search could not be prepared", "")
		return
	}
	if len(queries) == 0 {
		return
	}

	ids, err := r.Execute(ctx, queries)
	if err != nil {
		r.logger.ErrorContext(ctx, "or query failed", "error", err)
		req.AddError("Multi-value search failed", "")
		return
	}
	req.RestrictIDs(ids)
}

// Extract removes the OR-eligible filters from req and returns them.
// Fields that do not qualify stay in the request for standard processing.
func (r *Rewriter) Extract(ctx context.Context, req *request.Request, mapper *fieldmap.Mapper) ([]Query, error) {
	requested := request.List(req.Option(OptionName))
	if len(requested) == 0 {
		return nil, nil
	}

	var queries []Query
	for _, field := range requested {
		filter, err := request.ParseFilter(req.Param(field))
		if err != nil || filter.Operator != request.OpIn || len(filter.Values) < 2 {
			r.logger.DebugContext(ctx, "or search needs an IN filter with several values", "field", field)
			req.AddWarning(fmt.Sprintf("Field '%s' has requested OR search, but has only one value. Standard search is used.", field), field)
			continue
		}

		internal := mapper.Internal(field)
		resolved, err := fieldmap.ResolveQualified(ctx, r.fields, internal)
		switch {
		case errors.Is(err, fieldmap.ErrUnknownField):
			resolved = internal
		case err != nil:
			return nil, err
		}

		storage, ok, err := fieldmap.ResolveStorage(ctx, r.fields, resolved)
		if err != nil {
			return nil, err
		}
		if !ok || !storage.MultiValue {
			r.logger.DebugContext(ctx, "or search on a field without multi-value storage", "field", field)
			req.AddStatus(fmt.Sprintf("Field '%s' does not refer to a multi-value custom field. Standard search is used.", field), field)
			continue
		}

		queries = append(queries, Query{
			Parameter:     field,
			InternalField: resolved,
			Storage:       storage,
			Values:        filter.Values,
		})
	}

	for _, q := range queries {
		req.RemoveParam(q.Parameter)
	}
	return queries, nil
}

// Build renders the SQL selecting the ids matched by queries: the value
// lists of one field are ORed, different fields are ANDed.
func (r *Rewriter) Build(queries []Query) (string, []any) {
	args := database.NewArgs(r.dialect)

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT DISTINCT base.id FROM %s base", r.baseTable)
	for i, q := range queries {
		fmt.Fprintf(&sb, " LEFT JOIN %s mv%d ON mv%d.entity_id = base.id", q.Storage.Table, i, i)
	}

	groups := make([]string, 0, len(queries))
	for i, q := range queries {
		terms := make([]string, 0, len(q.Values))
		for _, v := range q.Values {
			terms = append(terms, fmt.Sprintf(`mv%d.%s LIKE %s ESCAPE '\'`, i, q.Storage.Column, args.Add(fieldmap.LikePattern(v))))
		}
		groups = append(groups, "("+strings.Join(terms, " OR ")+")")
	}
	if len(groups) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(groups, " AND "))
	}
	sb.WriteString(" ORDER BY base.id")
	return sb.String(), args.Values()
}

// Execute runs the OR query and returns the matching ids.
func (r *Rewriter) Execute(ctx context.Context, queries []Query) ([]int64, error) {
	query, args := r.Build(queries)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("orquery: execute: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("orquery: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("orquery: execute: %w", err)
	}
	return ids, nil
}
