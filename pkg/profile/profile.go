// Package profile defines the strategies that decide which contact fields a
// remote integration may search and see, and how requests and results are
// shaped for it.
package profile

import (
	"context"
	"sort"

	"github.com/zfranque/de.systopia.remotetools/pkg/fieldmap"
	"github.com/zfranque/de.systopia.remotetools/pkg/request"
)

// FieldSpec describes one field offered to remote callers.
type FieldSpec struct {
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Filterable  bool              `json:"api.filter"`
	Sortable    bool              `json:"api.sort"`
	Core        bool              `json:"is_core_field"`
	Required    bool              `json:"is_required"`
	Options     map[string]string `json:"options,omitempty"`
}

// Profile is a named strategy attached to a request.
type Profile interface {
	// ID is the unique registry name.
	ID() string
	// Name is a human-readable label.
	Name() string
	// Fields are the fields this profile adds to the field catalog.
	Fields(ctx context.Context) []FieldSpec
	// Init prepares the request; it may record errors.
	Init(ctx context.Context, req *request.Request)
	// IsOwnDataProfile reports whether the profile serves get_self.
	IsOwnDataProfile(req *request.Request) bool
	// ReturnFields are the internal fields requested from the store.
	ReturnFields(req *request.Request) []string
	// ApplyRestrictions enforces profile constraints on the working request.
	ApplyRestrictions(ctx context.Context, req *request.Request)
	// AdjustSorting maps sort fields to internal names.
	AdjustSorting(req *request.Request)
	// FilterResult reshapes the reply in place.
	FilterResult(ctx context.Context, req *request.Request, reply *request.Reply)
	// Mapper translates between external and internal field names.
	Mapper() *fieldmap.Mapper
}

// Base provides the default behaviour of a Profile. Embed it and override
// what differs.
type Base struct {
	id     string
	name   string
	mapper *fieldmap.Mapper
	fields []FieldSpec
}

// NewBase creates the defaults for a profile with the given external ->
// internal mapping.
func NewBase(id, name string, mapping map[string]string, fields ...FieldSpec) Base {
	if name == "" {
		name = id
	}
	return Base{id: id, name: name, mapper: fieldmap.NewMapper(mapping), fields: fields}
}

// ID returns the registry id.
func (b *Base) ID() string { return b.id }

// Name returns the human-readable name.
func (b *Base) Name() string { return b.name }

// Fields returns a copy of the contributed field specs.
func (b *Base) Fields(context.Context) []FieldSpec {
	return append([]FieldSpec(nil), b.fields...)
}

// Init does nothing by default.
func (b *Base) Init(context.Context, *request.Request) {}

// IsOwnDataProfile defaults to false.
func (b *Base) IsOwnDataProfile(*request.Request) bool { return false }

// ReturnFields defaults to every internal field of the mapping.
func (b *Base) ReturnFields(*request.Request) []string {
	fields := make([]string, 0, b.mapper.Len())
	for internal := range b.mapper.InternalToExternal() {
		fields = append(fields, internal)
	}
	sort.Strings(fields)
	return fields
}

// ApplyRestrictions adds no restrictions by default.
func (b *Base) ApplyRestrictions(context.Context, *request.Request) {}

// AdjustSorting rewrites the caller's sort fields to internal names.
// Unmapped fields pass through.
func (b *Base) AdjustSorting(req *request.Request) {
	sorting := req.Sorting()
	for i := range sorting {
		sorting[i].Field = b.mapper.Internal(sorting[i].Field)
	}
	req.SetSorting(sorting)
}

// FilterResult leaves the reply unchanged by default.
func (b *Base) FilterResult(context.Context, *request.Request, *request.Reply) {}

// Mapper returns the external <-> internal field mapping.
func (b *Base) Mapper() *fieldmap.Mapper { return b.mapper }
