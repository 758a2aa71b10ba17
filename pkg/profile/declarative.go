package profile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"

	"github.com/zfranque/de.systopia.remotetools/pkg/fieldmap"
	"github.com/zfranque/de.systopia.remotetools/pkg/request"
)

// Definition is a profile declared in configuration.
type Definition struct {
	ID           string            `yaml:"id" json:"id"`
	Name         string            `yaml:"name,omitempty" json:"name,omitempty"`
	SelfData     bool              `yaml:"self_data,omitempty" json:"self_data,omitempty"`
	Fields       []FieldDefinition `yaml:"fields" json:"fields"`
	Restrictions map[string]any    `yaml:"restrictions,omitempty" json:"restrictions,omitempty"`
	Filter       string            `yaml:"filter,omitempty" json:"filter,omitempty"`
}

// FieldDefinition declares one exposed field. Internal defaults to Name and
// may be a qualified custom field name (group.field).
type FieldDefinition struct {
	Name        string `yaml:"name" json:"name"`
	Internal    string `yaml:"internal,omitempty" json:"internal,omitempty"`
	Type        string `yaml:"type,omitempty" json:"type,omitempty"`
	Title       string `yaml:"title,omitempty" json:"title,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Filter      bool   `yaml:"filter,omitempty" json:"filter,omitempty"`
	Sort        bool   `yaml:"sort,omitempty" json:"sort,omitempty"`
	Serialize   bool   `yaml:"serialize,omitempty" json:"serialize,omitempty"`
	OptionGroup string `yaml:"option_group,omitempty" json:"option_group,omitempty"`
}

// OptionSource lists the value -> label pairs of an option group.
type OptionSource interface {
	OptionLabels(ctx context.Context, group string) (map[string]string, error)
}

// Declarative is a profile built from a Definition.
type Declarative struct {
	Base
	selfData     bool
	restrictions map[string]any
	exposed      map[string]bool
	program      cel.Program
}

// NewDeclarative builds a profile from def. Qualified internal names are
// resolved through fields; options are loaded through options. Either may
// be nil when the definition does not need it.
func NewDeclarative(ctx context.Context, def Definition, fields fieldmap.FieldSource, options OptionSource) (*Declarative, error) {
	if def.ID == "" {
		return nil, errors.New("profile: definition without id")
	}
	if len(def.Fields) == 0 {
		return nil, fmt.Errorf("profile %s: no fields declared", def.ID)
	}

	mapping := map[string]string{"id": "id"}
	exposed := map[string]bool{"id": true}
	specs := make([]FieldSpec, 0, len(def.Fields))
	for _, fd := range def.Fields {
		internal := fd.Internal
		if internal == "" {
			internal = fd.Name
		}
		if _, _, qualified := fieldmap.SplitQualified(internal); qualified {
			if fields == nil {
				return nil, fmt.Errorf("profile %s: field %s needs custom field resolution", def.ID, fd.Name)
			}
			resolved, err := fieldmap.ResolveQualified(ctx, fields, internal)
			if err != nil {
				return nil, fmt.Errorf("profile %s: field %s: %w", def.ID, fd.Name, err)
			}
			internal = resolved
		}
		mapping[fd.Name] = internal
		exposed[fd.Name] = true

		spec := FieldSpec{
			Name:        fd.Name,
			Type:        fd.Type,
			Title:       fd.Title,
			Description: fd.Description,
			Filterable:  fd.Filter,
			Sortable:    fd.Sort,
		}
		if spec.Type == "" {
			spec.Type = "String"
		}
		if spec.Title == "" {
			spec.Title = fd.Name
		}
		if fd.OptionGroup != "" && options != nil {
			labels, err := options.OptionLabels(ctx, fd.OptionGroup)
			if err != nil {
				return nil, fmt.Errorf("profile %s: options of %s: %w", def.ID, fd.Name, err)
			}
			spec.Options = labels
		}
		specs = append(specs, spec)
	}

	p := &Declarative{
		Base:         NewBase(def.ID, def.Name, mapping, specs...),
		selfData:     def.SelfData,
		restrictions: def.Restrictions,
		exposed:      exposed,
	}
	if def.Filter != "" {
		prg, err := compileFilter(def.Filter)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", def.ID, err)
		}
		p.program = prg
	}
	return p, nil
}

func compileFilter(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("filter env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("filter compile: %w", issues.Err())
	}
	return env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
}

func (p *Declarative) IsOwnDataProfile(*request.Request) bool { return p.selfData }

// ApplyRestrictions forces the declared internal field values.
func (p *Declarative) ApplyRestrictions(_ context.Context, req *request.Request) {
	keys := make([]string, 0, len(p.restrictions))
	for k := range p.restrictions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		req.SetParam(k, p.restrictions[k])
	}
}

// FilterResult renames fields to their external names, drops fields the
// profile does not expose and removes records rejected by the filter.
func (p *Declarative) FilterResult(_ context.Context, req *request.Request, reply *request.Reply) {
	kept := reply.Values[:0]
	for _, rec := range reply.Values {
		out := request.Record{}
		for k, v := range rec {
			ext := p.mapper.External(k)
			if p.exposed[ext] {
				out[ext] = v
			}
		}

		if p.program != nil {
			ok, err := p.accept(out)
			if err != nil {
				req.AddWarning(fmt.Sprintf("Record %d could not be filtered: %v", rec.ID(), err), "")
				continue
			}
			if !ok {
				continue
			}
		}
		kept = append(kept, out)
	}
	reply.Values = kept
}

func (p *Declarative) accept(rec request.Record) (bool, error) {
	out, _, err := p.program.Eval(map[string]any{"record": map[string]any(rec)})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("result not bool")
	}
	return val, nil
}
