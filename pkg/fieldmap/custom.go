package fieldmap

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// ErrUnknownField is returned for custom fields that are not defined.
var ErrUnknownField = errors.New("fieldmap: unknown custom field")

var customFieldName = regexp.MustCompile(`^custom_(\d+)$`)

// CustomField describes a defined custom field and its physical storage.
type CustomField struct {
	ID          int64  `json:"id"`
	GroupID     int64  `json:"custom_group_id"`
	Group       string `json:"custom_group"`
	Name        string `json:"name"`
	Label       string `json:"label"`
	Table       string `json:"table_name"`
	Column      string `json:"column_name"`
	DataType    string `json:"data_type"`
	MultiValue  bool   `json:"serialize"`
	OptionGroup string `json:"option_group,omitempty"`
}

// InternalName is the custom_<id> name used in queries.
func (f CustomField) InternalName() string {
	return "custom_" + strconv.FormatInt(f.ID, 10)
}

// QualifiedName is the group.field name used by callers.
func (f CustomField) QualifiedName() string {
	return f.Group + QualifiedSeparator + f.Name
}

// Storage is the physical location of a custom field's values.
type Storage struct {
	Table      string
	Column     string
	MultiValue bool
}

// ParseCustomFieldName extracts the id from a custom_<id> name.
func ParseCustomFieldName(name string) (int64, bool) {
	m := customFieldName.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// SplitQualified splits group.field. ok is false for plain names.
func SplitQualified(name string) (group, field string, ok bool) {
	group, field, ok = strings.Cut(name, QualifiedSeparator)
	if !ok || group == "" || field == "" {
		return "", "", false
	}
	return group, field, true
}

// FieldSource looks up custom field definitions.
type FieldSource interface {
	FieldByID(ctx context.Context, id int64) (CustomField, error)
	FieldByName(ctx context.Context, group, name string) (CustomField, error)
}

// ResolveStorage reports where the values of an internal field are stored.
// ok is false for names outside the custom_<id> convention and for unknown
// custom fields.
func ResolveStorage(ctx context.Context, src FieldSource, internalName string) (Storage, bool, error) {
	id, ok := ParseCustomFieldName(internalName)
	if !ok {
		return Storage{}, false, nil
	}
	f, err := src.FieldByID(ctx, id)
	if errors.Is(err, ErrUnknownField) {
		return Storage{}, false, nil
	}
	if err != nil {
		return Storage{}, false, err
	}
	return Storage{Table: f.Table, Column: f.Column, MultiValue: f.MultiValue}, true, nil
}

// ResolveQualified turns group.field into custom_<id>. Other names are
// returned unchanged.
func ResolveQualified(ctx context.Context, src FieldSource, name string) (string, error) {
	group, field, ok := SplitQualified(name)
	if !ok || group == "option" || group == "options" {
		return name, nil
	}
	f, err := src.FieldByName(ctx, group, field)
	if err != nil {
		return "", err
	}
	return f.InternalName(), nil
}

// ResolveQualifiedKeys rewrites every group.field key of params to its
// custom_<id> name. Unknown qualified names are left as they are.
func ResolveQualifiedKeys(ctx context.Context, src FieldSource, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, err := ResolveQualified(ctx, src, k)
		if errors.Is(err, ErrUnknownField) {
			resolved = k
		} else if err != nil {
			return nil, err
		}
		out[resolved] = v
	}
	return out, nil
}
