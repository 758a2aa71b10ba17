package request

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidFilter is returned for filter values that cannot be parsed.
var ErrInvalidFilter = errors.New("request: invalid filter")

// Operator is a comparison supported by the contact store.
type Operator string

const (
	OpEqual        Operator = "="
	OpNotEqual     Operator = "!="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpLike         Operator = "LIKE"
	OpNotLike      Operator = "NOT LIKE"
	OpIn           Operator = "IN"
	OpNotIn        Operator = "NOT IN"
	OpIsNull       Operator = "IS NULL"
	OpIsNotNull    Operator = "IS NOT NULL"
)

var operators = map[string]Operator{
	"=":           OpEqual,
	"!=":          OpNotEqual,
	"<>":          OpNotEqual,
	">":           OpGreater,
	">=":          OpGreaterEqual,
	"<":           OpLess,
	"<=":          OpLessEqual,
	"LIKE":        OpLike,
	"NOT LIKE":    OpNotLike,
	"IN":          OpIn,
	"NOT IN":      OpNotIn,
	"IS NULL":     OpIsNull,
	"IS NOT NULL": OpIsNotNull,
}

// ParseOperator normalizes an operator name.
func ParseOperator(s string) (Operator, bool) {
	op, ok := operators[strings.ToUpper(strings.TrimSpace(s))]
	return op, ok
}

// Filter is one condition on a field.
type Filter struct {
	Operator Operator `json:"operator"`
	Values   []string `json:"values,omitempty"`
}

// IsSet reports whether the filter matches against a set of values.
func (f Filter) IsSet() bool {
	return f.Operator == OpIn || f.Operator == OpNotIn
}

// Unary reports whether the operator takes no value.
func (f Filter) Unary() bool {
	return f.Operator == OpIsNull || f.Operator == OpIsNotNull
}

// In returns an IN filter over values.
func In(values ...string) Filter {
	return Filter{Operator: OpIn, Values: values}
}

// Eq returns an equality filter.
func Eq(value string) Filter {
	return Filter{Operator: OpEqual, Values: []string{value}}
}

// ParseFilter accepts a scalar (equality), an {"OP": value} map, an
// ["OP", value] pair or a plain list (IN).
func ParseFilter(v any) (Filter, error) {
	switch t := v.(type) {
	case Filter:
		return t, nil
	case *Filter:
		return *t, nil
	case nil:
		return Filter{}, fmt.Errorf("%w: empty value", ErrInvalidFilter)
	case map[string]any:
		if len(t) != 1 {
			return Filter{}, fmt.Errorf("%w: expected a single operator, got %d", ErrInvalidFilter, len(t))
		}
		for k, val := range t {
			op, ok := ParseOperator(k)
			if !ok {
				return Filter{}, fmt.Errorf("%w: unknown operator %q", ErrInvalidFilter, k)
			}
			return withOperator(op, val)
		}
	case []string:
		return In(t...), nil
	case []any:
		if len(t) == 2 {
			if s, ok := t[0].(string); ok {
				if op, ok := ParseOperator(s); ok {
					return withOperator(op, t[1])
				}
			}
		}
		values, err := scalars(t)
		if err != nil {
			return Filter{}, err
		}
		return In(values...), nil
	}
	s, err := scalar(v)
	if err != nil {
		return Filter{}, err
	}
	return Eq(s), nil
}

func withOperator(op Operator, v any) (Filter, error) {
	f := Filter{Operator: op}
	if f.Unary() {
		return f, nil
	}
	switch t := v.(type) {
	case []any:
		values, err := scalars(t)
		if err != nil {
			return Filter{}, err
		}
		f.Values = values
	case []string:
		f.Values = t
	default:
		s, err := scalar(v)
		if err != nil {
			return Filter{}, err
		}
		f.Values = []string{s}
	}
	if !f.IsSet() && len(f.Values) != 1 {
		return Filter{}, fmt.Errorf("%w: %s takes one value", ErrInvalidFilter, op)
	}
	return f, nil
}

func scalars(list []any) ([]string, error) {
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, err := scalar(item)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func scalar(v any) (string, error) {
	switch t := v.(type) {
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
	case interface{ String() string }:
		return t.String(), nil
	}
	return "", fmt.Errorf("%w: unsupported value %T", ErrInvalidFilter, v)
}

// SortedKeys returns the keys of filters in a stable order.
func SortedKeys(filters map[string]Filter) []string {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
