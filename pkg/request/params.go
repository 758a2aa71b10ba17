package request

import (
	"strconv"
	"strings"
)

// Reserved parameter names.
const (
	KeyReturn          = "return"
	KeyOptions         = "options"
	KeyProfile         = "profile"
	KeyRemoteContactID = "remote_contact_id"
	KeySequential      = "sequential"
	KeyCheckPerms      = "check_permissions"
	KeyLogDebug        = "log_debug"
	KeyLegacySort      = "option.sort"
	KeyID              = "id"
)

// DefaultLimit applies when a request carries no options.limit.
const DefaultLimit = 25

var reserved = map[string]bool{
	KeyReturn:          true,
	KeyOptions:         true,
	KeyProfile:         true,
	KeyRemoteContactID: true,
	KeySequential:      true,
	KeyCheckPerms:      true,
	KeyLogDebug:        true,
	"version":          true,
	"debug":            true,
	"option":           true,
}

// IsReserved reports whether a parameter is a control parameter rather
// than a filter.
func IsReserved(name string) bool {
	return reserved[name] || strings.HasPrefix(name, "option.") || strings.HasPrefix(name, "options.")
}

// Params is a set of request parameters as received from the caller.
type Params map[string]any

// Clone returns a deep copy of p.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = cloneValue(val)
		}
		return m
	case Params:
		return t.Clone()
	case []any:
		l := make([]any, len(t))
		for i, val := range t {
			l[i] = cloneValue(val)
		}
		return l
	case []string:
		return append([]string(nil), t...)
	}
	return v
}

func (p Params) options() map[string]any {
	switch t := p[KeyOptions].(type) {
	case map[string]any:
		return t
	case Params:
		return t
	}
	return nil
}

// Option returns options.<name>, falling back to the flat option.<name>
// and options.<name> keys.
func (p Params) Option(name string) any {
	if v, ok := p.options()[name]; ok {
		return v
	}
	if v, ok := p["options."+name]; ok {
		return v
	}
	return p["option."+name]
}

// SetOption sets options.<name>.
func (p Params) SetOption(name string, value any) {
	opts := p.options()
	if opts == nil {
		opts = map[string]any{}
		p[KeyOptions] = opts
	}
	opts[name] = value
}

// String returns p[name] as a string.
func (p Params) String(name string) string {
	s, _ := scalar(p[name])
	return s
}

// Bool interprets p[name] as a flag ("1", "true", "yes" or true).
func (p Params) Bool(name string) bool {
	return truthy(p[name])
}

// List returns a value as a list of strings. Strings are split at commas.
func List(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		parts := strings.Split(t, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	case []string:
		return t
	case []any:
		out, err := scalars(t)
		if err != nil {
			return nil
		}
		return out
	}
	if s, err := scalar(v); err == nil {
		return []string{s}
	}
	return nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	}
	s, err := scalar(v)
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "false", "no", "off":
		return false
	}
	return true
}

func intOption(v any, fallback int) int {
	s, err := scalar(v)
	if err != nil || s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
