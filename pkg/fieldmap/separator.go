package fieldmap

import (
	"regexp"
)

// QualifiedSeparator joins a custom group and field name internally.
const QualifiedSeparator = "."

// SeparatorMapper rewrites group<sep>field keys used by callers that cannot
// send dots in parameter names into group.field and back.
type SeparatorMapper struct {
	external string
	in       *regexp.Regexp
	out      *regexp.Regexp
}

// NewSeparatorMapper creates a mapper for the external separator sep.
func NewSeparatorMapper(sep string) *SeparatorMapper {
	return &SeparatorMapper{
		external: sep,
		in:       qualifiedPattern(sep),
		out:      qualifiedPattern(QualifiedSeparator),
	}
}

func qualifiedPattern(sep string) *regexp.Regexp {
	return regexp.MustCompile(`^(\w+?)` + regexp.QuoteMeta(sep) + `(\w+)$`)
}

// Inbound rewrites external keys of params to qualified names.
func (m *SeparatorMapper) Inbound(params map[string]any) map[string]any {
	return m.rewrite(params, m.in, QualifiedSeparator)
}

// Outbound rewrites qualified keys of data to the external separator.
func (m *SeparatorMapper) Outbound(data map[string]any) map[string]any {
	return m.rewrite(data, m.out, m.external)
}

func (m *SeparatorMapper) rewrite(data map[string]any, pattern *regexp.Regexp, to string) map[string]any {
	if m.external == QualifiedSeparator || m.external == "" {
		return data
	}
	out := make(map[string]any, len(data))
	for key, value := range data {
		match := pattern.FindStringSubmatch(key)
		if match == nil || match[1] == "option" || match[1] == "options" {
			out[key] = value
			continue
		}
		out[match[1]+to+match[2]] = value
	}
	return out
}
