package request

import (
	"regexp"
	"strings"
)

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Sort is one field of a sort specification.
type Sort struct {
	Field     string
	Direction Direction
}

var sortToken = regexp.MustCompile(`(?i)^([\w.]+)(?: +(asc|desc))?$`)

// ParseSorting parses "field direction, field direction". The direction is
// optional and defaults to asc; malformed tokens are dropped.
func ParseSorting(spec string) []Sort {
	var out []Sort
	for _, chunk := range strings.Split(spec, ",") {
		m := sortToken.FindStringSubmatch(strings.TrimSpace(chunk))
		if m == nil {
			continue
		}
		dir := Asc
		if strings.EqualFold(m[2], string(Desc)) {
			dir = Desc
		}
		out = append(out, Sort{Field: m[1], Direction: dir})
	}
	return out
}

// FormatSorting renders sort tuples as "field asc, field desc".
func FormatSorting(sorting []Sort) string {
	chunks := make([]string, 0, len(sorting))
	for _, s := range sorting {
		if s.Field == "" {
			continue
		}
		dir := Asc
		if strings.EqualFold(string(s.Direction), string(Desc)) {
			dir = Desc
		}
		chunks = append(chunks, s.Field+" "+string(dir))
	}
	return strings.Join(chunks, ", ")
}

// sortingOf collects the sort specification of a parameter set from the
// legacy option.sort key and options.sort.
func sortingOf(params Params) []Sort {
	var spec []string
	if s, ok := params[KeyLegacySort].(string); ok && s != "" {
		spec = append(spec, s)
	}
	if s, ok := params.options()["sort"].(string); ok && s != "" {
		spec = append(spec, s)
	}
	return ParseSorting(strings.Join(spec, ","))
}
