package fieldmap

import "strings"

// ValueSeparator delimits the values of a serialized multi-value field.
// A stored list is wrapped in separators: "\x01a\x01b\x01".
const ValueSeparator = "\x01"

// Serialize renders values in the delimiter-wrapped storage format.
func Serialize(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return ValueSeparator + strings.Join(values, ValueSeparator) + ValueSeparator
}

// Unserialize splits a stored multi-value string. A string without
// separators is a single value.
func Unserialize(stored string) []string {
	trimmed := strings.Trim(stored, ValueSeparator)
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, ValueSeparator)
}

// LikePattern returns the LIKE pattern matching one whole value inside a
// serialized list. Wildcards in value are escaped with '\', so the pattern
// must be used with ESCAPE '\'.
func LikePattern(value string) string {
	return "%" + ValueSeparator + EscapeLike(value) + ValueSeparator + "%"
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// EscapeLike escapes the LIKE wildcards in s.
func EscapeLike(s string) string {
	return likeEscaper.Replace(s)
}
