// Package fieldmap translates between the field names exposed to remote
// callers and the internal field names of the contact store, and locates
// custom field storage.
package fieldmap

// Direction selects the translation applied by a Mapper.
type Direction int

const (
	// ToInternal maps external names to internal names.
	ToInternal Direction = iota
	// ToExternal maps internal names to external names.
	ToExternal
)

// Mapper holds an external to internal name mapping and its inverse.
// Names missing from the mapping translate to themselves.
type Mapper struct {
	toInternal map[string]string
	toExternal map[string]string
}

// NewMapper builds a mapper from external -> internal pairs. When several
// external names share an internal name, the inverse keeps the lexically
// smallest external name.
func NewMapper(externalToInternal map[string]string) *Mapper {
	m := &Mapper{
		toInternal: make(map[string]string, len(externalToInternal)),
		toExternal: make(map[string]string, len(externalToInternal)),
	}
	for ext, in := range externalToInternal {
		m.toInternal[ext] = in
		if prev, ok := m.toExternal[in]; !ok || ext < prev {
			m.toExternal[in] = ext
		}
	}
	return m
}

// Internal returns the internal name for an external one.
func (m *Mapper) Internal(name string) string {
	if m == nil {
		return name
	}
	if in, ok := m.toInternal[name]; ok {
		return in
	}
	return name
}

// External returns the external name for an internal one.
func (m *Mapper) External(name string) string {
	if m == nil {
		return name
	}
	if ext, ok := m.toExternal[name]; ok {
		return ext
	}
	return name
}

// Map translates name in the given direction.
func (m *Mapper) Map(name string, dir Direction) string {
	if dir == ToExternal {
		return m.External(name)
	}
	return m.Internal(name)
}

// MapList translates names in order, keeping duplicates.
func (m *Mapper) MapList(names []string, dir Direction) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = m.Map(n, dir)
	}
	return out
}

// MapKeys returns a copy of data with every key translated.
func (m *Mapper) MapKeys(data map[string]any, dir Direction) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[m.Map(k, dir)] = v
	}
	return out
}

// ExternalToInternal returns a copy of the mapping.
func (m *Mapper) ExternalToInternal() map[string]string {
	return copyMap(m.toInternal)
}

// InternalToExternal returns a copy of the computed inverse.
func (m *Mapper) InternalToExternal() map[string]string {
	return copyMap(m.toExternal)
}

// Len is the number of external names in the mapping.
func (m *Mapper) Len() int {
	if m == nil {
		return 0
	}
	return len(m.toInternal)
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
