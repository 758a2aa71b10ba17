package fieldmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeparatorMapper(t *testing.T) {
	m := NewSeparatorMapper("__")

	in := m.Inbound(map[string]any{
		"remote_contact_data__roles": "x",
		"first_name":                 "Ada",
		"options__limit":             5,
		"option__sort":               "id asc",
	})
	assert.Equal(t, map[string]any{
		"remote_contact_data.roles": "x",
		"first_name":                "Ada",
		"options__limit":            5,
		"option__sort":              "id asc",
	}, in)

	out := m.Outbound(map[string]any{
		"remote_contact_data.roles": "x",
		"id":                        1,
	})
	assert.Equal(t, map[string]any{
		"remote_contact_data__roles": "x",
		"id":                         1,
	}, out)
}

func TestSeparatorMapper_DotIsNoop(t *testing.T) {
	m := NewSeparatorMapper(".")
	data := map[string]any{"a.b": 1}
	assert.Equal(t, data, m.Inbound(data))
	assert.Equal(t, data, m.Outbound(data))
}
