package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zfranque/de.systopia.remotetools/pkg/config"
	"github.com/zfranque/de.systopia.remotetools/pkg/profile"
)

const membersYAML = `
name: Members
self_data: true
fields:
  - name: first_name
    title: First Name
    filter: true
    sort: true
  - name: surname
    internal: last_name
restrictions:
  contact_type: Individual
filter: 'record.first_name != "hidden"'
`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestParseProfile(t *testing.T) {
	def, err := config.ParseProfile([]byte(membersYAML))
	require.NoError(t, err)
	assert.Equal(t, "Members", def.Name)
	assert.True(t, def.SelfData)
	require.Len(t, def.Fields, 2)
	assert.Equal(t, "last_name", def.Fields[1].Internal)
	assert.Equal(t, "Individual", def.Restrictions["contact_type"])
}

func TestParseProfile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"not yaml", "fields: [unclosed"},
		{"no fields", "id: x\nfields: []"},
		{"unknown key", "id: x\nfields:\n  - name: a\ncolour: red"},
		{"bad field type", "id: x\nfields:\n  - name: a\n    type: Blob"},
		{"bad field name", "id: x\nfields:\n  - name: 'a b'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.ParseProfile([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadProfiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "profile_members.yaml", membersYAML)
	writeFile(t, dir, "profile_board.yaml", "id: board_members\nfields:\n  - name: email\n")
	writeFile(t, dir, "notes.yaml", "ignored: true")

	defs, err := config.LoadProfiles(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "board_members", defs[0].ID)
	assert.Equal(t, "members", defs[1].ID)

	defs, err = config.LoadProfiles(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestRegisterProfiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "profile_members.yaml", membersYAML)

	reg := profile.NewRegistry()
	ids, err := config.RegisterProfiles(context.Background(), reg, dir, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"members"}, ids)

	p, err := reg.Get("members")
	require.NoError(t, err)
	assert.Equal(t, "Members", p.Name())
	assert.Equal(t, "last_name", p.Mapper().Internal("surname"))

	_, err = config.RegisterProfiles(context.Background(), reg, dir, nil, nil)
	assert.ErrorIs(t, err, profile.ErrDuplicateProfile)
}
