package config

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/zfranque/de.systopia.remotetools/pkg/fieldmap"
	"github.com/zfranque/de.systopia.remotetools/pkg/profile"
)

//go:embed profile.schema.json
var profileSchema string

const profileSchemaURL = "https://remotetools.schemas.local/profile.schema.json"

func compileProfileSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(profileSchemaURL, strings.NewReader(profileSchema)); err != nil {
		return nil, fmt.Errorf("profile schema load failed: %w", err)
	}
	return c.Compile(profileSchemaURL)
}

// ParseProfile decodes and validates one YAML profile definition.
func ParseProfile(data []byte) (profile.Definition, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return profile.Definition{}, fmt.Errorf("parse: %w", err)
	}
	// Round-trip through JSON so the validator sees JSON types.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return profile.Definition{}, fmt.Errorf("parse: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return profile.Definition{}, fmt.Errorf("parse: %w", err)
	}

	schema, err := compileProfileSchema()
	if err != nil {
		return profile.Definition{}, err
	}
	if err := schema.Validate(doc); err != nil {
		return profile.Definition{}, fmt.Errorf("invalid profile: %w", err)
	}

	var def profile.Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return profile.Definition{}, fmt.Errorf("parse: %w", err)
	}
	return def, nil
}

// LoadProfiles reads every profile_*.yaml file of dir, sorted by file name.
// A missing directory yields no definitions.
func LoadProfiles(dir string) ([]profile.Definition, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	defs := make([]profile.Definition, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		def, err := ParseProfile(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if def.ID == "" {
			// profile_members.yaml -> members
			def.ID = strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "profile_"), ".yaml")
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// RegisterProfiles builds and registers the declarative profiles of dir.
func RegisterProfiles(ctx context.Context, reg *profile.Registry, dir string, fields fieldmap.FieldSource, options profile.OptionSource) ([]string, error) {
	defs, err := LoadProfiles(dir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(defs))
	for _, def := range defs {
		p, err := profile.NewDeclarative(ctx, def, fields, options)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
		ids = append(ids, p.ID())
	}
	return ids, nil
}
