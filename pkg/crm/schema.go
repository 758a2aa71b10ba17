// Package crm is the SQL contact store the remote contact API reads from
// and writes to: contacts, their custom data, option values and identity
// matching.
package crm

import (
	"context"
	"errors"
	"fmt"

	"github.com/zfranque/de.systopia.remotetools/pkg/database"
	"github.com/zfranque/de.systopia.remotetools/pkg/fieldmap"
	"github.com/zfranque/de.systopia.remotetools/pkg/remotekey"
)

// Names of the built-in role storage.
const (
	RolesGroup       = "remote_contact_data"
	RolesField       = "remote_contact_roles"
	RolesOptionGroup = "remote_contact_roles"
)

// Migrate creates every table the service needs and the custom field that
// stores contact roles.
func Migrate(ctx context.Context, db database.DBTX, dialect database.Dialect, fields *fieldmap.Registry) error {
	if err := remotekey.NewStore(db, dialect).Init(ctx); err != nil {
		return err
	}
	if err := fields.Init(ctx); err != nil {
		return err
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS contacts (
			id %s,
			contact_type TEXT NOT NULL DEFAULT 'Individual',
			first_name TEXT,
			last_name TEXT,
			display_name TEXT,
			email TEXT,
			hash TEXT,
			is_deleted INTEGER NOT NULL DEFAULT 0
		)`, dialect.SerialPrimaryKey()),
		`CREATE INDEX IF NOT EXISTS idx_contacts_email ON contacts (email)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS option_values (
			id %s,
			option_group TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			label TEXT NOT NULL,
			weight INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1,
			UNIQUE (option_group, name)
		)`, dialect.SerialPrimaryKey()),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("crm: migrate: %w", err)
		}
	}
	return ensureRolesField(ctx, fields)
}

func ensureRolesField(ctx context.Context, fields *fieldmap.Registry) error {
	_, err := fields.FieldByName(ctx, RolesGroup, RolesField)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fieldmap.ErrUnknownField) {
		return err
	}

	exists, err := fields.HasGroup(ctx, RolesGroup)
	if err != nil {
		return err
	}
	if !exists {
		if _, err := fields.DefineGroup(ctx, RolesGroup, "Remote Contact Data"); err != nil {
			return err
		}
	}
	_, err = fields.DefineField(ctx, RolesGroup, fieldmap.FieldDefinition{
		Name:        RolesField,
		Label:       "Remote Contact Roles",
		MultiValue:  true,
		OptionGroup: RolesOptionGroup,
	})
	return err
}
