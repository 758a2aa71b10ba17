package remotecontact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/zfranque/de.systopia.remotetools/pkg/crm"
	"github.com/zfranque/de.systopia.remotetools/pkg/fieldmap"
	"github.com/zfranque/de.systopia.remotetools/pkg/profile"
	"github.com/zfranque/de.systopia.remotetools/pkg/request"
)

// Attributes dropped from match input before the matcher sees them.
var matchIgnored = []string{"id", "contact_id", "xcm_profile", "key_prefix", request.KeyCheckPerms}

// Match identifies or creates the contact described by attrs and issues a
// new remote key for it. Everything happens in one transaction: when
// contact creation is disabled but the matcher created one, the whole
// transaction is rolled back.
func (s *Service) Match(ctx context.Context, attrs map[string]any, prefix string) (key string, err error) {
	if !s.settings.MatchingEnabled {
		return "", fmt.Errorf("%w: contact matching is disabled", ErrPermissionDenied)
	}

	clean := make(map[string]any, len(attrs))
	for k, v := range attrs {
		clean[k] = v
	}
	for _, k := range matchIgnored {
		delete(clean, k)
	}
	if _, ok := clean["contact_type"]; !ok {
		clean["contact_type"] = "Individual"
	}

	// Field definitions are read outside the transaction.
	if err := s.store.Fields().Preload(ctx); err != nil {
		return "", classify(err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", classify(err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.ErrorContext(ctx, "match rollback failed", "error", rbErr)
			}
		}
	}()

	res, err := s.matcher.Match(ctx, tx, clean, s.settings.MatchingProfile)
	if err != nil {
		return "", classify(err)
	}
	if res.Created && !s.settings.MatchingCreatesContacts {
		s.logger.WarnContext(ctx, "match would create a contact, rolled back")
		return "", fmt.Errorf("%w: creating new contacts is disabled", ErrIntegrityGuard)
	}

	key, err = s.issuer.WithStore(s.keys.WithTx(tx)).Issue(ctx, prefix, res.ContactID)
	if err != nil {
		return "", classify(err)
	}
	if err = tx.Commit(); err != nil {
		return "", classify(err)
	}
	s.logger.InfoContext(ctx, "remote key issued", "contact_id", res.ContactID, "created", res.Created)
	return key, nil
}

// IssueKey links a new remote key to an existing contact without matching.
func (s *Service) IssueKey(ctx context.Context, prefix string, contactID int64) (string, error) {
	if _, err := s.store.ContactHash(ctx, contactID); err != nil {
		return "", classify(err)
	}
	key, err := s.issuer.WithStore(s.keys).Issue(ctx, prefix, contactID)
	if err != nil {
		return "", classify(err)
	}
	return key, nil
}

// GetFields returns the field catalog for action. get-like actions list
// the remote contact parameters plus the fields of the requested profile,
// if one is given; other actions list the contact store fields.
func (s *Service) GetFields(ctx context.Context, params request.Params) (map[string]profile.FieldSpec, error) {
	action := strings.ToLower(params.String("action"))
	switch action {
	case "", "get", "get_self", "getsingle":
	default:
		return coreFieldSpecs(), nil
	}

	fields := map[string]profile.FieldSpec{
		request.KeyRemoteContactID: {
			Name:        request.KeyRemoteContactID,
			Type:        "String",
			Title:       "Remote Contact Identification",
			Description: "Use the key that you were given by RemoteContact.match to access this contact's data",
			Required:    action == "get_self",
		},
		request.KeyProfile: {
			Name:        request.KeyProfile,
			Type:        "String",
			Title:       "Remote Contact Data Profile",
			Description: "Defines the data you will be receiving",
		},
	}

	name := params.String(request.KeyProfile)
	if name == "" {
		return fields, nil
	}
	p, err := s.profiles.Get(name)
	if err != nil {
		return nil, fmt.Errorf("%w: profile %s not valid", ErrValidation, name)
	}
	for _, f := range p.Fields(ctx) {
		fields[f.Name] = f
	}
	return fields, nil
}

func coreFieldSpecs() map[string]profile.FieldSpec {
	out := make(map[string]profile.FieldSpec, len(crm.CoreFields))
	for _, f := range crm.CoreFields {
		out[f.Name] = profile.FieldSpec{
			Name:       f.Name,
			Type:       f.Type,
			Title:      f.Title,
			Filterable: true,
			Sortable:   true,
			Core:       true,
		}
	}
	return out
}

// GetRoles returns the roles of the contact behind key as name -> label.
func (s *Service) GetRoles(ctx context.Context, key string) (map[string]string, error) {
	id, err := s.resolveKey(ctx, key)
	if err != nil {
		return nil, err
	}
	roles, err := s.roles.GetRoles(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	return roles, nil
}

// Update writes params to the contact behind params.remote_contact_id and
// returns the updated record. Qualified custom field names are accepted.
func (s *Service) Update(ctx context.Context, params request.Params) (request.Record, error) {
	id, err := s.resolveKey(ctx, params.String(request.KeyRemoteContactID))
	if err != nil {
		return nil, err
	}

	values := make(map[string]any, len(params))
	for k, v := range params {
		switch k {
		case request.KeyRemoteContactID, request.KeyID, "contact_id", request.KeyCheckPerms:
			continue
		}
		values[k] = v
	}
	resolved, err := fieldmap.ResolveQualifiedKeys(ctx, s.store.Fields(), values)
	if err != nil {
		return nil, classify(err)
	}
	if len(resolved) == 0 {
		return nil, fmt.Errorf("%w: nothing to update", ErrValidation)
	}

	rec, err := s.store.Update(ctx, id, resolved)
	if err != nil {
		return nil, classify(err)
	}
	if err := s.roles.Forget(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "role cache invalidation failed", "contact_id", id, "error", err)
	}
	return rec, nil
}
