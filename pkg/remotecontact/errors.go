package remotecontact

import (
	"errors"
	"fmt"

	"github.com/zfranque/de.systopia.remotetools/pkg/crm"
	"github.com/zfranque/de.systopia.remotetools/pkg/fieldmap"
	"github.com/zfranque/de.systopia.remotetools/pkg/profile"
	"github.com/zfranque/de.systopia.remotetools/pkg/remotekey"
)

// Error classes surfaced to callers.
var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrIntegrityGuard   = errors.New("integrity guard")
	ErrStorage          = errors.New("storage failure")
)

// MsgUnknownKey is reported for remote keys without a contact.
const MsgUnknownKey = "A contact with this key is not registered."

// classify wraps err with the error class it belongs to. Errors that
// already carry a class are returned unchanged.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound), errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrIntegrityGuard), errors.Is(err, ErrStorage):
		return err
	case errors.Is(err, remotekey.ErrNotFound), errors.Is(err, crm.ErrContactNotFound), errors.Is(err, crm.ErrNoMatch):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, profile.ErrUnknownProfile), errors.Is(err, crm.ErrUnknownField),
		errors.Is(err, fieldmap.ErrUnknownField), errors.Is(err, crm.ErrUnknownMatchProfile),
		errors.Is(err, crm.ErrUnsupportedEntity):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
