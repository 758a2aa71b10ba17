// Package roles manages the remote contact roles of contacts. The catalog
// of roles is an option group; a contact's roles are the values stored in a
// multi-value custom field.
package roles

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/zfranque/de.systopia.remotetools/pkg/crm"
)

// DefaultTTL bounds how long a cached contact role list is served.
const DefaultTTL = 10 * time.Minute

// Role is one catalog entry.
type Role struct {
	Name  string
	Value string
	Label string
}

// Source reads and assigns roles.
type Source struct {
	store  *crm.Store
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	catalog []Role
}

// Option configures a Source.
type Option func(*Source)

// WithCache sets the contact role cache. The default is a MemoryCache.
func WithCache(c Cache) Option {
	return func(s *Source) { s.cache = c }
}

// WithTTL sets how long cached role lists live.
func WithTTL(ttl time.Duration) Option {
	return func(s *Source) { s.ttl = ttl }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSource creates a role source over store.
func NewSource(store *crm.Store, opts ...Option) *Source {
	s := &Source{
		store:  store,
		cache:  NewMemoryCache(),
		ttl:    DefaultTTL,
		logger: slog.Default().With("component", "roles"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// All returns the active role catalog.
func (s *Source) All(ctx context.Context) ([]Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.catalog != nil {
		return s.catalog, nil
	}
	opts, err := s.store.Options(ctx, crm.RolesOptionGroup)
	if err != nil {
		return nil, err
	}
	catalog := make([]Role, 0, len(opts))
	for _, o := range opts {
		catalog = append(catalog, Role{Name: o.Name, Value: o.Value, Label: o.Label})
	}
	s.catalog = catalog
	return catalog, nil
}

func cacheKey(contactID int64) string {
	return KeyPrefix + strconv.FormatInt(contactID, 10)
}

// GetRoles returns the roles of a contact as name -> label. Stored values
// without a catalog entry are ignored.
func (s *Source) GetRoles(ctx context.Context, contactID int64) (map[string]string, error) {
	key := cacheKey(contactID)
	cached, err := s.cache.Get(ctx, key)
	switch {
	case err == nil:
		var out map[string]string
		if jerr := json.Unmarshal([]byte(cached), &out); jerr == nil {
			return out, nil
		}
		s.logger.WarnContext(ctx, "discarding malformed cache entry", "contact_id", contactID)
	case !isMiss(err):
		s.logger.WarnContext(ctx, "role cache unavailable", "error", err)
	}

	values, err := s.storedValues(ctx, contactID)
	if err != nil {
		return nil, err
	}
	catalog, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	byValue := make(map[string]Role, len(catalog))
	for _, r := range catalog {
		byValue[r.Value] = r
	}
	out := map[string]string{}
	for _, v := range values {
		if r, ok := byValue[v]; ok {
			out[r.Name] = r.Label
		}
	}

	if encoded, err := json.Marshal(out); err == nil {
		if err := s.cache.Set(ctx, key, string(encoded), s.ttl); err != nil {
			s.logger.WarnContext(ctx, "role cache write failed", "error", err)
		}
	}
	return out, nil
}

// HasRole reports whether the contact has the role with the given name.
func (s *Source) HasRole(ctx context.Context, contactID int64, name string) (bool, error) {
	roles, err := s.GetRoles(ctx, contactID)
	if err != nil {
		return false, err
	}
	_, ok := roles[name]
	return ok, nil
}

// AddRoles assigns the named roles to a contact, keeping the ones it
// already has. Names outside the catalog are skipped.
func (s *Source) AddRoles(ctx context.Context, contactID int64, names ...string) error {
	current, err := s.storedValues(ctx, contactID)
	if err != nil {
		return err
	}
	catalog, err := s.All(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]Role, len(catalog))
	for _, r := range catalog {
		byName[r.Name] = r
	}
	have := make(map[string]bool, len(current))
	for _, v := range current {
		have[v] = true
	}

	updated := append([]string{}, current...)
	for _, name := range names {
		r, ok := byName[name]
		if !ok {
			s.logger.DebugContext(ctx, "skipping unknown role", "role", name)
			continue
		}
		if !have[r.Value] {
			have[r.Value] = true
			updated = append(updated, r.Value)
		}
	}
	if len(updated) == len(current) {
		return nil
	}

	if _, err := s.store.Update(ctx, contactID, map[string]any{rolesField: updated}); err != nil {
		return err
	}
	return s.Forget(ctx, contactID)
}

// Forget drops the cached role list of one contact.
func (s *Source) Forget(ctx context.Context, contactID int64) error {
	return s.cache.Del(ctx, cacheKey(contactID))
}

// Flush drops the catalog and every cached contact role list.
func (s *Source) Flush(ctx context.Context) error {
	s.mu.Lock()
	s.catalog = nil
	s.mu.Unlock()
	return s.cache.Flush(ctx)
}

var rolesField = crm.RolesGroup + "." + crm.RolesField

func (s *Source) storedValues(ctx context.Context, contactID int64) ([]string, error) {
	rec, err := s.store.GetByID(ctx, contactID, rolesField)
	if err != nil {
		return nil, fmt.Errorf("roles: load contact %d: %w", contactID, err)
	}
	values, _ := rec[rolesField].([]string)
	return values, nil
}
