package profile

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrUnknownProfile is returned when no profile has the requested id.
	ErrUnknownProfile = errors.New("profile: unknown profile")
	// ErrDuplicateProfile is returned when an id is registered twice.
	ErrDuplicateProfile = errors.New("profile: duplicate profile")
)

// Registry maps profile ids to implementations. Profiles are registered at
// startup; lookups are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{profiles: make(map[string]Profile)}
}

// Register adds p. Registering an id twice fails.
func (r *Registry) Register(p Profile) error {
	if p == nil || p.ID() == "" {
		return errors.New("profile: profile must have an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.profiles[p.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProfile, p.ID())
	}
	r.profiles[p.ID()] = p
	return nil
}

// Get returns the profile registered under id.
func (r *Registry) Get(id string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, id)
	}
	return p, nil
}

// Find returns the profiles whose id matches pattern, sorted by id. A
// pattern wrapped in slashes has them stripped; an empty pattern matches
// everything.
func (r *Registry) Find(pattern string) ([]Profile, error) {
	if len(pattern) >= 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
		pattern = pattern[1 : len(pattern)-1]
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("profile: invalid pattern %q: %w", pattern, err)
	}

	var out []Profile
	for _, p := range r.All() {
		if re.MatchString(p.ID()) {
			out = append(out, p)
		}
	}
	return out, nil
}

// All returns every profile sorted by id.
func (r *Registry) All() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// List returns id -> name for every profile.
func (r *Registry) List() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.profiles))
	for id, p := range r.profiles {
		out[id] = p.Name()
	}
	return out
}
