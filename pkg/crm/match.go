package crm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zfranque/de.systopia.remotetools/pkg/database"
	"github.com/zfranque/de.systopia.remotetools/pkg/request"
)

// ErrNoMatch is returned when no rule matched and creation is not possible.
var ErrNoMatch = errors.New("crm: no matching contact")

// ErrUnknownMatchProfile is returned for matcher profiles without rules.
var ErrUnknownMatchProfile = errors.New("crm: unknown matching profile")

// MatchResult identifies the contact a set of attributes belongs to.
type MatchResult struct {
	ContactID int64
	Created   bool
}

// Matcher finds or creates the contact described by attrs. All writes go
// through tx.
type Matcher interface {
	Match(ctx context.Context, tx database.DBTX, attrs map[string]any, profile string) (MatchResult, error)
}

// rule lists fields that must all be present and equal.
type rule []string

var matchProfiles = map[string][]rule{
	"":        {{"email"}, {"first_name", "last_name"}},
	"default": {{"email"}, {"first_name", "last_name"}},
	"email":   {{"email"}},
	"name":    {{"first_name", "last_name"}},
}

// RuleMatcher matches contacts by exact field equality and creates a new
// contact when no rule applies.
type RuleMatcher struct {
	store *Store
}

// NewRuleMatcher returns a matcher over store.
func NewRuleMatcher(store *Store) *RuleMatcher {
	return &RuleMatcher{store: store}
}

// Match tries the profile's rules in order. The first rule whose fields are
// all present and that finds exactly one contact wins.
func (m *RuleMatcher) Match(ctx context.Context, tx database.DBTX, attrs map[string]any, profile string) (MatchResult, error) {
	rules, ok := matchProfiles[strings.ToLower(profile)]
	if !ok {
		return MatchResult{}, fmt.Errorf("%w: %s", ErrUnknownMatchProfile, profile)
	}
	store := m.store.WithTx(tx)

	for _, r := range rules {
		filters := make(map[string]request.Filter, len(r))
		for _, field := range r {
			v, err := toText(attrs[field])
			if err != nil || strings.TrimSpace(v) == "" {
				filters = nil
				break
			}
			filters[field] = request.Eq(strings.TrimSpace(v))
		}
		if filters == nil {
			continue
		}
		recs, err := store.Get(ctx, request.Query{Filters: filters, Return: []string{"id"}, Limit: 2})
		if err != nil {
			return MatchResult{}, err
		}
		if len(recs) == 1 {
			return MatchResult{ContactID: recs[0].ID()}, nil
		}
	}

	values := createValues(attrs)
	if len(values) == 0 {
		return MatchResult{}, ErrNoMatch
	}
	id, err := store.Create(ctx, values)
	if err != nil {
		return MatchResult{}, err
	}
	return MatchResult{ContactID: id, Created: true}, nil
}

// createValues keeps the attributes a new contact can be created from.
func createValues(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if f, ok := coreByName[k]; ok && !f.Writable {
			continue
		}
		out[k] = v
	}
	return out
}
