// Package remotecontact exposes contact data to remote systems that know a
// contact only by its remote key. Reads run through a staged request
// pipeline shaped by a data profile.
package remotecontact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zfranque/de.systopia.remotetools/pkg/crm"
	"github.com/zfranque/de.systopia.remotetools/pkg/database"
	"github.com/zfranque/de.systopia.remotetools/pkg/orquery"
	"github.com/zfranque/de.systopia.remotetools/pkg/pipeline"
	"github.com/zfranque/de.systopia.remotetools/pkg/profile"
	"github.com/zfranque/de.systopia.remotetools/pkg/remotekey"
	"github.com/zfranque/de.systopia.remotetools/pkg/request"
	"github.com/zfranque/de.systopia.remotetools/pkg/roles"
)

// Entity is the entity name of remote contact requests.
const Entity = "RemoteContact"

// Settings are the administrative switches of the service.
type Settings struct {
	// MatchingEnabled allows match requests.
	MatchingEnabled bool
	// MatchingCreatesContacts allows match to create new contacts.
	MatchingCreatesContacts bool
	// MatchingProfile selects the matcher rules.
	MatchingProfile string
}

// Service implements the remote contact operations.
type Service struct {
	db       *sql.DB
	store    *crm.Store
	keys     *remotekey.Store
	issuer   *remotekey.Issuer
	matcher  crm.Matcher
	profiles *profile.Registry
	roles    *roles.Source
	rewriter *orquery.Rewriter
	settings Settings
	logger   *slog.Logger

	pipelineOpts []pipeline.Option
	extra        []pipeline.Stage[*GetRequest]
	get          *pipeline.Pipeline[*GetRequest]
}

// Option configures a Service.
type Option func(*Service)

// WithSettings sets the administrative switches.
func WithSettings(s Settings) Option {
	return func(svc *Service) { svc.settings = s }
}

// WithMatcher replaces the default rule matcher.
func WithMatcher(m crm.Matcher) Option {
	return func(svc *Service) { svc.matcher = m }
}

// WithIssuer replaces the default key issuer.
func WithIssuer(i *remotekey.Issuer) Option {
	return func(svc *Service) { svc.issuer = i }
}

// WithRoles replaces the default role source.
func WithRoles(r *roles.Source) Option {
	return func(svc *Service) { svc.roles = r }
}

// WithPipelineOptions passes tracing and metrics options to the pipeline.
func WithPipelineOptions(opts ...pipeline.Option) Option {
	return func(svc *Service) { svc.pipelineOpts = append(svc.pipelineOpts, opts...) }
}

// WithStage adds a stage to the get pipeline.
func WithStage(stage pipeline.Stage[*GetRequest]) Option {
	return func(svc *Service) { svc.extra = append(svc.extra, stage) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) {
		if l != nil {
			svc.logger = l
		}
	}
}

// New wires a service over db. profiles must be fully registered before the
// service handles requests.
func New(db *sql.DB, dialect database.Dialect, store *crm.Store, profiles *profile.Registry, opts ...Option) *Service {
	keys := remotekey.NewStore(db, dialect)
	svc := &Service{
		db:       db,
		store:    store,
		keys:     keys,
		issuer:   remotekey.NewIssuer(keys),
		matcher:  crm.NewRuleMatcher(store),
		profiles: profiles,
		roles:    roles.NewSource(store),
		rewriter: orquery.New(db, dialect, store.Fields()),
		logger:   slog.Default().With("component", "remotecontact"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.get = svc.buildGetPipeline()
	return svc
}

// Profiles returns the profile registry.
func (s *Service) Profiles() *profile.Registry { return s.profiles }

// Roles returns the role source.
func (s *Service) Roles() *roles.Source { return s.roles }

// Keys returns the remote key store.
func (s *Service) Keys() *remotekey.Store { return s.keys }

func (s *Service) newRequest(action string, params request.Params) *request.Request {
	return request.New(Entity, action, params,
		request.WithKeyResolver(s.keys, func(err error) bool { return errors.Is(err, remotekey.ErrNotFound) }),
		request.WithLogger(s.logger),
	)
}

// resolveKey returns the contact a remote key belongs to.
func (s *Service) resolveKey(ctx context.Context, key string) (int64, error) {
	if key == "" {
		return 0, fmt.Errorf("%w: remote_contact_id is required", ErrValidation)
	}
	id, err := s.keys.Resolve(ctx, key)
	if errors.Is(err, remotekey.ErrNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, MsgUnknownKey)
	}
	if err != nil {
		return 0, classify(err)
	}
	return id, nil
}
