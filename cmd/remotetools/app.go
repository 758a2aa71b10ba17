package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/zfranque/de.systopia.remotetools/pkg/config"
	"github.com/zfranque/de.systopia.remotetools/pkg/crm"
	"github.com/zfranque/de.systopia.remotetools/pkg/database"
	"github.com/zfranque/de.systopia.remotetools/pkg/fieldmap"
	"github.com/zfranque/de.systopia.remotetools/pkg/observability"
	"github.com/zfranque/de.systopia.remotetools/pkg/pipeline"
	"github.com/zfranque/de.systopia.remotetools/pkg/profile"
	"github.com/zfranque/de.systopia.remotetools/pkg/remotecontact"
	"github.com/zfranque/de.systopia.remotetools/pkg/remotekey"
	"github.com/zfranque/de.systopia.remotetools/pkg/roles"
	"github.com/zfranque/de.systopia.remotetools/pkg/securetoken"
)

// app holds the wired components of one process.
type app struct {
	cfg       *config.Config
	db        *sql.DB
	store     *crm.Store
	profiles  *profile.Registry
	service   *remotecontact.Service
	tokens    *securetoken.EntityTokens
	telemetry *observability.Provider
	redis     *redis.Client
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// bootstrap opens storage, migrates it and wires the service.
func bootstrap(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	db, dialect, err := database.Open(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	a.db = db

	fields := fieldmap.NewRegistry(db, dialect)
	if err := crm.Migrate(ctx, db, dialect, fields); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.store = crm.NewStore(db, dialect, fields)

	a.profiles = profile.NewRegistry()
	if err := a.profiles.Register(profile.NewOwnFirstNameLastName()); err != nil {
		a.Close(ctx)
		return nil, err
	}
	loaded, err := config.RegisterProfiles(ctx, a.profiles, cfg.ProfilesDir, fields, a.store)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("profiles: %w", err)
	}
	if len(loaded) > 0 {
		log.Printf("[remotetools] profiles: loaded %d from %s", len(loaded), cfg.ProfilesDir)
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
	}
	cache := roles.NewCache(ctx, a.redis)

	otelCfg := observability.DefaultConfig()
	otelCfg.Enabled = cfg.OTelEnabled
	otelCfg.OTLPEndpoint = cfg.OTelEndpoint
	a.telemetry, err = observability.New(ctx, otelCfg)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	keys := remotekey.NewStore(db, dialect)
	a.service = remotecontact.New(db, dialect, a.store, a.profiles,
		remotecontact.WithSettings(remotecontact.Settings{
			MatchingEnabled:         cfg.MatchingEnabled,
			MatchingCreatesContacts: cfg.MatchingCreatesContacts,
			MatchingProfile:         cfg.MatchingProfile,
		}),
		remotecontact.WithIssuer(remotekey.NewIssuer(keys, remotekey.WithMaxAttempts(cfg.KeyMaxAttempts))),
		remotecontact.WithRoles(roles.NewSource(a.store, roles.WithCache(cache))),
		remotecontact.WithPipelineOptions(
			pipeline.WithTracer(a.telemetry.Tracer()),
			pipeline.WithMeter(a.telemetry.Meter()),
		),
	)

	var tokenOpts []securetoken.Option
	if cfg.TokenPepper != "" {
		tokenOpts = append(tokenOpts, securetoken.WithPepper(cfg.TokenPepper))
	}
	a.tokens = securetoken.NewEntityTokens(securetoken.NewCodec(cfg.SignatureLength), a.store, tokenOpts...)
	return a, nil
}

// Close releases every resource bootstrap acquired.
func (a *app) Close(ctx context.Context) {
	if a.telemetry != nil {
		_ = a.telemetry.Shutdown(ctx)
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
