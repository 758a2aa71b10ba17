package remotekey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// DefaultMaxAttempts bounds the collision retry loop of Issue.
const DefaultMaxAttempts = 16

// ErrKeyGeneration is returned when no free key was found within the
// attempt budget.
var ErrKeyGeneration = errors.New("remotekey: could not generate a unique key")

// KeyStore is the storage contract used by the Issuer.
type KeyStore interface {
	Resolve(ctx context.Context, key string) (int64, error)
	Save(ctx context.Context, key string, entityID int64) error
}

// Issuer hands out fresh keys and links them to entities.
type Issuer struct {
	store       KeyStore
	maxAttempts int
	generate    func(prefix string) (string, error)
	logger      *slog.Logger
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithMaxAttempts overrides DefaultMaxAttempts. Values below 1 are ignored.
func WithMaxAttempts(n int) IssuerOption {
	return func(i *Issuer) {
		if n > 0 {
			i.maxAttempts = n
		}
	}
}

// WithGenerator replaces the random key generator.
func WithGenerator(fn func(prefix string) (string, error)) IssuerOption {
	return func(i *Issuer) {
		i.generate = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) IssuerOption {
	return func(i *Issuer) {
		if l != nil {
			i.logger = l
		}
	}
}

// NewIssuer creates an issuer writing to store.
func NewIssuer(store KeyStore, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		store:       store,
		maxAttempts: DefaultMaxAttempts,
		generate:    Generate,
		logger:      slog.Default().With("component", "remotekey"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// WithStore returns a copy of the issuer writing to store, typically a
// transaction-bound Store.
func (i *Issuer) WithStore(store KeyStore) *Issuer {
	c := *i
	c.store = store
	return &c
}

// Issue generates a key that is not yet in use, links it to entityID and
// returns it.
func (i *Issuer) Issue(ctx context.Context, prefix string, entityID int64) (string, error) {
	for attempt := 1; attempt <= i.maxAttempts; attempt++ {
		key, err := i.generate(prefix)
		if err != nil {
			return "", err
		}

		_, err = i.store.Resolve(ctx, key)
		switch {
		case err == nil:
			i.logger.DebugContext(ctx, "key collision", "attempt", attempt)
			continue
		case !errors.Is(err, ErrNotFound):
			return "", err
		}

		err = i.store.Save(ctx, key, entityID)
		if errors.Is(err, ErrKeyExists) {
			i.logger.DebugContext(ctx, "key taken concurrently", "attempt", attempt)
			continue
		}
		if err != nil {
			return "", err
		}
		return key, nil
	}
	return "", fmt.Errorf("%w after %d attempts", ErrKeyGeneration, i.maxAttempts)
}
