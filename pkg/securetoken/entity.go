package securetoken

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/crypto/hkdf"
)

// MinHashLength is the shortest entity hash accepted as a signing secret.
const MinHashLength = 8

// ErrNoSecret is returned when the entity has no usable hash.
var ErrNoSecret = errors.New("securetoken: entity has no usable secret")

// HashSource resolves the per-contact hash used as signing secret. Entities
// other than contacts are mapped to their owning contact first.
type HashSource interface {
	OwnerContact(ctx context.Context, entity string, id int64) (int64, error)
	ContactHash(ctx context.Context, contactID int64) (string, error)
}

// EntityTokens generates and decodes tokens bound to the current hash of an
// entity's contact. Changing or deleting the hash invalidates every token.
type EntityTokens struct {
	codec  *Codec
	hashes HashSource
	pepper string
	now    func() time.Time
	logger *slog.Logger
}

// Option configures EntityTokens.
type Option func(*EntityTokens)

// WithPepper derives the signing secret from the hash with HKDF keyed by
// pepper instead of using the hash directly.
func WithPepper(pepper string) Option {
	return func(e *EntityTokens) { e.pepper = pepper }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *EntityTokens) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *EntityTokens) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEntityTokens creates an entity token service.
func NewEntityTokens(codec *Codec, hashes HashSource, opts ...Option) *EntityTokens {
	e := &EntityTokens{
		codec:  codec,
		hashes: hashes,
		now:    time.Now,
		logger: slog.Default().With("component", "securetoken"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Generate issues a token for entity/id. A zero expires never expires.
func (e *EntityTokens) Generate(ctx context.Context, entity string, id int64, expires time.Time, usage string) (string, error) {
	secret, err := e.secret(ctx, entity, id)
	if err != nil {
		return "", fmt.Errorf("securetoken: generate %s %d: %w", entity, id, err)
	}

	salt := make([]byte, 4)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("securetoken: read random: %w", err)
	}

	p := Payload{
		Entity: EntityTag(entity),
		ID:     id,
		Usage:  usage,
		Salt:   hex.EncodeToString(salt),
	}
	if !expires.IsZero() {
		p.Expires = expires.Unix()
	}
	return e.codec.Encode(p, secret)
}

// Decode verifies token for the expected entity type and usage and returns
// the embedded id.
func (e *EntityTokens) Decode(ctx context.Context, entity, token, usage string) (id int64, ok bool) {
	resolve := func(ctx context.Context, id int64) (string, error) {
		return e.secret(ctx, entity, id)
	}
	id, ok = e.codec.DecodeAndVerify(ctx, entity, token, usage, resolve, e.now())
	if !ok {
		e.logger.DebugContext(ctx, "token rejected", "entity", entity)
	}
	return id, ok
}

func (e *EntityTokens) secret(ctx context.Context, entity string, id int64) (string, error) {
	if id <= 0 {
		return "", ErrNoSecret
	}
	contactID, err := e.hashes.OwnerContact(ctx, entity, id)
	if err != nil {
		return "", err
	}
	hash, err := e.hashes.ContactHash(ctx, contactID)
	if err != nil {
		return "", err
	}
	if len(hash) < MinHashLength {
		return "", ErrNoSecret
	}
	if e.pepper == "" {
		return hash, nil
	}
	return deriveSecret(hash, e.pepper)
}

func deriveSecret(hash, pepper string) (string, error) {
	r := hkdf.New(sha256.New, []byte(hash), []byte(pepper), []byte("remotetools securetoken"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return "", fmt.Errorf("securetoken: derive secret: %w", err)
	}
	return hex.EncodeToString(key), nil
}
