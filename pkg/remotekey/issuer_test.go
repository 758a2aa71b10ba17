package remotekey

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryKeyStore struct {
	mu      sync.Mutex
	keys    map[string]int64
	saveErr error
}

func newMemoryKeyStore() *memoryKeyStore {
	return &memoryKeyStore{keys: map[string]int64{}}
}

func (m *memoryKeyStore) Resolve(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.keys[key]
	if !ok {
		return 0, ErrNotFound
	}
	return id, nil
}

func (m *memoryKeyStore) Save(_ context.Context, key string, entityID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if _, ok := m.keys[key]; ok {
		return ErrKeyExists
	}
	m.keys[key] = entityID
	return nil
}

func sequence(keys ...string) func(string) (string, error) {
	i := 0
	return func(prefix string) (string, error) {
		k := keys[i%len(keys)]
		i++
		return SanitizePrefix(prefix) + k, nil
	}
}

func TestIssuer_RetriesOnCollision(t *testing.T) {
	store := newMemoryKeyStore()
	store.keys["PA"] = 1

	issuer := NewIssuer(store, WithGenerator(sequence("A", "A", "B")))
	key, err := issuer.Issue(context.Background(), "p", 2)
	require.NoError(t, err)
	assert.Equal(t, "PB", key)
	assert.Equal(t, int64(2), store.keys["PB"])
}

func TestIssuer_GivesUpAfterMaxAttempts(t *testing.T) {
	store := newMemoryKeyStore()
	store.keys["SAME"] = 1

	issuer := NewIssuer(store, WithGenerator(sequence("SAME")), WithMaxAttempts(3))
	_, err := issuer.Issue(context.Background(), "", 2)
	assert.ErrorIs(t, err, ErrKeyGeneration)
	assert.Contains(t, err.Error(), "3 attempts")
}

func TestIssuer_PropagatesStorageError(t *testing.T) {
	store := newMemoryKeyStore()
	store.saveErr = errors.New("disk full")

	issuer := NewIssuer(store)
	_, err := issuer.Issue(context.Background(), "", 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrKeyGeneration)
	assert.Contains(t, err.Error(), "disk full")
}

func TestIssuer_WithStore(t *testing.T) {
	first, second := newMemoryKeyStore(), newMemoryKeyStore()
	issuer := NewIssuer(first)

	key, err := issuer.WithStore(second).Issue(context.Background(), "x", 9)
	require.NoError(t, err)
	assert.Empty(t, first.keys)
	assert.Equal(t, int64(9), second.keys[key])
}
