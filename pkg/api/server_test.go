package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zfranque/de.systopia.remotetools/pkg/crm"
	"github.com/zfranque/de.systopia.remotetools/pkg/database"
	"github.com/zfranque/de.systopia.remotetools/pkg/fieldmap"
	"github.com/zfranque/de.systopia.remotetools/pkg/profile"
	"github.com/zfranque/de.systopia.remotetools/pkg/remotecontact"
)

const tagsField = "profile_data.tags"

type fixture struct {
	store *crm.Store
	svc   *remotecontact.Service
	ada   int64
}

func setup(t *testing.T, opts ...remotecontact.Option) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := fieldmap.NewRegistry(db, database.SQLite)
	require.NoError(t, crm.Migrate(ctx, db, database.SQLite, reg))
	_, err = reg.DefineGroup(ctx, "profile_data", "Profile Data")
	require.NoError(t, err)
	_, err = reg.DefineField(ctx, "profile_data", fieldmap.FieldDefinition{Name: "tags", MultiValue: true})
	require.NoError(t, err)

	store := crm.NewStore(db, database.SQLite, reg)
	ada, err := store.Create(ctx, map[string]any{"first_name": "Ada", "last_name": "Lovelace", "email": "ada@example.org"})
	require.NoError(t, err)

	profiles := profile.NewRegistry()
	require.NoError(t, profiles.Register(profile.NewOwnFirstNameLastName()))

	svc := remotecontact.New(db, database.SQLite, store, profiles, opts...)
	require.NoError(t, svc.Keys().Save(ctx, "KEY-A", ada))
	return &fixture{store: store, svc: svc, ada: ada}
}

func call(t *testing.T, h http.Handler, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var p ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestHealthAndRequestID(t *testing.T) {
	f := setup(t)
	h := NewServer(f.svc).Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get(HeaderRequestID))
}

func TestGetSelf(t *testing.T) {
	f := setup(t)
	h := NewServer(f.svc).Routes()

	rec := call(t, h, "/api/v1/RemoteContact/get_self", map[string]any{
		"remote_contact_id": "KEY-A",
		"profile":           profile.OwnFirstNameLastNameID,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		IsError bool                      `json:"is_error"`
		Count   int                       `json:"count"`
		Values  map[string]map[string]any `json:"values"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.False(t, out.IsError)
	assert.Equal(t, 1, out.Count)
	assert.Equal(t, "Ada", out.Values[strconv.FormatInt(f.ada, 10)]["first_name"])
}

func TestErrorMapping(t *testing.T) {
	f := setup(t)
	h := NewServer(f.svc).Routes()

	t.Run("unknown profile", func(t *testing.T) {
		rec := call(t, h, "/api/v1/RemoteContact/get", map[string]any{"profile": "nope"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		p := decodeProblem(t, rec)
		assert.Equal(t, "Profile nope not valid", p.Detail)
		assert.NotEmpty(t, p.StatusMessages)
		assert.Equal(t, "/api/v1/RemoteContact/get", p.Instance)
	})

	t.Run("unknown key", func(t *testing.T) {
		rec := call(t, h, "/api/v1/RemoteContact/get_roles", map[string]any{"remote_contact_id": "KEY-X"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, decodeProblem(t, rec).Detail, remotecontact.MsgUnknownKey)
	})

	t.Run("matching disabled", func(t *testing.T) {
		rec := call(t, h, "/api/v1/RemoteContact/match", map[string]any{"email": "ada@example.org"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/RemoteContact/get", bytes.NewBufferString("[1,2"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown route", func(t *testing.T) {
		rec := call(t, h, "/api/v1/RemoteContact/delete", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestMatch(t *testing.T) {
	f := setup(t, remotecontact.WithSettings(remotecontact.Settings{MatchingEnabled: true}))
	h := NewServer(f.svc).Routes()

	rec := call(t, h, "/api/v1/RemoteContact/match", map[string]any{"email": "ada@example.org", "key_prefix": "web"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Regexp(t, `^WEB`, out["key"])

	rec = call(t, h, "/api/v1/RemoteContact/match", map[string]any{"email": "nobody@example.org"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpdateWithSeparator(t *testing.T) {
	f := setup(t)
	h := NewServer(f.svc, WithSeparator("__")).Routes()

	rec := call(t, h, "/api/v1/RemoteContact/update", map[string]any{
		"remote_contact_id":  "KEY-A",
		"last_name":          "King",
		"profile_data__tags": []any{"7", "8"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err := f.store.GetByID(context.Background(), f.ada, "last_name", tagsField)
	require.NoError(t, err)
	assert.Equal(t, "King", got["last_name"])
	assert.Equal(t, []string{"7", "8"}, got[tagsField])
}

func TestGetFieldsAndProfiles(t *testing.T) {
	f := setup(t)
	h := NewServer(f.svc).Routes()

	rec := call(t, h, "/api/v1/RemoteContact/getfields", map[string]any{"profile": profile.OwnFirstNameLastNameID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var fields struct {
		Values map[string]any `json:"values"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fields))
	assert.Contains(t, fields.Values, "first_name")
	assert.Contains(t, fields.Values, "profile")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/RemoteContact/profiles", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), profile.OwnFirstNameLastNameID)
}

func signed(t *testing.T, secret string, method jwt.SigningMethod, sub string) string {
	t.Helper()
	token := jwt.NewWithClaims(method, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	s, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestAuth(t *testing.T) {
	f := setup(t)
	h := NewServer(f.svc, WithJWTSecret("s3cret")).Routes()
	body := map[string]any{"remote_contact_id": "KEY-A"}

	rec := call(t, h, "/api/v1/RemoteContact/get_roles", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = call(t, h, "/api/v1/RemoteContact/get_roles", body, "Authorization", "Token abc")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = call(t, h, "/api/v1/RemoteContact/get_roles", body,
		"Authorization", "Bearer "+signed(t, "other", jwt.SigningMethodHS256, "portal"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = call(t, h, "/api/v1/RemoteContact/get_roles", body,
		"Authorization", "Bearer "+signed(t, "s3cret", jwt.SigningMethodHS512, "portal"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = call(t, h, "/api/v1/RemoteContact/get_roles", body,
		"Authorization", "Bearer "+signed(t, "s3cret", jwt.SigningMethodHS256, ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = call(t, h, "/api/v1/RemoteContact/get_roles", body,
		"Authorization", "Bearer "+signed(t, "s3cret", jwt.SigningMethodHS256, "portal"))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	health := httptest.NewRecorder()
	h.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, health.Code)
}

func TestRateLimit(t *testing.T) {
	f := setup(t)
	h := NewServer(f.svc, WithRateLimit(0.001, 1)).Routes()

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "5", second.Header().Get("Retry-After"))
}

type countingTracker struct {
	names  []string
	failed int
}

func (c *countingTracker) TrackOperation(ctx context.Context, name string, _ ...attribute.KeyValue) (context.Context, func(error)) {
	c.names = append(c.names, name)
	return ctx, func(err error) {
		if err != nil {
			c.failed++
		}
	}
}

func TestTracker(t *testing.T) {
	f := setup(t)
	tracker := &countingTracker{}
	h := NewServer(f.svc, WithTracker(tracker)).Routes()

	call(t, h, "/api/v1/RemoteContact/get_roles", map[string]any{"remote_contact_id": "KEY-A"})
	call(t, h, "/api/v1/RemoteContact/get", map[string]any{})
	assert.Equal(t, []string{"RemoteContact.get_roles", "RemoteContact.get"}, tracker.names)
	assert.Equal(t, 1, tracker.failed)
}
