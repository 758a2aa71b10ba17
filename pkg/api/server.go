package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zfranque/de.systopia.remotetools/pkg/fieldmap"
	"github.com/zfranque/de.systopia.remotetools/pkg/remotecontact"
	"github.com/zfranque/de.systopia.remotetools/pkg/request"
)

// MaxBodyBytes caps request bodies.
const MaxBodyBytes = 1 << 20

// Tracker starts a tracked operation; the returned function ends it.
type Tracker interface {
	TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
}

// Server routes HTTP calls to the remote contact service.
type Server struct {
	svc       *remotecontact.Service
	separator *fieldmap.SeparatorMapper
	limiter   *RateLimiter
	jwtSecret []byte
	tracker   Tracker
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithSeparator accepts group<sep>field names from callers.
func WithSeparator(sep string) Option {
	return func(s *Server) {
		if sep != "" && sep != fieldmap.QualifiedSeparator {
			s.separator = fieldmap.NewSeparatorMapper(sep)
		}
	}
}

// WithRateLimit limits each client to rps requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = NewRateLimiter(rps, burst)
		}
	}
}

// WithJWTSecret requires HS256 bearer tokens signed with secret.
func WithJWTSecret(secret string) Option {
	return func(s *Server) {
		if secret != "" {
			s.jwtSecret = []byte(secret)
		}
	}
}

// WithTracker records each operation.
func WithTracker(t Tracker) Option {
	return func(s *Server) { s.tracker = t }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a server for svc.
func NewServer(svc *remotecontact.Service, opts ...Option) *Server {
	s := &Server{
		svc:    svc,
		logger: slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}
	if s.jwtSecret != nil {
		r.Use(AuthMiddleware(s.jwtSecret, "/health"))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, r, "No route for "+r.URL.Path)
	})

	r.Route("/api/v1/"+remotecontact.Entity, func(r chi.Router) {
		r.Get("/profiles", s.listProfiles)
		r.Post("/match", s.handle("match", s.match))
		r.Post("/get", s.handle("get", s.get))
		r.Post("/get_self", s.handle("get_self", s.getSelf))
		r.Post("/getfields", s.handle("getfields", s.getFields))
		r.Post("/get_roles", s.handle("get_roles", s.getRoles))
		r.Post("/update", s.handle("update", s.update))
	})
	return r
}

type operation func(w http.ResponseWriter, r *http.Request, params request.Params) error

// handle decodes the JSON body into params and tracks the operation.
func (s *Server) handle(action string, op operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := decodeParams(r)
		if err != nil {
			WriteBadRequest(w, r, err.Error())
			return
		}
		if s.separator != nil {
			params = s.separator.Inbound(params)
		}

		ctx := r.Context()
		done := func(error) {}
		if s.tracker != nil {
			ctx, done = s.tracker.TrackOperation(ctx, remotecontact.Entity+"."+action,
				attribute.String("remotetools.action", action))
		}
		s.logger.DebugContext(ctx, "api call", "action", action, "request_id", RequestID(ctx), "caller", Caller(ctx))

		err = op(w, r.WithContext(ctx), params)
		done(err)
	}
}

func decodeParams(r *http.Request) (request.Params, error) {
	params := request.Params{}
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	if err := dec.Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.New("request body must be a JSON object")
	}
	return params, nil
}

func (s *Server) match(w http.ResponseWriter, r *http.Request, params request.Params) error {
	key, err := s.svc.Match(r.Context(), params, params.String("key_prefix"))
	if err != nil {
		WriteServiceError(w, r, err)
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key})
	return nil
}

func (s *Server) get(w http.ResponseWriter, r *http.Request, params request.Params) error {
	return s.writeResponse(w, r, s.svc.Get(r.Context(), params))
}

func (s *Server) getSelf(w http.ResponseWriter, r *http.Request, params request.Params) error {
	return s.writeResponse(w, r, s.svc.GetSelf(r.Context(), params))
}

func (s *Server) writeResponse(w http.ResponseWriter, r *http.Request, resp *remotecontact.Response) error {
	if resp.IsError {
		writeFailedResponse(w, r, resp)
		return resp.Err
	}
	if s.separator != nil {
		switch values := resp.Values.(type) {
		case []request.Record:
			for i, rec := range values {
				values[i] = s.separator.Outbound(rec)
			}
		case map[string]request.Record:
			for id, rec := range values {
				values[id] = s.separator.Outbound(rec)
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (s *Server) getFields(w http.ResponseWriter, r *http.Request, params request.Params) error {
	fields, err := s.svc.GetFields(r.Context(), params)
	if err != nil {
		WriteServiceError(w, r, err)
		return err
	}
	out := make(map[string]any, len(fields))
	for name, spec := range fields {
		out[name] = spec
	}
	if s.separator != nil {
		out = s.separator.Outbound(out)
	}
	writeJSON(w, http.StatusOK, map[string]any{"values": out})
	return nil
}

func (s *Server) getRoles(w http.ResponseWriter, r *http.Request, params request.Params) error {
	roles, err := s.svc.GetRoles(r.Context(), params.String(request.KeyRemoteContactID))
	if err != nil {
		WriteServiceError(w, r, err)
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"values": roles})
	return nil
}

func (s *Server) update(w http.ResponseWriter, r *http.Request, params request.Params) error {
	rec, err := s.svc.Update(r.Context(), params)
	if err != nil {
		WriteServiceError(w, r, err)
		return err
	}
	if s.separator != nil {
		rec = s.separator.Outbound(rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"values": rec})
	return nil
}

type profileEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (s *Server) listProfiles(w http.ResponseWriter, _ *http.Request) {
	list := s.svc.Profiles().List()
	out := make([]profileEntry, 0, len(list))
	for id, name := range list {
		out = append(out, profileEntry{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, map[string]any{"values": out})
}
