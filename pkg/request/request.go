// Package request holds the mutable state of one remote request as it moves
// through the processing pipeline: the original and working parameters, the
// reply, the resolved caller and the error, warning and status lists.
package request

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
)

// Severity classifies a status message.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityStatus  Severity = "status"
)

// Message is an entry of the status message list.
type Message struct {
	Message   string   `json:"message"`
	Severity  Severity `json:"severity"`
	Reference string   `json:"reference"`
}

// Record is one result row keyed by field name.
type Record map[string]any

// ID returns the record's id field.
func (r Record) ID() int64 {
	switch t := r[KeyID].(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	}
	return 0
}

// Reply is the working result of a request.
type Reply struct {
	Values []Record
}

// ErrKeyNotFound is returned by a KeyResolver for unknown keys.
var ErrKeyNotFound = errors.New("request: remote key not found")

// KeyResolver resolves remote keys to contact ids.
type KeyResolver interface {
	Resolve(ctx context.Context, key string) (int64, error)
}

// Request is the state of one remote request.
type Request struct {
	Entity string
	Action string

	original Params
	params   Params
	reply    Reply
	executed bool

	errors   []Message
	warnings []Message
	status   []Message

	callerResolved bool
	callerID       int64
	keys           KeyResolver
	keyNotFound    func(error) bool

	ids        map[int64]struct{}
	restricted bool

	Logger *slog.Logger
}

// Option configures a Request.
type Option func(*Request)

// WithKeyResolver sets the resolver behind CallerID. notFound classifies
// resolver errors meaning "no such key"; other errors are recorded as
// request errors.
func WithKeyResolver(keys KeyResolver, notFound func(error) bool) Option {
	return func(r *Request) {
		r.keys = keys
		r.keyNotFound = notFound
	}
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Request) {
		if l != nil {
			r.Logger = l
		}
	}
}

// New creates a request. params is copied; the working copy starts without
// return fields, which are negotiated later.
func New(entity, action string, params Params, opts ...Option) *Request {
	if params == nil {
		params = Params{}
	}
	r := &Request{
		Entity:   entity,
		Action:   action,
		original: params.Clone(),
		params:   params.Clone(),
		Logger:   slog.Default().With("component", "request"),
	}
	delete(r.params, KeyReturn)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Original returns the parameters as received. It must not be modified.
func (r *Request) Original() Params { return r.original }

// OriginalParam returns one original parameter.
func (r *Request) OriginalParam(name string) any { return r.original[name] }

// Params returns the working parameters.
func (r *Request) Params() Params { return r.params }

// Param returns one working parameter.
func (r *Request) Param(name string) any { return r.params[name] }

// SetParam sets a working parameter.
func (r *Request) SetParam(name string, value any) { r.params[name] = value }

// RemoveParam deletes a working parameter.
func (r *Request) RemoveParam(name string) { delete(r.params, name) }

// Option returns a working request option.
func (r *Request) Option(name string) any { return r.params.Option(name) }

// ReplaceParams swaps the working parameters, typically after renaming.
func (r *Request) ReplaceParams(p Params) { r.params = p }

// CallerID resolves remote_contact_id once. Unknown or missing keys yield 0.
func (r *Request) CallerID(ctx context.Context) int64 {
	if r.callerResolved {
		return r.callerID
	}
	r.callerResolved = true

	key := r.params.String(KeyRemoteContactID)
	if key == "" || r.keys == nil {
		return 0
	}
	id, err := r.keys.Resolve(ctx, key)
	switch {
	case err == nil:
		r.callerID = id
	case errors.Is(err, ErrKeyNotFound) || (r.keyNotFound != nil && r.keyNotFound(err)):
		r.callerID = 0
	default:
		r.Logger.ErrorContext(ctx, "remote key lookup failed", "error", err)
		r.AddError("Remote key lookup failed", KeyRemoteContactID)
	}
	return r.callerID
}

// SetCallerID overrides the resolved caller.
func (r *Request) SetCallerID(id int64) {
	r.callerID = id
	r.callerResolved = true
}

// OriginalReturnFields returns the return fields requested by the caller,
// nil if none.
func (r *Request) OriginalReturnFields() []string {
	return List(r.original[KeyReturn])
}

// ReturnFields returns the negotiated return fields.
func (r *Request) ReturnFields() []string {
	return List(r.params[KeyReturn])
}

// SetReturnFields replaces the negotiated return fields.
func (r *Request) SetReturnFields(fields []string) {
	r.params[KeyReturn] = append([]string(nil), fields...)
}

// Sorting returns the sort tuples of the original request.
func (r *Request) Sorting() []Sort {
	return sortingOf(r.original)
}

// WorkingSorting returns the sort tuples of the working request.
func (r *Request) WorkingSorting() []Sort {
	return sortingOf(r.params)
}

// SetSorting writes sorting into options.sort and drops the legacy key.
func (r *Request) SetSorting(sorting []Sort) {
	delete(r.params, KeyLegacySort)
	if opts := r.params.options(); opts != nil {
		delete(opts, "sort")
	}
	if spec := FormatSorting(sorting); spec != "" {
		r.params.SetOption("sort", spec)
	}
}

// Filters parses the non-reserved working parameters.
func (r *Request) Filters() (map[string]Filter, error) {
	out := map[string]Filter{}
	for name, v := range r.params {
		if IsReserved(name) {
			continue
		}
		f, err := ParseFilter(v)
		if err != nil {
			return nil, &FieldError{Field: name, Err: err}
		}
		out[name] = f
	}
	return out, nil
}

// FieldError ties an error to a parameter.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Err.Error() }

func (e *FieldError) Unwrap() error { return e.Err }

// RestrictIDs narrows the request to ids, intersected with any earlier
// restriction. An empty result restricts the request to nothing.
func (r *Request) RestrictIDs(ids []int64) {
	next := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if !r.restricted {
			next[id] = struct{}{}
			continue
		}
		if _, ok := r.ids[id]; ok {
			next[id] = struct{}{}
		}
	}
	r.ids, r.restricted = next, true
}

// ForceID restricts the request to exactly id, discarding any id filter
// and earlier restriction.
func (r *Request) ForceID(id int64) {
	delete(r.params, KeyID)
	r.ids = map[int64]struct{}{id: {}}
	r.restricted = true
}

// IDRestriction returns the current id restriction in ascending order.
// ok is false when the request is unrestricted.
func (r *Request) IDRestriction() (ids []int64, ok bool) {
	if !r.restricted {
		return nil, false
	}
	ids = make([]int64, 0, len(r.ids))
	for id := range r.ids {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, true
}

// Limit returns options.limit, DefaultLimit when absent. 0 means no limit.
func (r *Request) Limit() int {
	return intOption(r.params.Option("limit"), DefaultLimit)
}

// Offset returns options.offset.
func (r *Request) Offset() int {
	return intOption(r.params.Option("offset"), 0)
}

// Sequential reports whether values are returned as a list rather than
// keyed by id. Defaults to true.
func (r *Request) Sequential() bool {
	v, ok := r.params[KeySequential]
	if !ok {
		return true
	}
	return truthy(v)
}

// Reply returns the working reply.
func (r *Request) Reply() *Reply { return &r.reply }

// SetResult records the executed result as the reply.
func (r *Request) SetResult(values []Record) {
	r.reply = Reply{Values: values}
	r.executed = true
}

// WasExecuted reports whether the request reached the store.
func (r *Request) WasExecuted() bool { return r.executed }

// AddError records an error. Any error stops the pipeline.
func (r *Request) AddError(message, reference string) {
	r.errors = append(r.errors, Message{Message: message, Severity: SeverityError, Reference: reference})
}

// AddWarning records a warning.
func (r *Request) AddWarning(message, reference string) {
	r.warnings = append(r.warnings, Message{Message: message, Severity: SeverityWarning, Reference: reference})
}

// AddStatus records an informational note.
func (r *Request) AddStatus(message, reference string) {
	r.status = append(r.status, Message{Message: message, Severity: SeverityStatus, Reference: reference})
}

// HasErrors reports whether any error was recorded.
func (r *Request) HasErrors() bool { return len(r.errors) > 0 }

// HasWarnings reports whether any warning was recorded.
func (r *Request) HasWarnings() bool { return len(r.warnings) > 0 }

// Errors returns the recorded errors.
func (r *Request) Errors() []Message { return r.errors }

// FirstError returns the first error message, "" if there is none.
func (r *Request) FirstError() string {
	if len(r.errors) == 0 {
		return ""
	}
	return r.errors[0].Message
}

// StatusMessages returns errors, then warnings, then status notes.
func (r *Request) StatusMessages() []Message {
	out := make([]Message, 0, len(r.errors)+len(r.warnings)+len(r.status))
	out = append(out, r.errors...)
	out = append(out, r.warnings...)
	return append(out, r.status...)
}

// ReferencedStatus maps reference -> message for the messages of the given
// severities that carry a reference. Without severities, errors are used.
func (r *Request) ReferencedStatus(severities ...Severity) map[string]string {
	if len(severities) == 0 {
		severities = []Severity{SeverityError}
	}
	want := map[Severity]bool{}
	for _, s := range severities {
		want[s] = true
	}
	out := map[string]string{}
	for _, m := range r.StatusMessages() {
		if want[m.Severity] && m.Reference != "" {
			out[m.Reference] = m.Message
		}
	}
	return out
}
