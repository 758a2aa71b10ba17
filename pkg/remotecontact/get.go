package remotecontact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zfranque/de.systopia.remotetools/pkg/fieldmap"
	"github.com/zfranque/de.systopia.remotetools/pkg/pipeline"
	"github.com/zfranque/de.systopia.remotetools/pkg/profile"
	"github.com/zfranque/de.systopia.remotetools/pkg/request"
)

// GetRequest is a get or get_self request travelling through the pipeline.
type GetRequest struct {
	*request.Request

	// Profile is resolved during initialization.
	Profile profile.Profile
	// Self marks get_self requests.
	Self bool

	fault error
}

// Fail records an error of the given class. The first class recorded
// decides the class of the response.
func (r *GetRequest) Fail(class error, message, reference string) {
	if r.fault == nil {
		r.fault = class
	}
	r.AddError(message, reference)
}

// Stage names of the get pipeline.
const (
	StageInit            = "init"
	StageOrQuery         = "or_query"
	StageRequirements    = "profile_requirements"
	StageMapParameters   = "map_parameters"
	StageSelfRestriction = "self_restriction"
	StageExecute         = "execute"
	StageFilterResult    = "filter_result"
	StageLabelCustom     = "label_custom_fields"
)

func (s *Service) buildGetPipeline() *pipeline.Pipeline[*GetRequest] {
	p := pipeline.New[*GetRequest]("remotecontact", s.pipelineOpts...)
	p.Add(pipeline.Stage[*GetRequest]{Name: StageInit, Priority: pipeline.Initialization, Run: s.initRequest})
	p.Add(pipeline.Stage[*GetRequest]{Name: StageOrQuery, Priority: pipeline.Initialization - 10, Run: s.extractOrQuery})
	p.Add(pipeline.Stage[*GetRequest]{Name: StageRequirements, Priority: pipeline.BeforeExecute, Run: s.addProfileRequirements})
	p.Add(pipeline.Stage[*GetRequest]{Name: StageMapParameters, Priority: pipeline.BeforeExecute - 200, Run: s.mapParameters})
	p.Add(pipeline.Stage[*GetRequest]{Name: StageSelfRestriction, Priority: pipeline.BeforeExecute - 400, Run: s.restrictSelf})
	p.Add(pipeline.Stage[*GetRequest]{Name: StageExecute, Priority: pipeline.Execute, Run: s.execute})
	p.Add(pipeline.Stage[*GetRequest]{Name: StageFilterResult, Priority: pipeline.AfterExecute, Run: s.filterResult})
	p.Add(pipeline.Stage[*GetRequest]{Name: StageLabelCustom, Priority: pipeline.AfterExecute - 100, Run: s.labelCustomFields})
	for _, stage := range s.extra {
		p.Add(stage)
	}
	return p
}

// Get runs a profile-shaped contact search.
func (s *Service) Get(ctx context.Context, params request.Params) *Response {
	req := &GetRequest{Request: s.newRequest("get", params)}
	s.get.Run(ctx, req)
	return newResponse(req)
}

// GetSelf runs a search restricted to the caller's own contact. The profile
// must be eligible for own-data requests.
func (s *Service) GetSelf(ctx context.Context, params request.Params) *Response {
	req := &GetRequest{Request: s.newRequest("get_self", params), Self: true}
	s.get.Run(ctx, req)
	return newResponse(req)
}

// Run executes an already built request, allowing callers to inspect the
// working state afterwards.
func (s *Service) Run(ctx context.Context, req *GetRequest) (pipeline.Outcome, *Response) {
	out := s.get.Run(ctx, req)
	return out, newResponse(req)
}

// NewGetRequest builds a request for Run.
func (s *Service) NewGetRequest(params request.Params, self bool) *GetRequest {
	action := "get"
	if self {
		action = "get_self"
	}
	return &GetRequest{Request: s.newRequest(action, params), Self: self}
}

func (s *Service) initRequest(ctx context.Context, req *GetRequest) {
	if req.Original().Bool(request.KeyLogDebug) {
		s.logDebug(ctx, "request", req.Original())
	}

	name := req.Original().String(request.KeyProfile)
	if name == "" {
		req.Fail(ErrValidation, "A profile needs to be provided by caller or by code.", request.KeyProfile)
		return
	}
	p, err := s.profiles.Get(name)
	if err != nil {
		req.Fail(ErrValidation, fmt.Sprintf("Profile %s not valid", name), request.KeyProfile)
		return
	}
	req.Profile = p

	if req.Self {
		if req.Original().String(request.KeyRemoteContactID) == "" {
			req.Fail(ErrValidation, "remote_contact_id is required", request.KeyRemoteContactID)
			return
		}
		caller := req.CallerID(ctx)
		if req.HasErrors() {
			req.fault = ErrStorage
			return
		}
		if caller == 0 {
			req.Fail(ErrNotFound, MsgUnknownKey, request.KeyRemoteContactID)
			return
		}
		if !p.IsOwnDataProfile(req.Request) {
			req.Fail(ErrValidation, fmt.Sprintf("Profile %s cannot be used to access your own data", name), request.KeyProfile)
			return
		}
		req.ForceID(caller)
	}
	req.RemoveParam(request.KeyRemoteContactID)
	req.RemoveParam(request.KeyProfile)

	p.Init(ctx, req.Request)
}

func (s *Service) extractOrQuery(ctx context.Context, req *GetRequest) {
	s.rewriter.Apply(ctx, req.Request, req.Profile.Mapper())
	if req.HasErrors() {
		req.fault = ErrStorage
	}
}

// addProfileRequirements applies the profile restrictions, sorting and
// return field negotiation.
func (s *Service) addProfileRequirements(ctx context.Context, req *GetRequest) {
	p := req.Profile
	p.ApplyRestrictions(ctx, req.Request)
	p.AdjustSorting(req.Request)

	allowed := p.ReturnFields(req.Request)
	requested := p.Mapper().MapList(req.OriginalReturnFields(), fieldmap.ToInternal)
	returned := allowed
	if len(requested) > 0 {
		permitted := make(map[string]bool, len(allowed))
		for _, f := range allowed {
			permitted[f] = true
		}
		returned = make([]string, 0, len(requested))
		for _, f := range requested {
			if permitted[f] {
				returned = append(returned, f)
			}
		}
	}
	seen := make(map[string]bool, len(returned))
	for _, f := range returned {
		seen[f] = true
	}
	for _, srt := range req.WorkingSorting() {
		if !seen[srt.Field] {
			seen[srt.Field] = true
			returned = append(returned, srt.Field)
		}
	}
	req.SetReturnFields(returned)
}

// mapParameters renames the search parameters to internal names and
// resolves qualified custom field names.
func (s *Service) mapParameters(ctx context.Context, req *GetRequest) {
	mapped := make(request.Params, len(req.Params()))
	for name, v := range req.Params() {
		if request.IsReserved(name) {
			mapped[name] = v
			continue
		}
		mapped[req.Profile.Mapper().Internal(name)] = v
	}
	resolved, err := fieldmap.ResolveQualifiedKeys(ctx, s.store.Fields(), mapped)
	if err != nil {
		req.Fail(ErrStorage, err.Error(), "")
		return
	}
	req.ReplaceParams(request.Params(resolved))
}

// restrictSelf keeps a get_self request on the caller's contact whatever
// earlier stages did to the parameters.
func (s *Service) restrictSelf(ctx context.Context, req *GetRequest) {
	if !req.Self {
		return
	}
	req.RemoveParam(request.KeyID)
	req.RestrictIDs([]int64{req.CallerID(ctx)})
}

func (s *Service) execute(ctx context.Context, req *GetRequest) {
	q, err := req.BuildQuery()
	if err != nil {
		ref := ""
		var fe *request.FieldError
		if errors.As(err, &fe) {
			ref = fe.Field
		}
		req.Fail(ErrValidation, err.Error(), ref)
		return
	}
	if req.Original().Bool(request.KeyLogDebug) {
		s.logDebug(ctx, "query", q)
	}
	records, err := s.store.Get(ctx, q)
	if err != nil {
		s.logger.ErrorContext(ctx, "contact query failed", "error", err)
		req.Fail(ErrStorage, err.Error(), "")
		return
	}
	req.SetResult(records)
	if req.Original().Bool(request.KeyLogDebug) {
		s.logDebug(ctx, "result", records)
	}
}

func (s *Service) filterResult(ctx context.Context, req *GetRequest) {
	req.Profile.FilterResult(ctx, req.Request, req.Reply())
}

// labelCustomFields renames custom_<id> keys left in a get_self reply to
// group.field.
func (s *Service) labelCustomFields(ctx context.Context, req *GetRequest) {
	if !req.Self {
		return
	}
	for i, rec := range req.Reply().Values {
		out := make(request.Record, len(rec))
		for k, v := range rec {
			if id, ok := fieldmap.ParseCustomFieldName(k); ok {
				if f, err := s.store.Fields().FieldByID(ctx, id); err == nil {
					k = f.QualifiedName()
				}
			}
			out[k] = v
		}
		req.Reply().Values[i] = out
	}
}

func (s *Service) logDebug(ctx context.Context, what string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fmt.Sprint(v))
	}
	s.logger.DebugContext(ctx, "RemoteContact.get "+what, "payload", strings.TrimSpace(string(data)))
}
