package remotecontact

import (
	"strconv"

	"github.com/zfranque/de.systopia.remotetools/pkg/request"
)

// Response is the result of a pipeline-backed operation.
type Response struct {
	IsError        bool              `json:"is_error"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	Count          int               `json:"count"`
	Values         any               `json:"values"`
	StatusMessages []request.Message `json:"status_messages"`

	// Err classifies a failed response; nil on success.
	Err error `json:"-"`
}

func newResponse(req *GetRequest) *Response {
	resp := &Response{StatusMessages: req.StatusMessages()}
	if req.HasErrors() {
		resp.IsError = true
		resp.ErrorMessage = req.FirstError()
		resp.Err = req.fault
		if resp.Err == nil {
			resp.Err = ErrValidation
		}
		return resp
	}

	values := req.Reply().Values
	resp.Count = len(values)
	if req.Sequential() {
		list := make([]request.Record, len(values))
		copy(list, values)
		resp.Values = list
		return resp
	}
	keyed := make(map[string]request.Record, len(values))
	for _, rec := range values {
		keyed[strconv.FormatInt(rec.ID(), 10)] = rec
	}
	resp.Values = keyed
	return resp
}
