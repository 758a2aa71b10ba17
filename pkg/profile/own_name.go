package profile

import (
	"context"

	"github.com/zfranque/de.systopia.remotetools/pkg/request"
)

// OwnFirstNameLastNameID is the id of the built-in self-data profile.
const OwnFirstNameLastNameID = "own_first_name_last_name"

// OwnFirstNameLastName lets a caller read the first and last name of its
// own individual contact.
type OwnFirstNameLastName struct {
	Base
}

// NewOwnFirstNameLastName creates the profile.
func NewOwnFirstNameLastName() *OwnFirstNameLastName {
	return &OwnFirstNameLastName{Base: NewBase(OwnFirstNameLastNameID, "Own first and last name",
		map[string]string{"id": "id", "first_name": "first_name", "last_name": "last_name"},
		FieldSpec{Name: "first_name", Type: "String", Title: "First Name", Filterable: true, Sortable: true, Core: true},
		FieldSpec{Name: "last_name", Type: "String", Title: "Last Name", Filterable: true, Sortable: true, Core: true},
	)}
}

func (p *OwnFirstNameLastName) IsOwnDataProfile(*request.Request) bool { return true }

func (p *OwnFirstNameLastName) ReturnFields(*request.Request) []string {
	return []string{"id", "first_name", "last_name"}
}

func (p *OwnFirstNameLastName) ApplyRestrictions(_ context.Context, req *request.Request) {
	req.SetParam("contact_type", "Individual")
	req.SetParam(request.KeySequential, 0)
}

func (p *OwnFirstNameLastName) FilterResult(_ context.Context, _ *request.Request, reply *request.Reply) {
	for i, rec := range reply.Values {
		reply.Values[i] = request.Record{
			"id":         valueOr(rec, "id"),
			"first_name": valueOr(rec, "first_name"),
			"last_name":  valueOr(rec, "last_name"),
		}
	}
}

func valueOr(rec request.Record, key string) any {
	if v, ok := rec[key]; ok && v != nil {
		return v
	}
	return ""
}
