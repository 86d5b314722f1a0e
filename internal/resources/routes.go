package resources

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/proposalhub/apibridge/pkg/api"
	"github.com/proposalhub/apibridge/pkg/errors"
)

// maxExtensionBody bounds request bodies of extension routes.
const maxExtensionBody = 1 << 20

// Routes exposes the resource extensions over HTTP.
func (s *Set) Routes() []api.Route {
	return []api.Route{
		{
			Method:  http.MethodPost,
			Pattern: api.Prefix + "/" + AdminUsersResource + "/validate",
			Handle: func(r *http.Request) (any, error) {
				var user AdminUser
				if err := json.NewDecoder(io.LimitReader(r.Body, maxExtensionBody)).Decode(&user); err != nil {
					return nil, errors.Validation("invalid admin user: %v", err)
				}
				return s.AdminUsers.ValidateFields(r.Context(), user)
			},
		},
		{
			Method:  http.MethodGet,
			Pattern: api.Prefix + "/" + WorkflowsResource + "/stats",
			Handle: func(r *http.Request) (any, error) {
				return s.Workflows.Stats(r.Context())
			},
		},
		{
			Method:  http.MethodGet,
			Pattern: api.Prefix + "/" + RFPsResource + "/{id}/relationships",
			Handle: func(r *http.Request) (any, error) {
				return s.RFPs.Relationships(r.Context(), r.PathValue("id"))
			},
		},
	}
}
