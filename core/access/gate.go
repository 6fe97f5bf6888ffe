// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package access

import (
	"net/http"

	"github.com/relabs-tech/slopewatch/core/api"
)

// Gate protects handlers with capability checks
type Gate struct {
	// Required enables the checks. A gate which is not required lets every request pass.
	Required bool
}

// Require wraps h so that it is only called for requests which are authorized for capability.
// Requests without authorization get http.StatusUnauthorized, requests lacking the
// capability get http.StatusForbidden.
func (g Gate) Require(capability string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !g.Required {
			h(w, r)
			return
		}
		auth := AuthorizationFromContext(r.Context())
		if auth == nil {
			api.Fail(w, r, api.NewError(api.KindUnauthorized, "not authorized"))
			return
		}
		if !auth.HasCapability(capability) {
			api.Fail(w, r, api.NewError(api.KindForbidden, "forbidden").With("capability", capability))
			return
		}
		h(w, r)
	}
}
