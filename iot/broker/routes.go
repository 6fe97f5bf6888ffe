// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package broker

import (
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/slopewatch/core/api"
	"github.com/relabs-tech/slopewatch/core/logger"
)

// TokenHeader carries the shared webhook token
const TokenHeader = "X-Emqx-Token"

// HandleRoutes adds /emqx/authn and /emqx/acl to router
func (b *Bridge) HandleRoutes(router *mux.Router) {
	logger.Default().Debugln("broker:")
	logger.Default().Debugln("  handle route: /emqx/authn POST")
	logger.Default().Debugln("  handle route: /emqx/acl POST")

	router.HandleFunc("/emqx/authn", b.withToken(func(w http.ResponseWriter, r *http.Request) {
		var req AuthnRequest
		if !decode(r, &req) {
			writeDecision(w, decision(false, nil))
			return
		}
		writeDecision(w, b.Authenticate(r.Context(), req))
	})).Methods(http.MethodPost)

	router.HandleFunc("/emqx/acl", b.withToken(func(w http.ResponseWriter, r *http.Request) {
		var req AclRequest
		if !decode(r, &req) {
			writeDecision(w, decision(false, nil))
			return
		}
		writeDecision(w, b.Authorize(r.Context(), req))
	})).Methods(http.MethodPost)
}

// withToken rejects requests without the configured webhook token
func (b *Bridge) withToken(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if b.webhookToken != "" && !equalConstantTime(r.Header.Get(TokenHeader), b.webhookToken) {
			logger.FromContext(r.Context()).Warnln("webhook called with invalid token")
			api.Fail(w, r, api.NewError(api.KindForbidden, "forbidden"))
			return
		}
		h(w, r)
	}
}

func decode(r *http.Request, v interface{}) bool {
	if r.Body == nil {
		return false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, api.MaxBodySize))
	if err != nil {
		return false
	}
	return json.Unmarshal(body, v) == nil
}

func writeDecision(w http.ResponseWriter, d Decision) {
	j, _ := json.Marshal(d)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(j)
}
