// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package commands

import (
	"embed"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/slopewatch/core/access"
	"github.com/relabs-tech/slopewatch/core/api"
	"github.com/relabs-tech/slopewatch/core/logger"
	"github.com/relabs-tech/slopewatch/core/schema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// SchemaCommandIssue is the schema id of the issue request body
const SchemaCommandIssue = "https://slopewatch/schemas/command-issue.json"

var validator = schema.MustNewValidatorFromFS(schemaFS, "schemas")

type issueBody struct {
	CommandType string          `json:"commandType"`
	Payload     json.RawMessage `json:"payload"`
}

// HandleRoutes adds the command routes to router, which is expected to carry the /api/v1 prefix
func (d *Dispatcher) HandleRoutes(router *mux.Router) {
	logger.Default().Debugln("commands:")
	logger.Default().Debugln("  handle route: /devices/{deviceId}/commands GET,POST")
	logger.Default().Debugln("  handle route: /devices/{deviceId}/commands/{commandId} GET")

	router.HandleFunc("/devices/{deviceId}/commands", d.gate.Require(access.CapabilityDeviceControl, func(w http.ResponseWriter, r *http.Request) {
		deviceID, err := api.PathUUID(r, "deviceId")
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		var body issueBody
		if err := api.DecodeBody(r, validator, SchemaCommandIssue, &body); err != nil {
			api.Fail(w, r, err)
			return
		}
		issued, err := d.Issue(r.Context(), IssueRequest{
			DeviceID:    deviceID,
			CommandType: body.CommandType,
			Payload:     body.Payload,
			RequestedBy: access.IdentityFromContext(r.Context()),
		})
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		api.Ok(w, r, issued)
	})).Methods(http.MethodPost)

	router.HandleFunc("/devices/{deviceId}/commands", d.gate.Require(access.CapabilityDeviceView, func(w http.ResponseWriter, r *http.Request) {
		deviceID, err := api.PathUUID(r, "deviceId")
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		q := r.URL.Query()
		page, err := api.ParsePage(q)
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		f := ListFilter{Page: page}
		if s := q.Get("status"); s != "" {
			status, ok := ParseStatus(s)
			if !ok {
				api.Fail(w, r, api.InvalidField("status").With("allowed", AllStatuses))
				return
			}
			f.Status = status
		}
		list, err := d.List(r.Context(), deviceID, f)
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		api.Ok(w, r, list)
	})).Methods(http.MethodGet)

	router.HandleFunc("/devices/{deviceId}/commands/{commandId}", d.gate.Require(access.CapabilityDeviceView, func(w http.ResponseWriter, r *http.Request) {
		deviceID, err := api.PathUUID(r, "deviceId")
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		commandID, err := api.PathUUID(r, "commandId")
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		cmd, err := d.Get(r.Context(), deviceID, commandID)
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		api.Ok(w, r, cmd)
	})).Methods(http.MethodGet)
}
