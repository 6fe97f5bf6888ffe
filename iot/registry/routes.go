// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package registry

import (
	"context"
	"embed"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/slopewatch/core/access"
	"github.com/relabs-tech/slopewatch/core/api"
	"github.com/relabs-tech/slopewatch/core/logger"
	"github.com/relabs-tech/slopewatch/core/schema"
	"github.com/relabs-tech/slopewatch/iot/secret"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// schema ids of the request bodies
const (
	SchemaDeviceCreate = "https://slopewatch/schemas/device-create.json"
	SchemaDeviceUpdate = "https://slopewatch/schemas/device-update.json"
)

// versions reported with newly created credentials
const (
	SchemaVersion     = 1
	CredentialVersion = 1
)

// Registry is the device registry service
type Registry struct {
	store     Store
	gate      access.Gate
	validator *schema.Validator
}

// Builder is a builder helper for the Registry
type Builder struct {
	// Store persists the devices. Without store every operation answers unavailable.
	Store Store
	// Gate protects the routes
	Gate access.Gate
}

// New realizes the registry
func New(rb *Builder) *Registry {
	return &Registry{
		store:     rb.Store,
		gate:      rb.Gate,
		validator: schema.MustNewValidatorFromFS(schemaFS, "schemas"),
	}
}

// CreateRequest is the body of a device creation
type CreateRequest struct {
	DeviceID   *uuid.UUID      `json:"deviceId"`
	DeviceName string          `json:"deviceName"`
	DeviceType string          `json:"deviceType"`
	StationID  *uuid.UUID      `json:"stationId"`
	Metadata   json.RawMessage `json:"metadata"`
}

// Created is returned once for each created device. It is the only place where the plaintext
// secret ever shows up.
type Created struct {
	DeviceID      uuid.UUID `json:"deviceId"`
	DeviceSecret  string    `json:"deviceSecret"`
	SchemaVersion int       `json:"schemaVersion"`
	CredVersion   int       `json:"credVersion"`
}

// Revocation is the result of a revoke
type Revocation struct {
	DeviceID  uuid.UUID `json:"deviceId"`
	Status    Status    `json:"status"`
	RevokedAt time.Time `json:"revokedAt"`
}

// DeviceList is one page of devices
type DeviceList struct {
	List       []Device       `json:"list"`
	Pagination api.Pagination `json:"pagination"`
}

func (rg *Registry) available() error {
	if rg.store == nil {
		return api.Unavailable("postgres not configured")
	}
	return nil
}

// translate maps store errors onto the api taxonomy
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return api.NotFound("device not found").Wrap(err)
	case errors.Is(err, ErrRevoked):
		return api.Conflict("device is revoked").Wrap(err)
	case errors.Is(err, ErrAlreadyExists):
		return api.Conflict("device already exists").Wrap(err)
	}
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return err
	}
	return api.Internal(err)
}

// Create registers a new device and returns its plaintext secret
func (rg *Registry) Create(ctx context.Context, req CreateRequest) (Created, error) {
	if err := rg.available(); err != nil {
		return Created{}, err
	}
	plain, err := secret.Generate()
	if err != nil {
		return Created{}, api.Internal(err)
	}
	hash, err := secret.HashSecret(plain)
	if err != nil {
		return Created{}, api.Internal(err)
	}
	d, err := rg.store.Create(ctx, NewDevice{
		ID:         req.DeviceID,
		Name:       req.DeviceName,
		Type:       req.DeviceType,
		StationID:  req.StationID,
		Metadata:   req.Metadata,
		SecretHash: hash,
	})
	if err != nil {
		return Created{}, translate(err)
	}
	logger.FromContext(ctx).Infof("device %s created", d.ID)
	return Created{
		DeviceID:      d.ID,
		DeviceSecret:  plain,
		SchemaVersion: SchemaVersion,
		CredVersion:   CredentialVersion,
	}, nil
}

// Get returns a device
func (rg *Registry) Get(ctx context.Context, id uuid.UUID) (Device, error) {
	if err := rg.available(); err != nil {
		return Device{}, err
	}
	d, err := rg.store.Get(ctx, id)
	return d, translate(err)
}

// List returns one page of devices
func (rg *Registry) List(ctx context.Context, f Filter) (DeviceList, error) {
	if err := rg.available(); err != nil {
		return DeviceList{}, err
	}
	devices, total, err := rg.store.List(ctx, f)
	if err != nil {
		return DeviceList{}, translate(err)
	}
	return DeviceList{List: devices, Pagination: api.NewPagination(f.Page, total)}, nil
}

// Update applies a partial update
func (rg *Registry) Update(ctx context.Context, id uuid.UUID, p Patch) (Device, error) {
	if err := rg.available(); err != nil {
		return Device{}, err
	}
	d, err := rg.store.Update(ctx, id, p)
	return d, translate(err)
}

// Revoke revokes the device
func (rg *Registry) Revoke(ctx context.Context, id uuid.UUID) (Revocation, error) {
	if err := rg.available(); err != nil {
		return Revocation{}, err
	}
	d, err := rg.store.Revoke(ctx, id)
	if err != nil {
		return Revocation{}, translate(err)
	}
	logger.FromContext(ctx).Infof("device %s revoked", d.ID)
	return Revocation{DeviceID: d.ID, Status: d.Status, RevokedAt: d.UpdatedAt}, nil
}

// parsePatch builds a patch from the raw body. An explicit null stationId clears the station,
// a missing one leaves it unchanged.
func parsePatch(body map[string]json.RawMessage) (Patch, error) {
	var p Patch
	if raw, ok := body["deviceName"]; ok {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return p, api.InvalidField("deviceName")
		}
		p.Name = &name
	}
	if raw, ok := body["deviceType"]; ok {
		var deviceType string
		if err := json.Unmarshal(raw, &deviceType); err != nil {
			return p, api.InvalidField("deviceType")
		}
		p.Type = &deviceType
	}
	if raw, ok := body["stationId"]; ok {
		p.StationID.Set = true
		if string(raw) != "null" {
			var id uuid.UUID
			if err := json.Unmarshal(raw, &id); err != nil {
				return p, api.InvalidField("stationId")
			}
			p.StationID.ID = &id
		}
	}
	if raw, ok := body["metadata"]; ok && string(raw) != "null" {
		p.Metadata = raw
	}
	return p, nil
}

// HandleRoutes adds the device routes to router, which is expected to carry the /api/v1 prefix
func (rg *Registry) HandleRoutes(router *mux.Router) {
	logger.Default().Debugln("registry:")
	logger.Default().Debugln("  handle route: /devices GET,POST")
	logger.Default().Debugln("  handle route: /devices/{deviceId} GET,PUT")
	logger.Default().Debugln("  handle route: /devices/{deviceId}/revoke PUT")

	router.HandleFunc("/devices", rg.gate.Require(access.CapabilityDeviceView, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page, err := api.ParsePage(q)
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		f := Filter{Keyword: q.Get("keyword"), Type: q.Get("deviceType"), Page: page}
		if s := q.Get("status"); s != "" {
			status, ok := ParseStatus(s)
			if !ok {
				api.Fail(w, r, api.InvalidField("status").With("allowed", []Status{StatusInactive, StatusActive, StatusRevoked}))
				return
			}
			f.Status = status
		}
		if f.StationID, err = api.QueryUUID(q, "stationId"); err != nil {
			api.Fail(w, r, err)
			return
		}
		list, err := rg.List(r.Context(), f)
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		api.Ok(w, r, list)
	})).Methods(http.MethodGet)

	router.HandleFunc("/devices", rg.gate.Require(access.CapabilityDeviceCreate, func(w http.ResponseWriter, r *http.Request) {
		var req CreateRequest
		if err := api.DecodeBody(r, rg.validator, SchemaDeviceCreate, &req); err != nil {
			api.Fail(w, r, err)
			return
		}
		created, err := rg.Create(r.Context(), req)
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		api.Ok(w, r, created)
	})).Methods(http.MethodPost)

	router.HandleFunc("/devices/{deviceId}", rg.gate.Require(access.CapabilityDeviceView, func(w http.ResponseWriter, r *http.Request) {
		id, err := api.PathUUID(r, "deviceId")
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		d, err := rg.Get(r.Context(), id)
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		api.Ok(w, r, d)
	})).Methods(http.MethodGet)

	router.HandleFunc("/devices/{deviceId}", rg.gate.Require(access.CapabilityDeviceUpdate, func(w http.ResponseWriter, r *http.Request) {
		id, err := api.PathUUID(r, "deviceId")
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		var body map[string]json.RawMessage
		if err := api.DecodeBody(r, rg.validator, SchemaDeviceUpdate, &body); err != nil {
			api.Fail(w, r, err)
			return
		}
		p, err := parsePatch(body)
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		d, err := rg.Update(r.Context(), id, p)
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		api.Ok(w, r, d)
	})).Methods(http.MethodPut)

	router.HandleFunc("/devices/{deviceId}/revoke", rg.gate.Require(access.CapabilityDeviceUpdate, func(w http.ResponseWriter, r *http.Request) {
		id, err := api.PathUUID(r, "deviceId")
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		rev, err := rg.Revoke(r.Context(), id)
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		api.Ok(w, r, rev)
	})).Methods(http.MethodPut)
}
