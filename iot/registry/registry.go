// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package registry owns device identity, lifecycle status and credential state.

A device is created inactive. The broker bridge turns it active on its first successful
connect. Revocation is one-way: a revoked device never becomes inactive or active again,
and devices are never deleted.

The plaintext device secret is returned exactly once, by Create. Only its hash is stored.
*/
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/slopewatch/core/api"
)

// Status is the lifecycle status of a device
type Status string

// the device lifecycle
const (
	StatusInactive Status = "inactive"
	StatusActive   Status = "active"
	StatusRevoked  Status = "revoked"
)

// ParseStatus parses a status, it returns false for unknown values
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusInactive, StatusActive, StatusRevoked:
		return Status(s), true
	}
	return "", false
}

// DefaultDeviceType is the type of devices created without type
const DefaultDeviceType = "generic"

// errors returned by stores
var (
	ErrNotFound      = errors.New("device not found")
	ErrAlreadyExists = errors.New("device already exists")
	ErrRevoked       = errors.New("device is revoked")
)

// Device is a registered device
type Device struct {
	ID         uuid.UUID       `json:"deviceId"`
	Name       string          `json:"deviceName"`
	Type       string          `json:"deviceType"`
	StationID  *uuid.UUID      `json:"stationId"`
	Status     Status          `json:"status"`
	Metadata   json.RawMessage `json:"metadata"`
	LastSeenAt *time.Time      `json:"lastSeenAt"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Revoked returns true if the device is revoked
func (d Device) Revoked() bool {
	return d.Status == StatusRevoked
}

// Getter reads one device
type Getter interface {
	Get(ctx context.Context, id uuid.UUID) (Device, error)
}

// RequireUsable returns the device with id. It returns ErrNotFound for unknown and ErrRevoked
// for revoked devices.
func RequireUsable(ctx context.Context, devices Getter, id uuid.UUID) (Device, error) {
	d, err := devices.Get(ctx, id)
	if err != nil {
		return d, err
	}
	if d.Revoked() {
		return d, ErrRevoked
	}
	return d, nil
}

// Credentials are what the broker bridge needs to authenticate a device
type Credentials struct {
	Status     Status
	SecretHash string
}

// NewDevice is a device to be created. If ID is nil, the store assigns one.
type NewDevice struct {
	ID         *uuid.UUID
	Name       string
	Type       string
	StationID  *uuid.UUID
	Metadata   json.RawMessage
	SecretHash string
}

// NullableUUID is an optional uuid which can also be explicitly set to null
type NullableUUID struct {
	Set bool
	ID  *uuid.UUID
}

// Patch is a partial update of a device. Nil fields are left unchanged.
type Patch struct {
	Name      *string
	Type      *string
	StationID NullableUUID
	Metadata  json.RawMessage
}

// Filter selects devices for List
type Filter struct {
	Keyword   string
	Status    Status
	StationID *uuid.UUID
	Type      string
	Page      api.PageRequest
}

// Store persists devices
type Store interface {
	Create(ctx context.Context, d NewDevice) (Device, error)
	Get(ctx context.Context, id uuid.UUID) (Device, error)
	// List returns one page of devices, newest first, and the total number of matches
	List(ctx context.Context, f Filter) ([]Device, int, error)
	Update(ctx context.Context, id uuid.UUID, p Patch) (Device, error)
	// Revoke revokes the device. Revoking a revoked device is not an error.
	Revoke(ctx context.Context, id uuid.UUID) (Device, error)
	Credentials(ctx context.Context, id uuid.UUID) (Credentials, error)
	// MarkSeen refreshes last seen and turns an inactive device active. It returns
	// ErrNotFound for unknown and for revoked devices.
	MarkSeen(ctx context.Context, id uuid.UUID) error
	IDsByStation(ctx context.Context, stationID uuid.UUID, limit int) ([]uuid.UUID, error)
}
