// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/slopewatch/core/access"
	"github.com/relabs-tech/slopewatch/core/api"
	"github.com/relabs-tech/slopewatch/core/csql"
	"github.com/relabs-tech/slopewatch/core/logger"
	"github.com/relabs-tech/slopewatch/iot/bus"
	"github.com/relabs-tech/slopewatch/iot/registry"
)

// DefaultPublishTimeout bounds the publish inside the command transaction
const DefaultPublishTimeout = 5 * time.Second

// MaxCommandTypeLength is the maximum length of a command type
const MaxCommandTypeLength = 50

// DeviceLookup is the part of the device registry the dispatcher needs
type DeviceLookup = registry.Getter

// Dispatcher issues and lists device commands
type Dispatcher struct {
	store          Store
	devices        DeviceLookup
	publisher      bus.Publisher
	publishTimeout time.Duration
	gate           access.Gate
}

// Builder is a builder helper for the Dispatcher
type Builder struct {
	// Store persists commands. Without store every operation answers unavailable.
	Store Store
	// Devices is the device registry
	Devices DeviceLookup
	// Publisher is the command bus. Without publisher Issue answers unavailable.
	Publisher bus.Publisher
	// PublishTimeout defaults to DefaultPublishTimeout
	PublishTimeout time.Duration
	// Gate protects the routes
	Gate access.Gate
}

// New realizes the dispatcher
func New(db *Builder) *Dispatcher {
	timeout := db.PublishTimeout
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &Dispatcher{
		store:          db.Store,
		devices:        db.Devices,
		publisher:      db.Publisher,
		publishTimeout: timeout,
		gate:           db.Gate,
	}
}

// IssueRequest is a command to be issued
type IssueRequest struct {
	DeviceID    uuid.UUID
	CommandType string
	Payload     json.RawMessage
	RequestedBy string
}

// Issued is the result of Issue
type Issued struct {
	CommandID uuid.UUID `json:"commandId"`
	Status    Status    `json:"status"`
}

type publishError struct {
	err error
}

func (e *publishError) Error() string { return "publish failed: " + e.err.Error() }
func (e *publishError) Unwrap() error { return e.err }

func validate(req *IssueRequest) error {
	req.CommandType = strings.TrimSpace(req.CommandType)
	if n := utf8.RuneCountInString(req.CommandType); n < 1 || n > MaxCommandTypeLength {
		return api.InvalidField("commandType").With("maxLength", MaxCommandTypeLength)
	}
	payload := bytes.TrimSpace(req.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	var object map[string]json.RawMessage
	if payload[0] != '{' || json.Unmarshal(payload, &object) != nil {
		return api.InvalidField("payload")
	}
	req.Payload = payload
	return nil
}

// lookupDevice reads a device. With usable set, revoked devices are a conflict.
func (d *Dispatcher) lookupDevice(ctx context.Context, id uuid.UUID, usable bool) (registry.Device, error) {
	if d.devices == nil {
		return registry.Device{}, api.Unavailable("postgres not configured")
	}
	var device registry.Device
	var err error
	if usable {
		device, err = registry.RequireUsable(ctx, d.devices, id)
	} else {
		device, err = d.devices.Get(ctx, id)
	}
	switch {
	case err == nil:
		return device, nil
	case errors.Is(err, registry.ErrNotFound):
		return device, api.NotFound("device not found").With("deviceId", id)
	case errors.Is(err, registry.ErrRevoked):
		return device, api.Conflict("device is revoked").With("deviceId", id)
	}
	return device, api.Internal(err)
}

// Issue records a queued command and publishes it on the command bus, in one transaction.
// The row is committed only if the publish succeeded. If the commit itself fails after the
// publish, the command may still be delivered.
func (d *Dispatcher) Issue(ctx context.Context, req IssueRequest) (Issued, error) {
	if err := validate(&req); err != nil {
		return Issued{}, err
	}
	if d.store == nil {
		return Issued{}, api.Unavailable("postgres not configured")
	}
	if d.publisher == nil {
		return Issued{}, api.Unavailable("kafka not configured")
	}
	device, err := d.lookupDevice(ctx, req.DeviceID, true)
	if err != nil {
		return Issued{}, err
	}

	var requestedBy *string
	if req.RequestedBy != "" {
		requestedBy = &req.RequestedBy
	}

	rlog := logger.FromContext(ctx)
	var cmd Command
	err = d.store.WithTx(ctx, func(tx Tx) error {
		var err error
		cmd, err = tx.Insert(ctx, NewCommand{
			DeviceID:    device.ID,
			Type:        req.CommandType,
			Payload:     req.Payload,
			RequestedBy: requestedBy,
		})
		if err != nil {
			return fmt.Errorf("cannot insert command: %w", err)
		}
		body, err := json.Marshal(NewEnvelope(cmd))
		if err != nil {
			return err
		}
		pctx, cancel := context.WithTimeout(ctx, d.publishTimeout)
		defer cancel()
		if err := d.publisher.Publish(pctx, device.ID.String(), body); err != nil {
			return &publishError{err: err}
		}
		return nil
	})

	var pErr *publishError
	switch {
	case err == nil:
	case errors.As(err, &pErr):
		rlog.WithError(pErr.err).Errorln("Error 4101: cannot publish command, rolled back")
		return Issued{}, api.Unavailable("command bus unavailable").Wrap(err)
	case errors.Is(err, csql.ErrCommitFailed):
		rlog.WithError(err).Errorf("Error 4102: command %s was published but not committed, it may be delivered without record", cmd.ID)
		return Issued{}, api.Internal(err)
	default:
		return Issued{}, api.Internal(err)
	}

	rlog.Infof("command %s (%s) issued for device %s", cmd.ID, cmd.Type, cmd.DeviceID)
	return Issued{CommandID: cmd.ID, Status: cmd.Status}, nil
}

// CommandList is one page of commands
type CommandList struct {
	List       []Command      `json:"list"`
	Pagination api.Pagination `json:"pagination"`
}

// List returns one page of the commands of a device
func (d *Dispatcher) List(ctx context.Context, deviceID uuid.UUID, f ListFilter) (CommandList, error) {
	if d.store == nil {
		return CommandList{}, api.Unavailable("postgres not configured")
	}
	if _, err := d.lookupDevice(ctx, deviceID, false); err != nil {
		return CommandList{}, err
	}
	list, total, err := d.store.List(ctx, deviceID, f)
	if err != nil {
		return CommandList{}, api.Internal(err)
	}
	return CommandList{List: list, Pagination: api.NewPagination(f.Page, total)}, nil
}

// Get returns a command of a device
func (d *Dispatcher) Get(ctx context.Context, deviceID, commandID uuid.UUID) (Command, error) {
	if d.store == nil {
		return Command{}, api.Unavailable("postgres not configured")
	}
	cmd, err := d.store.Get(ctx, deviceID, commandID)
	if errors.Is(err, ErrNotFound) {
		return cmd, api.NotFound("command not found").With("commandId", commandID)
	}
	if err != nil {
		return cmd, api.Internal(err)
	}
	return cmd, nil
}
