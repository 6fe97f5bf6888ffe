// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package commands records device commands and hands them to the command bus.

Issue writes a queued command row and publishes the command envelope inside the same
database transaction. The transaction is committed only after the bus acknowledged the
message, a failed publish rolls it back. Delivery is at-least-once: if the commit fails
after a successful publish, the message is out but the row is not. There is no idempotency
key, so callers must not blindly retry a failed Issue.

This service only ever creates queued commands. Later states are written by the command
pipeline behind the bus.
*/
package commands

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/slopewatch/core/api"
)

// Status is the status of a command
type Status string

// command statuses
const (
	StatusQueued   Status = "queued"
	StatusSent     Status = "sent"
	StatusAcked    Status = "acked"
	StatusFailed   Status = "failed"
	StatusTimeout  Status = "timeout"
	StatusCanceled Status = "canceled"
)

// AllStatuses lists every valid status
var AllStatuses = []Status{StatusQueued, StatusSent, StatusAcked, StatusFailed, StatusTimeout, StatusCanceled}

// ParseStatus parses a status, it returns false for unknown values
func ParseStatus(s string) (Status, bool) {
	for _, status := range AllStatuses {
		if string(status) == s {
			return status, true
		}
	}
	return "", false
}

// RequestSourceAPI marks commands which came in through the REST api
const RequestSourceAPI = "api"

// ErrNotFound is returned by stores for unknown commands
var ErrNotFound = errors.New("command not found")

// Command is a recorded device command
type Command struct {
	ID           uuid.UUID       `json:"commandId"`
	DeviceID     uuid.UUID       `json:"deviceId"`
	Type         string          `json:"commandType"`
	Payload      json.RawMessage `json:"payload"`
	Status       Status          `json:"status"`
	RequestedBy  *string         `json:"requestedBy"`
	SentAt       *time.Time      `json:"sentAt"`
	AckedAt      *time.Time      `json:"ackedAt"`
	Result       json.RawMessage `json:"result"`
	ErrorMessage *string         `json:"errorMessage"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// NewCommand is a command to be inserted as queued
type NewCommand struct {
	DeviceID    uuid.UUID
	Type        string
	Payload     json.RawMessage
	RequestedBy *string
}

// ListFilter selects commands of a device
type ListFilter struct {
	Status Status
	Page   api.PageRequest
}

// Tx is a running store transaction
type Tx interface {
	Insert(ctx context.Context, c NewCommand) (Command, error)
}

// Store persists commands
type Store interface {
	// WithTx runs fn in a transaction. The transaction is rolled back if fn returns an error.
	// A failing commit is reported wrapped in csql.ErrCommitFailed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	// List returns one page of the commands of a device, newest first, and the total number of matches
	List(ctx context.Context, deviceID uuid.UUID, f ListFilter) ([]Command, int, error)
	Get(ctx context.Context, deviceID, commandID uuid.UUID) (Command, error)
}

// SchemaVersion is the version of the bus Envelope
const SchemaVersion = 1

// Envelope is the message published on the command bus
type Envelope struct {
	SchemaVersion int             `json:"schema_version"`
	CommandID     uuid.UUID       `json:"command_id"`
	DeviceID      uuid.UUID       `json:"device_id"`
	CommandType   string          `json:"command_type"`
	Payload       json.RawMessage `json:"payload"`
	IssuedTS      string          `json:"issued_ts"`
	RequestedBy   *string         `json:"requested_by"`
}

// NewEnvelope returns the bus envelope of c
func NewEnvelope(c Command) Envelope {
	return Envelope{
		SchemaVersion: SchemaVersion,
		CommandID:     c.ID,
		DeviceID:      c.DeviceID,
		CommandType:   c.Type,
		Payload:       c.Payload,
		IssuedTS:      api.FormatTime(c.CreatedAt),
		RequestedBy:   c.RequestedBy,
	}
}
