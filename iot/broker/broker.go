// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package broker answers the EMQX HTTP authentication and authorization webhooks.

Devices connect with their device id as username and their device secret as password.
One internal service principal, typically the ingest service, connects as superuser.

Every decision fails closed: malformed requests, unknown or revoked devices, store errors
and timeouts all result in deny. A device may only publish to telemetry/{id}, presence/{id}
and cmd_ack/{id} and only subscribe to cmd/{id}. The device status is read on every
authorization request, so a revoked device loses its topics even on a live connection.
*/
package broker

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/slopewatch/core/logger"
	"github.com/relabs-tech/slopewatch/iot/registry"
	"github.com/relabs-tech/slopewatch/iot/secret"
)

// DefaultTimeout bounds every store call of a decision
const DefaultTimeout = 2 * time.Second

// possible results of a decision
const (
	Allow = "allow"
	Deny  = "deny"
)

// the actions of an ACL request
const (
	ActionPublish   = "publish"
	ActionSubscribe = "subscribe"
)

// DeviceLookup is the part of the device registry the bridge needs
type DeviceLookup interface {
	Credentials(ctx context.Context, id uuid.UUID) (registry.Credentials, error)
	MarkSeen(ctx context.Context, id uuid.UUID) error
}

// AuthnRequest is the body of an authentication webhook
type AuthnRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	ClientID string `json:"clientid"`
}

// AclRequest is the body of an authorization webhook
type AclRequest struct {
	Username string `json:"username"`
	Topic    string `json:"topic"`
	Action   string `json:"action"`
}

// Decision is the webhook response
type Decision struct {
	Result      string `json:"result"`
	IsSuperuser *bool  `json:"is_superuser,omitempty"`
}

// Allowed returns true if the decision is allow
func (d Decision) Allowed() bool {
	return d.Result == Allow
}

func decision(allow bool, superuser *bool) Decision {
	if !allow {
		return Decision{Result: Deny}
	}
	return Decision{Result: Allow, IsSuperuser: superuser}
}

var (
	yes = true
	no  = false
)

// Bridge implements the webhooks
type Bridge struct {
	devices          DeviceLookup
	internalUsername string
	internalPassword string
	webhookToken     string
	timeout          time.Duration
}

// Builder is a builder helper for the Bridge
type Builder struct {
	// Devices is the device registry. Without registry, every device is denied.
	Devices DeviceLookup
	// InternalUsername and InternalPassword identify the internal superuser. The internal
	// principal is disabled if the password is empty.
	InternalUsername string
	InternalPassword string
	// WebhookToken, if set, must be sent by EMQX in the X-Emqx-Token header
	WebhookToken string
	// Timeout bounds the store calls, it defaults to DefaultTimeout
	Timeout time.Duration
}

// New realizes the bridge
func New(bb *Builder) *Bridge {
	timeout := bb.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bridge{
		devices:          bb.Devices,
		internalUsername: bb.InternalUsername,
		internalPassword: bb.InternalPassword,
		webhookToken:     bb.WebhookToken,
		timeout:          timeout,
	}
}

func (b *Bridge) isInternal(username string) bool {
	return b.internalPassword != "" && username == b.internalUsername
}

func equalConstantTime(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// parseDeviceID accepts only the canonical 36 character form of a device id
func parseDeviceID(username string) (uuid.UUID, error) {
	if len(username) != 36 {
		return uuid.Nil, errors.New("not a canonical uuid")
	}
	return uuid.Parse(username)
}

// Authenticate decides whether a client may connect
func (b *Bridge) Authenticate(ctx context.Context, req AuthnRequest) Decision {
	username := strings.TrimSpace(req.Username)
	rlog := logger.FromContext(ctx)

	if b.isInternal(username) {
		ok := equalConstantTime(req.Password, b.internalPassword)
		if !ok {
			rlog.Warnln("internal principal rejected")
		}
		return decision(ok, &yes)
	}

	deviceID, err := parseDeviceID(username)
	if err != nil || req.Password == "" || b.devices == nil {
		return decision(false, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	creds, err := b.devices.Credentials(ctx, deviceID)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			rlog.WithError(err).Errorln("Error 3101: cannot read device credentials")
		}
		return decision(false, nil)
	}
	if creds.Status == registry.StatusRevoked {
		rlog.Infof("revoked device %s denied", deviceID)
		return decision(false, nil)
	}
	if !secret.Verify(req.Password, creds.SecretHash) {
		rlog.Infof("device %s: wrong secret", deviceID)
		return decision(false, nil)
	}
	if err := b.devices.MarkSeen(ctx, deviceID); err != nil {
		rlog.WithError(err).Errorln("Error 3102: cannot mark device seen")
		return decision(false, nil)
	}
	return decision(true, &no)
}

// Authorize decides whether a client may publish or subscribe to a topic
func (b *Bridge) Authorize(ctx context.Context, req AclRequest) Decision {
	username := strings.TrimSpace(req.Username)
	if req.Topic == "" || (req.Action != ActionPublish && req.Action != ActionSubscribe) {
		return decision(false, nil)
	}
	if b.isInternal(username) {
		return decision(true, nil)
	}

	deviceID, err := parseDeviceID(username)
	if err != nil || b.devices == nil {
		return decision(false, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	creds, err := b.devices.Credentials(ctx, deviceID)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			logger.FromContext(ctx).WithError(err).Errorln("Error 3103: cannot read device status")
		}
		return decision(false, nil)
	}
	if creds.Status == registry.StatusRevoked {
		return decision(false, nil)
	}
	return decision(TopicAllowed(req.Action, req.Topic, username), nil)
}

// TopicAllowed returns true if the device with the given id may perform action on topic
func TopicAllowed(action, topic, deviceID string) bool {
	switch action {
	case ActionPublish:
		return topic == "telemetry/"+deviceID || topic == "presence/"+deviceID || topic == "cmd_ack/"+deviceID
	case ActionSubscribe:
		return topic == "cmd/"+deviceID
	}
	return false
}
