// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package broker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/slopewatch/iot/registry"
	"github.com/relabs-tech/slopewatch/iot/secret"
)

type fixture struct {
	store    *registry.MemoryStore
	bridge   *Bridge
	deviceID uuid.UUID
	secret   string
}

func newFixture(t *testing.T) *fixture {
	ctx := context.Background()
	plain, err := secret.Generate()
	require.NoError(t, err)
	hash, err := secret.HashSecret(plain)
	require.NoError(t, err)
	store := registry.NewMemoryStore()
	d, err := store.Create(ctx, registry.NewDevice{Name: "gauge", SecretHash: hash})
	require.NoError(t, err)
	return &fixture{
		store: store,
		bridge: New(&Builder{
			Devices:          store,
			InternalUsername: "ingest-service",
			InternalPassword: "internal-pw",
		}),
		deviceID: d.ID,
		secret:   plain,
	}
}

func TestAuthenticateDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	d := f.bridge.Authenticate(ctx, AuthnRequest{Username: f.deviceID.String(), Password: f.secret})
	require.True(t, d.Allowed())
	require.NotNil(t, d.IsSuperuser)
	assert.False(t, *d.IsSuperuser)

	device, err := f.store.Get(ctx, f.deviceID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, device.Status)
	assert.NotNil(t, device.LastSeenAt)

	for _, req := range []AuthnRequest{
		{Username: f.deviceID.String(), Password: f.secret + "x"},
		{Username: f.deviceID.String(), Password: ""},
		{Username: "not-a-uuid", Password: f.secret},
		{Username: uuid.NewString(), Password: f.secret},
		{Username: "", Password: ""},
	} {
		d := f.bridge.Authenticate(ctx, req)
		assert.Equal(t, Decision{Result: Deny}, d, req.Username)
	}
}

func TestAuthenticateRevokedDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.Revoke(ctx, f.deviceID)
	require.NoError(t, err)

	d := f.bridge.Authenticate(ctx, AuthnRequest{Username: f.deviceID.String(), Password: f.secret})
	assert.False(t, d.Allowed())

	device, err := f.store.Get(ctx, f.deviceID)
	require.NoError(t, err)
	assert.Nil(t, device.LastSeenAt)
}

func TestAuthenticateInternal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	d := f.bridge.Authenticate(ctx, AuthnRequest{Username: " ingest-service ", Password: "internal-pw"})
	require.True(t, d.Allowed())
	assert.True(t, *d.IsSuperuser)

	d = f.bridge.Authenticate(ctx, AuthnRequest{Username: "ingest-service", Password: "wrong"})
	assert.False(t, d.Allowed())

	disabled := New(&Builder{Devices: f.store, InternalUsername: "ingest-service"})
	d = disabled.Authenticate(ctx, AuthnRequest{Username: "ingest-service", Password: ""})
	assert.False(t, d.Allowed())
}

func TestNonCanonicalDeviceIDs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.deviceID.String()

	for _, username := range []string{"urn:uuid:" + id, "{" + id + "}", strings.ReplaceAll(id, "-", "")} {
		assert.False(t, f.bridge.Authenticate(ctx, AuthnRequest{Username: username, Password: f.secret}).Allowed(), username)
		assert.False(t, f.bridge.Authorize(ctx, AclRequest{Username: username, Action: ActionPublish, Topic: "telemetry/" + username}).Allowed(), username)
		assert.False(t, f.bridge.Authorize(ctx, AclRequest{Username: username, Action: ActionPublish, Topic: "telemetry/" + id}).Allowed(), username)
	}

	device, err := f.store.Get(ctx, f.deviceID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusInactive, device.Status)
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.deviceID.String()
	other := uuid.NewString()

	allowed := []AclRequest{
		{Username: id, Action: ActionPublish, Topic: "telemetry/" + id},
		{Username: id, Action: ActionPublish, Topic: "presence/" + id},
		{Username: id, Action: ActionPublish, Topic: "cmd_ack/" + id},
		{Username: id, Action: ActionSubscribe, Topic: "cmd/" + id},
		{Username: "ingest-service", Action: ActionSubscribe, Topic: "telemetry/#"},
	}
	for _, req := range allowed {
		assert.True(t, f.bridge.Authorize(ctx, req).Allowed(), req.Topic)
	}

	denied := []AclRequest{
		{Username: id, Action: ActionSubscribe, Topic: "telemetry/" + id},
		{Username: id, Action: ActionPublish, Topic: "cmd/" + id},
		{Username: id, Action: ActionPublish, Topic: "telemetry/" + other},
		{Username: id, Action: ActionSubscribe, Topic: "cmd/#"},
		{Username: id, Action: "delete", Topic: "telemetry/" + id},
		{Username: id, Action: ActionPublish, Topic: ""},
		{Username: other, Action: ActionPublish, Topic: "telemetry/" + other},
		{Username: "someone", Action: ActionPublish, Topic: "telemetry/someone"},
	}
	for _, req := range denied {
		assert.False(t, f.bridge.Authorize(ctx, req).Allowed(), req.Topic)
	}

	_, err := f.store.Revoke(ctx, f.deviceID)
	require.NoError(t, err)
	assert.False(t, f.bridge.Authorize(ctx, allowed[0]).Allowed(), "revocation applies immediately")
}

type failingLookup struct {
	err   error
	block bool
}

func (f failingLookup) Credentials(ctx context.Context, id uuid.UUID) (registry.Credentials, error) {
	if f.block {
		<-ctx.Done()
		return registry.Credentials{}, ctx.Err()
	}
	return registry.Credentials{}, f.err
}

func (f failingLookup) MarkSeen(ctx context.Context, id uuid.UUID) error {
	return f.err
}

func TestFailClosed(t *testing.T) {
	ctx := context.Background()
	id := uuid.NewString()

	broken := New(&Builder{Devices: failingLookup{err: errors.New("connection refused")}})
	assert.False(t, broken.Authenticate(ctx, AuthnRequest{Username: id, Password: "x"}).Allowed())
	assert.False(t, broken.Authorize(ctx, AclRequest{Username: id, Action: ActionPublish, Topic: "telemetry/" + id}).Allowed())

	slow := New(&Builder{Devices: failingLookup{block: true}, Timeout: 20 * time.Millisecond})
	start := time.Now()
	assert.False(t, slow.Authorize(ctx, AclRequest{Username: id, Action: ActionPublish, Topic: "telemetry/" + id}).Allowed())
	assert.Less(t, time.Since(start), time.Second)

	none := New(&Builder{})
	assert.False(t, none.Authenticate(ctx, AuthnRequest{Username: id, Password: "x"}).Allowed())
}

func post(router *mux.Router, path, token, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if token != "" {
		r.Header.Set(TokenHeader, token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	return rec
}

func TestWebhookRoutes(t *testing.T) {
	f := newFixture(t)
	bridge := New(&Builder{
		Devices:          f.store,
		InternalUsername: "ingest-service",
		InternalPassword: "internal-pw",
		WebhookToken:     "hook-token",
	})
	router := mux.NewRouter()
	bridge.HandleRoutes(router)
	id := f.deviceID.String()

	rec := post(router, "/emqx/authn", "hook-token", `{"username":"`+id+`","password":"`+f.secret+`","clientid":"c1","extra":true}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"result":"allow","is_superuser":false}`, rec.Body.String())

	rec = post(router, "/emqx/acl", "hook-token", `{"username":"`+id+`","action":"publish","topic":"telemetry/`+id+`"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"result":"allow"}`, rec.Body.String())

	rec = post(router, "/emqx/acl", "hook-token", `not json`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"result":"deny"}`, rec.Body.String())

	rec = post(router, "/emqx/authn", "wrong", `{"username":"ingest-service","password":"internal-pw"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = post(router, "/emqx/acl", "", `{"username":"ingest-service","action":"publish","topic":"x"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
