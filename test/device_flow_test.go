// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

//go:build integration

package test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"

	"github.com/relabs-tech/slopewatch/iot/broker"
	"github.com/relabs-tech/slopewatch/iot/bus"
	"github.com/relabs-tech/slopewatch/iot/commands"
	"github.com/relabs-tech/slopewatch/iot/registry"
)

type DeviceFlowTestSuite struct {
	IntegrationTestSuite
}

func TestDeviceFlowTestSuite(t *testing.T) {
	suite.Run(t, &DeviceFlowTestSuite{})
}

func (s *DeviceFlowTestSuite) webhook(path string, body interface{}) broker.Decision {
	j, err := json.Marshal(body)
	s.Require().NoError(err)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(j)))
	s.Require().Equal(http.StatusOK, rec.Code)
	var decision broker.Decision
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &decision))
	return decision
}

func (s *DeviceFlowTestSuite) TestDeviceLifecycle() {
	var created registry.Created
	_, err := s.client.RawPost("/api/v1/devices", map[string]interface{}{
		"deviceName": "gnss-slope-01",
		"deviceType": "gnss",
		"metadata":   map[string]string{"site": "north"},
	}, &created)
	s.Require().NoError(err)
	s.Require().NotEmpty(created.DeviceSecret)
	deviceID := created.DeviceID.String()

	var device registry.Device
	_, err = s.client.RawGet("/api/v1/devices/"+deviceID, &device)
	s.Require().NoError(err)
	s.Equal(registry.StatusInactive, device.Status)

	// the first successful authentication activates the device
	decision := s.webhook("/emqx/authn", broker.AuthnRequest{Username: deviceID, Password: created.DeviceSecret, ClientID: deviceID})
	s.True(decision.Allowed())
	s.False(s.webhook("/emqx/authn", broker.AuthnRequest{Username: deviceID, Password: "wrong"}).Allowed())

	_, err = s.client.RawGet("/api/v1/devices/"+deviceID, &device)
	s.Require().NoError(err)
	s.Equal(registry.StatusActive, device.Status)
	s.NotNil(device.LastSeenAt)

	s.True(s.webhook("/emqx/acl", broker.AclRequest{Username: deviceID, Topic: "telemetry/" + deviceID, Action: broker.ActionPublish}).Allowed())
	s.True(s.webhook("/emqx/acl", broker.AclRequest{Username: deviceID, Topic: "cmd/" + deviceID, Action: broker.ActionSubscribe}).Allowed())
	s.False(s.webhook("/emqx/acl", broker.AclRequest{Username: deviceID, Topic: "cmd/" + deviceID, Action: broker.ActionPublish}).Allowed())

	// a command is on the bus once it is queued
	var issued commands.Issued
	_, err = s.client.RawPost("/api/v1/devices/"+deviceID+"/commands", map[string]interface{}{
		"commandType": "motor",
		"payload":     map[string]interface{}{"enable": true, "speed": 50},
	}, &issued)
	s.Require().NoError(err)
	s.Equal(commands.StatusQueued, issued.Status)

	reader := s.NewReader()
	defer reader.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var envelope commands.Envelope
	for envelope.CommandID != issued.CommandID {
		msg, err := reader.ReadMessage(ctx)
		s.Require().NoError(err)
		s.Require().NoError(json.Unmarshal(msg.Value, &envelope))
		if envelope.CommandID == issued.CommandID {
			s.Equal(deviceID, string(msg.Key))
			s.Contains(headerKeys(msg.Headers), bus.TraceHeader)
		}
	}
	s.Equal(created.DeviceID, envelope.DeviceID)
	s.Equal("motor", envelope.CommandType)
	s.JSONEq(`{"enable":true,"speed":50}`, string(envelope.Payload))

	var list commands.CommandList
	_, err = s.client.RawGet("/api/v1/devices/"+deviceID+"/commands", &list)
	s.Require().NoError(err)
	s.Len(list.List, 1)

	// revocation is immediate and final
	_, err = s.client.RawPut("/api/v1/devices/"+deviceID+"/revoke", nil, nil)
	s.Require().NoError(err)
	s.False(s.webhook("/emqx/authn", broker.AuthnRequest{Username: deviceID, Password: created.DeviceSecret}).Allowed())
	s.False(s.webhook("/emqx/acl", broker.AclRequest{Username: deviceID, Topic: "telemetry/" + deviceID, Action: broker.ActionPublish}).Allowed())

	status, _, _ := s.client.Do(http.MethodPost, "/api/v1/devices/"+deviceID+"/commands", map[string]string{"commandType": "reboot"}, nil)
	s.Equal(http.StatusConflict, status)
	_, err = s.client.RawGet("/api/v1/devices/"+deviceID+"/commands", &list)
	s.Require().NoError(err)
	s.Len(list.List, 1)
}

func (s *DeviceFlowTestSuite) TestInternalPrincipal() {
	decision := s.webhook("/emqx/authn", broker.AuthnRequest{Username: "ingest-service", Password: InternalPassword})
	s.True(decision.Allowed())
	s.Require().NotNil(decision.IsSuperuser)
	s.True(*decision.IsSuperuser)
	s.True(s.webhook("/emqx/acl", broker.AclRequest{Username: "ingest-service", Topic: "telemetry/#", Action: broker.ActionSubscribe}).Allowed())
}

func headerKeys(headers []kafka.Header) []string {
	keys := make([]string, len(headers))
	for i, h := range headers {
		keys[i] = h.Key
	}
	return keys
}
