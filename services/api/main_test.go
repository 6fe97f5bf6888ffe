// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/slopewatch/core/api"
	"github.com/relabs-tech/slopewatch/iot/broker"
)

func TestLoadServiceDefaults(t *testing.T) {
	t.Setenv("POSTGRES", "")
	t.Setenv("KAFKA_BROKERS", "")
	service, err := LoadService()
	require.NoError(t, err)
	assert.Equal(t, "api-service", service.ServiceName)
	assert.Equal(t, "0.0.0.0:8080", service.Addr())
	assert.Equal(t, logrus.InfoLevel, service.Level())
	assert.Equal(t, "public", service.PostgresSchema)
	assert.Equal(t, "device.commands.v1", service.KafkaCommandTopic)
	assert.Equal(t, 5*time.Second, service.KafkaPublishTimeout)
	assert.Equal(t, 2*time.Second, service.EmqxWebhookTimeout)
	assert.Equal(t, "ingest-service", service.MqttInternalUsername)
	assert.True(t, service.AuthRequired)
	assert.Equal(t, 168, service.MaxSeriesRangeHours)
	assert.Equal(t, 200, service.MaxExportDevices)
	assert.Empty(t, service.Brokers())

	ch := service.ClickHouse()
	assert.Equal(t, "landslide", ch.Database)
	assert.Equal(t, "telemetry_raw", ch.Table)
	assert.Equal(t, "default", ch.Username)
}

func TestLoadServiceOverrides(t *testing.T) {
	t.Setenv("API_PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("AUTH_REQUIRED", "false")
	t.Setenv("KAFKA_PUBLISH_TIMEOUT", "750ms")
	service, err := LoadService()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9090", service.Addr())
	assert.Equal(t, logrus.DebugLevel, service.Level())
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, service.Brokers())
	assert.False(t, service.AuthRequired)
	assert.Equal(t, 750*time.Millisecond, service.KafkaPublishTimeout)

	t.Setenv("LOG_LEVEL", "chatty")
	_, err = LoadService()
	assert.Error(t, err)
}

func serve(h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	for k, v := range header {
		r.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestRouterWithoutBackends(t *testing.T) {
	service, err := LoadService()
	require.NoError(t, err)
	service.AdminAPIToken = "admin-secret"
	h := newRouter(service, &backends{})

	rec := serve(h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"service":"api-service"`)

	rec = serve(h, http.MethodGet, "/api/v1/version", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, http.MethodGet, "/api/v1/devices", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	admin := map[string]string{"Authorization": "Bearer admin-secret"}
	for _, path := range []string{
		"/api/v1/devices",
		"/api/v1/devices/7a0c1f6e-58a9-4b8e-9c61-3c2b8f6f9d10/commands",
		"/api/v1/data/state/7a0c1f6e-58a9-4b8e-9c61-3c2b8f6f9d10",
	} {
		rec = serve(h, http.MethodGet, path, "", admin)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
		var env api.Envelope
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
		assert.Equal(t, "unavailable", env.Error["type"])
		assert.NotEmpty(t, env.TraceID)
	}

	rec = serve(h, http.MethodPost, "/emqx/authn", `{"username":"7a0c1f6e-58a9-4b8e-9c61-3c2b8f6f9d10","password":"x"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var decision broker.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.False(t, decision.Allowed())

	rec = serve(h, http.MethodOptions, "/api/v1/devices", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRouterAuthNotRequired(t *testing.T) {
	t.Setenv("AUTH_REQUIRED", "false")
	service, err := LoadService()
	require.NoError(t, err)
	h := newRouter(service, &backends{})

	rec := serve(h, http.MethodGet, "/api/v1/devices", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
