// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package telemetry

import (
	"embed"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/slopewatch/core/access"
	"github.com/relabs-tech/slopewatch/core/api"
	"github.com/relabs-tech/slopewatch/core/logger"
	"github.com/relabs-tech/slopewatch/core/schema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// SchemaExport is the schema id of the export request body
const SchemaExport = "https://slopewatch/schemas/export.json"

var validator = schema.MustNewValidatorFromFS(schemaFS, "schemas")

func queryRange(q url.Values) (time.Time, time.Time, error) {
	start, err := api.QueryTime(q, "startTime")
	if err != nil {
		return start, start, err
	}
	end, err := api.QueryTime(q, "endTime")
	return start, end, err
}

// HandleRoutes adds the data routes to router, which is expected to carry the /api/v1 prefix
func (e *Engine) HandleRoutes(router *mux.Router) {
	logger.Default().Debugln("telemetry:")
	logger.Default().Debugln("  handle route: /data/state/{deviceId} GET")
	logger.Default().Debugln("  handle route: /data/series/{deviceId} GET")
	logger.Default().Debugln("  handle route: /data/raw/{deviceId} GET")
	logger.Default().Debugln("  handle route: /data/statistics GET")
	logger.Default().Debugln("  handle route: /data/export POST")

	router.HandleFunc("/data/state/{deviceId}", e.gate.Require(access.CapabilityDeviceView, func(w http.ResponseWriter, r *http.Request) {
		deviceID, err := api.PathUUID(r, "deviceId")
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		state, err := e.State(r.Context(), deviceID)
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		api.Ok(w, r, state)
	})).Methods(http.MethodGet)

	router.HandleFunc("/data/series/{deviceId}", e.gate.Require(access.CapabilityDeviceView, func(w http.ResponseWriter, r *http.Request) {
		deviceID, err := api.PathUUID(r, "deviceId")
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		q := r.URL.Query()
		req := SeriesRequest{DeviceID: deviceID, SensorKeys: strings.Split(q.Get("sensorKeys"), ",")}
		if req.Start, req.End, err = queryRange(q); err != nil {
			api.Fail(w, r, err)
			return
		}
		interval, err := api.QueryEnum(q, "interval", string(IntervalRaw),
			string(IntervalRaw), string(IntervalMinute), string(Interval5Min), string(IntervalHour), string(IntervalDay))
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		timeField, err := api.QueryEnum(q, "timeField", string(TimeReceived), string(TimeReceived), string(TimeEvent))
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		req.Interval, req.TimeField = Interval(interval), TimeField(timeField)
		series, err := e.Series(r.Context(), req)
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		api.Ok(w, r, series)
	})).Methods(http.MethodGet)

	router.HandleFunc("/data/raw/{deviceId}", e.gate.Require(access.CapabilityDeviceView, func(w http.ResponseWriter, r *http.Request) {
		deviceID, err := api.PathUUID(r, "deviceId")
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		q := r.URL.Query()
		req := RawRequest{DeviceID: deviceID, SensorKey: q.Get("sensorKey")}
		if req.Start, req.End, err = queryRange(q); err != nil {
			api.Fail(w, r, err)
			return
		}
		if req.Limit, err = api.QueryInt(q, "limit", 0, 1, e.maxPoints); err != nil {
			api.Fail(w, r, err)
			return
		}
		order, err := api.QueryEnum(q, "order", string(OrderDesc), string(OrderAsc), string(OrderDesc))
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		req.Order = Order(order)
		raw, err := e.Raw(r.Context(), req)
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		api.Ok(w, r, raw)
	})).Methods(http.MethodGet)

	router.HandleFunc("/data/statistics", e.gate.Require(access.CapabilityDeviceView, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		scope, err := api.QueryEnum(q, "scope", string(ScopeDevice), string(ScopeDevice), string(ScopeStation))
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		bucket, err := api.QueryEnum(q, "bucket", string(BucketHour), string(BucketHour), string(BucketDay))
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		req := StatsRequest{Scope: Scope(scope), Bucket: Bucket(bucket), SensorKey: q.Get("sensorKey")}
		if req.DeviceID, err = api.QueryUUID(q, "deviceId"); err != nil {
			api.Fail(w, r, err)
			return
		}
		if req.StationID, err = api.QueryUUID(q, "stationId"); err != nil {
			api.Fail(w, r, err)
			return
		}
		if req.Start, req.End, err = queryRange(q); err != nil {
			api.Fail(w, r, err)
			return
		}
		stats, err := e.Statistics(r.Context(), req)
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		api.Ok(w, r, stats)
	})).Methods(http.MethodGet)

	router.HandleFunc("/data/export", e.gate.Require(access.CapabilityDeviceView, func(w http.ResponseWriter, r *http.Request) {
		var req ExportRequest
		if err := api.DecodeBody(r, validator, SchemaExport, &req); err != nil {
			api.Fail(w, r, err)
			return
		}
		export, err := e.Export(r.Context(), req)
		if err != nil {
			api.Fail(w, r, err)
			return
		}
		api.Ok(w, r, export)
	})).Methods(http.MethodPost)
}
