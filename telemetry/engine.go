// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package telemetry answers queries over the raw telemetry of the devices.

Readings are stored one row per device, sensor key and timestamp, with exactly one of the
value columns set. The Engine validates every request against the configured ceilings before
it touches the Store, so that an unbounded query never reaches ClickHouse.
*/
package telemetry

import (
	"bytes"
	"context"
	"encoding/csv"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/slopewatch/core/access"
	"github.com/relabs-tech/slopewatch/core/api"
	"github.com/relabs-tech/slopewatch/core/logger"
)

// defaults of the engine ceilings
const (
	DefaultMaxRangeHours    = 168
	DefaultMaxPoints        = 100000
	DefaultMaxExportRows    = 100000
	DefaultMaxExportDevices = 200
	DefaultRawLimit         = 1000
)

// reasons reported in the details of validation errors
const (
	ReasonRangeTooLarge = "range_too_large"
	ReasonTooManyPoints = "too_many_points"
	ReasonNoData        = "no_data_in_range"
)

// Order is the sort order of raw readings
type Order string

// orders
const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// Scope selects the devices of statistics and exports
type Scope string

// scopes
const (
	ScopeDevice  Scope = "device"
	ScopeStation Scope = "station"
)

// Format is the format of an export
type Format string

// export formats
const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// StationDevices resolves the devices of a station
type StationDevices interface {
	IDsByStation(ctx context.Context, stationID uuid.UUID, limit int) ([]uuid.UUID, error)
}

// Engine is the telemetry query engine
type Engine struct {
	store            Store
	devices          StationDevices
	maxRangeHours    int
	maxPoints        int
	maxExportRows    int
	maxExportDevices int
	gate             access.Gate
}

// Builder is a builder helper for the Engine
type Builder struct {
	// Store reads the telemetry. Without store every query answers unavailable.
	Store Store
	// Devices resolves the devices of a station for station scoped queries
	Devices StationDevices
	// MaxRangeHours is the longest time range of a query, defaults to DefaultMaxRangeHours
	MaxRangeHours int
	// MaxPoints is the largest number of points of a series, defaults to DefaultMaxPoints
	MaxPoints int
	// MaxExportRows is the largest number of rows of an export, defaults to DefaultMaxExportRows
	MaxExportRows int
	// MaxExportDevices is the largest number of devices of a station scoped query, defaults to
	// DefaultMaxExportDevices
	MaxExportDevices int
	// Gate protects the routes
	Gate access.Gate
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// New realizes the engine
func New(eb *Builder) *Engine {
	return &Engine{
		store:            eb.Store,
		devices:          eb.Devices,
		maxRangeHours:    orDefault(eb.MaxRangeHours, DefaultMaxRangeHours),
		maxPoints:        orDefault(eb.MaxPoints, DefaultMaxPoints),
		maxExportRows:    orDefault(eb.MaxExportRows, DefaultMaxExportRows),
		maxExportDevices: orDefault(eb.MaxExportDevices, DefaultMaxExportDevices),
		gate:             eb.Gate,
	}
}

func (e *Engine) available() error {
	if e.store == nil {
		return api.Unavailable("clickhouse not configured")
	}
	return nil
}

func (e *Engine) checkRange(start, end time.Time) error {
	if start.IsZero() || end.IsZero() || !start.Before(end) {
		return api.InvalidField("timeRange")
	}
	if end.Sub(start) > time.Duration(e.maxRangeHours)*time.Hour {
		return api.Validation("time range too large").
			With("reason", ReasonRangeTooLarge).
			With("maxHours", e.maxRangeHours)
	}
	return nil
}

func (e *Engine) tooManyPoints() error {
	return api.Validation("too many points").
		With("reason", ReasonTooManyPoints).
		With("maxPoints", e.maxPoints)
}

// normalizeKeys trims keys, drops empty ones and removes duplicates, keeping the first occurrence
func normalizeKeys(keys []string) []string {
	seen := map[string]bool{}
	result := []string{}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		result = append(result, k)
	}
	return result
}

// DeviceState is the latest state of a device
type DeviceState struct {
	Metrics map[string]Value `json:"metrics"`
	Meta    map[string]any   `json:"meta"`
}

// StateResponse is the response of State
type StateResponse struct {
	DeviceID  uuid.UUID   `json:"deviceId"`
	UpdatedAt string      `json:"updatedAt"`
	State     DeviceState `json:"state"`
}

// State returns the most recent value of every sensor key of a device
func (e *Engine) State(ctx context.Context, deviceID uuid.UUID) (*StateResponse, error) {
	if err := e.available(); err != nil {
		return nil, err
	}
	rows, err := e.store.Latest(ctx, deviceID.String())
	if err != nil {
		return nil, api.Internal(err)
	}
	if len(rows) == 0 {
		return nil, api.NotFound("no telemetry for device").With("deviceId", deviceID)
	}
	state := &StateResponse{
		DeviceID: deviceID,
		State:    DeviceState{Metrics: map[string]Value{}, Meta: map[string]any{}},
	}
	var updatedAt time.Time
	for _, r := range rows {
		state.State.Metrics[r.SensorKey] = Normalize(r.Value)
		if r.LatestTS.After(updatedAt) {
			updatedAt = r.LatestTS
		}
	}
	state.UpdatedAt = api.FormatTime(updatedAt)
	return state, nil
}

// SeriesRequest selects series of a device
type SeriesRequest struct {
	DeviceID   uuid.UUID
	SensorKeys []string
	Start      time.Time
	End        time.Time
	Interval   Interval
	TimeField  TimeField
}

// Point is a point of a series
type Point struct {
	TS    string `json:"ts"`
	Value Value  `json:"value"`
}

// Series is the series of one sensor key
type Series struct {
	SensorKey string  `json:"sensorKey"`
	Points    []Point `json:"points"`
}

// Missing reports a requested sensor key without series
type Missing struct {
	SensorKey string `json:"sensorKey"`
	Reason    string `json:"reason"`
}

// SeriesResponse is the response of Series
type SeriesResponse struct {
	DeviceID  uuid.UUID `json:"deviceId"`
	StartTime string    `json:"startTime"`
	EndTime   string    `json:"endTime"`
	Interval  Interval  `json:"interval"`
	Series    []Series  `json:"series"`
	Missing   []Missing `json:"missing"`
}

// Series returns the series of the requested sensor keys. Raw series hold one point per
// timestamp, bucketed series one point per bucket aligned to the unix epoch.
func (e *Engine) Series(ctx context.Context, req SeriesRequest) (*SeriesResponse, error) {
	keys := normalizeKeys(req.SensorKeys)
	if len(keys) == 0 {
		return nil, api.InvalidField("sensorKeys")
	}
	if req.Interval == "" {
		req.Interval = IntervalRaw
	}
	if req.Interval != IntervalRaw && req.Interval.Width() == 0 {
		return nil, api.InvalidField("interval")
	}
	if req.TimeField == "" {
		req.TimeField = TimeReceived
	}
	if req.TimeField != TimeReceived && req.TimeField != TimeEvent {
		return nil, api.InvalidField("timeField")
	}
	if err := e.checkRange(req.Start, req.End); err != nil {
		return nil, err
	}

	if width := req.Interval.Width(); width > 0 {
		// the range is closed, so both boundary buckets count
		buckets := int64(req.End.Truncate(width).Sub(req.Start.Truncate(width))/width) + 1
		if int64(len(keys))*buckets > int64(e.maxPoints) {
			return nil, e.tooManyPoints()
		}
	}
	if err := e.available(); err != nil {
		return nil, err
	}

	rows, err := e.store.Series(ctx, SeriesQuery{
		DeviceID:   req.DeviceID.String(),
		SensorKeys: keys,
		Start:      req.Start,
		End:        req.End,
		Interval:   req.Interval,
		TimeField:  req.TimeField,
		Limit:      e.maxPoints + 1,
	})
	if err != nil {
		return nil, api.Internal(err)
	}
	if len(rows) > e.maxPoints {
		return nil, e.tooManyPoints()
	}

	points := map[string][]Point{}
	for _, r := range rows {
		points[r.SensorKey] = append(points[r.SensorKey], Point{TS: api.FormatTime(r.TS), Value: r.Value()})
	}
	response := &SeriesResponse{
		DeviceID:  req.DeviceID,
		StartTime: api.FormatTime(req.Start),
		EndTime:   api.FormatTime(req.End),
		Interval:  req.Interval,
		Series:    []Series{},
		Missing:   []Missing{},
	}
	for _, k := range keys {
		if p, ok := points[k]; ok {
			response.Series = append(response.Series, Series{SensorKey: k, Points: p})
		} else {
			response.Missing = append(response.Missing, Missing{SensorKey: k, Reason: ReasonNoData})
		}
	}
	return response, nil
}

// RawRequest selects the readings of one sensor key
type RawRequest struct {
	DeviceID  uuid.UUID
	SensorKey string
	Start     time.Time
	End       time.Time
	// Limit defaults to DefaultRawLimit
	Limit int
	// Order defaults to OrderDesc
	Order Order
}

// RawPoint is a single reading
type RawPoint struct {
	ReceivedTS string  `json:"receivedTs"`
	EventTS    *string `json:"eventTs,omitempty"`
	Seq        *uint64 `json:"seq,omitempty"`
	Quality    *uint8  `json:"quality,omitempty"`
	Value      Value   `json:"value"`
}

func newRawPoint(r RawRow) RawPoint {
	p := RawPoint{
		ReceivedTS: api.FormatTime(r.ReceivedTS),
		Seq:        r.Seq,
		Quality:    r.Quality,
		Value:      Normalize(r.Value),
	}
	if r.EventTS != nil {
		ts := api.FormatTime(*r.EventTS)
		p.EventTS = &ts
	}
	return p
}

// RawResponse is the response of Raw
type RawResponse struct {
	DeviceID  uuid.UUID  `json:"deviceId"`
	SensorKey string     `json:"sensorKey"`
	List      []RawPoint `json:"list"`
}

// Raw returns the readings of one sensor key ordered by received time
func (e *Engine) Raw(ctx context.Context, req RawRequest) (*RawResponse, error) {
	key := strings.TrimSpace(req.SensorKey)
	if key == "" {
		return nil, api.InvalidField("sensorKey")
	}
	if req.Limit == 0 {
		req.Limit = min(DefaultRawLimit, e.maxPoints)
	}
	if req.Limit < 1 || req.Limit > e.maxPoints {
		return nil, api.InvalidField("limit").With("min", 1).With("max", e.maxPoints)
	}
	if req.Order == "" {
		req.Order = OrderDesc
	}
	if req.Order != OrderAsc && req.Order != OrderDesc {
		return nil, api.InvalidField("order")
	}
	if err := e.checkRange(req.Start, req.End); err != nil {
		return nil, err
	}
	if err := e.available(); err != nil {
		return nil, err
	}
	rows, err := e.store.Raw(ctx, RawQuery{
		DeviceID:   req.DeviceID.String(),
		SensorKey:  key,
		Start:      req.Start,
		End:        req.End,
		Limit:      req.Limit,
		Descending: req.Order == OrderDesc,
	})
	if err != nil {
		return nil, api.Internal(err)
	}
	response := &RawResponse{DeviceID: req.DeviceID, SensorKey: key, List: make([]RawPoint, 0, len(rows))}
	for _, r := range rows {
		response.List = append(response.List, newRawPoint(r))
	}
	return response, nil
}

// StatsRequest selects statistics of a device or of all devices of a station
type StatsRequest struct {
	Scope     Scope
	DeviceID  *uuid.UUID
	StationID *uuid.UUID
	SensorKey string
	Start     time.Time
	End       time.Time
	// Bucket defaults to BucketHour
	Bucket Bucket
}

// StatsBucket holds the statistics of one bucket
type StatsBucket struct {
	TS    string  `json:"ts"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	Count uint64  `json:"count"`
}

// StatsResponse is the response of Statistics
type StatsResponse struct {
	Scope     Scope         `json:"scope"`
	DeviceID  *uuid.UUID    `json:"deviceId,omitempty"`
	StationID *uuid.UUID    `json:"stationId,omitempty"`
	SensorKey string        `json:"sensorKey"`
	Bucket    Bucket        `json:"bucket"`
	Buckets   []StatsBucket `json:"buckets"`
}

// resolveDevices returns the device ids of a scope. Station scopes are capped at
// maxExportDevices devices.
func (e *Engine) resolveDevices(ctx context.Context, scope Scope, deviceID, stationID *uuid.UUID) ([]string, error) {
	switch scope {
	case ScopeDevice:
		if deviceID == nil {
			return nil, api.InvalidField("deviceId")
		}
		return []string{deviceID.String()}, nil
	case ScopeStation:
		if stationID == nil {
			return nil, api.InvalidField("stationId")
		}
		if e.devices == nil {
			return nil, api.Unavailable("postgres not configured")
		}
		ids, err := e.devices.IDsByStation(ctx, *stationID, e.maxExportDevices)
		if err != nil {
			return nil, api.Internal(err)
		}
		result := make([]string, len(ids))
		for i, id := range ids {
			result[i] = id.String()
		}
		return result, nil
	}
	return nil, api.InvalidField("scope").With("allowed", []Scope{ScopeDevice, ScopeStation})
}

// Statistics returns min, max, avg and count of the numeric readings of one sensor key per bucket
func (e *Engine) Statistics(ctx context.Context, req StatsRequest) (*StatsResponse, error) {
	key := strings.TrimSpace(req.SensorKey)
	if key == "" {
		return nil, api.InvalidField("sensorKey")
	}
	if req.Bucket == "" {
		req.Bucket = BucketHour
	}
	if req.Bucket != BucketHour && req.Bucket != BucketDay {
		return nil, api.InvalidField("bucket")
	}
	if err := e.checkRange(req.Start, req.End); err != nil {
		return nil, err
	}
	if req.Scope != ScopeDevice && req.Scope != ScopeStation {
		return nil, api.InvalidField("scope").With("allowed", []Scope{ScopeDevice, ScopeStation})
	}
	if err := e.available(); err != nil {
		return nil, err
	}
	ids, err := e.resolveDevices(ctx, req.Scope, req.DeviceID, req.StationID)
	if err != nil {
		return nil, err
	}

	response := &StatsResponse{
		Scope:     req.Scope,
		SensorKey: key,
		Bucket:    req.Bucket,
		Buckets:   []StatsBucket{},
	}
	if req.Scope == ScopeDevice {
		response.DeviceID = req.DeviceID
	} else {
		response.StationID = req.StationID
	}
	if len(ids) == 0 {
		return response, nil
	}
	rows, err := e.store.Statistics(ctx, StatsQuery{
		DeviceIDs: ids,
		SensorKey: key,
		Start:     req.Start,
		End:       req.End,
		Bucket:    req.Bucket,
	})
	if err != nil {
		return nil, api.Internal(err)
	}
	for _, r := range rows {
		response.Buckets = append(response.Buckets, StatsBucket{
			TS:    api.FormatTime(r.TS),
			Min:   r.Min,
			Max:   r.Max,
			Avg:   r.Avg,
			Count: r.Count,
		})
	}
	return response, nil
}

// ExportRequest is the body of an export
type ExportRequest struct {
	Scope      Scope      `json:"scope"`
	DeviceID   *uuid.UUID `json:"deviceId,omitempty"`
	StationID  *uuid.UUID `json:"stationId,omitempty"`
	StartTime  time.Time  `json:"startTime"`
	EndTime    time.Time  `json:"endTime"`
	SensorKeys []string   `json:"sensorKeys"`
	Format     Format     `json:"format"`
}

// ExportRow is a row of an export
type ExportRow struct {
	DeviceID  string `json:"deviceId"`
	SensorKey string `json:"sensorKey"`
	RawPoint
}

// ExportResponse is the response of Export. Data is a csv document for FormatCSV and
// the list of rows for FormatJSON.
type ExportResponse struct {
	Format   Format `json:"format"`
	Rows     int    `json:"rows"`
	Data     any    `json:"data"`
	LimitHit bool   `json:"limitHit"`
}

// ExportHeader is the header line of csv exports
var ExportHeader = []string{"deviceId", "sensorKey", "receivedTs", "eventTs", "seq", "quality", "value"}

// Export returns the readings of the requested sensor keys of a device or a station, capped
// at maxExportRows rows in total
func (e *Engine) Export(ctx context.Context, req ExportRequest) (*ExportResponse, error) {
	keys := normalizeKeys(req.SensorKeys)
	if len(keys) == 0 {
		return nil, api.InvalidField("sensorKeys")
	}
	if req.Format == "" {
		req.Format = FormatJSON
	}
	if req.Format != FormatCSV && req.Format != FormatJSON {
		return nil, api.InvalidField("format").With("allowed", []Format{FormatCSV, FormatJSON})
	}
	if err := e.checkRange(req.StartTime, req.EndTime); err != nil {
		return nil, err
	}
	if req.Scope != ScopeDevice && req.Scope != ScopeStation {
		return nil, api.InvalidField("scope").With("allowed", []Scope{ScopeDevice, ScopeStation})
	}
	if err := e.available(); err != nil {
		return nil, err
	}
	ids, err := e.resolveDevices(ctx, req.Scope, req.DeviceID, req.StationID)
	if err != nil {
		return nil, err
	}

	rows := []ExportRow{}
	limitHit := false
collect:
	for _, id := range ids {
		for _, key := range keys {
			remaining := e.maxExportRows - len(rows)
			raw, err := e.store.Raw(ctx, RawQuery{
				DeviceID:  id,
				SensorKey: key,
				Start:     req.StartTime,
				End:       req.EndTime,
				Limit:     remaining + 1,
			})
			if err != nil {
				return nil, api.Internal(err)
			}
			if len(raw) > remaining {
				raw = raw[:remaining]
				limitHit = true
			}
			for _, r := range raw {
				rows = append(rows, ExportRow{DeviceID: id, SensorKey: key, RawPoint: newRawPoint(r)})
			}
			if limitHit {
				break collect
			}
		}
	}
	if limitHit {
		logger.FromContext(ctx).Infof("export of %d devices hit the limit of %d rows", len(ids), e.maxExportRows)
	}

	response := &ExportResponse{Format: req.Format, Rows: len(rows), LimitHit: limitHit}
	if req.Format == FormatJSON {
		response.Data = rows
		return response, nil
	}
	data, err := writeCSV(rows)
	if err != nil {
		return nil, api.Internal(err)
	}
	response.Data = data
	return response, nil
}

func optional[T any](p *T, format func(T) string) string {
	if p == nil {
		return ""
	}
	return format(*p)
}

func writeCSV(rows []ExportRow) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(ExportHeader); err != nil {
		return "", err
	}
	for _, r := range rows {
		record := []string{
			r.DeviceID,
			r.SensorKey,
			r.ReceivedTS,
			optional(r.EventTS, func(s string) string { return s }),
			optional(r.Seq, func(s uint64) string { return strconv.FormatUint(s, 10) }),
			optional(r.Quality, func(q uint8) string { return strconv.Itoa(int(q)) }),
			r.Value.Text(),
		}
		if err := w.Write(record); err != nil {
			return "", err
		}
	}
	w.Flush()
	return buf.String(), w.Error()
}
