// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package telemetry

import (
	"context"
	"encoding/csv"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/slopewatch/core/api"
	"github.com/relabs-tech/slopewatch/iot/registry"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func reading(device uuid.UUID, key string, offset time.Duration, c Columns) Reading {
	return Reading{DeviceID: device.String(), SensorKey: key, ReceivedTS: base.Add(offset), Value: c}
}

func assertReason(t *testing.T, err error, reason string) {
	t.Helper()
	var e *api.Error
	require.True(t, errors.As(err, &e), "%v", err)
	assert.Equal(t, api.KindValidation, e.Kind)
	assert.Equal(t, reason, e.Details["reason"])
}

func TestSeriesHourlyBuckets(t *testing.T) {
	device := uuid.New()
	store := NewMemoryStore()
	for i := 0; i < 9; i++ {
		store.Add(reading(device, "tilt", time.Duration(i)*20*time.Minute, Columns{F64: ptr(float64(i))}))
	}
	engine := New(&Builder{Store: store})

	series, err := engine.Series(context.Background(), SeriesRequest{
		DeviceID:   device,
		SensorKeys: []string{"tilt"},
		Start:      base,
		End:        base.Add(3 * time.Hour),
		Interval:   IntervalHour,
	})
	require.NoError(t, err)
	require.Len(t, series.Series, 1)
	points := series.Series[0].Points
	require.Len(t, points, 3)
	assert.Equal(t, "2024-05-01T10:00:00.000Z", points[0].TS)
	assert.Equal(t, Float(1), points[0].Value)
	assert.Equal(t, Float(4), points[1].Value)
	assert.Equal(t, Float(7), points[2].Value)
	assert.Empty(t, series.Missing)
	assert.Equal(t, IntervalHour, series.Interval)
}

func TestSeriesMissingKeys(t *testing.T) {
	device := uuid.New()
	store := NewMemoryStore()
	for i := 0; i < 10; i++ {
		store.Add(reading(device, "temp", time.Duration(i)*time.Minute, Columns{F64: ptr(20 + float64(i)/10)}))
	}
	engine := New(&Builder{Store: store})

	series, err := engine.Series(context.Background(), SeriesRequest{
		DeviceID:   device,
		SensorKeys: []string{" rain", "temp", "temp ", ""},
		Start:      base,
		End:        base.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, IntervalRaw, series.Interval)
	require.Len(t, series.Series, 1)
	assert.Equal(t, "temp", series.Series[0].SensorKey)
	assert.Len(t, series.Series[0].Points, 10)
	assert.Equal(t, []Missing{{SensorKey: "rain", Reason: ReasonNoData}}, series.Missing)
}

func TestSeriesGroupsByTimestamp(t *testing.T) {
	device := uuid.New()
	store := NewMemoryStore(
		reading(device, "mode", 0, Columns{Str: ptr("idle")}),
		reading(device, "mode", time.Minute, Columns{Str: ptr("alarm")}),
		reading(device, "level", 0, Columns{I64: ptr(int64(2))}),
		reading(device, "level", 0, Columns{F64: ptr(4.0)}),
	)
	engine := New(&Builder{Store: store})

	series, err := engine.Series(context.Background(), SeriesRequest{
		DeviceID:   device,
		SensorKeys: []string{"mode", "level"},
		Start:      base,
		End:        base.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, series.Series, 2)
	assert.Equal(t, "mode", series.Series[0].SensorKey)
	assert.Equal(t, []Point{
		{TS: "2024-05-01T10:00:00.000Z", Value: String("idle")},
		{TS: "2024-05-01T10:01:00.000Z", Value: String("alarm")},
	}, series.Series[0].Points)
	assert.Equal(t, []Point{{TS: "2024-05-01T10:00:00.000Z", Value: Float(3)}}, series.Series[1].Points)
}

func TestSeriesEventTime(t *testing.T) {
	device := uuid.New()
	withEvent := reading(device, "temp", 0, Columns{F64: ptr(1.0)})
	eventTS := base.Add(-time.Hour)
	withEvent.EventTS = &eventTS
	store := NewMemoryStore(withEvent, reading(device, "temp", time.Minute, Columns{F64: ptr(2.0)}))
	engine := New(&Builder{Store: store})

	series, err := engine.Series(context.Background(), SeriesRequest{
		DeviceID:   device,
		SensorKeys: []string{"temp"},
		Start:      base.Add(-2 * time.Hour),
		End:        base.Add(time.Hour),
		TimeField:  TimeEvent,
	})
	require.NoError(t, err)
	require.Len(t, series.Series, 1)
	assert.Equal(t, []Point{{TS: "2024-05-01T09:00:00.000Z", Value: Float(1)}}, series.Series[0].Points)
}

func TestSeriesValidation(t *testing.T) {
	device := uuid.New()
	store := NewMemoryStore()
	for i := 0; i < 10; i++ {
		store.Add(reading(device, "temp", time.Duration(i)*time.Second, Columns{F64: ptr(1.0)}))
	}
	engine := New(&Builder{Store: store, MaxRangeHours: 24, MaxPoints: 5})
	ctx := context.Background()
	valid := SeriesRequest{DeviceID: device, SensorKeys: []string{"temp"}, Start: base, End: base.Add(time.Hour)}

	req := valid
	req.End = req.Start
	_, err := engine.Series(ctx, req)
	assert.True(t, api.IsKind(err, api.KindValidation))

	req = valid
	req.End = base.Add(25 * time.Hour)
	_, err = engine.Series(ctx, req)
	assertReason(t, err, ReasonRangeTooLarge)

	req = valid
	req.SensorKeys = []string{" ", ""}
	_, err = engine.Series(ctx, req)
	assert.True(t, api.IsKind(err, api.KindValidation))

	req = valid
	req.Interval = "2h"
	_, err = engine.Series(ctx, req)
	assert.True(t, api.IsKind(err, api.KindValidation))

	// a closed range over 2 minute buckets holds 2 keys, over 3 it does not
	req = valid
	req.Interval = IntervalMinute
	req.SensorKeys = []string{"temp", "rain"}
	req.End = base.Add(time.Minute)
	_, err = engine.Series(ctx, req)
	require.NoError(t, err)
	req.End = base.Add(2 * time.Minute)
	_, err = engine.Series(ctx, req)
	assertReason(t, err, ReasonTooManyPoints)

	// raw results beyond the ceiling are rejected, not truncated
	_, err = engine.Series(ctx, valid)
	assertReason(t, err, ReasonTooManyPoints)
}

func TestSeriesUnalignedStartCountsBoundaryBuckets(t *testing.T) {
	device := uuid.New()
	store := NewMemoryStore()
	for _, offset := range []time.Duration{30 * time.Minute, 90 * time.Minute, 150 * time.Minute, 180 * time.Minute} {
		store.Add(reading(device, "a", offset, Columns{F64: ptr(1.0)}))
	}
	for _, offset := range []time.Duration{90 * time.Minute, 150 * time.Minute, 180 * time.Minute} {
		store.Add(reading(device, "b", offset, Columns{F64: ptr(2.0)}))
	}
	ctx := context.Background()
	req := SeriesRequest{
		DeviceID:   device,
		SensorKeys: []string{"a", "b"},
		Start:      base.Add(30 * time.Minute),
		End:        base.Add(3 * time.Hour),
		Interval:   IntervalHour,
	}

	// 10:30 to 13:00 touches the buckets 10, 11, 12 and 13
	_, err := New(&Builder{Store: store, MaxPoints: 6}).Series(ctx, req)
	assertReason(t, err, ReasonTooManyPoints)

	series, err := New(&Builder{Store: store, MaxPoints: 8}).Series(ctx, req)
	require.NoError(t, err)
	require.Len(t, series.Series, 2)
	assert.Len(t, series.Series[0].Points, 4)
	assert.Len(t, series.Series[1].Points, 3)
	assert.Empty(t, series.Missing)
}

// overfullStore answers every series query with one row more than allowed
type overfullStore struct {
	*MemoryStore
	limit int
}

func (s *overfullStore) Series(ctx context.Context, q SeriesQuery) ([]SeriesRow, error) {
	s.limit = q.Limit
	rows := make([]SeriesRow, q.Limit)
	for i := range rows {
		rows[i] = SeriesRow{SensorKey: "a", TS: base.Add(time.Duration(i) * time.Minute), Num: ptr(1.0)}
	}
	return rows, nil
}

func TestSeriesStoreOverflowIsRejected(t *testing.T) {
	store := &overfullStore{MemoryStore: NewMemoryStore()}
	engine := New(&Builder{Store: store, MaxPoints: 6})

	series, err := engine.Series(context.Background(), SeriesRequest{
		DeviceID:   uuid.New(),
		SensorKeys: []string{"a", "b"},
		Start:      base,
		End:        base.Add(2 * time.Minute),
		Interval:   IntervalMinute,
	})
	assertReason(t, err, ReasonTooManyPoints)
	assert.Nil(t, series)
	assert.Equal(t, 7, store.limit)
}

func TestState(t *testing.T) {
	device := uuid.New()
	store := NewMemoryStore(
		reading(device, "temp", 0, Columns{F64: ptr(21.5)}),
		reading(device, "temp", time.Minute, Columns{F64: ptr(22.5)}),
		reading(device, "door", 2*time.Minute, Columns{Bool: ptr(true)}),
		reading(uuid.New(), "temp", time.Hour, Columns{F64: ptr(99.0)}),
	)
	engine := New(&Builder{Store: store})

	state, err := engine.State(context.Background(), device)
	require.NoError(t, err)
	assert.Equal(t, device, state.DeviceID)
	assert.Equal(t, "2024-05-01T10:02:00.000Z", state.UpdatedAt)
	assert.Equal(t, map[string]Value{"temp": Float(22.5), "door": Bool(true)}, state.State.Metrics)
	assert.NotNil(t, state.State.Meta)

	_, err = engine.State(context.Background(), uuid.New())
	assert.True(t, api.IsKind(err, api.KindNotFound))
}

func TestRaw(t *testing.T) {
	device := uuid.New()
	store := NewMemoryStore()
	for i := 0; i < 5; i++ {
		r := reading(device, "temp", time.Duration(i)*time.Minute, Columns{I64: ptr(int64(i))})
		r.Seq = ptr(uint64(100 + i))
		store.Add(r)
	}
	engine := New(&Builder{Store: store, MaxPoints: 10})
	ctx := context.Background()
	req := RawRequest{DeviceID: device, SensorKey: "temp", Start: base, End: base.Add(time.Hour)}

	raw, err := engine.Raw(ctx, req)
	require.NoError(t, err)
	require.Len(t, raw.List, 5)
	assert.Equal(t, Int(4), raw.List[0].Value)
	assert.Equal(t, uint64(104), *raw.List[0].Seq)
	assert.Nil(t, raw.List[0].EventTS)

	req.Order = OrderAsc
	req.Limit = 2
	raw, err = engine.Raw(ctx, req)
	require.NoError(t, err)
	require.Len(t, raw.List, 2)
	assert.Equal(t, "2024-05-01T10:00:00.000Z", raw.List[0].ReceivedTS)
	assert.Equal(t, Int(1), raw.List[1].Value)

	req.Limit = 11
	_, err = engine.Raw(ctx, req)
	assert.True(t, api.IsKind(err, api.KindValidation))

	req.Limit = 0
	req.SensorKey = ""
	_, err = engine.Raw(ctx, req)
	assert.True(t, api.IsKind(err, api.KindValidation))
}

func TestStatistics(t *testing.T) {
	ctx := context.Background()
	devices := registry.NewMemoryStore()
	station := uuid.New()
	d1, err := devices.Create(ctx, registry.NewDevice{Name: "d1", StationID: &station})
	require.NoError(t, err)
	d2, err := devices.Create(ctx, registry.NewDevice{Name: "d2", StationID: &station})
	require.NoError(t, err)

	store := NewMemoryStore(
		reading(d1.ID, "rain", 0, Columns{F64: ptr(1.0)}),
		reading(d1.ID, "rain", 10*time.Minute, Columns{I64: ptr(int64(3))}),
		reading(d1.ID, "rain", 20*time.Minute, Columns{Str: ptr("n/a")}),
		reading(d2.ID, "rain", 30*time.Minute, Columns{F64: ptr(5.0)}),
		reading(d2.ID, "rain", 90*time.Minute, Columns{F64: ptr(2.0)}),
	)
	engine := New(&Builder{Store: store, Devices: devices})

	stats, err := engine.Statistics(ctx, StatsRequest{
		Scope:     ScopeDevice,
		DeviceID:  &d1.ID,
		SensorKey: "rain",
		Start:     base,
		End:       base.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, BucketHour, stats.Bucket)
	assert.Nil(t, stats.StationID)
	assert.Equal(t, []StatsBucket{{TS: "2024-05-01T10:00:00.000Z", Min: 1, Max: 3, Avg: 2, Count: 2}}, stats.Buckets)

	stats, err = engine.Statistics(ctx, StatsRequest{
		Scope:     ScopeStation,
		StationID: &station,
		SensorKey: "rain",
		Start:     base,
		End:       base.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, &station, stats.StationID)
	assert.Equal(t, []StatsBucket{
		{TS: "2024-05-01T10:00:00.000Z", Min: 1, Max: 5, Avg: 3, Count: 3},
		{TS: "2024-05-01T11:00:00.000Z", Min: 2, Max: 2, Avg: 2, Count: 1},
	}, stats.Buckets)

	empty := uuid.New()
	stats, err = engine.Statistics(ctx, StatsRequest{
		Scope:     ScopeStation,
		StationID: &empty,
		SensorKey: "rain",
		Start:     base,
		End:       base.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	assert.Empty(t, stats.Buckets)

	_, err = engine.Statistics(ctx, StatsRequest{Scope: ScopeDevice, SensorKey: "rain", Start: base, End: base.Add(time.Hour)})
	assert.True(t, api.IsKind(err, api.KindValidation))
	_, err = engine.Statistics(ctx, StatsRequest{Scope: ScopeStation, SensorKey: "rain", Start: base, End: base.Add(time.Hour)})
	assert.True(t, api.IsKind(err, api.KindValidation))
	_, err = engine.Statistics(ctx, StatsRequest{Scope: ScopeDevice, DeviceID: &d1.ID, SensorKey: "rain",
		Start: base, End: base.Add(time.Hour), Bucket: "week"})
	assert.True(t, api.IsKind(err, api.KindValidation))
}

func TestExportCSV(t *testing.T) {
	device := uuid.New()
	first := reading(device, "temp", 0, Columns{F64: ptr(20.5)})
	first.Seq, first.Quality = ptr(uint64(1)), ptr(uint8(192))
	eventTS := base.Add(-time.Second)
	first.EventTS = &eventTS
	store := NewMemoryStore(
		first,
		reading(device, "temp", time.Minute, Columns{F64: ptr(21.0)}),
		reading(device, "door", time.Minute, Columns{Bool: ptr(false)}),
	)
	engine := New(&Builder{Store: store})

	export, err := engine.Export(context.Background(), ExportRequest{
		Scope:      ScopeDevice,
		DeviceID:   &device,
		StartTime:  base,
		EndTime:    base.Add(time.Hour),
		SensorKeys: []string{"temp", "door"},
		Format:     FormatCSV,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, export.Rows)
	assert.False(t, export.LimitHit)

	data, ok := export.Data.(string)
	require.True(t, ok)
	records, err := csv.NewReader(strings.NewReader(data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, ExportHeader, records[0])
	assert.Equal(t, []string{device.String(), "temp", "2024-05-01T10:00:00.000Z", "2024-05-01T09:59:59.000Z", "1", "192", "20.5"}, records[1])
	assert.Equal(t, []string{device.String(), "door", "2024-05-01T10:01:00.000Z", "", "", "", "false"}, records[3])
}

func TestExportLimit(t *testing.T) {
	device := uuid.New()
	store := NewMemoryStore()
	for i := 0; i < 5; i++ {
		store.Add(reading(device, "temp", time.Duration(i)*time.Minute, Columns{F64: ptr(1.0)}))
		store.Add(reading(device, "rain", time.Duration(i)*time.Minute, Columns{F64: ptr(0.0)}))
	}
	engine := New(&Builder{Store: store, MaxExportRows: 7})

	export, err := engine.Export(context.Background(), ExportRequest{
		Scope:      ScopeDevice,
		DeviceID:   &device,
		StartTime:  base,
		EndTime:    base.Add(time.Hour),
		SensorKeys: []string{"temp", "rain"},
	})
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, export.Format)
	assert.True(t, export.LimitHit)
	assert.Equal(t, 7, export.Rows)
	rows, ok := export.Data.([]ExportRow)
	require.True(t, ok)
	assert.Equal(t, "temp", rows[4].SensorKey)
	assert.Equal(t, "rain", rows[5].SensorKey)
}

func TestEngineWithoutStore(t *testing.T) {
	engine := New(&Builder{})
	ctx := context.Background()
	_, err := engine.State(ctx, uuid.New())
	assert.True(t, api.IsKind(err, api.KindUnavailable))
	_, err = engine.Series(ctx, SeriesRequest{DeviceID: uuid.New(), SensorKeys: []string{"temp"}, Start: base, End: base.Add(time.Hour)})
	assert.True(t, api.IsKind(err, api.KindUnavailable))

	// validation comes first
	_, err = engine.Series(ctx, SeriesRequest{DeviceID: uuid.New(), SensorKeys: []string{"temp"}, Start: base, End: base})
	assert.True(t, api.IsKind(err, api.KindValidation))
}
