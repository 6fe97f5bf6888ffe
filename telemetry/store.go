// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package telemetry

import (
	"context"
	"time"
)

// TimeField selects the timestamp a query filters and groups on
type TimeField string

// time fields
const (
	TimeReceived TimeField = "received"
	TimeEvent    TimeField = "event"
)

// Interval is the bucket width of a series
type Interval string

// series intervals
const (
	IntervalRaw    Interval = "raw"
	IntervalMinute Interval = "1m"
	Interval5Min   Interval = "5m"
	IntervalHour   Interval = "1h"
	IntervalDay    Interval = "1d"
)

// Width returns the bucket width, zero for raw
func (i Interval) Width() time.Duration {
	switch i {
	case IntervalMinute:
		return time.Minute
	case Interval5Min:
		return 5 * time.Minute
	case IntervalHour:
		return time.Hour
	case IntervalDay:
		return 24 * time.Hour
	}
	return 0
}

// Bucket is the bucket width of statistics
type Bucket string

// statistics buckets
const (
	BucketHour Bucket = "hour"
	BucketDay  Bucket = "day"
)

// Width returns the bucket width
func (b Bucket) Width() time.Duration {
	if b == BucketDay {
		return 24 * time.Hour
	}
	return time.Hour
}

// LatestRow is the most recent reading of one sensor key
type LatestRow struct {
	SensorKey string
	LatestTS  time.Time
	Value     Columns
}

// SeriesQuery selects series points. Start and End are inclusive.
type SeriesQuery struct {
	DeviceID   string
	SensorKeys []string
	Start      time.Time
	End        time.Time
	Interval   Interval
	TimeField  TimeField
	Limit      int
}

// SeriesRow is one point of a series. For raw series the point holds all readings with the
// same timestamp, for other intervals all readings of the bucket. Num is the average of the
// numeric readings, Bool and Str are the most recent boolean and string readings.
type SeriesRow struct {
	SensorKey string
	TS        time.Time
	Num       *float64
	Bool      *bool
	Str       *string
}

// Value returns the normalized value of the row
func (r SeriesRow) Value() Value {
	return Normalize(Columns{F64: r.Num, Bool: r.Bool, Str: r.Str})
}

// RawQuery selects the readings of one sensor key by received time
type RawQuery struct {
	DeviceID   string
	SensorKey  string
	Start      time.Time
	End        time.Time
	Limit      int
	Descending bool
}

// RawRow is a stored reading
type RawRow struct {
	DeviceID   string
	SensorKey  string
	ReceivedTS time.Time
	EventTS    *time.Time
	Seq        *uint64
	Quality    *uint8
	Value      Columns
}

// StatsQuery selects the numeric statistics of one sensor key over devices
type StatsQuery struct {
	DeviceIDs []string
	SensorKey string
	Start     time.Time
	End       time.Time
	Bucket    Bucket
}

// StatsRow holds the statistics of one bucket
type StatsRow struct {
	TS    time.Time
	Min   float64
	Max   float64
	Avg   float64
	Count uint64
}

// Store reads telemetry. Rows of Series are ordered by sensor key and time, rows of Statistics
// by time.
type Store interface {
	Latest(ctx context.Context, deviceID string) ([]LatestRow, error)
	Series(ctx context.Context, q SeriesQuery) ([]SeriesRow, error)
	Raw(ctx context.Context, q RawQuery) ([]RawRow, error)
	Statistics(ctx context.Context, q StatsQuery) ([]StatsRow, error)
}
