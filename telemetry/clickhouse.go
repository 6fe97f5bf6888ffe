// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/relabs-tech/slopewatch/core/logger"
)

// ClickHouseConfig locates the telemetry table
type ClickHouseConfig struct {
	// URL is a clickhouse DSN, e.g. clickhouse://host:9000
	URL      string
	Username string
	Password string
	Database string
	Table    string
	PoolMax  int
}

// OpenClickHouse opens a pooled connection to ClickHouse. The connection is established lazily.
func OpenClickHouse(cfg ClickHouseConfig) (*sql.DB, error) {
	opts, err := clickhouse.ParseDSN(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid clickhouse url: %w", err)
	}
	if cfg.Username != "" {
		opts.Auth.Username = cfg.Username
	}
	if cfg.Password != "" {
		opts.Auth.Password = cfg.Password
	}
	if cfg.Database != "" {
		opts.Auth.Database = cfg.Database
	}
	if cfg.PoolMax > 0 {
		opts.MaxOpenConns = cfg.PoolMax
		opts.MaxIdleConns = cfg.PoolMax
	}
	opts.DialTimeout = 5 * time.Second
	logger.Default().Infof("connecting to clickhouse %v database %s", opts.Addr, opts.Auth.Database)
	return clickhouse.OpenDB(opts), nil
}

// numericExpr is the numeric value of a reading, or NULL for non numeric readings
const numericExpr = `if(isNull(value_f64) AND isNull(value_i64), NULL, coalesce(value_f64, toFloat64(value_i64)))`

// chTimeFormat is how times are bound, they are converted with toDateTime64(?, 3, 'UTC')
const chTimeFormat = "2006-01-02 15:04:05.000"

func chTime(t time.Time) string {
	return t.UTC().Format(chTimeFormat)
}

// ClickHouseStore reads the telemetry table
type ClickHouseStore struct {
	db    *sql.DB
	table string
}

// NewClickHouseStore returns a store for database.table
func NewClickHouseStore(db *sql.DB, database, table string) *ClickHouseStore {
	return &ClickHouseStore{db: db, table: database + "." + table}
}

func nullableFloat(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	return &n.Float64
}

func nullableInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	return &n.Int64
}

func nullableString(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	return &n.String
}

func nullableBool(n sql.NullInt64) *bool {
	if !n.Valid {
		return nil
	}
	b := n.Int64 != 0
	return &b
}

// Latest returns the most recent value of every sensor key of the device
func (s *ClickHouseStore) Latest(ctx context.Context, deviceID string) ([]LatestRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
  sensor_key,
  max(received_ts) AS latest_ts,
  argMax(value_f64, received_ts) AS value_f64,
  argMax(value_i64, received_ts) AS value_i64,
  argMax(value_str, received_ts) AS value_str,
  argMax(value_bool, received_ts) AS value_bool
FROM `+s.table+`
WHERE device_id = ?
GROUP BY sensor_key
ORDER BY sensor_key`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("cannot query latest: %w", err)
	}
	defer rows.Close()
	var result []LatestRow
	for rows.Next() {
		var r LatestRow
		var f sql.NullFloat64
		var i, b sql.NullInt64
		var str sql.NullString
		if err := rows.Scan(&r.SensorKey, &r.LatestTS, &f, &i, &str, &b); err != nil {
			return nil, err
		}
		r.LatestTS = r.LatestTS.UTC()
		r.Value = Columns{F64: nullableFloat(f), I64: nullableInt(i), Bool: nullableBool(b), Str: nullableString(str)}
		result = append(result, r)
	}
	return result, rows.Err()
}

func timeFilter(field TimeField) (expr string, filter string) {
	if field == TimeEvent {
		return "event_ts", `event_ts IS NOT NULL AND event_ts >= toDateTime64(?, 3, 'UTC') AND event_ts <= toDateTime64(?, 3, 'UTC')`
	}
	return "received_ts", `received_ts >= toDateTime64(?, 3, 'UTC') AND received_ts <= toDateTime64(?, 3, 'UTC')`
}

// Series returns the points of the requested keys, grouped by timestamp or bucket
func (s *ClickHouseStore) Series(ctx context.Context, q SeriesQuery) ([]SeriesRow, error) {
	expr, filter := timeFilter(q.TimeField)
	tsExpr := expr
	args := []interface{}{}
	if width := q.Interval.Width(); width > 0 {
		tsExpr = fmt.Sprintf("toStartOfInterval(%s, INTERVAL %d SECOND)", expr, int(width.Seconds()))
	}
	args = append(args, q.DeviceID, q.SensorKeys, chTime(q.Start), chTime(q.End), q.Limit)
	rows, err := s.db.QueryContext(ctx, `SELECT
  sensor_key,
  `+tsExpr+` AS ts,
  avgOrNull(`+numericExpr+`) AS value_num,
  argMax(value_str, `+expr+`) AS value_str,
  argMax(value_bool, `+expr+`) AS value_bool
FROM `+s.table+`
WHERE device_id = ?
  AND has(?, sensor_key)
  AND `+filter+`
GROUP BY sensor_key, ts
ORDER BY sensor_key, ts
LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("cannot query series: %w", err)
	}
	defer rows.Close()
	var result []SeriesRow
	for rows.Next() {
		var r SeriesRow
		var num sql.NullFloat64
		var str sql.NullString
		var b sql.NullInt64
		if err := rows.Scan(&r.SensorKey, &r.TS, &num, &str, &b); err != nil {
			return nil, err
		}
		r.TS = r.TS.UTC()
		r.Num, r.Str, r.Bool = nullableFloat(num), nullableString(str), nullableBool(b)
		result = append(result, r)
	}
	return result, rows.Err()
}

// Raw returns the readings of one key ordered by received time
func (s *ClickHouseStore) Raw(ctx context.Context, q RawQuery) ([]RawRow, error) {
	order := "ASC"
	if q.Descending {
		order = "DESC"
	}
	rows, err := s.db.QueryContext(ctx, `SELECT
  device_id, sensor_key, received_ts, event_ts, seq, quality, value_f64, value_i64, value_str, value_bool
FROM `+s.table+`
WHERE device_id = ?
  AND sensor_key = ?
  AND received_ts >= toDateTime64(?, 3, 'UTC') AND received_ts <= toDateTime64(?, 3, 'UTC')
ORDER BY received_ts `+order+`
LIMIT ?`, q.DeviceID, q.SensorKey, chTime(q.Start), chTime(q.End), q.Limit)
	if err != nil {
		return nil, fmt.Errorf("cannot query raw: %w", err)
	}
	defer rows.Close()
	var result []RawRow
	for rows.Next() {
		var r RawRow
		var eventTS sql.NullTime
		var seq sql.Null[uint64]
		var quality sql.Null[uint8]
		var f sql.NullFloat64
		var i, b sql.NullInt64
		var str sql.NullString
		if err := rows.Scan(&r.DeviceID, &r.SensorKey, &r.ReceivedTS, &eventTS, &seq, &quality, &f, &i, &str, &b); err != nil {
			return nil, err
		}
		r.ReceivedTS = r.ReceivedTS.UTC()
		if eventTS.Valid {
			t := eventTS.Time.UTC()
			r.EventTS = &t
		}
		if seq.Valid {
			r.Seq = &seq.V
		}
		if quality.Valid {
			r.Quality = &quality.V
		}
		r.Value = Columns{F64: nullableFloat(f), I64: nullableInt(i), Bool: nullableBool(b), Str: nullableString(str)}
		result = append(result, r)
	}
	return result, rows.Err()
}

// Statistics returns min, max, avg and count of the numeric readings per bucket
func (s *ClickHouseStore) Statistics(ctx context.Context, q StatsQuery) ([]StatsRow, error) {
	bucketExpr := "toStartOfHour(received_ts)"
	if q.Bucket == BucketDay {
		bucketExpr = "toStartOfDay(received_ts)"
	}
	rows, err := s.db.QueryContext(ctx, `SELECT
  `+bucketExpr+` AS ts,
  min(`+numericExpr+`) AS min_value,
  max(`+numericExpr+`) AS max_value,
  avg(`+numericExpr+`) AS avg_value,
  count() AS count
FROM `+s.table+`
WHERE has(?, device_id)
  AND sensor_key = ?
  AND received_ts >= toDateTime64(?, 3, 'UTC') AND received_ts <= toDateTime64(?, 3, 'UTC')
  AND (value_f64 IS NOT NULL OR value_i64 IS NOT NULL)
GROUP BY ts
ORDER BY ts`, q.DeviceIDs, q.SensorKey, chTime(q.Start), chTime(q.End))
	if err != nil {
		return nil, fmt.Errorf("cannot query statistics: %w", err)
	}
	defer rows.Close()
	var result []StatsRow
	for rows.Next() {
		var r StatsRow
		if err := rows.Scan(&r.TS, &r.Min, &r.Max, &r.Avg, &r.Count); err != nil {
			return nil, err
		}
		r.TS = r.TS.UTC()
		result = append(result, r)
	}
	return result, rows.Err()
}

var _ Store = (*ClickHouseStore)(nil)
