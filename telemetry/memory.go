// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package telemetry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Reading is a stored reading of the MemoryStore
type Reading = RawRow

// MemoryStore keeps readings in memory and aggregates them the way the ClickHouse queries do
type MemoryStore struct {
	mutex    sync.RWMutex
	readings []Reading
}

// NewMemoryStore returns a store holding readings
func NewMemoryStore(readings ...Reading) *MemoryStore {
	s := &MemoryStore{}
	s.Add(readings...)
	return s
}

// Add stores readings
func (s *MemoryStore) Add(readings ...Reading) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, r := range readings {
		r.ReceivedTS = r.ReceivedTS.UTC()
		s.readings = append(s.readings, r)
	}
}

func numeric(c Columns) *float64 {
	switch {
	case c.F64 != nil:
		f := *c.F64
		return &f
	case c.I64 != nil:
		f := float64(*c.I64)
		return &f
	}
	return nil
}

func inRange(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}

// latestColumns tracks the most recent non null value of every column, like argMax does
type latestColumns struct {
	f64, i64, b, str time.Time
	value            Columns
}

func (l *latestColumns) add(ts time.Time, c Columns) {
	if c.F64 != nil && !ts.Before(l.f64) {
		l.f64, l.value.F64 = ts, c.F64
	}
	if c.I64 != nil && !ts.Before(l.i64) {
		l.i64, l.value.I64 = ts, c.I64
	}
	if c.Bool != nil && !ts.Before(l.b) {
		l.b, l.value.Bool = ts, c.Bool
	}
	if c.Str != nil && !ts.Before(l.str) {
		l.str, l.value.Str = ts, c.Str
	}
}

// Latest returns the most recent value of every sensor key of the device
func (s *MemoryStore) Latest(ctx context.Context, deviceID string) ([]LatestRow, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	latest := map[string]*latestColumns{}
	maxTS := map[string]time.Time{}
	for _, r := range s.readings {
		if r.DeviceID != deviceID {
			continue
		}
		l, ok := latest[r.SensorKey]
		if !ok {
			l = &latestColumns{}
			latest[r.SensorKey] = l
		}
		l.add(r.ReceivedTS, r.Value)
		if r.ReceivedTS.After(maxTS[r.SensorKey]) {
			maxTS[r.SensorKey] = r.ReceivedTS
		}
	}
	var result []LatestRow
	for key, l := range latest {
		result = append(result, LatestRow{SensorKey: key, LatestTS: maxTS[key], Value: l.value})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SensorKey < result[j].SensorKey })
	return result, nil
}

type seriesKey struct {
	sensorKey string
	ts        time.Time
}

type seriesAggregate struct {
	sum    float64
	count  int
	latest latestColumns
}

// Series returns the points of the requested keys, grouped by timestamp or bucket
func (s *MemoryStore) Series(ctx context.Context, q SeriesQuery) ([]SeriesRow, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	keys := map[string]bool{}
	for _, k := range q.SensorKeys {
		keys[k] = true
	}
	width := q.Interval.Width()
	groups := map[seriesKey]*seriesAggregate{}
	for _, r := range s.readings {
		if r.DeviceID != q.DeviceID || !keys[r.SensorKey] {
			continue
		}
		ts := r.ReceivedTS
		if q.TimeField == TimeEvent {
			if r.EventTS == nil {
				continue
			}
			ts = r.EventTS.UTC()
		}
		if !inRange(ts, q.Start, q.End) {
			continue
		}
		bucket := ts
		if width > 0 {
			bucket = ts.Truncate(width)
		}
		k := seriesKey{sensorKey: r.SensorKey, ts: bucket}
		g, ok := groups[k]
		if !ok {
			g = &seriesAggregate{}
			groups[k] = g
		}
		if n := numeric(r.Value); n != nil {
			g.sum += *n
			g.count++
		}
		g.latest.add(ts, Columns{Bool: r.Value.Bool, Str: r.Value.Str})
	}

	result := make([]SeriesRow, 0, len(groups))
	for k, g := range groups {
		row := SeriesRow{SensorKey: k.sensorKey, TS: k.ts, Bool: g.latest.value.Bool, Str: g.latest.value.Str}
		if g.count > 0 {
			avg := g.sum / float64(g.count)
			row.Num = &avg
		}
		result = append(result, row)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].SensorKey != result[j].SensorKey {
			return result[i].SensorKey < result[j].SensorKey
		}
		return result[i].TS.Before(result[j].TS)
	})
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

// Raw returns the readings of one key ordered by received time
func (s *MemoryStore) Raw(ctx context.Context, q RawQuery) ([]RawRow, error) {
	s.mutex.RLock()
	var result []RawRow
	for _, r := range s.readings {
		if r.DeviceID == q.DeviceID && r.SensorKey == q.SensorKey && inRange(r.ReceivedTS, q.Start, q.End) {
			result = append(result, r)
		}
	}
	s.mutex.RUnlock()
	sort.SliceStable(result, func(i, j int) bool {
		if q.Descending {
			return result[i].ReceivedTS.After(result[j].ReceivedTS)
		}
		return result[i].ReceivedTS.Before(result[j].ReceivedTS)
	})
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

// Statistics returns min, max, avg and count of the numeric readings per bucket
func (s *MemoryStore) Statistics(ctx context.Context, q StatsQuery) ([]StatsRow, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	devices := map[string]bool{}
	for _, id := range q.DeviceIDs {
		devices[id] = true
	}
	width := q.Bucket.Width()
	buckets := map[time.Time]*StatsRow{}
	sums := map[time.Time]float64{}
	for _, r := range s.readings {
		if !devices[r.DeviceID] || r.SensorKey != q.SensorKey || !inRange(r.ReceivedTS, q.Start, q.End) {
			continue
		}
		n := numeric(r.Value)
		if n == nil {
			continue
		}
		ts := r.ReceivedTS.Truncate(width)
		b, ok := buckets[ts]
		if !ok {
			b = &StatsRow{TS: ts, Min: *n, Max: *n}
			buckets[ts] = b
		}
		if *n < b.Min {
			b.Min = *n
		}
		if *n > b.Max {
			b.Max = *n
		}
		b.Count++
		sums[ts] += *n
	}
	result := make([]StatsRow, 0, len(buckets))
	for ts, b := range buckets {
		b.Avg = sums[ts] / float64(b.Count)
		result = append(result, *b)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TS.Before(result[j].TS) })
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
