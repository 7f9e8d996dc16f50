// Package cachestore implements the Cache Writer (spec.md §4.5): it
// mirrors every decoded sample into a Redis-shaped cache tier (a
// realtime hash, a bounded history list, and a bounded timeseries sorted
// set per sensor, plus a rolling statistics hash), grounded on
// temperature_redis.py's TemperatureDataStorage key schema
// (save_realtime_data/save_historical_data/save_time_series_data/
// update_statistics).
package cachestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"sensorhub/internal/model"
)

// DefaultTTL is the realtime-hash expiry, refreshed on every write
// (temperature_redis.py sets a flat 3600s TTL).
const DefaultTTL = 3600 * time.Second

// DefaultHistoryBound is the maximum length of each history list
// (LPUSH + LTRIM 0..999).
const DefaultHistoryBound = 1000

// DefaultSeriesBound is the maximum size of each timeseries sorted set
// (ZADD + ZREMRANGEBYRANK 0..-10001).
const DefaultSeriesBound = 10000

// DefaultBatchSize and DefaultBatchInterval bound how long the writer
// accumulates samples before applying them, per spec.md §6's pipeline
// batching allowance (64 commands or 50ms, whichever comes first).
const (
	DefaultBatchSize     = 64
	DefaultBatchInterval = 50 * time.Millisecond
)

// ZEntry is one scored sorted-set member, returned by paged score-range
// reads (used by internal/migrate and internal/sync to walk a
// timeseries sorted set from a checkpoint upward).
type ZEntry struct {
	Member string
	Score  float64
}

// Commands is the narrow set of Redis operations the cache writer needs,
// kept independent of any specific client so tests can supply an
// in-memory fake instead of a real server.
type Commands interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	LPush(ctx context.Context, key string, values ...string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	ZAdd(ctx context.Context, key string, member string, score float64) error
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)
	// ZRangeByScore returns members with score in (minExclusive, +inf),
	// ordered ascending, offset/limited for paging. Pass minExclusive =
	// -math.MaxFloat64 to read from the beginning.
	ZRangeByScore(ctx context.Context, key string, minExclusive float64, offset, count int64) ([]ZEntry, error)
}

// typeStats is the in-memory rolling aggregate backing the
// "sensor:{type}:statistics" hash: min/max/avg across every reading of
// that sensor type since process start, plus per-channel min/max
// (spec.md §6).
type typeStats struct {
	min, max, sum float64
	count         int64
	channelMin    map[int]float64
	channelMax    map[int]float64
	lastUpdate    time.Time
}

// historyEntry is the JSON shape of one history-list member (spec.md §6:
// "sensor:{type}:{sensor_id}:history — List of JSON samples, newest at
// head"). Channel is set only by the legacy per-channel schema, which
// shares one list across every channel of a session.
type historyEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Channel   string    `json:"channel,omitempty"`
}

// Writer mirrors sensor readings into the cache tier.
type Writer struct {
	cmds          Commands
	sessionPrefix string
	ttl           time.Duration
	historyBound  int64
	seriesBound   int64
	batchSize     int
	batchInterval time.Duration

	mu          sync.Mutex
	seriesSeq   map[string]uint64
	statsByType map[model.SensorType]*typeStats

	errCount uint64
}

// NewWriter builds a cache Writer bound to a session prefix (spec.md §6:
// "{session_prefix}:..." for the legacy schema's grouping key).
func NewWriter(cmds Commands, sessionPrefix string) *Writer {
	return &Writer{
		cmds:          cmds,
		sessionPrefix: sessionPrefix,
		ttl:           DefaultTTL,
		historyBound:  DefaultHistoryBound,
		seriesBound:   DefaultSeriesBound,
		batchSize:     DefaultBatchSize,
		batchInterval: DefaultBatchInterval,
		seriesSeq:     make(map[string]uint64),
		statsByType:   make(map[model.SensorType]*typeStats),
	}
}

// Run consumes readings from in until ctx is canceled, batching them per
// DefaultBatchSize/DefaultBatchInterval before applying.
func (w *Writer) Run(ctx context.Context, in <-chan model.SensorReading) {
	ticker := time.NewTicker(w.batchInterval)
	defer ticker.Stop()

	batch := make([]model.SensorReading, 0, w.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, r := range batch {
			if err := w.Write(ctx, r); err != nil {
				atomic.AddUint64(&w.errCount, 1)
				log.Printf("cachestore: write %s: %v", r.SensorID, err)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case r := <-in:
			batch = append(batch, r)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Write applies one reading to the cache tier: the prefixed
// "sensor:{type}:{sensor_id}:*" schema always, plus the legacy flat
// "{session_prefix}:temperature:*" schema for temperature channels
// (SPEC_FULL §6.3 — precedence goes to the prefixed key on migration).
func (w *Writer) Write(ctx context.Context, r model.SensorReading) error {
	if err := w.writeRealtime(ctx, r); err != nil {
		return fmt.Errorf("realtime: %w", err)
	}
	if err := w.writeHistory(ctx, r); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	if err := w.writeTimeseries(ctx, r); err != nil {
		return fmt.Errorf("timeseries: %w", err)
	}
	if err := w.writeStatistics(ctx, r); err != nil {
		return fmt.Errorf("statistics: %w", err)
	}
	if r.SensorType == model.Temperature {
		if err := w.writeLegacy(ctx, r); err != nil {
			return fmt.Errorf("legacy: %w", err)
		}
	}
	return nil
}

func realtimeKey(r model.SensorReading) string {
	return fmt.Sprintf("sensor:%s:%s:realtime", r.SensorType, r.SensorID)
}
func historyKey(r model.SensorReading) string {
	return fmt.Sprintf("sensor:%s:%s:history", r.SensorType, r.SensorID)
}
func timeseriesKey(r model.SensorReading) string {
	return fmt.Sprintf("sensor:%s:%s:timeseries", r.SensorType, r.SensorID)
}
func statisticsKey(r model.SensorReading) string {
	return fmt.Sprintf("sensor:%s:statistics", r.SensorType)
}

func (w *Writer) writeRealtime(ctx context.Context, r model.SensorReading) error {
	key := realtimeKey(r)
	fields := map[string]string{
		"value":     formatFloat(r.Value),
		"raw":       strconv.Itoa(int(r.Raw)),
		"unit":      r.Unit,
		"timestamp": r.Timestamp.Format(time.RFC3339Nano),
		"channel":   strconv.Itoa(r.Channel),
		"module_id": r.ModuleID,
	}
	if err := w.cmds.HSet(ctx, key, fields); err != nil {
		return err
	}
	return w.cmds.Expire(ctx, key, w.ttl)
}

func (w *Writer) writeHistory(ctx context.Context, r model.SensorReading) error {
	key := historyKey(r)
	entry, err := json.Marshal(historyEntry{Timestamp: r.Timestamp, Value: r.Value})
	if err != nil {
		return err
	}
	if err := w.cmds.LPush(ctx, key, string(entry)); err != nil {
		return err
	}
	return w.cmds.LTrim(ctx, key, 0, w.historyBound-1)
}

func (w *Writer) writeTimeseries(ctx context.Context, r model.SensorReading) error {
	key := timeseriesKey(r)
	score := float64(r.Timestamp.UnixNano()) / 1e9
	member := fmt.Sprintf("%d:%s", w.nextSeriesSeq(r.SensorID), formatFloat(r.Value))
	if err := w.cmds.ZAdd(ctx, key, member, score); err != nil {
		return err
	}
	return w.cmds.ZRemRangeByRank(ctx, key, 0, -(w.seriesBound + 1))
}

// nextSeriesSeq gives each timeseries member a monotonic per-sensor
// prefix ("{seq}:{value}") so two samples carrying the same value never
// collide as sorted-set members — spec.md §9's open question on member
// collisions, resolved this way.
func (w *Writer) nextSeriesSeq(sensorID string) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seriesSeq[sensorID]++
	return w.seriesSeq[sensorID]
}

func (w *Writer) writeStatistics(ctx context.Context, r model.SensorReading) error {
	key := statisticsKey(r)
	return w.cmds.HSet(ctx, key, w.foldStatistics(r))
}

// foldStatistics updates the rolling per-sensor-type aggregate and
// returns the full "sensor:{type}:statistics" field set (spec.md §6:
// "min, max, avg, channel_min, channel_max, last_update").
func (w *Writer) foldStatistics(r model.SensorReading) map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()

	st, ok := w.statsByType[r.SensorType]
	if !ok {
		st = &typeStats{
			min:        r.Value,
			max:        r.Value,
			channelMin: make(map[int]float64),
			channelMax: make(map[int]float64),
		}
		w.statsByType[r.SensorType] = st
	}
	if r.Value < st.min {
		st.min = r.Value
	}
	if r.Value > st.max {
		st.max = r.Value
	}
	st.sum += r.Value
	st.count++
	if cur, ok := st.channelMin[r.Channel]; !ok || r.Value < cur {
		st.channelMin[r.Channel] = r.Value
	}
	if cur, ok := st.channelMax[r.Channel]; !ok || r.Value > cur {
		st.channelMax[r.Channel] = r.Value
	}
	st.lastUpdate = r.Timestamp

	fields := map[string]string{
		"min":         formatFloat(st.min),
		"max":         formatFloat(st.max),
		"avg":         formatFloat(st.sum / float64(st.count)),
		"last_update": st.lastUpdate.Format(time.RFC3339Nano),
	}
	for ch, v := range st.channelMin {
		fields[fmt.Sprintf("channel_min_%02d", ch)] = formatFloat(v)
	}
	for ch, v := range st.channelMax {
		fields[fmt.Sprintf("channel_max_%02d", ch)] = formatFloat(v)
	}
	return fields
}

func (w *Writer) writeLegacy(ctx context.Context, r model.SensorReading) error {
	base := fmt.Sprintf("%s:temperature", w.sessionPrefix)
	channelField := fmt.Sprintf("channel_%02d", r.Channel)

	realtime := map[string]string{
		channelField:          formatFloat(r.Value),
		channelField + "_raw": strconv.Itoa(int(r.Raw)),
	}
	key := base + ":realtime"
	if err := w.cmds.HSet(ctx, key, realtime); err != nil {
		return err
	}
	if err := w.cmds.Expire(ctx, key, w.ttl); err != nil {
		return err
	}

	histKey := base + ":history"
	entry, err := json.Marshal(historyEntry{Timestamp: r.Timestamp, Value: r.Value, Channel: channelField})
	if err != nil {
		return err
	}
	if err := w.cmds.LPush(ctx, histKey, string(entry)); err != nil {
		return err
	}
	if err := w.cmds.LTrim(ctx, histKey, 0, w.historyBound-1); err != nil {
		return err
	}

	seriesKey := fmt.Sprintf("%s:timeseries:%s", base, channelField)
	score := float64(r.Timestamp.UnixNano()) / 1e9
	member := fmt.Sprintf("%d:%s", w.nextSeriesSeq("legacy_"+channelField), formatFloat(r.Value))
	if err := w.cmds.ZAdd(ctx, seriesKey, member, score); err != nil {
		return err
	}
	return w.cmds.ZRemRangeByRank(ctx, seriesKey, 0, -(w.seriesBound + 1))
}

// ErrorCount reports how many writes have failed without blocking or
// dropping the input channel (spec.md §7: cache-tier errors are counted,
// never fatal).
func (w *Writer) ErrorCount() uint64 {
	return atomic.LoadUint64(&w.errCount)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
