// Package migrate implements the Bulk Migrator (spec.md §4.7): a
// one-shot copy of the cache tier's contents into the document tier,
// with per-page progress checkpoints so a killed run resumes without
// duplicating work. Grounded on redis_to_mongodb_migrator.py's
// discover_sessions/migrate_session/migrate_{realtime,historical,
// timeseries,statistics}_data, adapted to the cachestore.Commands and
// docstore.Store this repo already builds C5/C6 on.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"sensorhub/internal/cachestore"
	"sensorhub/internal/docstore"
	"sensorhub/internal/model"
)

// DefaultPageSize matches spec.md §4.7's default history/timeseries
// page size.
const DefaultPageSize = 200

// Summary is the report returned by Run (spec.md §4.7 and SPEC_FULL
// §6.3, "migration summary report").
type Summary struct {
	Attempted    int
	Succeeded    int
	Failed       int
	PerKeyErrors map[string]string
	Realtime     int
	Historical   int
	Timeseries   int
	Statistics   int
}

// Migrator copies one or more sessions from the cache tier into the
// document tier.
type Migrator struct {
	cache    cachestore.Commands
	store    *docstore.Store
	pageSize int64
}

// New builds a Migrator over the given cache commands and document
// store.
func New(cache cachestore.Commands, store *docstore.Store) *Migrator {
	return &Migrator{cache: cache, store: store, pageSize: DefaultPageSize}
}

// DiscoverSessions scans the cache for the legacy flat key pattern
// "{session_prefix}:temperature:*" and extracts the distinct session
// prefixes, mirroring discover_sessions in redis_to_mongodb_migrator.py.
// Prefixed-schema keys ("sensor:{type}:{sensor_id}:*") carry no session
// prefix of their own and are not reported; Run always migrates that
// schema regardless of the discovered session list.
func (m *Migrator) DiscoverSessions(ctx context.Context) ([]string, error) {
	keys, err := m.cache.Keys(ctx, "*:temperature:*")
	if err != nil {
		return nil, fmt.Errorf("migrate: discover sessions: %w", err)
	}
	seen := make(map[string]bool)
	for _, k := range keys {
		parts := strings.SplitN(k, ":", 2)
		if len(parts) < 2 || !looksLikeSessionPrefix(parts[0]) {
			continue
		}
		seen[parts[0]] = true
	}
	sessions := make([]string, 0, len(seen))
	for s := range seen {
		sessions = append(sessions, s)
	}
	sort.Strings(sessions)
	return sessions, nil
}

// Run migrates every discovered (or explicitly given) legacy session,
// plus the session-agnostic prefixed schema for every known sensor
// type, and returns a summary (spec.md §4.7: "returns a summary
// {attempted, succeeded, failed, per_key_errors}").
func (m *Migrator) Run(ctx context.Context, sessionPrefixes []string) (Summary, error) {
	runID := uuid.NewString()
	log.Printf("migrate[%s]: starting bulk migration", runID)

	summary := Summary{PerKeyErrors: make(map[string]string)}

	if sessionPrefixes == nil {
		discovered, err := m.DiscoverSessions(ctx)
		if err != nil {
			return summary, err
		}
		sessionPrefixes = discovered
	}

	types := []model.SensorType{model.Temperature, model.WindSpeed, model.Pressure, model.Humidity}
	for _, t := range types {
		m.migrateType(ctx, "", t, &summary)
	}
	for _, session := range sessionPrefixes {
		m.migrateLegacySession(ctx, session, &summary)
	}

	log.Printf("migrate[%s]: done: attempted=%d succeeded=%d failed=%d realtime=%d historical=%d timeseries=%d statistics=%d",
		runID, summary.Attempted, summary.Succeeded, summary.Failed,
		summary.Realtime, summary.Historical, summary.Timeseries, summary.Statistics)
	return summary, nil
}

// migrateType migrates the session-agnostic prefixed schema
// ("sensor:{type}:...") for one sensor type, discovering sensor ids by
// scanning realtime-hash keys.
func (m *Migrator) migrateType(ctx context.Context, session string, t model.SensorType, summary *Summary) {
	pattern := fmt.Sprintf("sensor:%s:*:realtime", t)
	keys, err := m.cache.Keys(ctx, pattern)
	if err != nil {
		m.fail(summary, pattern, err)
		return
	}
	for _, key := range keys {
		sensorID := extractSensorID(key)
		if sensorID == "" {
			continue
		}
		m.migrateSensor(ctx, session, t, sensorID, summary)
	}
	n, err := m.migrateStatistics(ctx, session, t)
	summary.Statistics += n
	if err != nil {
		m.fail(summary, fmt.Sprintf("sensor:%s:statistics", t), err)
	}
}

// migrateStatistics copies one sensor type's statistics hash, one
// StatisticsRecord per field (spec.md §6 "sensor:{type}:statistics").
func (m *Migrator) migrateStatistics(ctx context.Context, session string, t model.SensorType) (int, error) {
	key := fmt.Sprintf("sensor:%s:statistics", t)
	fields, err := m.cache.HGetAll(ctx, key)
	if err != nil {
		return 0, err
	}
	n := 0
	for field, value := range fields {
		if err := m.store.UpsertStatistics(docstore.StatisticsRecord{
			SessionPrefix: session,
			SensorType:    t.String(),
			Field:         field,
			Value:         value,
		}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// looksLikeSessionPrefix reports whether s has the "YYYYMMDD_HHMMSS"
// shape a session prefix is documented to have (spec.md §3, §9). The
// original source's equivalent check (parts[0].isdigit()) never
// actually matches real session prefixes because they contain an
// underscore; this fixes that so legacy-session discovery works.
func looksLikeSessionPrefix(s string) bool {
	if len(s) != 15 || s[8] != '_' {
		return false
	}
	for i, c := range s {
		if i == 8 {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func extractSensorID(realtimeKey string) string {
	parts := strings.Split(realtimeKey, ":")
	if len(parts) != 4 {
		return ""
	}
	return parts[2]
}

func (m *Migrator) migrateSensor(ctx context.Context, session string, t model.SensorType, sensorID string, summary *Summary) {
	summary.Attempted++
	ok := true

	if err := m.migrateRealtime(ctx, session, t, sensorID); err != nil {
		m.fail(summary, sensorID+":realtime", err)
		ok = false
	} else {
		summary.Realtime++
	}

	n, err := m.migrateHistory(ctx, session, t, sensorID)
	summary.Historical += n
	if err != nil {
		m.fail(summary, sensorID+":history", err)
		ok = false
	}

	n, err = m.migrateTimeseries(ctx, session, t, sensorID)
	summary.Timeseries += n
	if err != nil {
		m.fail(summary, sensorID+":timeseries", err)
		ok = false
	}

	if ok {
		summary.Succeeded++
	} else {
		summary.Failed++
	}
}

// migrateLegacySession migrates the flat per-session temperature schema
// (spec.md §6 "Legacy per-channel schema", SPEC_FULL §6.3).
func (m *Migrator) migrateLegacySession(ctx context.Context, session string, summary *Summary) {
	summary.Attempted++
	ok := true

	base := session + ":temperature"
	realtime, err := m.cache.HGetAll(ctx, base+":realtime")
	if err != nil {
		m.fail(summary, base+":realtime", err)
		ok = false
	} else if len(realtime) > 0 {
		for field, value := range realtime {
			if strings.HasSuffix(field, "_raw") || !strings.HasPrefix(field, "channel_") {
				continue
			}
			channel := parseChannelSuffix(field)
			v, _ := strconv.ParseFloat(value, 64)
			raw, _ := strconv.Atoi(realtime[field+"_raw"])
			sensorID := model.SensorID(model.Temperature, "legacy", channel)
			err := m.store.UpsertRealtime(docstore.RealtimeRecord{
				SessionPrefix: session,
				SensorType:    model.Temperature.String(),
				SensorID:      sensorID,
				ModuleID:      "legacy",
				Channel:       channel,
				Raw:           uint16(raw),
				Value:         v,
				Unit:          model.Temperature.Unit(),
				Timestamp:     time.Now(),
			})
			if err != nil {
				m.fail(summary, base+":realtime:"+field, err)
				ok = false
				continue
			}
			summary.Realtime++
		}
	}

	histKey := base + ":history"
	n, err := m.migrateHistoryKey(ctx, session, model.Temperature, "legacy_history", histKey, "legacy")
	summary.Historical += n
	if err != nil {
		m.fail(summary, histKey, err)
		ok = false
	}

	tsPattern := base + ":timeseries:*"
	tsKeys, err := m.cache.Keys(ctx, tsPattern)
	if err != nil {
		m.fail(summary, tsPattern, err)
		ok = false
	}
	for _, tsKey := range tsKeys {
		channelField := tsKey[strings.LastIndex(tsKey, ":")+1:]
		channel := parseChannelSuffix(channelField)
		sensorID := model.SensorID(model.Temperature, "legacy", channel)
		n, err := m.migrateTimeseriesKey(ctx, session, model.Temperature, sensorID, tsKey)
		summary.Timeseries += n
		if err != nil {
			m.fail(summary, tsKey, err)
			ok = false
		}
	}

	if ok {
		summary.Succeeded++
	} else {
		summary.Failed++
	}
	_ = summary.Statistics // legacy statistics schema mirrors prefixed statistics; no separate hash to migrate here.
}

func parseChannelSuffix(field string) int {
	field = strings.TrimSuffix(field, "_raw")
	idx := strings.LastIndex(field, "_")
	if idx < 0 {
		return 0
	}
	n, _ := strconv.Atoi(field[idx+1:])
	return n
}

func (m *Migrator) migrateRealtime(ctx context.Context, session string, t model.SensorType, sensorID string) error {
	key := fmt.Sprintf("sensor:%s:%s:realtime", t, sensorID)
	fields, err := m.cache.HGetAll(ctx, key)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	value, _ := strconv.ParseFloat(fields["value"], 64)
	raw, _ := strconv.Atoi(fields["raw"])
	channel, _ := strconv.Atoi(fields["channel"])
	ts, _ := time.Parse(time.RFC3339Nano, fields["timestamp"])
	return m.store.UpsertRealtime(docstore.RealtimeRecord{
		SessionPrefix: session,
		SensorType:    t.String(),
		SensorID:      sensorID,
		ModuleID:      fields["module_id"],
		Channel:       channel,
		Raw:           uint16(raw),
		Value:         value,
		Unit:          fields["unit"],
		Timestamp:     ts,
	})
}

func (m *Migrator) migrateHistory(ctx context.Context, session string, t model.SensorType, sensorID string) (int, error) {
	key := fmt.Sprintf("sensor:%s:%s:history", t, sensorID)
	return m.migrateHistoryKey(ctx, session, t, sensorID, key, sensorID)
}

// migrateHistoryKey reads the history list in pages of m.pageSize
// (spec.md §4.7 default 200), checkpointing progress after each page so
// a killed run resumes without re-inserting earlier pages.
func (m *Migrator) migrateHistoryKey(ctx context.Context, session string, t model.SensorType, progressKey, listKey, sensorID string) (int, error) {
	progress, err := m.store.Progress("historical:"+session, progressKey)
	if err != nil {
		return 0, err
	}
	start := progress.Count
	inserted := 0
	for {
		entries, err := m.cache.LRange(ctx, listKey, start, start+m.pageSize-1)
		if err != nil {
			return inserted, err
		}
		if len(entries) == 0 {
			break
		}
		for _, entry := range entries {
			ts, value, channelField, ok := parseHistoryEntry(entry)
			if !ok {
				continue
			}
			entrySensorID := sensorID
			if channelField != "" {
				entrySensorID = model.SensorID(t, "legacy", parseChannelSuffix(channelField))
			}
			if err := m.store.UpsertHistorical(docstore.HistoricalRecord{
				SessionPrefix: session,
				SensorType:    t.String(),
				SensorID:      entrySensorID,
				Timestamp:     ts,
				Value:         value,
			}); err != nil {
				return inserted, err
			}
			inserted++
		}
		start += int64(len(entries))
		if err := m.store.SetProgress("historical:"+session, progressKey, 0, start); err != nil {
			return inserted, err
		}
		if int64(len(entries)) < m.pageSize {
			break
		}
	}
	return inserted, nil
}

// parseHistoryEntry parses a JSON history-list entry
// (cachestore.historyEntry), either the per-sensor shape
// cachestore.Writer.writeHistory produces, or the legacy shape
// writeLegacy produces with its Channel field set (in which case
// channelField is returned so the caller can resolve the entry's real
// per-channel sensor id).
func parseHistoryEntry(entry string) (ts time.Time, value float64, channelField string, ok bool) {
	var e struct {
		Timestamp time.Time `json:"timestamp"`
		Value     float64   `json:"value"`
		Channel   string    `json:"channel,omitempty"`
	}
	if err := json.Unmarshal([]byte(entry), &e); err != nil {
		return time.Time{}, 0, "", false
	}
	return e.Timestamp, e.Value, e.Channel, true
}

func (m *Migrator) migrateTimeseries(ctx context.Context, session string, t model.SensorType, sensorID string) (int, error) {
	key := fmt.Sprintf("sensor:%s:%s:timeseries", t, sensorID)
	return m.migrateTimeseriesKey(ctx, session, t, sensorID, key)
}

// migrateTimeseriesKey scans the sorted set from last_score+ε upward in
// pages, per spec.md §4.7 step 2's ZRANGEBYSCORE resumption, deduping
// legacy same-timestamp ties by (timestamp_unix, value) per SPEC_FULL
// §9's open-question resolution.
func (m *Migrator) migrateTimeseriesKey(ctx context.Context, session string, t model.SensorType, sensorID, zsetKey string) (int, error) {
	progress, err := m.store.Progress("timeseries:"+session, sensorID)
	if err != nil {
		return 0, err
	}
	minScore := progress.LastScore
	if progress.Count == 0 && minScore == 0 {
		minScore = -math.MaxFloat64
	}

	inserted := 0
	channel := parseChannelSuffix(sensorID)
	dedup := make(map[string]bool)
	for {
		entries, err := m.cache.ZRangeByScore(ctx, zsetKey, minScore, 0, m.pageSize)
		if err != nil {
			return inserted, err
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			value := parseTimeseriesMember(e.Member)
			dedupKey := fmt.Sprintf("%d:%v", int64(e.Score), value)
			if dedup[dedupKey] {
				continue
			}
			dedup[dedupKey] = true
			if err := m.store.UpsertTimeseries(docstore.TimeseriesRecord{
				SessionPrefix: session,
				SensorType:    t.String(),
				SensorID:      sensorID,
				Channel:       channel,
				Member:        e.Member,
				Score:         e.Score,
				TimestampUnix: int64(e.Score),
				Value:         value,
			}); err != nil {
				return inserted, err
			}
			inserted++
			minScore = e.Score
		}
		if err := m.store.SetProgress("timeseries:"+session, sensorID, minScore, progress.Count+int64(inserted)); err != nil {
			return inserted, err
		}
		if int64(len(entries)) < m.pageSize {
			break
		}
	}
	return inserted, nil
}

// parseTimeseriesMember strips the monotonic dedup counter cachestore
// prefixes onto every member ("{seq}:{value}") to recover the value.
func parseTimeseriesMember(member string) float64 {
	parts := strings.SplitN(member, ":", 2)
	if len(parts) != 2 {
		v, _ := strconv.ParseFloat(member, 64)
		return v
	}
	v, _ := strconv.ParseFloat(parts[1], 64)
	return v
}

func (m *Migrator) fail(summary *Summary, key string, err error) {
	summary.PerKeyErrors[key] = err.Error()
	log.Printf("migrate: %s: %v", key, err)
}
