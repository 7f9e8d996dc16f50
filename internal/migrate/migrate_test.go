package migrate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"sensorhub/internal/cachestore"
	"sensorhub/internal/docstore"
)

func newTestStore(t *testing.T) *docstore.Store {
	t.Helper()
	s, err := docstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedTimeseries(cache *cachestore.FakeCommands, key string, n int) {
	ctx := context.Background()
	for i := 0; i < n; i++ {
		member := fmt.Sprintf("%d:%d.0", i, i)
		cache.ZAdd(ctx, key, member, float64(i))
	}
}

func TestMigrationIsResumable(t *testing.T) {
	ctx := context.Background()
	cache := cachestore.NewFakeCommands()
	store := newTestStore(t)

	sensorID := "temperature_m1_00"
	key := "sensor:temperature:" + sensorID + ":timeseries"
	seedTimeseries(cache, key, 1000)
	cache.HSet(ctx, "sensor:temperature:"+sensorID+":realtime", map[string]string{
		"value": "1.0", "raw": "10", "unit": "°C", "timestamp": time.Now().Format(time.RFC3339Nano),
	})

	// Simulate a prior run that got through 600 entries (scores 0..599)
	// before being killed: their documents and the checkpoint exist, the
	// remaining 400 members have not been ingested.
	for i := 0; i < 600; i++ {
		if err := store.UpsertTimeseries(docstore.TimeseriesRecord{
			SensorType:    "temperature",
			SensorID:      sensorID,
			Member:        fmt.Sprintf("%d:%d.0", i, i),
			Score:         float64(i),
			TimestampUnix: int64(i),
			Value:         float64(i),
		}); err != nil {
			t.Fatalf("seed prior documents: %v", err)
		}
	}
	if err := store.SetProgress("timeseries:", sensorID, 599, 600); err != nil {
		t.Fatalf("seed progress: %v", err)
	}

	m := New(cache, store)
	m.pageSize = 100
	if _, err := m.Run(ctx, []string{}); err != nil {
		t.Fatalf("run: %v", err)
	}

	var count int64
	store.DB.Model(&docstore.TimeseriesRecord{}).Where("sensor_id = ?", sensorID).Count(&count)
	if count != 1000 {
		t.Fatalf("expected 1000 timeseries documents after resume, got %d", count)
	}

	var dupes int64
	store.DB.Raw(`SELECT COUNT(*) FROM (
		SELECT session_prefix, sensor_id, member, COUNT(*) c
		FROM timeseries_records GROUP BY session_prefix, sensor_id, member HAVING c > 1
	)`).Scan(&dupes)
	if dupes != 0 {
		t.Fatalf("expected no duplicate (session_prefix, sensor_id, member) rows, found %d groups", dupes)
	}
}

func TestMigrationRerunIsNoOp(t *testing.T) {
	ctx := context.Background()
	cache := cachestore.NewFakeCommands()
	store := newTestStore(t)

	sensorID := "temperature_m1_00"
	key := "sensor:temperature:" + sensorID + ":timeseries"
	seedTimeseries(cache, key, 50)
	cache.HSet(ctx, "sensor:temperature:"+sensorID+":realtime", map[string]string{
		"value": "1.0", "raw": "10", "unit": "°C", "timestamp": time.Now().Format(time.RFC3339Nano),
	})

	m := New(cache, store)
	if _, err := m.Run(ctx, []string{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	var firstCount int64
	store.DB.Model(&docstore.TimeseriesRecord{}).Count(&firstCount)

	summary, err := m.Run(ctx, []string{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if summary.Timeseries != 0 {
		t.Fatalf("expected zero new timeseries inserts on replay, got %d", summary.Timeseries)
	}

	var secondCount int64
	store.DB.Model(&docstore.TimeseriesRecord{}).Count(&secondCount)
	if firstCount != secondCount {
		t.Fatalf("row count changed on replay: %d -> %d", firstCount, secondCount)
	}
}

func TestDiscoverSessionsFindsLegacyPrefixes(t *testing.T) {
	ctx := context.Background()
	cache := cachestore.NewFakeCommands()
	cache.HSet(ctx, "20260101_120000:temperature:realtime", map[string]string{"channel_00": "1.0"})
	cache.HSet(ctx, "20260102_080000:temperature:realtime", map[string]string{"channel_00": "2.0"})
	cache.HSet(ctx, "sensor:temperature:temperature_m1_00:realtime", map[string]string{"value": "1.0"})

	m := New(cache, newTestStore(t))
	sessions, err := m.DiscoverSessions(ctx)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 legacy sessions, got %v", sessions)
	}
}
