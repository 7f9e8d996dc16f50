package sync

import (
	"context"
	"encoding/json"
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

func TestSyncDedupRunningTwiceWritesNothingNew(t *testing.T) {
	ctx := context.Background()
	cache := cachestore.NewFakeCommands()
	store := newTestStore(t)

	sensorID := "temperature_m1_00"
	cache.HSet(ctx, "sensor:temperature:"+sensorID+":realtime", map[string]string{
		"value": "25.0", "raw": "250", "unit": "°C", "timestamp": time.Now().Format(time.RFC3339Nano),
	})
	cache.LPush(ctx, "sensor:temperature:"+sensorID+":history", entryAt(0))
	cache.ZAdd(ctx, "sensor:temperature:"+sensorID+":timeseries", "1:25.0", 100)
	cache.HSet(ctx, "sensor:temperature:statistics", map[string]string{
		"min": "25.0", "max": "25.0", "avg": "25.0", "last_update": time.Now().Format(time.RFC3339Nano),
	})

	s := New(cache, store)

	s.cycleRealtime(ctx)
	s.cycleHistorical(ctx)
	s.cycleTimeseries(ctx)
	s.cycleStatistics(ctx)

	first := s.Statistics()
	if first.RealtimeSynced == 0 || first.HistoricalSynced == 0 || first.TimeseriesSynced == 0 || first.StatisticsSynced == 0 {
		t.Fatalf("expected the first pass to sync every category, got %+v", first)
	}

	// Second back-to-back pass with no cache changes must write zero new
	// documents (spec.md §8: "Sync at-most-once").
	s.cycleRealtime(ctx)
	s.cycleHistorical(ctx)
	s.cycleTimeseries(ctx)
	s.cycleStatistics(ctx)

	second := s.Statistics()
	if second.RealtimeSynced != first.RealtimeSynced {
		t.Fatalf("realtime resynced on replay: %d -> %d", first.RealtimeSynced, second.RealtimeSynced)
	}
	if second.HistoricalSynced != first.HistoricalSynced {
		t.Fatalf("historical resynced on replay: %d -> %d", first.HistoricalSynced, second.HistoricalSynced)
	}
	if second.TimeseriesSynced != first.TimeseriesSynced {
		t.Fatalf("timeseries resynced on replay: %d -> %d", first.TimeseriesSynced, second.TimeseriesSynced)
	}
	if second.StatisticsSynced != first.StatisticsSynced {
		t.Fatalf("statistics resynced on replay: %d -> %d", first.StatisticsSynced, second.StatisticsSynced)
	}
}

func TestSyncHistoricalResumesAfterTrim(t *testing.T) {
	ctx := context.Background()
	cache := cachestore.NewFakeCommands()
	store := newTestStore(t)

	sensorID := "temperature_m1_00"
	key := "sensor:temperature:" + sensorID + ":history"
	for i := 0; i < 5; i++ {
		cache.LPush(ctx, key, entryAt(i))
	}

	s := New(cache, store)
	s.cycleHistorical(ctx)
	if got := s.Statistics().HistoricalSynced; got != 5 {
		t.Fatalf("expected 5 synced entries, got %d", got)
	}

	// Simulate the list being trimmed to its max bound: length drops
	// below the recorded checkpoint, forcing reconciliation.
	cache.LTrim(ctx, key, 0, 1)
	cache.LPush(ctx, key, entryAt(5))

	s.cycleHistorical(ctx)

	var count int64
	store.DB.Model(&docstore.HistoricalRecord{}).Where("sensor_id = ?", sensorID).Count(&count)
	if count != 6 {
		t.Fatalf("expected 6 distinct historical documents after trim-reconciliation, got %d", count)
	}
}

func entryAt(i int) string {
	entry := struct {
		Timestamp time.Time `json:"timestamp"`
		Value     float64   `json:"value"`
	}{
		Timestamp: time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
		Value:     float64(i),
	}
	b, _ := json.Marshal(entry)
	return string(b)
}
