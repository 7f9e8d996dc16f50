// Document Writer (spec.md §4.6): batches incoming readings and issues
// bulk upserts into the four document collections, independent of the
// cache tier. Grounded on cachestore.Writer's batch-then-apply loop,
// adapted to this store's GORM upserts and per-field statistics rows.
package docstore

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sensorhub/internal/model"
)

// DefaultBatchSize and DefaultBatchInterval match spec.md §4.6:
// "accumulate up to 500 samples or 1s, whichever first."
const (
	DefaultBatchSize     = 500
	DefaultBatchInterval = 1 * time.Second
)

// sessionTypeStats is the in-memory rolling aggregate for one
// (session_prefix, sensor_type) pair, folded from every reading in the
// current session (spec.md §4.6: "compute min/max/avg across the
// current session's readings held in memory (rolling window by
// channel)").
type sessionTypeStats struct {
	min, max, sum float64
	count         int64
	channelMin    map[int]float64
	channelMax    map[int]float64
	lastUpdate    time.Time
}

// Writer subscribes directly to the acquisition stream (independent of
// the cache tier) and bulk-upserts readings into the realtime,
// historical, timeseries, and statistics collections.
type Writer struct {
	store *Store

	batchSize     int
	batchInterval time.Duration

	mu        sync.Mutex
	stats     map[string]*sessionTypeStats
	seriesSeq map[string]uint64

	errCount uint64
}

// NewWriter builds a Document Writer over store with spec.md §4.6's
// default batching.
func NewWriter(store *Store) *Writer {
	return &Writer{
		store:         store,
		batchSize:     DefaultBatchSize,
		batchInterval: DefaultBatchInterval,
		stats:         make(map[string]*sessionTypeStats),
		seriesSeq:     make(map[string]uint64),
	}
}

// Run consumes readings from in until ctx is canceled, batching up to
// batchSize samples or batchInterval, whichever comes first, before
// issuing their upserts.
func (w *Writer) Run(ctx context.Context, in <-chan model.SensorReading) {
	ticker := time.NewTicker(w.batchInterval)
	defer ticker.Stop()

	batch := make([]model.SensorReading, 0, w.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		touched := make(map[string]bool)
		for _, r := range batch {
			if err := w.apply(r); err != nil {
				atomic.AddUint64(&w.errCount, 1)
				log.Printf("docstore: write %s: %v", r.SensorID, err)
				continue
			}
			touched[statsKey(r.SessionPrefix, r.SensorType)] = true
		}
		w.flushStatistics(touched)
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

// apply upserts one reading into the realtime, historical, and
// timeseries collections and folds it into its session+type's rolling
// statistics.
func (w *Writer) apply(r model.SensorReading) error {
	if err := w.store.UpsertRealtime(RealtimeRecord{
		SessionPrefix: r.SessionPrefix,
		SensorType:    r.SensorType.String(),
		SensorID:      r.SensorID,
		ModuleID:      r.ModuleID,
		Channel:       r.Channel,
		Raw:           r.Raw,
		Value:         r.Value,
		Unit:          r.Unit,
		Timestamp:     r.Timestamp,
	}); err != nil {
		return fmt.Errorf("realtime: %w", err)
	}
	if err := w.store.UpsertHistorical(HistoricalRecord{
		SessionPrefix: r.SessionPrefix,
		SensorType:    r.SensorType.String(),
		SensorID:      r.SensorID,
		Timestamp:     r.Timestamp,
		Value:         r.Value,
	}); err != nil {
		return fmt.Errorf("historical: %w", err)
	}

	score := float64(r.Timestamp.UnixNano()) / 1e9
	member := fmt.Sprintf("%d:%s", w.nextSeriesSeq(r.SensorID), formatFloat(r.Value))
	if err := w.store.UpsertTimeseries(TimeseriesRecord{
		SessionPrefix: r.SessionPrefix,
		SensorType:    r.SensorType.String(),
		SensorID:      r.SensorID,
		Channel:       r.Channel,
		Member:        member,
		Score:         score,
		TimestampUnix: int64(score),
		Value:         r.Value,
	}); err != nil {
		return fmt.Errorf("timeseries: %w", err)
	}

	w.foldStatistics(r)
	return nil
}

func (w *Writer) nextSeriesSeq(sensorID string) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seriesSeq[sensorID]++
	return w.seriesSeq[sensorID]
}

func statsKey(sessionPrefix string, t model.SensorType) string {
	return sessionPrefix + ":" + t.String()
}

func splitStatsKey(key string) (sessionPrefix, sensorType string) {
	idx := strings.LastIndex(key, ":")
	if idx < 0 {
		return key, ""
	}
	return key[:idx], key[idx+1:]
}

// foldStatistics updates the rolling min/max/avg/channel_min/channel_max
// aggregate for r's (session_prefix, sensor_type).
func (w *Writer) foldStatistics(r model.SensorReading) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := statsKey(r.SessionPrefix, r.SensorType)
	st, ok := w.stats[key]
	if !ok {
		st = &sessionTypeStats{
			min:        r.Value,
			max:        r.Value,
			channelMin: make(map[int]float64),
			channelMax: make(map[int]float64),
		}
		w.stats[key] = st
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
}

// flushStatistics upserts one StatisticsRecord per aggregate field for
// every (session_prefix, sensor_type) touched by the batch just applied
// (spec.md §4.6: "statistics document is upserted per session per
// batch").
func (w *Writer) flushStatistics(touched map[string]bool) {
	w.mu.Lock()
	snapshot := make(map[string]sessionTypeStats, len(touched))
	for key := range touched {
		if st, ok := w.stats[key]; ok {
			snapshot[key] = *st
		}
	}
	w.mu.Unlock()

	for key, st := range snapshot {
		sessionPrefix, sensorType := splitStatsKey(key)
		avg := 0.0
		if st.count > 0 {
			avg = st.sum / float64(st.count)
		}
		fields := map[string]string{
			"min":         formatFloat(st.min),
			"max":         formatFloat(st.max),
			"avg":         formatFloat(avg),
			"last_update": st.lastUpdate.Format(time.RFC3339Nano),
		}
		for ch, v := range st.channelMin {
			fields[fmt.Sprintf("channel_min_%02d", ch)] = formatFloat(v)
		}
		for ch, v := range st.channelMax {
			fields[fmt.Sprintf("channel_max_%02d", ch)] = formatFloat(v)
		}
		for field, value := range fields {
			if err := w.store.UpsertStatistics(StatisticsRecord{
				SessionPrefix: sessionPrefix,
				SensorType:    sensorType,
				Field:         field,
				Value:         value,
			}); err != nil {
				atomic.AddUint64(&w.errCount, 1)
				log.Printf("docstore: statistics upsert %s: %v", key, err)
			}
		}
	}
}

// ErrorCount reports how many writes have failed without blocking or
// dropping the input channel (spec.md §7).
func (w *Writer) ErrorCount() uint64 {
	return atomic.LoadUint64(&w.errCount)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
