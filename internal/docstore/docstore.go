// Package docstore implements the Document Writer (C6) and the ledger
// tables C7/C8 rely on: GORM models over a pure-Go SQLite database,
// generalizing the teacher's internal/db/orm.go (openORM, upsertServer/
// upsertDevice via db.Save, migrateORM) from two device/server tables to
// the realtime/historical/timeseries/statistics collection family plus
// the sync_status/sync_progress ledgers from realtime_redis_to_mongodb_
// sync.py.
package docstore

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// RealtimeRecord is the "one document per sensor, last value wins"
// collection. Natural key: (SessionPrefix, SensorID) — spec.md §3's "at
// most one document per (session_prefix, data_type, natural_key)"
// invariant, specialized to sensor granularity rather than the
// channels-map-per-type document shape sketched in spec.md §6, which
// this store's per-sensor rows are equivalent to once joined by
// (SessionPrefix, SensorType).
type RealtimeRecord struct {
	ID            uint   `gorm:"primarykey"`
	SessionPrefix string `gorm:"uniqueIndex:idx_realtime_natural"`
	SensorType    string `gorm:"index"`
	SensorID      string `gorm:"uniqueIndex:idx_realtime_natural"`
	ModuleID      string
	Channel       int
	Raw           uint16
	Value         float64
	Unit          string
	Timestamp     time.Time
	SyncedAt      time.Time
}

// HistoricalRecord is one append-only sample. Natural key:
// (SessionPrefix, SensorID, Timestamp), matching the cache tier's
// history list entries.
type HistoricalRecord struct {
	ID            uint      `gorm:"primarykey"`
	SessionPrefix string    `gorm:"uniqueIndex:idx_historical_natural"`
	SensorType    string    `gorm:"index"`
	SensorID      string    `gorm:"uniqueIndex:idx_historical_natural"`
	Timestamp     time.Time `gorm:"uniqueIndex:idx_historical_natural"`
	Value         float64
	SyncedAt      time.Time
}

// TimeseriesRecord mirrors one cache-tier sorted-set member. Natural
// key: (SessionPrefix, SensorID, Member), where Member carries the
// monotonic dedup suffix cachestore assigns.
type TimeseriesRecord struct {
	ID            uint   `gorm:"primarykey"`
	SessionPrefix string `gorm:"uniqueIndex:idx_timeseries_natural"`
	SensorType    string `gorm:"index"`
	SensorID      string `gorm:"uniqueIndex:idx_timeseries_natural"`
	Channel       int
	Member        string `gorm:"uniqueIndex:idx_timeseries_natural"`
	Score         float64
	TimestampUnix int64 `gorm:"index"`
	Value         float64
	SyncedAt      time.Time
}

// StatisticsRecord is one field of a sensor type's statistics hash.
// Natural key: (SessionPrefix, SensorType, Field).
type StatisticsRecord struct {
	ID            uint   `gorm:"primarykey"`
	SessionPrefix string `gorm:"uniqueIndex:idx_statistics_natural"`
	SensorType    string `gorm:"uniqueIndex:idx_statistics_natural"`
	Field         string `gorm:"uniqueIndex:idx_statistics_natural"`
	Value         string
	SyncedAt      time.Time
}

// SyncStatus is the dedup ledger C7/C8 consult before writing a document
// a second time, grounded on realtime_redis_to_mongodb_sync.py's
// is_already_synced/record_sync.
type SyncStatus struct {
	ID         uint   `gorm:"primarykey"`
	Category   string `gorm:"uniqueIndex:idx_sync_status_natural"`
	NaturalKey string `gorm:"uniqueIndex:idx_sync_status_natural"`
	SyncedAt   time.Time
}

// SyncProgress is the checkpoint ledger C7/C8 use to resume, grounded on
// the same module's get_last_synced_score/update_last_synced_score and
// get_synced_count/update_sync_count.
type SyncProgress struct {
	ID        uint   `gorm:"primarykey"`
	Category  string `gorm:"uniqueIndex:idx_sync_progress_natural"`
	SensorID  string `gorm:"uniqueIndex:idx_sync_progress_natural"`
	LastScore float64
	Count     int64
	UpdatedAt time.Time
}

// Store wraps a GORM database handle and exposes upsert/ledger
// operations over it.
type Store struct {
	DB *gorm.DB
}

// Open opens (creating if necessary) a SQLite-backed document store at
// path and migrates every collection, mirroring the teacher's
// openORM/migrateORM pair.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("docstore: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(
		&RealtimeRecord{}, &HistoricalRecord{}, &TimeseriesRecord{}, &StatisticsRecord{},
		&SyncStatus{}, &SyncProgress{},
	); err != nil {
		return nil, fmt.Errorf("docstore: migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertRealtime inserts or, on the (SessionPrefix, SensorID) natural
// key, overwrites a realtime document — last-writer-wins by the
// SyncedAt this call stamps.
func (s *Store) UpsertRealtime(r RealtimeRecord) error {
	r.SyncedAt = time.Now()
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_prefix"}, {Name: "sensor_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"module_id", "channel", "raw", "value", "unit", "timestamp", "synced_at"}),
	}).Create(&r).Error
}

// UpsertHistorical inserts a historical sample, no-op on replay of the
// same (SessionPrefix, SensorID, Timestamp) natural key.
func (s *Store) UpsertHistorical(r HistoricalRecord) error {
	r.SyncedAt = time.Now()
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_prefix"}, {Name: "sensor_id"}, {Name: "timestamp"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "synced_at"}),
	}).Create(&r).Error
}

// UpsertTimeseries inserts a timeseries sample, idempotent on replay of
// the same (SessionPrefix, SensorID, Member) natural key.
func (s *Store) UpsertTimeseries(r TimeseriesRecord) error {
	r.SyncedAt = time.Now()
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_prefix"}, {Name: "sensor_id"}, {Name: "member"}},
		DoUpdates: clause.AssignmentColumns([]string{"score", "channel", "timestamp_unix", "value", "synced_at"}),
	}).Create(&r).Error
}

// UpsertStatistics inserts or overwrites one statistics field.
func (s *Store) UpsertStatistics(r StatisticsRecord) error {
	r.SyncedAt = time.Now()
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_prefix"}, {Name: "sensor_type"}, {Name: "field"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "synced_at"}),
	}).Create(&r).Error
}

// IsSynced reports whether naturalKey has already been recorded as
// synced under category.
func (s *Store) IsSynced(category, naturalKey string) (bool, error) {
	var count int64
	err := s.DB.Model(&SyncStatus{}).
		Where("category = ? AND natural_key = ?", category, naturalKey).
		Count(&count).Error
	return count > 0, err
}

// RecordSynced marks naturalKey as synced under category, idempotently.
func (s *Store) RecordSynced(category, naturalKey string) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "category"}, {Name: "natural_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"synced_at"}),
	}).Create(&SyncStatus{Category: category, NaturalKey: naturalKey, SyncedAt: time.Now()}).Error
}

// Progress returns the checkpoint for (category, sensorID), or a zero
// value if none has been recorded yet.
func (s *Store) Progress(category, sensorID string) (SyncProgress, error) {
	var p SyncProgress
	err := s.DB.Where("category = ? AND sensor_id = ?", category, sensorID).First(&p).Error
	if err == gorm.ErrRecordNotFound {
		return SyncProgress{Category: category, SensorID: sensorID}, nil
	}
	return p, err
}

// SetProgress persists a new checkpoint for (category, sensorID).
func (s *Store) SetProgress(category, sensorID string, lastScore float64, count int64) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "category"}, {Name: "sensor_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_score", "count", "updated_at"}),
	}).Create(&SyncProgress{
		Category:  category,
		SensorID:  sensorID,
		LastScore: lastScore,
		Count:     count,
		UpdatedAt: time.Now(),
	}).Error
}
