// Package orchestrator implements the Integrated Orchestrator (spec.md
// §4.9): it wires the Module Manager (C4), Cache Writer (C5), and
// Document Writer (C6) — and optionally the Realtime Sync (C8) — into
// one running system, sequencing startup backend-first and shutdown in
// reverse. Grounded on the teacher's cmd/collector/main.go +
// internal/collector.Manager.Run (config load, signal-driven
// cancellation, sequenced start/stop).
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dustin/go-humanize"

	"sensorhub/internal/acquisition"
	"sensorhub/internal/cachestore"
	"sensorhub/internal/config"
	"sensorhub/internal/docstore"
	"sensorhub/internal/sync"
)

// DefaultShutdownTimeout bounds orderly shutdown (spec.md §5).
const DefaultShutdownTimeout = 5 * time.Second

// DefaultStatusInterval is how often the status loop launched by Start
// logs a status summary
// (SPEC_FULL §6.3, generalizing print_sync_stats' 30s cadence to every
// component).
const DefaultStatusInterval = 30 * time.Second

// Orchestrator composes C4+C5+C6(+C8) from a loaded configuration.
type Orchestrator struct {
	cfg config.RootConfig

	Manager   *acquisition.Manager
	Cache     *cachestore.Writer
	Documents *docstore.Store
	DocWriter *docstore.Writer
	Sync      *sync.Syncer

	enableSync bool
}

// New builds an Orchestrator from a validated configuration. enableSync
// turns on the continuous C8 Realtime Sync replicator alongside direct
// acquisition (spec.md §2: C8 is optional in the integrated process).
func New(cfg config.RootConfig, enableSync bool) (*Orchestrator, error) {
	moduleConfigs, err := cfg.ModuleConfigs()
	if err != nil {
		return nil, err
	}

	store, err := docstore.Open(cfg.DocumentStore.URI)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: document store: %w", err)
	}

	cache := cachestore.NewRedisCommands(cfg.Cache.Addr())
	writer := cachestore.NewWriter(cache, cfg.SessionPrefix)
	docWriter := docstore.NewWriter(store)

	mgr := acquisition.New(acquisition.DefaultBufferCapacity)
	for _, mc := range moduleConfigs {
		if err := mgr.Add(mc); err != nil {
			store.Close()
			return nil, fmt.Errorf("orchestrator: %w", err)
		}
	}

	o := &Orchestrator{
		cfg:        cfg,
		Manager:    mgr,
		Cache:      writer,
		Documents:  store,
		DocWriter:  docWriter,
		enableSync: enableSync,
	}
	if enableSync {
		o.Sync = sync.New(cache, store)
	}
	return o, nil
}

// Start sequences backends first (cache/document connectivity implied
// by successful New), then C4 readers, then optionally C8
// (spec.md §4.9).
func (o *Orchestrator) Start(ctx context.Context) {
	log.Printf("orchestrator: starting, session=%s modules=%d", o.cfg.SessionPrefix, len(o.cfg.Modules))
	o.Manager.StartAll(ctx)
	go o.Cache.Run(ctx, o.Manager.Subscribe())
	go o.DocWriter.Run(ctx, o.Manager.SubscribeDocuments())
	if o.enableSync {
		go o.Sync.Run(ctx)
	}
	go o.statusLoop(ctx)
}

// Stop reverses Start: stop C4, let the cache writer drain and exit via
// ctx cancellation, then close the document store (spec.md §4.9).
func (o *Orchestrator) Stop() {
	log.Printf("orchestrator: stopping")
	o.Manager.StopAll()
	time.Sleep(2 * cachestore.DefaultBatchInterval)
	if err := o.Documents.Close(); err != nil {
		log.Printf("orchestrator: close document store: %v", err)
	}
}

func (o *Orchestrator) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(DefaultStatusInterval)
	defer ticker.Stop()
	started := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := o.Manager.Statistics()
			log.Printf("status: uptime=%s modules=%d buffer=%d/%d dropped=%s cache_errors=%s doc_buffer=%d/%d doc_dropped=%s doc_errors=%s",
				humanize.Time(started),
				len(stats.Modules),
				stats.BufferLen, stats.BufferCap,
				humanize.Comma(int64(stats.DroppedOldest)),
				humanize.Comma(int64(o.Cache.ErrorCount())),
				stats.DocBufferLen, stats.BufferCap,
				humanize.Comma(int64(stats.DocDroppedOldest)),
				humanize.Comma(int64(o.DocWriter.ErrorCount())),
			)
			for _, m := range stats.Modules {
				log.Printf("status: module=%s state=%s reads=%s errors=%s failures=%d",
					m.ModuleID, m.State, humanize.Comma(int64(m.TotalReads)), humanize.Comma(int64(m.TotalErrors)), m.ConsecutiveFailures)
			}
		}
	}
}
