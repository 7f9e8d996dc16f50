// Command sync runs the Realtime Sync (spec.md §4.8) as a standalone,
// long-running process, separate from acquisition, continuously
// replicating the cache tier into the document tier.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"sensorhub/internal/cachestore"
	"sensorhub/internal/config"
	"sensorhub/internal/docstore"
	"sensorhub/internal/sync"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config/sensorhub.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Printf("sync: config error: %v", err)
		os.Exit(1)
	}

	cache := cachestore.NewRedisCommands(cfg.Cache.Addr())
	store, err := docstore.Open(cfg.DocumentStore.URI)
	if err != nil {
		log.Printf("sync: document store: %v", err)
		os.Exit(2)
	}
	defer store.Close()

	syncer := sync.New(cache, store)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Printf("sync: received %v, shutting down", s)
		cancel()
	}()

	go statusLoop(ctx, syncer)

	syncer.Run(ctx)
	log.Printf("sync: stopped")
}

func statusLoop(ctx context.Context, syncer *sync.Syncer) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := syncer.Statistics()
			log.Printf("sync: realtime=%s historical=%s timeseries=%s statistics=%s errors=%s",
				humanize.Comma(int64(stats.RealtimeSynced)),
				humanize.Comma(int64(stats.HistoricalSynced)),
				humanize.Comma(int64(stats.TimeseriesSynced)),
				humanize.Comma(int64(stats.StatisticsSynced)),
				humanize.Comma(int64(stats.Errors)),
			)
		}
	}
}
