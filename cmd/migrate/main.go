// Command migrate runs the Bulk Migrator (spec.md §4.7): a one-shot
// copy of cache-tier contents into the document tier. Resumable —
// rerunning after a partial failure or a kill picks up from the last
// recorded sync_progress checkpoint.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"

	"sensorhub/internal/cachestore"
	"sensorhub/internal/config"
	"sensorhub/internal/docstore"
	"sensorhub/internal/migrate"
)

func main() {
	var cfgPath, sessions string
	flag.StringVar(&cfgPath, "config", "config/sensorhub.yaml", "path to YAML config")
	flag.StringVar(&sessions, "sessions", "", "comma-separated legacy session prefixes to migrate (default: discover all)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Printf("migrate: config error: %v", err)
		os.Exit(1)
	}

	cache := cachestore.NewRedisCommands(cfg.Cache.Addr())
	store, err := docstore.Open(cfg.DocumentStore.URI)
	if err != nil {
		log.Printf("migrate: document store: %v", err)
		os.Exit(2)
	}
	defer store.Close()

	var explicit []string
	if sessions != "" {
		explicit = strings.Split(sessions, ",")
	}

	m := migrate.New(cache, store)
	summary, err := m.Run(context.Background(), explicit)
	if err != nil {
		log.Printf("migrate: %v", err)
		os.Exit(3)
	}
	log.Printf("migrate: attempted=%d succeeded=%d failed=%d realtime=%d historical=%d timeseries=%d statistics=%d",
		summary.Attempted, summary.Succeeded, summary.Failed,
		summary.Realtime, summary.Historical, summary.Timeseries, summary.Statistics)
	for key, msg := range summary.PerKeyErrors {
		log.Printf("migrate: error on %s: %s", key, msg)
	}
}
