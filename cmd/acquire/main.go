// Command acquire runs the Integrated Orchestrator (spec.md §4.9): it
// loads a configuration, starts the acquisition + cache + document
// pipeline (optionally the continuous realtime sync alongside it), and
// runs until signaled. Grounded on the teacher's cmd/collector/main.go.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sensorhub/internal/config"
	"sensorhub/internal/orchestrator"
)

func main() {
	var cfgPath string
	var withSync bool
	flag.StringVar(&cfgPath, "config", "config/sensorhub.yaml", "path to YAML config")
	flag.BoolVar(&withSync, "with-sync", false, "also run the continuous realtime sync worker pool")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Printf("acquire: config error: %v", err)
		os.Exit(1)
	}
	if _, err := cfg.ModuleConfigs(); err != nil {
		log.Printf("acquire: config error: %v", err)
		os.Exit(1)
	}

	orch, err := orchestrator.New(cfg, withSync)
	if err != nil {
		log.Printf("acquire: startup error: %v", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Printf("acquire: received %v, shutting down", s)
		cancel()
	}()

	orch.Start(ctx)
	<-ctx.Done()

	stopped := make(chan struct{})
	go func() {
		orch.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(orchestrator.DefaultShutdownTimeout):
		log.Printf("acquire: shutdown timeout exceeded")
		os.Exit(3)
	}
}
