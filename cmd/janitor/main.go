// Command janitor prunes expired blocklist entries. Expired rows already
// stop matching the moment they lapse; the janitor keeps the table small so
// lookups stay on the partial index.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/erf/formgate/internal/blocklist"
	"github.com/erf/formgate/internal/config"
	"github.com/erf/formgate/internal/database"
)

func main() {
	interval := flag.Duration("interval", time.Hour, "time between cleanup passes")
	once := flag.Bool("once", false, "run a single pass and exit (cron mode)")
	flag.Parse()

	_ = godotenv.Load()

	logger := log.New(log.Writer(), "[JANITOR] ", log.LstdFlags)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		logger.Fatalf("DATABASE_URL is required")
	}

	store, err := database.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer store.Close()

	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	if err := store.InitSchema(initCtx); err != nil {
		cancelInit()
		logger.Fatalf("Failed to initialize schema: %v", err)
	}
	cancelInit()

	bl := blocklist.NewStore(store.DB())

	pass := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		removed, err := bl.CleanupExpired(ctx)
		if err != nil {
			logger.Printf("❌ Cleanup pass failed: %v", err)
			return
		}
		if removed > 0 {
			logger.Printf("🧹 Removed %d expired blocklist entries", removed)
		} else {
			logger.Println("Nothing to clean")
		}
	}

	if *once {
		pass()
		return
	}

	logger.Printf("🚀 Janitor running every %s", *interval)
	pass()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			pass()
		case <-sigChan:
			logger.Println("Received shutdown signal, exiting")
			return
		}
	}
}
