// Package main implements the unified keel binary.
// This binary runs the event engine API and the retention daemon together
// or individually based on the --mode flag.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/keeldb/keel/internal/app"
	"github.com/keeldb/keel/internal/config"
	"github.com/keeldb/keel/internal/transitions"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		mode        string
		httpAddr    string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&mode, "mode", "all", "Service mode: all, api, retention")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP address for the API service")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Keel - Event-Sourced Entity State Engine\n\n")
		fmt.Fprintf(os.Stderr, "Usage: keel [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  keel --data-dir /data/keel\n")
		fmt.Fprintf(os.Stderr, "  keel --mode api --data-dir /data/keel\n")
		fmt.Fprintf(os.Stderr, "  keel --config /etc/keel/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  KEEL_MODE              Service mode (all, api, retention)\n")
		fmt.Fprintf(os.Stderr, "  KEEL_DATA_DIR          Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  KEEL_HTTP_ADDR         HTTP address for the API service\n")
		fmt.Fprintf(os.Stderr, "  KEEL_SNAPSHOT_CADENCE  Per-entity events between snapshots\n")
		fmt.Fprintf(os.Stderr, "  KEEL_STORAGE_TYPE      Snapshot archive storage (local, s3)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("keel version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, mode, httpAddr)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	printBanner(cfg)

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	if err := transitions.RegisterDefaults(application.Transitions()); err != nil {
		log.Fatalf("Failed to register transitions: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("Received signal: %v", sig)

	if err := application.Stop(context.Background()); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, mode, httpAddr string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	// Command line flags take highest priority.
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}

	return cfg, nil
}

// printBanner prints the startup banner with configuration summary.
func printBanner(cfg *config.Config) {
	log.Printf("╔═══════════════════════════════════════════════════════════╗")
	log.Printf("║                        KEEL                               ║")
	log.Printf("║          Event-Sourced Entity State Engine                ║")
	log.Printf("╚═══════════════════════════════════════════════════════════╝")
	log.Printf("")
	log.Printf("Configuration:")
	log.Printf("  Mode:     %s", cfg.Mode)
	log.Printf("  Data Dir: %s", cfg.DataDir)
	log.Printf("  Database: %s", cfg.DatabasePath())
	log.Printf("")

	if cfg.ShouldRunAPI() {
		log.Printf("API Service:")
		log.Printf("  HTTP: %s", cfg.HTTP.Addr)
		log.Printf("  Projection Workers: %d", cfg.Projection.Workers)
		log.Printf("  Snapshot Cadence: %d", cfg.Snapshot.Cadence)
		if cfg.Snapshot.ArchiveEnabled {
			log.Printf("  Snapshot Archive: %s", cfg.Storage.Type)
		}
	}

	if cfg.ShouldRunRetention() {
		log.Printf("Retention Service:")
		log.Printf("  Check Interval: %v", cfg.Retention.CheckInterval)
		log.Printf("  Min Retained Events: %d", cfg.Retention.MinRetainEvents)
	}

	log.Printf("")
}
