// Package main provides the HuginDB CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/hugindb/pkg/config"
	"github.com/orneryd/hugindb/pkg/hugindb"
	"github.com/orneryd/hugindb/pkg/server"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hugindb",
		Short: "HuginDB - Distributed live full-text search over key-value maps",
		Long: `HuginDB is a distributed in-memory database of named key-value maps
with BM25 full-text search, live search subscriptions, and live
predicate-query subscriptions over WebSocket.

Features:
  • BM25-ranked full-text search with field boosts and pagination
  • Live subscriptions with ENTER/UPDATE/LEAVE deltas
  • Predicate queries over record fields with live UPDATE/REMOVE deltas
  • Cluster-wide scatter-gather search with reciprocal-rank fusion
  • Index snapshots persisted to BadgerDB`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("HuginDB v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a HuginDB node",
		Long:  "Start a HuginDB node serving the WebSocket API, health and metrics endpoints",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "Path to YAML config file")
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	serveCmd.Flags().Int("http-port", 0, "HTTP port (overrides config)")
	serveCmd.Flags().String("log-level", "", "Log level (overrides config)")
	rootCmd.AddCommand(serveCmd)

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a HuginDB data directory",
		RunE:  runInit,
	}
	initCmd.Flags().String("data-dir", "./data", "Data directory")
	rootCmd.AddCommand(initCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Flags beat the config file and environment.
	if cmd.Flags().Changed("data-dir") {
		cfg.Storage.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("http-port") {
		cfg.Server.HTTPPort, _ = cmd.Flags().GetInt("http-port")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level, _ = cmd.Flags().GetString("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	fmt.Printf("🚀 Starting HuginDB v%s\n", version)
	if cfg.Storage.InMemory {
		fmt.Println("   Storage:   in-memory")
	} else {
		fmt.Printf("   Data dir:  %s\n", cfg.Storage.DataDir)
	}
	fmt.Printf("   HTTP:      %s:%d\n", cfg.Node.BindAddr, cfg.Server.HTTPPort)
	fmt.Println()

	if !cfg.Storage.InMemory {
		if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Println("📂 Opening database...")
	db, err := hugindb.Open("", cfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	serverConfig := server.DefaultConfig()
	serverConfig.Addr = fmt.Sprintf("%s:%d", cfg.Node.BindAddr, cfg.Server.HTTPPort)
	serverConfig.ReadTimeout = cfg.Server.ReadTimeout.Std()
	serverConfig.WriteTimeout = cfg.Server.WriteTimeout.Std()

	httpServer, err := server.New(db, serverConfig, db.Logger())
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	fmt.Println("✅ HuginDB is ready!")
	fmt.Println()
	fmt.Println("Endpoints:")
	fmt.Printf("  • WebSocket:  ws://localhost:%d/ws\n", cfg.Server.HTTPPort)
	fmt.Printf("  • Health:     http://localhost:%d/healthz\n", cfg.Server.HTTPPort)
	fmt.Printf("  • Metrics:    http://localhost:%d/metrics\n", cfg.Server.HTTPPort)
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\n🛑 Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Stop(ctx); err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}

	fmt.Println("✅ Server stopped gracefully")
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")

	fmt.Printf("📂 Initializing HuginDB data directory in %s\n", dataDir)

	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "index"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	configPath := filepath.Join(dataDir, "hugindb.yaml")
	configContent := `# HuginDB configuration
node:
  bind_addr: 0.0.0.0

storage:
  data_dir: ./data

server:
  http_port: 8080
  read_timeout: 30s
  write_timeout: 30s

search:
  default_limit: 10
  batch_flush: 16ms

tokenizer:
  lowercase: true
  min_length: 2
  max_length: 40
  stemmer: porter

bm25:
  k1: 1.2
  b: 0.75

logging:
  level: info
  format: json

flags:
  suppress_noop_updates: false
  snapshot_on_close: false
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Println("✅ Data directory initialized")
	fmt.Printf("   Config: %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  1. Start the node:  hugindb serve --config %s\n", configPath)
	fmt.Printf("  2. Connect:         ws://localhost:8080/ws\n")

	return nil
}
