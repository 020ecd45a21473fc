// Command stratad is the project history engine daemon.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"strata/api"
	"strata/config"
	"strata/gitsync"
	"strata/project"
)

var version = "0.1.0"

var (
	flagListen  string
	flagDataDir string
	flagConfig  string
)

var rootCmd = &cobra.Command{
	Use:   "stratad",
	Short: "Project history engine daemon",
	Long: `stratad serves per-project checkpoint history and git synchronization
for a hosted development environment: snapshots of each project's file
tree, restore, and a bridged external git repository with push and pull.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the daemon version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "address to listen on (default :7460)")
	serveCmd.Flags().StringVar(&flagDataDir, "data", "", "data directory (default ./data)")
	serveCmd.Flags().StringVar(&flagConfig, "config", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Precedence: flags over config file over environment.
	cfg := config.FromEnv()
	cfg.Version = version
	if flagConfig != "" {
		if err := cfg.LoadFile(flagConfig); err != nil {
			return err
		}
	}
	if flagListen != "" {
		cfg.Listen = flagListen
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Printf("stratad starting...")
	log.Printf("  listen:        %s", cfg.Listen)
	log.Printf("  data:          %s", cfg.DataDir)
	log.Printf("  sync workers:  %d", cfg.SyncWorkers)
	log.Printf("  sync timeout:  %s", cfg.SyncTimeout)
	log.Printf("  max open:      %d", cfg.MaxOpenProjects)
	log.Printf("  idle ttl:      %s", cfg.ProjectIdleTTL)
	log.Printf("  auth:          %v", cfg.AuthSecret != "")
	log.Printf("  version:       %s", cfg.Version)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	registry := project.NewRegistry(cfg)
	defer registry.Close()

	coordinator := gitsync.NewCoordinator(cfg.SyncWorkers, cfg.SyncTimeout)
	defer coordinator.Close()

	handler := api.WithDefaults(api.NewRouter(registry, coordinator, cfg), cfg)
	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * cfg.SyncTimeout,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Println("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		close(done)
	}()

	log.Printf("stratad listening on %s", cfg.Listen)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}

	<-done
	log.Println("stratad stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
