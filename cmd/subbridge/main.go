package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"subbridge/internal/api"
	"subbridge/internal/config"
	"subbridge/internal/index"
	"subbridge/internal/keylock"
	"subbridge/internal/logging"
	"subbridge/internal/reconcile"
	"subbridge/internal/service"
	"subbridge/internal/session"
	"subbridge/internal/store"
	"subbridge/internal/sweeper"
	"subbridge/pkg/emby"
	"subbridge/pkg/panel"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "subbridge",
	Short:   "subbridge - subscription panel to media server account bridge",
	Long:    `subbridge keeps chat identities, billing panel accounts and media server accounts consistent: one email per identity, media access only while the plan allows it`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("subbridge %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup logs
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "subbridge",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Re-initialize logging with configuration-driven settings
	logging.Init(logging.Config{
		Format:     "auto",
		Level:      cfg.LogLevel,
		Component:  "subbridge",
		FilePath:   cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSize,
		MaxAgeDays: cfg.LogMaxAge,
	})
	defer logging.Shutdown()

	log.Info().Str("version", Version).Str("data_dir", cfg.DataDir).Msg("Starting subbridge")

	records, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("Failed to open record store")
	}
	defer closeStore(records)

	idx, err := index.New(cfg.DataDir, records)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize email index")
	}
	log.Info().Int("bindings", idx.Size()).Msg("Email index ready")

	embyClient, err := emby.NewClient(emby.ClientConfig{
		URL:    cfg.EmbyURL,
		APIKey: cfg.EmbyAPIKey,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create media server client")
	}

	dial := func(email, password string) (session.PanelClient, error) {
		return panel.NewClient(panel.ClientConfig{
			URL:      cfg.PanelURL,
			Email:    email,
			Password: password,
			Timeout:  cfg.PanelTimeout,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	locks := keylock.NewMap()
	cache := session.NewCache(records, locks, dial, cfg.CacheTTL)
	cache.StartJanitor(ctx, cfg.CacheSweepInterval)
	defer cache.StopJanitor()

	reconciler := reconcile.New(records, idx, cache, locks, embyClient)
	svc := service.New(records, idx, cache, reconciler, locks, dial, embyClient, cfg, cfg.EmbyServerURL)

	sweep := sweeper.New(records, cache, locks, dial, embyClient, cfg, cfg.EntitlementSweepInterval, cfg.EntitlementSweepDelay)
	sweep.Start(ctx)
	defer sweep.Stop()

	if cfg.MetricsAddr != "" {
		startMetricsServer(ctx, cfg.MetricsAddr)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(svc, Version),
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("API server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start API server")
		}
	}()

	watcher, err := config.NewWatcher(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher, .env changes will require restart")
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	reloadChan := make(chan os.Signal, 1)
	signal.Notify(reloadChan, syscall.SIGHUP)

	for {
		select {
		case <-reloadChan:
			log.Info().Msg("Received SIGHUP, reloading configuration...")
			if watcher != nil {
				watcher.Reload()
			}

		case <-sigChan:
			log.Info().Msg("Shutting down...")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("API server shutdown error")
			}
			shutdownCancel()

			cancel()
			// Deferred stops wait for the janitor and sweeper.
			log.Info().Msg("Server stopped")
			return
		}
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "sqlite":
		return store.NewSQLiteStore(cfg.DataDir)
	default:
		return store.NewFileStore(cfg.DataDir)
	}
}

func closeStore(s store.Store) {
	if closer, ok := s.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close record store cleanly")
		}
	}
}
