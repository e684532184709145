package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arxiv/compiler/pkg/api"
	"github.com/arxiv/compiler/pkg/config"
	"github.com/arxiv/compiler/pkg/converter"
	"github.com/arxiv/compiler/pkg/dispatch"
	"github.com/arxiv/compiler/pkg/filemanager"
	"github.com/arxiv/compiler/pkg/health"
	"github.com/arxiv/compiler/pkg/log"
	"github.com/arxiv/compiler/pkg/store"
	"github.com/arxiv/compiler/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "compiler",
	Short: "Compiler - arXiv TeX compilation service",
	Long: `Compiler turns arXiv source packages into PDF, DVI and PostScript.

The API tier accepts compilation requests and answers state queries; the
worker tier consumes queued jobs, runs the TeX converter container, and
stores products in the object store. Both tiers are served by this binary.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Compiler version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to YAML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API tier",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := bootstrap(cmd.Context())
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		objects, err := store.New(ctx, cfg.Store)
		if err != nil {
			return fmt.Errorf("failed to create store gateway: %w", err)
		}
		if err := objects.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize store: %w", err)
		}

		queue := dispatch.NewQueue(cfg.RedisEndpoint)
		defer queue.Close()
		dispatcher := dispatch.New(queue, objects)
		files := filemanager.New(cfg.Filemanager)

		checks := health.NewService(
			health.NewCheck("store", objects.IsAvailable),
			health.NewCheck("filemanager", files.IsAvailable),
			health.NewCheck("compiler", func(ctx context.Context) bool {
				return dispatcher.IsAvailable(ctx, false)
			}),
		)
		if err := awaitServices(ctx, cfg, checks); err != nil {
			return err
		}

		server := api.NewServer(dispatcher, objects, files, checks,
			cfg.Filemanager.VerifyChecksum, cfg.JWTSecret)
		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(cfg.ListenAddr)
		}()

		select {
		case <-ctx.Done():
			log.Info("shutting down")
		case err := <-errCh:
			return err
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Stop(shutdownCtx)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the compilation worker tier",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		objects, err := store.New(ctx, cfg.Store)
		if err != nil {
			return fmt.Errorf("failed to create store gateway: %w", err)
		}

		convert, err := converter.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to create converter: %w", err)
		}
		defer convert.Close()

		queue := dispatch.NewQueue(cfg.RedisEndpoint)
		defer queue.Close()
		files := filemanager.New(cfg.Filemanager)

		checks := health.NewService(
			health.NewCheck("store", objects.IsAvailable),
			health.NewCheck("filemanager", files.IsAvailable),
			health.NewCheck("compiler", convert.IsAvailable),
			health.NewCheck("queue", func(ctx context.Context) bool {
				return queue.Ping(ctx) == nil
			}),
		)
		if err := awaitServices(ctx, cfg, checks); err != nil {
			return err
		}

		w := worker.New(queue, objects, files, convert, cfg)
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("worker exited: %w", err)
		}
		return nil
	},
}

// bootstrap loads configuration, initializes logging, and applies Vault
// secrets when enabled.
func bootstrap(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	level := log.Level(cfg.LogLevel)
	if cfg.Debug {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: cfg.LogJSON})

	if cfg.Vault.Enabled {
		if err := cfg.ApplySecrets(ctx); err != nil {
			return nil, fmt.Errorf("failed to apply secrets: %w", err)
		}
	}
	return cfg, nil
}

// awaitServices optionally blocks startup until all dependencies answer.
func awaitServices(ctx context.Context, cfg *config.Config, checks *health.Service) error {
	if cfg.WaitOnStartup > 0 {
		log.WithComponent("main").Info().Dur("delay", cfg.WaitOnStartup).Msg("delaying startup")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.WaitOnStartup):
		}
	}
	if !cfg.WaitForServices {
		return nil
	}
	return checks.Await(ctx, 5*time.Second)
}
