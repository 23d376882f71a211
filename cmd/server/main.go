package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"envsync/api"
	"envsync/pkg/config"
	"envsync/pkg/connect"
	"envsync/pkg/core"
	"envsync/pkg/logger"
	"envsync/pkg/manifest"
	"envsync/pkg/scheduler"
	"envsync/pkg/state"
)

const (
	runRetention    = 30 * 24 * time.Hour
	cleanupInterval = 24 * time.Hour
	shutdownTimeout = 30 * time.Second
)

func main() {
	command := newRootCommand()
	if err := command.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	envFiles []string
	manifest string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	command := &cobra.Command{
		Use:          "envsync",
		Short:        "Replicate a production environment into a development environment",
		SilenceUsage: true,
	}
	command.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files to load before reading the environment")
	command.PersistentFlags().StringVar(&opts.manifest, "manifest", "", "manifest file (overrides SYNC_MANIFEST)")

	command.AddCommand(newServeCommand(opts), newRunCommand(opts))
	return command
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP trigger and the optional schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(opts)
		},
	}
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one sync and print the report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd, opts)
		},
	}
}

type app struct {
	cfg     *config.Config
	log     *zap.Logger
	state   state.StateManager
	service *core.Service
}

func setup(ctx context.Context, opts *rootOptions) (*app, error) {
	dotEnvErr := config.LoadDotEnv(opts.envFiles...)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.manifest != "" {
		cfg.ManifestPath = opts.manifest
	}

	log, err := logger.New(cfg.DebugMode, cfg.EnableJSONLogging)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	if dotEnvErr != nil {
		log.Warn("failed to load dotenv file", zap.Error(dotEnvErr))
	}

	m, err := manifest.Load(cfg.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	if cfg.Schema != "" && cfg.ManifestPath == "" {
		m.Schema = cfg.Schema
	}

	var sm state.StateManager
	if cfg.StateDBConnectionString != "" {
		sm, err = state.NewDBStateManager(ctx, cfg.StateDBConnectionString, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database state manager: %w", err)
		}
		log.Info("run history stored in database")
	} else {
		sm = state.NewMemoryStateManager()
		log.Info("run history kept in memory")
	}

	svc := core.NewService(connect.NewResolver(cfg, log), m, sm, core.Options{
		BatchSize:        cfg.BatchSize,
		ProvisionWorkers: cfg.ProvisionWorkers,
		StorageWorkers:   cfg.StorageWorkers,
	}, log)

	return &app{cfg: cfg, log: log, state: sm, service: svc}, nil
}

func serve(opts *rootOptions) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer a.log.Sync()
	defer a.state.Close()

	if err := a.service.RecoverInterrupted(ctx); err != nil {
		a.log.Warn("failed to recover interrupted runs", zap.Error(err))
	}
	go cleanupOldRuns(ctx, a.state, a.log)

	sched := scheduler.NewScheduler(a.service, a.log)
	if a.cfg.Schedule != "" {
		if err := sched.Update(a.cfg.Schedule, true); err != nil {
			return fmt.Errorf("invalid SYNC_SCHEDULE: %w", err)
		}
	}
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	if !a.cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.SetupRouter(api.NewHandlers(a.service, a.state, sched, a.log))

	srv := &http.Server{
		Addr:    ":" + a.cfg.Port,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("starting sync server", zap.String("port", a.cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runOnce(cmd *cobra.Command, opts *rootOptions) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer a.log.Sync()
	defer a.state.Close()

	rep, runErr := a.service.Run(ctx, "cli")
	if rep != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
	}
	return runErr
}

func cleanupOldRuns(ctx context.Context, sm state.StateManager, log *zap.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sm.CleanupOldRuns(ctx, runRetention); err != nil {
				log.Warn("failed to clean up old runs", zap.Error(err))
			}
		}
	}
}
