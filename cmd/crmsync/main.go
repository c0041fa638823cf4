package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"crmsync/internal/app"
	"crmsync/internal/config"
	"crmsync/internal/logging"
	"crmsync/internal/metrics"
	"crmsync/internal/pubsub"
	"crmsync/internal/reconcile"
	"crmsync/internal/search"
	"crmsync/internal/store"
	"crmsync/internal/workspace"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFile string
	var cfg config.Config

	root := &cobra.Command{
		Use:           "crmsync",
		Short:         "CRM dashboard backend with optimistic, push-reconciled collections",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnvFile(envFile); err != nil {
				return fmt.Errorf("load env file: %w", err)
			}
			cfg = config.Load()
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")

	var addr string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.Addr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides API_ADDR)")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(cfg)
			defer func() { _ = log.Sync() }()
			db, err := store.Open(cmd.Context(), cfg.DatabaseDriver, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.ApplyMigrations(cmd.Context(), db, cfg.MigrationsDir); err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
			log.Info("migrations applied", zap.String("dir", cfg.MigrationsDir))
			return nil
		},
	}

	root.AddCommand(serveCmd, migrateCmd)
	return root
}

func newLogger(cfg config.Config) *zap.Logger {
	return logging.New(logging.Config{Env: cfg.LogEnv, Level: cfg.LogLevel, ServiceName: "crmsync"})
}

func serve(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := newLogger(cfg)
	defer func() { _ = log.Sync() }()

	m := metrics.New()
	if err := m.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	db, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	records := store.NewRecordStore(db, cfg.DatabaseDriver)

	checks := map[string]app.Check{}
	var transport interface {
		pubsub.Publisher
		reconcile.Transport
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisBroker, err := pubsub.NewRedis(cfg.RedisURL, log)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisBroker.Close()
		checks["redis"] = redisBroker.Ping
		transport = redisBroker
		log.Info("using redis for change notifications")
	} else {
		transport = pubsub.NewMemory()
		log.Info("using in-process change notifications")
	}
	records.Observe(pubsub.StoreObserver(transport, log))

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
	}
	searchService := search.NewService(meiliClient, search.NewDBSearch(records), log)
	defer searchService.Close()
	records.Observe(searchService.Observe)
	if meiliClient != nil {
		go searchService.ReindexAll(ctx, records)
	}

	hub := workspace.NewHub(workspace.Deps{
		Records:   records,
		Transport: transport,
		Manager: reconcile.ManagerConfig{
			PollInterval: cfg.PollInterval,
			ReconnectMin: cfg.ReconnectMin,
			ReconnectMax: cfg.ReconnectMax,
		},
		Logger:  log,
		Metrics: m,
	}, cfg.WorkspaceIdle)
	defer hub.Close()

	httpServer := app.NewHTTPServer(app.Options{
		Records:    records,
		Hub:        hub,
		Search:     searchService,
		CORSOrigin: cfg.CORSOrigin,
		Checks:     checks,
		Logger:     log,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: watch connections stay open.
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("crmsync listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown error", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}
