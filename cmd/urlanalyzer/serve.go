package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/commjoen/urlanalyzer/internal/api"
	"github.com/commjoen/urlanalyzer/internal/cache"
	"github.com/commjoen/urlanalyzer/internal/logger"
	"github.com/commjoen/urlanalyzer/internal/metrics"
	"github.com/commjoen/urlanalyzer/internal/store"
)

const drainTimeout = 2 * time.Minute

var autoMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP analysis service",
	Args:  cobra.NoArgs,
	RunE:  serve,
}

func init() {
	serveCmd.Flags().BoolVar(&autoMigrate, "migrate", false, "Apply pending database migrations before serving")
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Connect(ctx, cfg.Database.DSN())
	if err != nil {
		return err
	}
	defer db.Close()

	if autoMigrate {
		if err := store.MigrateUp(db.DB, log); err != nil {
			return err
		}
	}

	redisClient, err := cache.NewClient(ctx, cache.Config{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return err
	}
	defer redisClient.Close()
	completions := cache.NewRedis(redisClient, cfg.Redis.CompletionTTL, cfg.Redis.PendingTTL)

	m := metrics.New()
	eng, err := newEngine(ctx, cfg, store.NewPostgres(db), completions, m, log)
	if err != nil {
		return err
	}
	defer eng.Close()

	server := api.NewServer(api.Config{
		Address:      cfg.Server.Address,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Debug:        cfg.Log.Development,
	}, api.NewHandler(eng.analyzer, completions, log), m.Handler(), log.With(logger.String("component", "api")))

	serveErr := server.Run(ctx)

	log.Info("Waiting for running analyses to finish")
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := eng.analyzer.Shutdown(drainCtx); err != nil {
		log.Warn("Analyses cancelled before finishing", logger.Error(err))
	}

	return serveErr
}
