package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/seantiz/kiln/internal/api"
	"github.com/seantiz/kiln/internal/app"
	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/engine/process"
	"github.com/seantiz/kiln/internal/events"
	"github.com/seantiz/kiln/internal/reload"
	"github.com/seantiz/kiln/internal/store"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand() *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the admin API and serve every configured application",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), config.Load(v))
		},
	}

	f := cmd.Flags()
	f.String("config", "", "application config file (.toml, .yaml)")
	f.String("listen", "", "listen address (default :8080)")
	f.String("db", "", "event database path (default kiln.db)")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.Bool("watch", false, "watch restart markers instead of waiting for requests")
	f.Duration("event-retention", 0, "prune events older than this at startup (0 keeps all)")

	for key, flag := range map[string]string{
		config.KeyConfigPath:     "config",
		config.KeyListenAddr:     "listen",
		config.KeyDBPath:         "db",
		config.KeyLogLevel:       "log-level",
		config.KeyWatch:          "watch",
		config.KeyEventRetention: "event-retention",
	} {
		_ = v.BindPFlag(key, f.Lookup(flag))
	}
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("kiln: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"config", cfg.ConfigPath,
	)

	file := &config.File{}
	if cfg.ConfigPath != "" {
		f, err := config.LoadFile(cfg.ConfigPath)
		if err != nil {
			return err
		}
		file = f
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if cfg.EventRetention > 0 {
		n, err := db.PruneEvents(ctx, time.Now().Add(-cfg.EventRetention))
		if err != nil {
			return fmt.Errorf("prune events: %w", err)
		}
		logger.Info("pruned events", "count", n, "retention", cfg.EventRetention)
	}

	broker := events.NewBroker()
	recorder := events.NewRecorder(db, broker, logger)

	engines := engine.NewRegistry(process.New(logger))
	registry := reload.NewRegistry(engines, logger, reload.WithObserver(recorder.Observe))

	apps, err := app.NewSet(file, registry, logger)
	if err != nil {
		return err
	}
	if err := apps.Start(ctx); err != nil {
		registry.Close(context.Background())
		return err
	}

	if cfg.Watch {
		w, err := watchMarkers(apps, logger)
		if err != nil {
			stopAll(apps, registry, logger)
			return err
		}
		defer w.Stop()
	}

	srv := api.NewServer(cfg.ListenAddr, db, registry, apps, broker, logger)
	runErr := srv.Run(ctx)

	stopAll(apps, registry, logger)
	logger.Info("kiln: stopped")
	return runErr
}

// watchMarkers registers every app's marker with a file watcher.
func watchMarkers(apps *app.Set, logger *slog.Logger) (*reload.Watcher, error) {
	w, err := reload.NewWatcher(logger)
	if err != nil {
		return nil, err
	}
	for _, a := range apps.Apps() {
		f := a.Wrapper().Factory()
		if f == nil {
			continue
		}
		if err := w.Add(f.MarkerPath(), a.Wrapper()); err != nil {
			return nil, errors.Join(err, w.Stop())
		}
	}
	w.Start()
	return w, nil
}

func stopAll(apps *app.Set, registry *reload.Registry, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := apps.Stop(ctx); err != nil {
		logger.Warn("stop apps", "error", err)
	}
	registry.Close(ctx)
}
