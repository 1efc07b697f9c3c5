// testserver starts a kiln server with a generated shell app for E2E testing.
// Workers run in-process, so no kiln-worker binary is needed.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/seantiz/kiln/internal/api"
	"github.com/seantiz/kiln/internal/app"
	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/engine/process"
	"github.com/seantiz/kiln/internal/events"
	"github.com/seantiz/kiln/internal/reload"
	"github.com/seantiz/kiln/internal/store"
)

const helloScript = `#!/bin/sh
echo "serving $KILN_PATH_INFO" >&2
echo "Content-Type: text/plain"
echo
echo "hello from $KILN_APP (pid $$)"
`

func main() {
	addr := ":8080"
	if v := os.Getenv("KILN_LISTEN_ADDR"); v != "" {
		addr = v
	}

	root, err := os.MkdirTemp("", "kiln-testserver-")
	if err != nil {
		log.Fatalf("create app root: %v", err)
	}
	defer os.RemoveAll(root)
	if err := os.WriteFile(filepath.Join(root, "hello.sh"), []byte(helloScript), 0o755); err != nil {
		log.Fatalf("write app: %v", err)
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	broker := events.NewBroker()
	recorder := events.NewRecorder(db, broker, logger)

	boundary := process.New(logger, process.WithLauncher(process.InProcessLauncher{Logger: logger}))
	registry := reload.NewRegistry(engine.NewRegistry(boundary), logger, reload.WithObserver(recorder.Observe))

	file := &config.File{
		Params: map[string]string{config.KeyAppRoot: root},
		Apps: []config.AppConfig{
			{Name: "hello", Mount: "/hello", Params: map[string]string{config.KeyEntrypoint: "hello.sh"}},
			{Name: "private", Mount: "/private", Params: map[string]string{
				config.KeyEntrypoint: "hello.sh",
				config.KeyExclusive:  "true",
			}},
		},
	}
	apps, err := app.NewSet(file, registry, logger)
	if err != nil {
		log.Fatalf("build apps: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := apps.Start(ctx); err != nil {
		log.Fatalf("start apps: %v", err)
	}
	defer registry.Close(context.Background())
	defer apps.Stop(context.Background())

	srv := api.NewServer(addr, db, registry, apps, broker, logger)

	logger.Info("testserver: starting", "addr", addr, "root", root)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
	}
}
