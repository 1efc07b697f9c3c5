// Command kiln-worker is the process behind one process-engine instance.
// kiln starts it in the application root and talks to it over a unix socket;
// it is not meant to be run by hand.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/worker"
)

func main() {
	var (
		socket   string
		workDir  string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:           "kiln-worker",
		Short:         "Serve kiln process-engine requests on a unix socket",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), socket, workDir, logLevel)
		},
	}
	cmd.Flags().StringVar(&socket, "socket", "", "unix socket to listen on")
	cmd.Flags().StringVar(&workDir, "work-dir", "", "directory for handler snapshots")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	_ = cmd.MarkFlagRequired("socket")
	_ = cmd.MarkFlagRequired("work-dir")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "kiln-worker:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, socket, workDir, logLevel string) error {
	logger := config.NewLogger(os.Stderr, config.ParseLogLevel(logLevel)).With("pid", os.Getpid())

	root, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve application root: %w", err)
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	l, err := net.Listen("unix", socket)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socket, err)
	}

	agent := worker.New(l, worker.Options{
		Root:    root,
		WorkDir: workDir,
		Env:     os.Environ(),
		Logger:  logger,
	})

	go func() {
		<-ctx.Done()
		agent.Shutdown()
	}()

	logger.Info("kiln-worker: listening", "socket", socket, "root", root)
	if err := agent.Serve(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("kiln-worker: stopped")
	return nil
}
