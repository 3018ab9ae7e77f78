package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/e7canasta/maskflow/internal/logging"
	"github.com/e7canasta/maskflow/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Serve the inference protocol on stdin/stdout",
	Hidden: true,
	RunE:   runWorker,
}

// runWorker is the child side of process mode. stdout carries protocol
// frames only; every log line goes to stderr, where the parent maps it to
// its own log levels.
func runWorker(cmd *cobra.Command, args []string) error {
	level := logLevelFlag
	if level == "" {
		level = "info"
	}
	if _, err := logging.Setup(os.Stderr, level, "logfmt"); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := worker.Serve(ctx, os.Stdin, os.Stdout, nil)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
		slog.Error("worker stopped", "error", err)
		return err
	}
	return nil
}
