package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/e7canasta/maskflow"
	"github.com/e7canasta/maskflow/internal/config"
	"github.com/e7canasta/maskflow/internal/emitter"
	"github.com/e7canasta/maskflow/internal/events"
	"github.com/e7canasta/maskflow/internal/health"
	"github.com/e7canasta/maskflow/internal/logging"
	"github.com/e7canasta/maskflow/internal/preview"
)

const shutdownTimeout = 5 * time.Second

// run flags
var (
	previewDirFlag    string
	statsIntervalFlag time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the capture → inference → render pipeline",
	RunE:  runPipeline,
}

func init() {
	runCmd.Flags().StringVar(&previewDirFlag, "preview-dir", "", "Write composited previews to this directory (overrides renderer.preview_dir)")
	runCmd.Flags().DurationVar(&statsIntervalFlag, "stats-interval", 0, "Print pipeline statistics at this interval (0 = disabled)")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		// A missing default config means "all defaults"; an explicit one must exist.
		if errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	if previewDirFlag != "" {
		cfg.Renderer.PreviewDir = previewDirFlag
	}

	if _, err := logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}

	slog.Info("starting maskflow",
		"config", configFlag,
		"capture", cfg.Capture.Source,
		"model", cfg.ComputerVision.ModelAssetPath,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	pipeline, err := maskflow.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	status, err := pipeline.SubscribeLatest("console")
	if err != nil {
		return err
	}
	go printStatus(status)

	if cfg.MQTT.Broker != "" {
		startEmitter(ctx, cfg.MQTT, pipeline)
	}

	var renderer maskflow.Renderer
	if cfg.Renderer.PreviewDir != "" {
		r, err := preview.New(preview.Config{
			Dir:   cfg.Renderer.PreviewDir,
			Every: cfg.Renderer.PreviewEvery,
		})
		if err != nil {
			pipeline.Stop()
			return err
		}
		renderer = r
		slog.Info("preview enabled", "dir", cfg.Renderer.PreviewDir, "every", cfg.Renderer.PreviewEvery)
	}

	if err := pipeline.Start(ctx); err != nil {
		pipeline.Stop()
		// Capture errors carry the user-facing message.
		return err
	}

	if cfg.Health.Addr != "" {
		srv := health.Start(cfg.Health.Addr, pipeline)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if statsIntervalFlag > 0 {
		go reportStats(ctx, statsIntervalFlag, pipeline, renderer)
	}

	// Run render loop in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- pipeline.Run(ctx, renderer)
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil {
			slog.Error("render loop error", "error", err)
		}
	}

	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	stopped := make(chan error, 1)
	go func() { stopped <- pipeline.Stop() }()

	select {
	case err := <-stopped:
		if err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
	case <-time.After(shutdownTimeout):
		return fmt.Errorf("shutdown timed out after %s", shutdownTimeout)
	}

	slog.Info("maskflow stopped successfully")
	return nil
}

// printStatus shows the user-facing status line. Only the newest status
// matters, so it reads a drop-old subscription.
func printStatus(status *events.Latest) {
	for {
		e, ok := status.Receive()
		if !ok {
			return
		}
		switch e.Kind {
		case events.KindAIReady, events.KindAIUnavailable, events.KindCapture:
			fmt.Fprintf(os.Stderr, "» %s\n", e.Message)
		}
	}
}

// startEmitter forwards the status stream to MQTT. A broker that cannot
// be reached is logged and otherwise ignored.
func startEmitter(ctx context.Context, cfg config.MQTTConfig, pipeline *maskflow.Pipeline) {
	em := emitter.NewMQTTEmitter(cfg, pipeline.SessionID())
	if err := em.Connect(ctx); err != nil {
		slog.Warn("mqtt emitter disabled", "broker", cfg.Broker, "error", err)
		return
	}

	ch := make(chan events.Event, 64)
	if err := pipeline.Subscribe("mqtt", ch); err != nil {
		slog.Warn("mqtt emitter disabled", "error", err)
		em.Disconnect()
		return
	}

	go func() {
		defer em.Disconnect()
		em.Run(ctx, ch)
	}()
}
