// Command maskflow runs the segmentation pipeline, or (with the worker
// subcommand) serves the inference protocol on stdin/stdout for a parent
// pipeline running in process mode.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/maskflow.yaml"

// Global flags
var (
	configFlag   string
	logLevelFlag string
)

// rootCmd is the main Cobra command for the maskflow CLI.
var rootCmd = &cobra.Command{
	Use:   "maskflow",
	Short: "Live video segmentation with an isolated inference worker",
	Long: `maskflow captures live video, runs person segmentation in an isolated
worker and publishes a confidence mask the renderer reads every frame.

If the worker cannot start (or dies) the pipeline keeps running in manual
visual mode with the default mask.

Examples:
  maskflow run --config configs/maskflow.yaml
  maskflow run --preview-dir ./preview --stats-interval 5s
  maskflow worker   # protocol on stdin/stdout, started by "run" in process mode`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", defaultConfigPath, "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Override log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
