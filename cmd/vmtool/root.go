package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/config"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "vmtool",
	Short: "Inspect VM payload inputs and passthrough artifacts",
	Long: `vmtool works offline against the host artifacts the virtualization
manager consumes: the APEX catalog, DTBO overlay images, and payload
disk layouts.

Commands:
  apex       List the resolved APEX catalog
  payload    Compute a payload disk plan
  dtbo       Inspect or extract device tree overlay entries`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
}

// cliLogger logs to stderr, or discards everything unless --verbose.
func cliLogger() *slog.Logger {
	if verbose {
		return config.NewLogger(os.Stderr, slog.LevelDebug)
	}
	return config.NewLogger(io.Discard, slog.LevelInfo)
}
