package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"codegraph/internal/runtime"
)

var version = "0.3.0"

var (
	// Global flags
	configPath string
	verbose    bool

	// Process-level logger; category file logs are a separate layer.
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "codegraphd",
	Short: "codegraph enrichment consumer",
	Long: `codegraphd consumes file enrichment events from the bus, generates
intelligence for each file, and writes the results into the vector and
knowledge-graph stores.

Identity is deterministic: re-ingesting identical content converges to
the same nodes, edges, and vector points. Invalid events are skipped,
counted, and quarantined; they are never retried.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("codegraphd %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default <data_dir>/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// Exit codes: 0 clean shutdown, 1 configuration or startup failure,
// 2 unrecoverable bus failure, 3 shutdown drain timeout.
func main() {
	if err := rootCmd.Execute(); err != nil {
		switch {
		case errors.Is(err, runtime.ErrBusUnrecoverable):
			os.Exit(2)
		case errors.Is(err, runtime.ErrDrainTimeout):
			os.Exit(3)
		default:
			os.Exit(1)
		}
	}
}
