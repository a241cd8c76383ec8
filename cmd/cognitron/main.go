// cognitron is the local cognitive runtime CLI: an interactive
// conversational loop over a layered memory, a code-aware retrieval
// pipeline and a self-correcting governance layer.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cognitron/internal/logging"
)

var (
	verbose    bool
	workspace  string
	configPath string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "cognitron",
	Short: "cognitron - local multi-agent cognitive runtime",
	Long: `cognitron is a local, multi-agent conversational runtime: retrieval over a
layered memory (chronological log, consolidated summaries, vector store,
full-text index, code graph, web), a large local model for generation, a
small local model for classification and judging, and a governance layer
that mines rules from its own failures.`,
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

		ws := workspace
		if ws == "" {
			ws, _ = os.Getwd()
		}
		if abs, err := filepath.Abs(ws); err == nil {
			ws = abs
		}
		workspace = ws
		if err := logging.Initialize(ws); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to initialize file logging: %v\n", err)
		}
		if err := logging.InitAudit(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to initialize audit logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAudit()
		logging.CloseAll()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the configuration YAML (default: <workspace>/cognitron.yaml)")

	rootCmd.AddCommand(serveCmd, consolidateCmd, reindexCmd, mcpServeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
