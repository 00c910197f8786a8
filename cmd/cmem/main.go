package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"contextmem/internal/config"
	"contextmem/internal/core"
	"contextmem/internal/logging"
)

var (
	// Global flags
	configPath string
	workspace  string
	thread     string
	verbose    bool

	cfg    config.Config
	logger *zap.Logger
	memory *core.Core
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "cmem",
	Short: "cmem - workspace-scoped context memory",
	Long: `cmem ingests chat transcripts, diffs, and logs into structured memory
items, ranks them against a stated purpose under a token budget, and emits
deterministic working sets for LLM context injection.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		memory, err = core.New(cfg, logger)
		if err != nil {
			return fmt.Errorf("initialize memory core: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logger != nil {
			_ = logger.Sync()
		}
		if memory != nil {
			return memory.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "default", "workspace identifier")
	rootCmd.PersistentFlags().StringVarP(&thread, "thread", "t", "default", "thread identifier")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(workingSetCmd)
	rootCmd.AddCommand(expandCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
