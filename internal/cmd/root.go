// Package cmd implements the livecache command line: the server, a seeder
// and small tools for poking at a live store.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zfogg/livecache/internal/config"
	"github.com/zfogg/livecache/internal/logger"
)

var (
	verbose    bool
	configPath string
	outputFmt  string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "livecache",
	Short: "livecache - realtime subscription and aggregation cache",
	Long: `livecache keeps derived views of a live key-value tree up to date as
the tree changes, and applies read-modify-write updates to it with
compare-and-swap retries. It ships a group practice forum built on both.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		level := cfg.Log.Level
		if verbose {
			level = "debug"
		}
		if err := logger.Initialize(level, cfg.Log.File); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if outputFmt != "text" && outputFmt != "json" {
			return fmt.Errorf("--output must be text or json, got %q", outputFmt)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Close()
	},
}

// Execute runs the root command
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		printError("%v", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a TOML, YAML or JSON config file")
	rootCmd.PersistentFlags().StringVar(&outputFmt, "output", "text", "Output format: text, json")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(incrCmd)
	rootCmd.AddCommand(upvoteCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(leaderboardCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}
