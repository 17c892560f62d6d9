package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hochfrequenz/backlog-orch/internal/config"
	"github.com/hochfrequenz/backlog-orch/internal/logging"
)

var (
	configPath   string
	manifestPath string
	verbose      bool

	cfg    *config.Config
	logger *zap.Logger

	rootCmd = &cobra.Command{
		Use:   "backlog-orch",
		Short: "Backlog orchestrator - runs a task backlog through coding agents",
		Long: `backlog-orch drains a dependency-ordered backlog through a bounded pool of
agent sessions. Every task runs in its own worktree with a verified, compressed
context, passes the verification gate before it is merged, and is retried,
rewritten or abandoned when it fails.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = config.DefaultConfigPath()
			}
			var err error
			cfg, err = config.Load(path)
			if err != nil {
				return err
			}
			if manifestPath != "" {
				cfg.General.Manifest = manifestPath
			}

			logCfg := cfg.Log
			// The dashboard owns the terminal
			if tui, _ := cmd.Flags().GetBool("tui"); tui && logCfg.File == "" {
				logCfg.File = filepath.Join(cfg.General.StateDir, "backlog-orch.log")
			}
			logger, err = logging.New(logCfg, verbose)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&manifestPath, "manifest", "m", "", "backlog manifest (overrides general.manifest)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
