package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"knowledge_spider/internal/app"
	"knowledge_spider/internal/config"
	"knowledge_spider/internal/logging"
)

const defaultConfigPath = "config.yaml"

var (
	configPath string
	verbose    bool

	cfg    *config.SpiderConfig
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "kbspider",
	Short: "Crawl documentation sites into searchable knowledge bases",
	Long: `kbspider crawls documentation sites into knowledge bases, indexes
their pages for semantic search, and fits retrieved context into a
model's token budget.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			if _, err := os.Stat(defaultConfigPath); err == nil {
				path = defaultConfigPath
			}
		}

		var err error
		cfg, err = config.LoadConfig(path)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		logger, err = logging.New(cfg.Logging)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./config.yaml when present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	kbCmd.AddCommand(kbCreateCmd, kbListCmd, kbAddSourceCmd, kbStatsCmd)
	rootCmd.AddCommand(kbCmd, crawlCmd, indexCmd, searchCmd, contextCmd, condenseCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withRuntime runs fn against an App wired from the loaded config. The
// context is cancelled on SIGINT or SIGTERM.
func withRuntime(fn func(ctx context.Context, rt *app.Runtime) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	err = fn(ctx, rt)
	if errors.Is(err, context.Canceled) {
		logger.Warn("interrupted")
	}
	return err
}
