// Package cmd defines and implements the CLI commands for the fanout executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-summary-fanout/internal/api"
	"github.com/JakeFAU/site-summary-fanout/internal/config"
	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
	"github.com/JakeFAU/site-summary-fanout/internal/server"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Close() error
	Logger() *zap.Logger
	Handlers() api.Handlers
	Run(ctx context.Context) error
	RunWorker(ctx context.Context) error
	ProvisionPubSub(ctx context.Context) error
	WatchReaper(ctx context.Context, interval time.Duration) fanout.Result
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, path string) (App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return server.Build(ctx, &cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fanout",
		Short: "Fan a list of websites out to a worker fleet and summarize each homepage.",
		Long: `fanout splits an uploaded list of website URLs into chunks, queues one
work unit per chunk, scales a worker fleet to scrape and summarize every
homepage, and tears the fleet down once every chunk has a result artifact.`,
		SilenceUsage: true,

		// Build the application once flags are parsed and store it for subcommands.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				_ = appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env FANOUT_* overrides apply)")

	cmd.AddCommand(
		newServeCmd(),
		newWorkCmd(),
		newTriggerCmd(),
		newSplitCmd(),
		newLaunchCmd(),
		newReapCmd(),
		newProvisionCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		logger, _ := zap.NewProduction()
		logger.Fatal("Command execution failed", zap.Error(err))
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// printResult writes res as JSON and fails the command on a server-side error.
func printResult(w io.Writer, res fanout.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	if res.StatusCode >= 500 {
		return fmt.Errorf("component failed with status %d", res.StatusCode)
	}
	return nil
}
