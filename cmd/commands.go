package cmd

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
	"github.com/JakeFAU/site-summary-fanout/internal/trigger"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the component endpoints over HTTP",
		Long: `Starts the HTTP server exposing /v1/trigger, /v1/split, /v1/work,
/v1/launch and /v1/reap. With worker.embedded set, the process also consumes
work units from the queue.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Run(cmd.Context())
		},
	}
}

func newWorkCmd() *cobra.Command {
	var bucket, key string
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Process work units",
		Long: `Without flags, consumes work units from the queue until interrupted.
With --bucket and --key, processes that single chunk and exits.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if bucket != "" || key != "" {
				unit := fanout.WorkUnit{Bucket: bucket, Key: key}
				return printResult(cmd.OutOrStdout(), appInstance.Handlers().Work.Handle(cmd.Context(), unit))
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return appInstance.RunWorker(ctx)
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "bucket holding the chunk")
	cmd.Flags().StringVar(&key, "key", "", "chunk object key")
	return cmd
}

func newTriggerCmd() *cobra.Command {
	var n trigger.Notification
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Deliver a storage notification to the ingestion trigger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), appInstance.Handlers().Trigger.Handle(cmd.Context(), n))
		},
	}
	cmd.Flags().StringVar(&n.Bucket, "bucket", "", "bucket of the written object")
	cmd.Flags().StringVar(&n.Key, "key", "", "key of the written object")
	cmd.Flags().StringVar(&n.Generation, "generation", "", "object generation")
	cmd.Flags().StringVar(&n.EventType, "event-type", "", "notification event type")
	return cmd
}

func newSplitCmd() *cobra.Command {
	var req fanout.SplitRequest
	cmd := &cobra.Command{
		Use:   "split",
		Short: "Split an input list into chunks and enqueue them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), appInstance.Handlers().Split.Handle(cmd.Context(), req))
		},
	}
	cmd.Flags().StringVar(&req.Bucket, "bucket", "", "bucket holding the input list")
	cmd.Flags().StringVar(&req.Key, "key", "", "input list object key")
	return cmd
}

func newLaunchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "launch",
		Short: "Create the worker fleet sized to the chunk count",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), appInstance.Handlers().Launch.Handle(cmd.Context()))
		},
	}
}

func newReapCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Tear the fleet down once every chunk has a result",
		Long: `Compares chunk objects with result artifacts and deletes the fleet when
every chunk is processed. With --interval, polls until the run is done.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if interval < 0 {
				return errors.New("--interval must not be negative")
			}
			if interval == 0 {
				return printResult(cmd.OutOrStdout(), appInstance.Handlers().Reap.Handle(cmd.Context()))
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return printResult(cmd.OutOrStdout(), appInstance.WatchReaper(ctx, interval))
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval; zero checks once")
	return cmd
}

func newProvisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Create the Pub/Sub topics and work subscription",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.ProvisionPubSub(cmd.Context()); err != nil {
				return fmt.Errorf("provision: %w", err)
			}
			appInstance.Logger().Info("pubsub resources provisioned")
			return nil
		},
	}
}
