package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"recworker/internal/app"
	"recworker/internal/config"
)

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "recworker",
		Short:         "Recurring job worker for the recommendation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (yaml or json)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the scheduler, executor and listeners until SIGINT/SIGTERM",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, _ []string) error { return runWorker(cmd.Context(), cfgPath) },
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check the config file and job handlers, then exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.NewConfigManager(cfgPath).Parse()
				if err != nil {
					return err
				}
				if err := app.CheckHandlers(cfg); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d jobs\n", len(cfg.Jobs))
				return nil
			},
		},
		&cobra.Command{
			Use:   "jobs",
			Short: "List configured jobs and their next fire times",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.NewConfigManager(cfgPath).Load()
				if err != nil {
					return err
				}
				return printJobs(cmd.OutOrStdout(), cfg, time.Now())
			},
		},
		&cobra.Command{
			Use:   "handlers",
			Short: "List built-in job handlers",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				for _, h := range app.Handlers() {
					fmt.Fprintln(cmd.OutOrStdout(), h)
				}
			},
		},
	)
	return root
}

func runWorker(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	// Stop enforces its own per-step bounds.
	stopErr := a.Stop(context.Background(), reason)
	if reason == app.StopFatalError {
		return errors.Join(a.Err(), stopErr)
	}
	return stopErr
}

func printJobs(w io.Writer, cfg *config.Config, now time.Time) error {
	descs, err := cfg.Descriptors()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tHANDLER\tTRIGGER\tNEXT\tOVERLAP")
	for _, d := range descs {
		next := "-"
		if t := d.Trigger.Next(now); !t.IsZero() {
			next = t.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\n", d.Name, d.Handler, d.Trigger.String(), next, d.AllowOverlap)
	}
	return tw.Flush()
}
