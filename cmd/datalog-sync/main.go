package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yuya-takeyama/datalog-sync/internal/scheduler"
	"github.com/yuya-takeyama/datalog-sync/internal/state"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
	builtBy = "unknown"
)

type rootOptions struct {
	configFile   string
	cardRoot     string
	endpoint     string
	endpointType string
	region       string
	excludes     []string
	interval     time.Duration
	busyFile     string
	quiet        bool
	debug        bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts rootOptions

	rootCmd := &cobra.Command{
		Use:   "datalog-sync",
		Short: "Incrementally upload CPAP DATALOG folders from a shared card",
		Long: `datalog-sync uploads new and changed files from the appliance's storage card
to a remote endpoint, one DATALOG folder at a time, and only while the
appliance is not using the card.`,
		Version:      fmt.Sprintf("%s (commit: %s, built at: %s by %s)", version, commit, date, builtBy),
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "/etc/datalog-sync/config.json", "Path to the config file (JSON or YAML)")
	flags.StringVar(&opts.cardRoot, "card-root", "", "Mount point of the card (overrides card_root)")
	flags.StringVar(&opts.endpoint, "endpoint", "", "Remote endpoint (overrides ENDPOINT)")
	flags.StringVar(&opts.endpointType, "endpoint-type", "", "Endpoint type: s3, gcs, minio, dir, smb (overrides ENDPOINT_TYPE)")
	flags.StringVar(&opts.region, "region", "", "Endpoint region (overrides ENDPOINT_REGION)")
	flags.StringSliceVar(&opts.excludes, "exclude", nil, "Exclude patterns (multiple allowed)")
	flags.DurationVar(&opts.interval, "interval", 0, "Wait between passes (overrides interval and SCHEDULE)")
	flags.StringVar(&opts.busyFile, "busy-file", "", "Treat the card as in use by the appliance while this file exists")
	flags.BoolVar(&opts.quiet, "quiet", false, "Suppress non-error output")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		newRunCmd(&opts),
		newOnceCmd(&opts),
		newStatusCmd(&opts),
		newResetCmd(&opts),
	)
	return rootCmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sync on an interval until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			return a.scheduler().Run(ctx)
		},
	}
}

func newOnceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single pass if the card is free",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}

			report, err := a.scheduler().RunOnce(ctx)
			if err != nil {
				return err
			}
			if !report.Ran {
				return errors.New("card is in use by the appliance")
			}
			a.log.PrintSummary(report.Result.Summary())
			if !report.Result.Clean() {
				return fmt.Errorf("pass incomplete: %w", report.Result.Err)
			}
			return nil
		},
	}
}

// StatusOutput is what the status command prints
type StatusOutput struct {
	StateFile  string          `json:"state_file"`
	LoadStatus string          `json:"load_status"`
	State      json.RawMessage `json:"state"`
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the upload state stored on the card",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newLocalApp(opts)
			if err != nil {
				return err
			}
			release, err := a.acquire(ctx)
			if err != nil {
				return err
			}
			defer release()

			status := a.store.Load()
			snapshot, err := json.Marshal(a.store.Snapshot())
			if err != nil {
				return fmt.Errorf("failed to marshal state: %w", err)
			}

			data, err := json.MarshalIndent(StatusOutput{
				StateFile:  a.store.Path(),
				LoadStatus: status.String(),
				State:      snapshot,
			}, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal JSON: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newResetCmd(opts *rootOptions) *cobra.Command {
	var (
		keepRetry bool
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget completed folders so they are checked again",
		Long: `reset clears the completed-folder list on the card. Files whose content
has not changed are still skipped by checksum on the next pass.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newLocalApp(opts)
			if err != nil {
				return err
			}
			release, err := a.acquire(ctx)
			if err != nil {
				return err
			}
			defer release()

			switch a.store.Load() {
			case state.LoadUnreadable:
				return fmt.Errorf("cannot read upload state, not resetting: %w", a.store.LoadError())
			case state.LoadCorrupt:
				if !force {
					return errors.New("upload state is corrupt, resetting would drop it; use --force to overwrite")
				}
			}
			n := len(a.store.CompletedFolders())
			a.store.ResetCompletedFolders()
			if !keepRetry {
				a.store.ClearCurrentRetry()
			}
			if err := a.store.Save(); err != nil {
				return err
			}
			a.log.Info("Cleared %d completed folders", n)
			return nil
		},
	}

	cmd.Flags().BoolVar(&keepRetry, "keep-retry", false, "Keep the current retry folder and count")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite a corrupt upload state")
	return cmd
}

func (a *app) scheduler() *scheduler.Scheduler {
	return scheduler.New(a.gate, a.syncer,
		scheduler.WithLogger(a.log),
		scheduler.WithInterval(a.interval),
		scheduler.WithWarnThreshold(a.cfg.RetryWarnThreshold),
	)
}
