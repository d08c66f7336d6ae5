package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/HeliosInteractive/swag-sync/internal/config"
	"github.com/HeliosInteractive/swag-sync/internal/engine"
	"github.com/HeliosInteractive/swag-sync/internal/logging"
	"github.com/HeliosInteractive/swag-sync/internal/probe"
	"github.com/HeliosInteractive/swag-sync/internal/remote"
	"github.com/HeliosInteractive/swag-sync/internal/store"
)

// version is set at build time via ldflags.
var version = "dev"

// Working-directory state files.
const (
	ledgerFileName = "swag-sync.db"
	pidFileName    = "swag-sync.pid"
)

// newRootCmd builds the root command. swag-sync is a single-command
// daemon: all behavior hangs off the flag surface.
func newRootCmd() *cobra.Command {
	opts := config.Default()

	cmd := &cobra.Command{
		Use:   "swag-sync",
		Short: "Keep local bucket directories uploaded to S3",
		Long: "swag-sync watches a root directory whose immediate subdirectories name\n" +
			"S3 buckets, and uploads every file beneath them to the matching bucket\n" +
			"under its relative key. Delivery is eventual: failures are recorded in\n" +
			"a local ledger and retried until --fail_limit attempts have failed.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), &opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.Root, "root", "r", "",
		"watched root; immediate subdirectories are bucket names")
	f.UintVarP(&opts.SweepInterval, "interval", "i", config.DefaultSweepInterval,
		"seconds between synchronize passes; 0 disables")
	f.UintVarP(&opts.SweepCount, "count", "c", config.DefaultSweepCount,
		"failed files re-enqueued per pass; 0 disables")
	f.UintVarP(&opts.BucketMax, "bucket_max", "b", config.DefaultBucketMax,
		"concurrent uploads per bucket")
	f.UintVarP(&opts.UploadTimeout, "timeout", "t", config.DefaultUploadTimeout,
		"seconds before one upload attempt is abandoned")
	f.UintVarP(&opts.FailLimit, "fail_limit", "f", config.DefaultFailLimit,
		"failed attempts before a file stops being retried")
	f.UintVarP(&opts.PingInterval, "ping_interval", "p", config.DefaultPingInterval,
		"seconds between reachability probes; 0 treats the network as up")
	f.UintVarP(&opts.VerifyTimeout, "aws_check_timeout", "a", config.DefaultVerifyTimeout,
		"milliseconds allowed for the post-upload existence check; 0 disables")
	f.UintVarP(&opts.CleanInterval, "database_cleanup_interval", "d", config.DefaultCleanInterval,
		"seconds between ledger maintenance passes; 0 disables")
	f.BoolVarP(&opts.SweepOnce, "sweep", "s", false,
		"sweep every bucket once, ignoring the ledger, then exit")
	f.StringVarP(&opts.Verbosity, "verbosity", "v", config.DefaultVerbosity,
		"log floor: critical, error, warn or info")

	// Usage on --help, exit code 1.
	cmd.SetHelpFunc(func(c *cobra.Command, _ []string) {
		_ = c.Usage()
		os.Exit(1)
	})

	return cmd
}

// run wires the daemon together: logger, probe, object store, ledger,
// engine, and the shutdown signal context.
func run(ctx context.Context, opts *config.Options) error {
	level, err := logging.ParseLevel(opts.Verbosity)
	if err != nil {
		return err
	}

	logger := logging.New(os.Stderr, level)

	if err := opts.Validate(); err != nil {
		return err
	}

	if err := config.CheckCredentials(); err != nil {
		return err
	}

	ctx = shutdownContext(ctx, logger)

	objectStore, err := remote.NewS3(ctx, logger)
	if err != nil {
		return err
	}

	prb := probe.New(opts.PingIntervalDuration(), logger)
	defer prb.Close()

	var ledger engine.Ledger

	if !opts.SweepOnce {
		cleanup, err := writePIDFile(pidFileName)
		if err != nil {
			return err
		}
		defer cleanup()

		led, ledErr := store.Open(ctx, ledgerFileName, int(opts.FailLimit), logger)
		if ledErr != nil {
			// The uploader still works without the ledger; dedup
			// weakens to the current process run.
			logger.Error("ledger unavailable, continuing without dedup",
				slog.String("error", ledErr.Error()),
			)
		} else {
			defer led.Close()

			ledger = led
		}
	}

	eng, err := engine.New(ctx, opts, objectStore, ledger, prb, logger)
	if err != nil {
		return err
	}

	mode := "daemon"
	if opts.SweepOnce {
		mode = "sweep-once"
	}

	logger.Info("swag-sync starting",
		slog.String("mode", mode),
		slog.String("root", opts.Root),
		slog.Int("buckets", len(eng.Buckets())),
	)

	return eng.Run(ctx)
}

// exitOnError prints a user-facing error to stderr and exits 1.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
