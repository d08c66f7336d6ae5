package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/HeliosInteractive/swag-sync/internal/config"
	"github.com/HeliosInteractive/swag-sync/internal/periodic"
	"github.com/HeliosInteractive/swag-sync/internal/remote"
)

// Engine assembles the coordinator: one Bucket per immediate
// subdirectory of the watched root, callbacks wired to the ledger, the
// periodic services, and the two run modes.
type Engine struct {
	opts    *config.Options
	store   remote.ObjectStore
	ledger  Ledger
	gate    ReachabilityGate
	buckets []*Bucket
	logger  *slog.Logger

	services []*periodic.Service
}

// nopLedger satisfies Ledger with no-ops. Used in sweep-once mode and
// as the degrade target when the real ledger failed to open.
type nopLedger struct{}

func (nopLedger) Exists(context.Context, string) bool     { return false }
func (nopLedger) MarkFailed(context.Context, string)      {}
func (nopLedger) MarkSucceeded(context.Context, string)   {}
func (nopLedger) PopFailed(context.Context, int) []string { return nil }
func (nopLedger) PopAll(context.Context) []string         { return nil }
func (nopLedger) Remove(context.Context, string)          {}

// New builds an Engine. ledger may be nil (sweep-once mode, or a failed
// ledger open in daemon mode); delivery then proceeds without dedup.
func New(
	ctx context.Context,
	opts *config.Options,
	objectStore remote.ObjectStore,
	ledger Ledger,
	gate ReachabilityGate,
	logger *slog.Logger,
) (*Engine, error) {
	if ledger == nil {
		ledger = nopLedger{}
	}

	e := &Engine{
		opts:   opts,
		store:  objectStore,
		ledger: ledger,
		gate:   gate,
		logger: logger,
	}

	entries, err := os.ReadDir(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("engine: reading watched root %s: %w", opts.Root, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		path := filepath.Join(opts.Root, entry.Name())

		cfg := BucketConfig{
			MaxActive:     int(opts.BucketMax),
			UploadTimeout: opts.UploadTimeoutDuration(),
			VerifyTimeout: opts.VerifyTimeoutDuration(),
		}

		if !opts.SweepOnce {
			cfg.OnUploaded = func(p string) { e.ledger.MarkSucceeded(context.Background(), p) }
			cfg.OnFailed = func(p string) { e.ledger.MarkFailed(context.Background(), p) }
		}

		b, err := NewBucket(ctx, path, objectStore, gate, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("engine: constructing bucket %s: %w", entry.Name(), err)
		}

		e.buckets = append(e.buckets, b)
	}

	if len(e.buckets) == 0 {
		logger.Warn("watched root has no bucket subdirectories",
			slog.String("root", opts.Root),
		)
	}

	return e, nil
}

// Buckets returns the constructed buckets.
func (e *Engine) Buckets() []*Bucket { return e.buckets }

// Run executes the selected mode until completion (sweep-once) or until
// ctx is canceled (daemon), then tears everything down.
func (e *Engine) Run(ctx context.Context) error {
	if e.opts.SweepOnce {
		return e.runOnce(ctx)
	}

	return e.runDaemon(ctx)
}

// runOnce sweeps every bucket without consulting the ledger, drains,
// and returns. A failed bucket is logged and does not block the others
// from draining.
func (e *Engine) runOnce(ctx context.Context) error {
	defer e.closeBuckets()

	var g errgroup.Group

	for _, b := range e.buckets {
		g.Go(func() error {
			if err := b.Sweep(ctx); err != nil {
				e.logger.Warn("sweep failed",
					slog.String("bucket", b.Name()),
					slog.String("error", err.Error()),
				)
			}

			if err := b.FinishPending(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				e.logger.Warn("bucket did not drain",
					slog.String("bucket", b.Name()),
					slog.String("error", err.Error()),
				)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("engine: sweep-once: %w", err)
	}

	e.logger.Info("sweep complete", slog.Int("buckets", len(e.buckets)))

	return nil
}

// runDaemon seeds each bucket with a ledger-filtered sweep, starts the
// watchers and periodic services, and blocks until ctx cancels. On
// shutdown the services stop first, then buckets drain their active
// uploads.
func (e *Engine) runDaemon(ctx context.Context) error {
	for _, b := range e.buckets {
		if err := b.SweepSkipping(ctx, e.ledger); err != nil {
			e.logger.Warn("initial sweep failed",
				slog.String("bucket", b.Name()),
				slog.String("error", err.Error()),
			)
		}

		if err := b.StartWatch(); err != nil {
			// The periodic sweep still covers this bucket.
			e.logger.Error("watcher failed to start",
				slog.String("bucket", b.Name()),
				slog.String("error", err.Error()),
			)
		}
	}

	e.startServices()

	<-ctx.Done()

	e.logger.Info("shutting down, draining active uploads")

	for _, s := range e.services {
		if err := s.Close(); err != nil {
			e.logger.Warn("stopping service", slog.String("error", err.Error()))
		}
	}

	e.closeBuckets()

	return nil
}

// startServices launches the janitor and the synchronizer when their
// periods are non-zero.
func (e *Engine) startServices() {
	if interval := e.opts.CleanIntervalDuration(); interval > 0 {
		j := NewJanitor(e.opts.Root, e.ledger, e.logger)
		s := periodic.New("ledger-maintenance", interval, j.Run, e.logger)

		if err := s.Start(); err == nil {
			e.services = append(e.services, s)
		}
	}

	if interval := e.opts.SweepIntervalDuration(); interval > 0 && e.opts.SweepCount > 0 {
		sy := NewSynchronizer(
			e.opts.Root, e.buckets, e.ledger, e.gate, int(e.opts.SweepCount), e.logger)
		s := periodic.New("synchronize", interval, sy.Run, e.logger)

		if err := s.Start(); err == nil {
			e.services = append(e.services, s)
		}
	}
}

// closeBuckets disposes every bucket, waiting for in-flight uploads.
func (e *Engine) closeBuckets() {
	for _, b := range e.buckets {
		b.Close()
	}
}
