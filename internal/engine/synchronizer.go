package engine

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
)

// Ledger is the full ledger surface the engine's services need.
// Implemented by *store.Ledger; tests inject fakes. All methods degrade
// to no-ops when the backing store is unavailable.
type Ledger interface {
	LedgerView
	MarkFailed(ctx context.Context, path string)
	MarkSucceeded(ctx context.Context, path string)
	PopFailed(ctx context.Context, limit int) []string
	PopAll(ctx context.Context) []string
	Remove(ctx context.Context, path string)
}

// Synchronizer is the periodic re-enqueue pass: every tick, each bucket
// re-offers local files the ledger does not know, then a bounded batch
// of failed paths is routed back to its bucket. Skipped entirely while
// the reachability gate reports down.
type Synchronizer struct {
	root    string
	buckets map[string]*Bucket
	ledger  Ledger
	gate    ReachabilityGate
	count   int
	logger  *slog.Logger
}

// NewSynchronizer creates the service callback state. count is the
// maximum number of failed paths re-enqueued per tick.
func NewSynchronizer(
	root string,
	buckets []*Bucket,
	ledger Ledger,
	gate ReachabilityGate,
	count int,
	logger *slog.Logger,
) *Synchronizer {
	byName := make(map[string]*Bucket, len(buckets))
	for _, b := range buckets {
		byName[b.Name()] = b
	}

	return &Synchronizer{
		root:    root,
		buckets: byName,
		ledger:  ledger,
		gate:    gate,
		count:   count,
		logger:  logger,
	}
}

// Run executes one synchronizer tick: sweep first, then pop failures.
// Sweeping before popping minimizes the window in which a just-written
// file is classified as failed by a concurrent writer.
func (s *Synchronizer) Run(ctx context.Context) {
	if !s.gate.IsUp() {
		s.logger.Info("network down, skipping synchronize tick")
		return
	}

	for _, b := range s.buckets {
		b.EnsureConnected(ctx)

		if err := b.SweepSkipping(ctx, s.ledger); err != nil {
			s.logger.Warn("bucket sweep failed",
				slog.String("bucket", b.Name()),
				slog.String("error", err.Error()),
			)
		}
	}

	for _, path := range s.ledger.PopFailed(ctx, s.count) {
		name, ok := s.bucketNameFor(path)
		if !ok {
			continue
		}

		b, ok := s.buckets[name]
		if !ok {
			// No bucket matches; the path is stale, maintenance will
			// collect its row.
			continue
		}

		b.Enqueue(path)
	}
}

// bucketNameFor extracts the bucket name from a ledger path: the first
// segment after the watched root.
func (s *Synchronizer) bucketNameFor(path string) (string, bool) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}

	segments := strings.SplitN(rel, string(filepath.Separator), 2)
	if len(segments) < 2 || segments[0] == "" {
		return "", false
	}

	return segments[0], true
}
