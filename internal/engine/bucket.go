// Package engine contains the upload coordinator: per-bucket queueing
// and dispatch (Bucket), the periodic re-enqueue service (Synchronizer),
// ledger maintenance (Janitor), and the assembly that owns them all
// (Engine).
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/HeliosInteractive/swag-sync/internal/remote"
	"github.com/HeliosInteractive/swag-sync/internal/watcher"
)

const (
	// defaultMaxActive caps concurrent uploads per bucket.
	defaultMaxActive = 10

	// defaultUploadTimeout bounds one upload attempt.
	defaultUploadTimeout = 10 * time.Second

	// regionLookupTimeout bounds the one-shot region resolution at
	// construction.
	regionLookupTimeout = 5 * time.Second

	// loserGrace bounds how long a canceled contender is waited on. A
	// misbehaving remote client that ignores cancellation is abandoned
	// after this.
	loserGrace = 5 * time.Second

	// drainPoll is the FinishPending re-check interval.
	drainPoll = 50 * time.Millisecond
)

// errNetworkDown marks an attempt that never started because the
// reachability gate reported the network down.
var errNetworkDown = errors.New("engine: network down")

// ReachabilityGate is the probe surface the dispatcher consults before
// starting an upload. Implemented by probe.Probe; tests inject fakes.
type ReachabilityGate interface {
	IsUp() bool
}

// LedgerView is the read side of the ledger used by sweeps.
type LedgerView interface {
	Exists(ctx context.Context, path string) bool
}

// BucketConfig tunes one Bucket.
type BucketConfig struct {
	// MaxActive caps the active upload set. The cap is inclusive: the
	// set never exceeds this number (the source compared with > and so
	// allowed one extra; this implementation uses >=).
	MaxActive int

	// UploadTimeout is the wall-clock cap on one upload attempt.
	UploadTimeout time.Duration

	// VerifyTimeout bounds the post-upload existence probe. Zero
	// disables verification entirely.
	VerifyTimeout time.Duration

	// OnUploaded and OnFailed are invoked once per terminal upload
	// event, from the upload worker, never under the bucket mutex.
	OnUploaded func(path string)
	OnFailed   func(path string)
}

// inflight tracks one active upload: its cancellation handle and a
// channel closed when the worker has fully released the path.
type inflight struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Bucket coordinates uploads for one local directory / remote bucket
// pair. Pending is FIFO with set membership; active is bounded by
// MaxActive. Files move pending → active → terminal; a terminal event
// fires exactly one callback and advances dispatch.
type Bucket struct {
	name  string
	path  string
	store remote.ObjectStore
	gate  ReachabilityGate
	cfg   BucketConfig

	logger *slog.Logger

	// baseCtx parents every upload; baseCancel fires only at Close,
	// after the active set has drained.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu         sync.Mutex
	pending    []string
	pendingSet map[string]struct{}
	active     map[string]*inflight
	connected  bool
	region     string
	closed     bool

	watch *watcher.Recursive
	wg    sync.WaitGroup
}

// NewBucket validates path (rooted, existing directory), derives the
// bucket name from its last segment, and resolves the remote region
// with a bounded lookup. A failed lookup leaves the bucket constructed
// but not connected; EnsureConnected retries later.
func NewBucket(
	ctx context.Context,
	path string,
	store remote.ObjectStore,
	gate ReachabilityGate,
	cfg BucketConfig,
	logger *slog.Logger,
) (*Bucket, error) {
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("engine: bucket path %q is not absolute", path)
	}

	path = filepath.Clean(path)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("engine: bucket path %s: %w", path, err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("engine: bucket path %s is not a directory", path)
	}

	name := filepath.Base(path)
	if name == "" || name == "." || strings.ContainsRune(name, os.PathSeparator) {
		return nil, fmt.Errorf("engine: invalid bucket name %q derived from %s", name, path)
	}

	if cfg.MaxActive <= 0 {
		cfg.MaxActive = defaultMaxActive
	}

	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = defaultUploadTimeout
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	b := &Bucket{
		name:       name,
		path:       path,
		store:      store,
		gate:       gate,
		cfg:        cfg,
		logger:     logger.With(slog.String("bucket", name)),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		pendingSet: make(map[string]struct{}),
		active:     make(map[string]*inflight),
	}

	b.connect(ctx)

	return b, nil
}

// connect attempts the bounded region lookup, flipping the bucket into
// the connected state on success.
func (b *Bucket) connect(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, regionLookupTimeout)
	defer cancel()

	region, err := b.store.BucketRegion(rctx, b.name)
	if err != nil {
		b.logger.Warn("bucket not connected, will retry",
			slog.String("error", err.Error()),
		)

		return
	}

	b.mu.Lock()
	b.region = region
	b.connected = true
	b.mu.Unlock()

	b.logger.Info("bucket connected", slog.String("region", region))
}

// Name returns the derived bucket name.
func (b *Bucket) Name() string { return b.name }

// Path returns the bucket's local directory.
func (b *Bucket) Path() string { return b.path }

// Ready reports whether the bucket accepts uploads: validated (implied
// by construction), connected, and not closed.
func (b *Bucket) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.connected && !b.closed
}

// EnsureConnected retries the region lookup for a bucket constructed in
// the non-connected state, then advances dispatch.
func (b *Bucket) EnsureConnected(ctx context.Context) {
	if b.Ready() {
		return
	}

	b.connect(ctx)

	if b.Ready() {
		b.dispatch()
	}
}

// Enqueue offers path for upload. The dequeue step is advanced first;
// a path already pending or active is dropped; otherwise it joins the
// pending tail and dispatch advances again.
func (b *Bucket) Enqueue(path string) {
	b.dispatch()

	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return
	}

	if _, ok := b.pendingSet[path]; ok {
		b.mu.Unlock()
		return
	}

	if _, ok := b.active[path]; ok {
		b.mu.Unlock()
		return
	}

	b.pending = append(b.pending, path)
	b.pendingSet[path] = struct{}{}
	b.mu.Unlock()

	b.dispatch()
}

// Sweep enumerates every regular file under the bucket directory and
// enqueues each.
func (b *Bucket) Sweep(ctx context.Context) error {
	return watcher.WalkFiles(ctx, b.path, b.Enqueue)
}

// SweepSkipping is Sweep minus paths the ledger already knows.
func (b *Bucket) SweepSkipping(ctx context.Context, ledger LedgerView) error {
	return watcher.WalkFiles(ctx, b.path, func(path string) {
		if ledger.Exists(ctx, path) {
			return
		}

		b.Enqueue(path)
	})
}

// StartWatch begins watching the bucket directory, feeding created and
// modified files into Enqueue.
func (b *Bucket) StartWatch() error {
	w, err := watcher.New(b.path, b.Enqueue, b.logger)
	if err != nil {
		return fmt.Errorf("engine: watching %s: %w", b.path, err)
	}

	b.watch = w
	w.Start()

	return nil
}

// Shutdown disables the watcher. Active uploads are left running.
func (b *Bucket) Shutdown() {
	if b.watch == nil {
		return
	}

	if err := b.watch.Close(); err != nil {
		b.logger.Warn("closing watcher", slog.String("error", err.Error()))
	}

	b.watch = nil
}

// FinishPending blocks until both pending and active are empty, driving
// dispatch itself while it waits. Used by sweep-once mode. A bucket that
// never connected gets one reconnect attempt; if that fails too the
// queue can never drain and an error is returned instead of blocking
// forever.
func (b *Bucket) FinishPending(ctx context.Context) error {
	if !b.Ready() {
		b.EnsureConnected(ctx)

		if !b.Ready() {
			b.mu.Lock()
			stuck := len(b.pending) > 0
			b.mu.Unlock()

			if stuck {
				return fmt.Errorf("engine: bucket %s is not connected, pending queue cannot drain", b.name)
			}
		}
	}

	for {
		b.mu.Lock()
		drained := len(b.pending) == 0 && len(b.active) == 0

		if !drained {
			b.dispatchLocked()
		}
		b.mu.Unlock()

		if drained {
			return nil
		}

		if !sleep(ctx, drainPoll) {
			return ctx.Err()
		}
	}
}

// CancelPending empties the pending queue, then cancels every active
// upload and waits up to loserGrace for each to release its slot.
func (b *Bucket) CancelPending() {
	b.mu.Lock()
	b.pending = nil
	b.pendingSet = make(map[string]struct{})

	flights := make([]*inflight, 0, len(b.active))
	for _, fl := range b.active {
		flights = append(flights, fl)
	}
	b.mu.Unlock()

	for _, fl := range flights {
		fl.cancel()

		select {
		case <-fl.done:
		case <-time.After(loserGrace):
			b.logger.Warn("active upload ignored cancellation")
		}
	}
}

// Close disables the watcher, stops dispatch, and waits for active
// uploads to finish. Pending entries are abandoned; the next run's
// sweep re-offers them.
func (b *Bucket) Close() {
	b.Shutdown()

	b.mu.Lock()
	b.closed = true
	b.pending = nil
	b.pendingSet = make(map[string]struct{})
	b.mu.Unlock()

	b.wg.Wait()
	b.baseCancel()
}

// dispatch advances the dequeue step under the mutex.
func (b *Bucket) dispatch() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dispatchLocked()
}

// dispatchLocked pops pending heads into the active set while capacity
// remains. Caller holds the mutex.
func (b *Bucket) dispatchLocked() {
	for !b.closed && b.connected && len(b.active) < b.cfg.MaxActive && len(b.pending) > 0 {
		path := b.pending[0]
		b.pending = b.pending[1:]
		delete(b.pendingSet, path)

		ctx, cancel := context.WithCancel(b.baseCtx)
		fl := &inflight{cancel: cancel, done: make(chan struct{})}
		b.active[path] = fl

		b.wg.Add(1)

		go b.runUpload(ctx, path, fl)
	}
}

// runUpload executes one upload attempt to a terminal state. A network
// gate rejection re-enqueues the path without a callback; everything
// else finishes with exactly one callback.
func (b *Bucket) runUpload(ctx context.Context, path string, fl *inflight) {
	defer b.wg.Done()
	defer fl.cancel()

	err := b.attempt(ctx, path)
	if errors.Is(err, errNetworkDown) {
		b.requeue(path, fl)
		return
	}

	b.finish(path, fl, err)
}

// attempt runs the gate check, the upload-vs-timer race, and the
// post-upload verification for one path.
func (b *Bucket) attempt(ctx context.Context, path string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine: upload of %s panicked: %v", path, r)
		}
	}()

	if !b.gate.IsUp() {
		return errNetworkDown
	}

	key, err := remote.Key(path, b.path)
	if err != nil {
		return err
	}

	if err := b.race(ctx, path, key); err != nil {
		return err
	}

	return b.verify(ctx, key)
}

// race runs the upload against a wall-clock timer over one shared
// cancellation. Whichever side wins cancels the token; the loser is
// waited on for at most loserGrace.
func (b *Bucket) race(ctx context.Context, path, key string) error {
	uctx, ucancel := context.WithCancel(ctx)
	defer ucancel()

	result := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("engine: upload of %s panicked: %v", path, r)
			}
		}()

		result <- b.store.Upload(uctx, b.name, key, path)
	}()

	timer := time.NewTimer(b.cfg.UploadTimeout)
	defer timer.Stop()

	select {
	case err := <-result:
		ucancel()

		if err != nil {
			return fmt.Errorf("engine: uploading %s: %w", path, err)
		}

		return nil

	case <-timer.C:
		ucancel()
		b.awaitLoser(result, path)

		return fmt.Errorf("engine: upload of %s timed out after %s", path, b.cfg.UploadTimeout)

	case <-ctx.Done():
		ucancel()
		b.awaitLoser(result, path)

		return fmt.Errorf("engine: upload of %s canceled: %w", path, ctx.Err())
	}
}

// awaitLoser drains the losing contender with a bounded wait.
func (b *Bucket) awaitLoser(result <-chan error, path string) {
	select {
	case <-result:
	case <-time.After(loserGrace):
		b.logger.Warn("upload ignored cancellation, abandoning worker",
			slog.String("path", path),
		)
	}
}

// verify issues the post-upload existence probe when enabled. Any
// error, a timeout, or a definitive absence all count as failure.
func (b *Bucket) verify(ctx context.Context, key string) error {
	if b.cfg.VerifyTimeout <= 0 {
		return nil
	}

	vctx, cancel := context.WithTimeout(ctx, b.cfg.VerifyTimeout)
	defer cancel()

	exists, err := b.store.Exists(vctx, b.name, key)
	if err != nil {
		return fmt.Errorf("engine: double-check of %s/%s failed: %w", b.name, key, err)
	}

	if !exists {
		return fmt.Errorf("engine: double-check failed: %s/%s absent after upload", b.name, key)
	}

	return nil
}

// requeue returns a gate-rejected path to the pending tail. Dispatch is
// deliberately not advanced — doing so would spin the queue against a
// down network.
func (b *Bucket) requeue(path string, fl *inflight) {
	b.mu.Lock()
	delete(b.active, path)

	if !b.closed {
		if _, ok := b.pendingSet[path]; !ok {
			b.pending = append(b.pending, path)
			b.pendingSet[path] = struct{}{}
		}
	}
	b.mu.Unlock()

	close(fl.done)

	b.logger.Debug("network down, upload deferred", slog.String("path", path))
}

// finish releases the active slot, fires the terminal callback outside
// the mutex, and advances dispatch.
func (b *Bucket) finish(path string, fl *inflight, err error) {
	b.mu.Lock()
	delete(b.active, path)
	b.mu.Unlock()

	close(fl.done)

	if err != nil {
		b.logger.Warn("upload failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		if b.cfg.OnFailed != nil {
			b.cfg.OnFailed(path)
		}
	} else {
		b.logger.Info("upload complete", slog.String("path", path))

		if b.cfg.OnUploaded != nil {
			b.cfg.OnUploaded(path)
		}
	}

	b.dispatch()
}

// sleep waits for d unless ctx ends first, reporting whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
