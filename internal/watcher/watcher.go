// Package watcher turns non-recursive fsnotify notifications into a
// recursive stream of file events. One Recursive instance mirrors a
// directory tree: every directory gets its own watch, directories
// created after startup are added on the fly, and each new directory is
// rescanned immediately because the platform may deliver the creation
// event before the watch is registered.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// addRetryDelay is how long to wait before retrying a watch on a
// directory that was reported created but is not fully there yet.
const addRetryDelay = 750 * time.Millisecond

// Error-channel backoff bounds: sustained fsnotify errors (e.g. kernel
// queue overflow) back off exponentially instead of spinning.
const (
	errInitBackoff = 500 * time.Millisecond
	errMaxBackoff  = 30 * time.Second
	errBackoffMult = 2
)

// Handler receives the absolute path of a regular file that was created
// or modified under the watched root. Called from the watcher goroutine;
// it must not block for long.
type Handler func(path string)

// Recursive watches a directory tree and invokes a Handler for every
// observed file modification, including files under subdirectories
// created after Start.
type Recursive struct {
	root    string
	handler Handler
	logger  *slog.Logger

	fw *fsnotify.Watcher

	mu   sync.Mutex
	dirs map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Recursive watcher rooted at root. Watches for the
// existing tree are registered immediately; events flow after Start.
func New(root string, handler Handler, logger *slog.Logger) (*Recursive, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	r := &Recursive{
		root:    root,
		handler: handler,
		logger:  logger,
		fw:      fw,
		dirs:    make(map[string]bool),
		done:    make(chan struct{}),
	}

	if err := r.addTree(context.Background(), root, false); err != nil {
		fw.Close()
		return nil, err
	}

	return r, nil
}

// Start launches the event loop.
func (r *Recursive) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	go r.loop(ctx)
}

// Close stops the event loop and releases every watch. Safe to call
// before Start.
func (r *Recursive) Close() error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	} else {
		close(r.done)
	}

	return r.fw.Close()
}

// loop dispatches fsnotify events and errors until canceled.
func (r *Recursive) loop(ctx context.Context) {
	defer close(r.done)

	backoff := errInitBackoff

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-r.fw.Events:
			if !ok {
				return
			}

			r.dispatch(ctx, ev)

			backoff = errInitBackoff

		case err, ok := <-r.fw.Errors:
			if !ok {
				return
			}

			r.logger.Warn("filesystem watcher error",
				slog.String("root", r.root),
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)

			if !sleep(ctx, backoff) {
				return
			}

			backoff *= errBackoffMult
			if backoff > errMaxBackoff {
				backoff = errMaxBackoff
			}
		}
	}
}

// dispatch routes one fsnotify event. Directory lifecycle events
// maintain the watch set; file events reach the handler. Panics are
// contained so a bad handler cannot kill the loop.
func (r *Recursive) dispatch(ctx context.Context, ev fsnotify.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("watch handler panicked",
				slog.String("path", ev.Name),
				slog.Any("panic", rec),
			)
		}
	}()

	// Mode changes are not modifications.
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		r.handleCreate(ctx, ev.Name)

	case ev.Has(fsnotify.Write):
		r.handleWrite(ev.Name)

	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		r.handleRemove(ev.Name)
	}
}

// handleCreate stats the created path: directories join the watch tree
// and are rescanned; regular files go to the handler. A rename into the
// tree arrives as Create, so both cases funnel here.
func (r *Recursive) handleCreate(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil {
		// Gone already; the next sweep catches survivors.
		r.logger.Debug("stat failed for created path",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return
	}

	if info.IsDir() {
		if err := r.addTree(ctx, path, true); err != nil {
			r.logger.Warn("failed to watch new directory, periodic sweep will catch up",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}

		return
	}

	if info.Mode().IsRegular() {
		r.handler(path)
	}
}

// handleWrite forwards file modifications.
func (r *Recursive) handleWrite(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	// Directory mtime changes are noise; the contained files produce
	// their own events.
	if info.Mode().IsRegular() {
		r.handler(path)
	}
}

// handleRemove forgets a directory that left the tree. fsnotify drops
// the kernel watch for deleted directories itself; the set is ours.
func (r *Recursive) handleRemove(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.dirs[path] {
		return
	}

	for dir := range r.dirs {
		if dir == path || isUnder(dir, path) {
			delete(r.dirs, dir)
		}
	}
}

// addTree registers a watch on dir and every existing subdirectory.
// When emit is true, regular files found along the way are handed to the
// handler — they may have been created before the watch existed.
func (r *Recursive) addTree(ctx context.Context, dir string, emit bool) error {
	if err := r.addDir(ctx, dir); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		path := filepath.Join(dir, entry.Name())

		if entry.IsDir() {
			if err := r.addTree(ctx, path, emit); err != nil {
				r.logger.Warn("failed to watch subdirectory",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
			}

			continue
		}

		if emit && entry.Type().IsRegular() {
			r.handler(path)
		}
	}

	return nil
}

// addDir registers a single directory watch. A too-new directory can
// make the platform refuse the watch; wait 750 ms and retry once, then
// give up and let the periodic sweep cover the gap.
func (r *Recursive) addDir(ctx context.Context, dir string) error {
	r.mu.Lock()
	if r.dirs[dir] {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	err := r.fw.Add(dir)
	if err != nil {
		if !sleep(ctx, addRetryDelay) {
			return ctx.Err()
		}

		err = r.fw.Add(dir)
	}

	if err != nil {
		return err
	}

	r.mu.Lock()
	r.dirs[dir] = true
	r.mu.Unlock()

	r.logger.Debug("watching directory", slog.String("path", dir))

	return nil
}

// isUnder reports whether path lies strictly beneath dir.
func isUnder(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}

	return rel != "." && !filepath.IsAbs(rel) && !hasDotDotPrefix(rel)
}

// hasDotDotPrefix reports whether a relative path escapes upward.
func hasDotDotPrefix(rel string) bool {
	return rel == ".." || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}

// sleep waits for d unless the context ends first, reporting whether the
// full duration elapsed.
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

// WalkFiles enumerates every regular file under root, invoking fn with
// the absolute path. Shared by the sweep path so the watcher and the
// sweeper agree on what a candidate file is.
func WalkFiles(ctx context.Context, root string, fn func(path string)) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entry vanished mid-walk; skip it.
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.Type().IsRegular() {
			fn(path)
		}

		return nil
	})
}
