package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Janitor is the ledger maintenance pass: every tick it removes rows
// whose file no longer exists on disk or no longer lies under the
// watched root. This is what finally collects tombstones.
type Janitor struct {
	root   string
	ledger Ledger
	logger *slog.Logger
}

// NewJanitor creates the maintenance callback state.
func NewJanitor(root string, ledger Ledger, logger *slog.Logger) *Janitor {
	return &Janitor{root: root, ledger: ledger, logger: logger}
}

// Run executes one maintenance tick.
func (j *Janitor) Run(ctx context.Context) {
	removed := 0

	for _, path := range j.ledger.PopAll(ctx) {
		if ctx.Err() != nil {
			return
		}

		if j.shouldRemove(path) {
			j.ledger.Remove(ctx, path)
			removed++
		}
	}

	if removed > 0 {
		j.logger.Info("ledger maintenance removed rows", slog.Int("count", removed))
	}
}

// shouldRemove reports whether a ledger row no longer corresponds to a
// watched file.
func (j *Janitor) shouldRemove(path string) bool {
	if !strings.HasPrefix(path, j.root+string(filepath.Separator)) {
		return true
	}

	_, err := os.Stat(path)

	return err != nil
}
