package store

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLedger(t *testing.T, failLimit int) *Ledger {
	t.Helper()

	// A file-backed database in a temp dir exercises the same code as
	// production; ":memory:" breaks under SetMaxOpenConns reconnects.
	l, err := Open(t.Context(), filepath.Join(t.TempDir(), "ledger.db"), failLimit, testLogger())
	require.NoError(t, err)

	t.Cleanup(func() { l.Close() })

	return l
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMarkFailed_IncrementsAttempts(t *testing.T) {
	t.Parallel()

	l := testLedger(t, 10)
	ctx := t.Context()

	l.MarkFailed(ctx, "/root/b1/a.bin")
	assert.Equal(t, 1, l.Attempts(ctx, "/root/b1/a.bin"))

	l.MarkFailed(ctx, "/root/b1/a.bin")
	l.MarkFailed(ctx, "/root/b1/a.bin")
	assert.Equal(t, 3, l.Attempts(ctx, "/root/b1/a.bin"))
}

func TestMarkSucceeded_ReplacesFailedRow(t *testing.T) {
	t.Parallel()

	l := testLedger(t, 10)
	ctx := t.Context()

	l.MarkFailed(ctx, "/root/b1/a.bin")
	l.MarkSucceeded(ctx, "/root/b1/a.bin")

	// Exactly one succeeded row, zero failed rows.
	assert.True(t, l.Exists(ctx, "/root/b1/a.bin"))
	assert.Equal(t, 0, l.Attempts(ctx, "/root/b1/a.bin"))
	assert.Empty(t, l.PopFailed(ctx, 10))
	assert.Equal(t, []string{"/root/b1/a.bin"}, l.PopAll(ctx))
}

func TestExists_FalseForUnknownPath(t *testing.T) {
	t.Parallel()

	l := testLedger(t, 10)

	assert.False(t, l.Exists(t.Context(), "/root/b1/unknown"))
}

func TestPopFailed_ExcludesTombstones(t *testing.T) {
	t.Parallel()

	l := testLedger(t, 3)
	ctx := t.Context()

	l.MarkFailed(ctx, "/root/b1/bad")
	l.MarkFailed(ctx, "/root/b1/bad")
	assert.Equal(t, []string{"/root/b1/bad"}, l.PopFailed(ctx, 10))

	// Third failure reaches the limit: tombstoned, excluded from pops,
	// but the row itself survives.
	l.MarkFailed(ctx, "/root/b1/bad")
	assert.Empty(t, l.PopFailed(ctx, 10))
	assert.True(t, l.Exists(ctx, "/root/b1/bad"))
	assert.Equal(t, []string{"/root/b1/bad"}, l.PopAll(ctx))
}

func TestPopFailed_HonorsLimit(t *testing.T) {
	t.Parallel()

	l := testLedger(t, 10)
	ctx := t.Context()

	l.MarkFailed(ctx, "/root/b1/a")
	l.MarkFailed(ctx, "/root/b1/b")
	l.MarkFailed(ctx, "/root/b1/c")

	assert.Len(t, l.PopFailed(ctx, 2), 2)
	assert.Empty(t, l.PopFailed(ctx, 0))
}

func TestPopFailed_IsReadOnly(t *testing.T) {
	t.Parallel()

	l := testLedger(t, 10)
	ctx := t.Context()

	l.MarkFailed(ctx, "/root/b1/a")

	assert.Equal(t, []string{"/root/b1/a"}, l.PopFailed(ctx, 10))
	assert.Equal(t, []string{"/root/b1/a"}, l.PopFailed(ctx, 10), "pop must not remove rows")
}

func TestRemove_ThenExistsFalse(t *testing.T) {
	t.Parallel()

	l := testLedger(t, 10)
	ctx := t.Context()

	l.MarkFailed(ctx, "/root/b1/a")
	l.MarkSucceeded(ctx, "/root/b1/b")

	l.Remove(ctx, "/root/b1/a")
	l.Remove(ctx, "/root/b1/b")

	assert.False(t, l.Exists(ctx, "/root/b1/a"))
	assert.False(t, l.Exists(ctx, "/root/b1/b"))
	assert.Empty(t, l.PopAll(ctx))
}

func TestDisposedLedger_SilentlyNoOps(t *testing.T) {
	t.Parallel()

	l := testLedger(t, 10)
	ctx := t.Context()

	l.MarkFailed(ctx, "/root/b1/a")
	require.NoError(t, l.Close())

	// Every operation after disposal is a silent no-op.
	l.MarkFailed(ctx, "/root/b1/a")
	l.MarkSucceeded(ctx, "/root/b1/a")
	l.Remove(ctx, "/root/b1/a")

	assert.False(t, l.Exists(ctx, "/root/b1/a"))
	assert.Empty(t, l.PopFailed(ctx, 10))
	assert.Empty(t, l.PopAll(ctx))
}
