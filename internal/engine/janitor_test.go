package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJanitor_RemovesVanishedAndForeignRows(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "b1"), 0o755))

	alive := filepath.Join(root, "b1", "alive.bin")
	require.NoError(t, os.WriteFile(alive, []byte("x"), 0o600))

	gone := filepath.Join(root, "b1", "gone.bin")
	foreign := "/elsewhere/foreign.bin"

	ledger := &fakeLedger{
		known:     map[string]bool{alive: true, gone: true, foreign: true},
		succeeded: []string{alive, gone},
		failed:    []string{foreign},
	}

	j := NewJanitor(root, ledger, testLogger())
	j.Run(t.Context())

	assert.ElementsMatch(t, []string{gone, foreign}, ledger.removedPaths())
	assert.True(t, ledger.Exists(t.Context(), alive), "live rows survive maintenance")
}

func TestJanitor_EmptyLedgerIsQuiet(t *testing.T) {
	t.Parallel()

	j := NewJanitor(t.TempDir(), &fakeLedger{}, testLogger())
	j.Run(t.Context())
}
