package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_FlagDefaults(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd()

	for flag, want := range map[string]string{
		"root":                      "",
		"interval":                  "10",
		"count":                     "10",
		"bucket_max":                "10",
		"timeout":                   "10",
		"fail_limit":                "10",
		"ping_interval":             "10",
		"aws_check_timeout":         "0",
		"database_cleanup_interval": "10",
		"sweep":                     "false",
		"verbosity":                 "info",
	} {
		f := cmd.Flags().Lookup(flag)
		require.NotNil(t, f, "flag --%s must exist", flag)
		assert.Equal(t, want, f.DefValue, "default of --%s", flag)
	}
}

func TestRootCmd_Shorthands(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd()

	for flag, short := range map[string]string{
		"root":                      "r",
		"interval":                  "i",
		"count":                     "c",
		"bucket_max":                "b",
		"timeout":                   "t",
		"fail_limit":                "f",
		"ping_interval":             "p",
		"aws_check_timeout":         "a",
		"database_cleanup_interval": "d",
		"sweep":                     "s",
		"verbosity":                 "v",
	} {
		f := cmd.Flags().Lookup(flag)
		require.NotNil(t, f)
		assert.Equal(t, short, f.Shorthand, "shorthand of --%s", flag)
	}
}

func TestRootCmd_ParsesFlags(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{
		"-r", "/data", "-i", "30", "-b", "4", "--sweep", "-v", "error",
	}))

	root, err := cmd.Flags().GetString("root")
	require.NoError(t, err)
	assert.Equal(t, "/data", root)

	interval, err := cmd.Flags().GetUint("interval")
	require.NoError(t, err)
	assert.Equal(t, uint(30), interval)

	sweep, err := cmd.Flags().GetBool("sweep")
	require.NoError(t, err)
	assert.True(t, sweep)
}
