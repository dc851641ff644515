package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRootCmd_VersionFlag tests if the --version flag works correctly.
func TestRootCmd_VersionFlag(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"--version"})

	err := rootCmd.ExecuteContext(context.Background())

	require.NoError(t, err)
	assert.Contains(t, out.String(), Version)
}

func TestRootCmd_HasRunSubcommand(t *testing.T) {
	sub, _, err := rootCmd.Find([]string{"run"})
	require.NoError(t, err)
	assert.Equal(t, "run", sub.Name())
}

func TestRootCmd_ConfigFlagRegistered(t *testing.T) {
	flag := rootCmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "c", flag.Shorthand)
}
