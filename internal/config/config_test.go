package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvedTempDirFallsBackToOSDefault(t *testing.T) {
	var cfg Config
	require.Equal(t, os.TempDir(), cfg.ResolvedTempDir())
}

func TestResolvedTempDirTrimsConfiguredValue(t *testing.T) {
	cfg := Config{TempDir: "  /tmp/custom-dir  "}
	require.Equal(t, "/tmp/custom-dir", cfg.ResolvedTempDir())
}

func TestResolvedTempDirTreatsBlankAsUnset(t *testing.T) {
	cfg := Config{TempDir: "   "}
	require.Equal(t, os.TempDir(), cfg.ResolvedTempDir())
}
