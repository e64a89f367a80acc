package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestHistoryFile_UnderConfigDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	path := historyFile(zap.NewNop())

	assert.Equal(t, filepath.Join(dir, "tierchat", "history"), path)
	info, err := os.Stat(filepath.Join(dir, "tierchat"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestHistoryFile_FallsBackAndLogsWhenDirCannotBeCreated(t *testing.T) {
	// A regular file where the config directory should be.
	blocker := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	t.Setenv("XDG_CONFIG_HOME", blocker)

	core, logs := observer.New(zapcore.DebugLevel)
	path := historyFile(zap.New(core))

	assert.Equal(t, ".tierchat_history", path)
	entries := logs.FilterMessage("Failed to create history directory").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
}
