package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, Level(0))
	assert.Equal(t, slog.LevelInfo, Level(1))
	assert.Equal(t, slog.LevelDebug, Level(2))
	assert.Equal(t, slog.LevelDebug, Level(3))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, 0)
	l.Debug("hidden")
	l.Info("shown", "interface", "eth0")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "interface=eth0")
}

func TestFile_ReopenFollowsRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "babeld.log")

	target, err := os.CreateTemp(dir, "target")
	require.NoError(t, err)
	defer target.Close()

	lf := NewFile(path, int(target.Fd()))
	assert.Equal(t, path, lf.Path())
	require.NoError(t, lf.Reopen())
	_, err = target.WriteString("first\n")
	require.NoError(t, err)

	rotated := path + ".1"
	require.NoError(t, os.Rename(path, rotated))
	require.NoError(t, lf.Reopen())
	_, err = target.WriteString("second\n")
	require.NoError(t, err)

	old, err := os.ReadFile(rotated)
	require.NoError(t, err)
	assert.Equal(t, "first\n", string(old))
	cur, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(cur))
}

func TestFile_ReopenFailure(t *testing.T) {
	lf := NewFile(filepath.Join(t.TempDir(), "missing", "babeld.log"), 1000)
	assert.Error(t, lf.Reopen())
}
