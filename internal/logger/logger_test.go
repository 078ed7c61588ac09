package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetOutputHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(Config{Level: "WARN", Console: true}, &buf)
	defer Set(DefaultConfig())

	Infof("hidden %d", 1)
	Warnf("shown %d", 2)

	out := buf.String()
	require.NotContains(t, out, "hidden 1")
	require.Contains(t, out, "shown 2")
	require.Contains(t, out, "\x1b[33mWARN\x1b[0m")
}

func TestFileCore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flappyfuse.log")
	Set(Config{Level: "DEBUG", File: path, MaxFileSize: 1})
	defer Set(DefaultConfig())

	Debug("to file")
	SyncFileLogger()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), "DEBUG")
	require.Contains(t, string(raw), "to file")
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(Config{Level: "LOUD", Console: true}, &buf)
	defer Set(DefaultConfig())

	Debugf("debug line")
	Infof("info line")

	require.NotContains(t, buf.String(), "debug line")
	require.Contains(t, buf.String(), "info line")
}
