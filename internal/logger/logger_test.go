package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"Warn", LevelWarn},
		{"error", LevelError},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.name), tt.name)
	}
	assert.Equal(t, "WARN", LevelWarn.String())
}

func TestOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	require.NoError(t, SetOutput(path))
	SetFormat("json")
	t.Cleanup(func() {
		SetFormat("text")
		_ = SetOutput("stdout")
		SetLevel("INFO")
	})

	SetLevel("WARN")
	assert.False(t, Enabled(LevelInfo))
	assert.True(t, Enabled(LevelError))

	Info("dropped %d", 1)
	Warn("kept %s", "warning")
	SetLevel("bogus")
	assert.False(t, Enabled(LevelInfo), "unknown level leaves the level unchanged")
	_ = Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "kept warning", entry["msg"])
	assert.Equal(t, "warn", entry["level"])
}

func TestSetOutput_Invalid(t *testing.T) {
	err := SetOutput(filepath.Join(t.TempDir(), "missing", "dir", "out.log"))
	assert.Error(t, err)
}
