package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l, err := newWithConsole(Config{Level: "debug"}, &buf)
	require.NoError(t, err)
	defer l.Close()

	agentLog := l.Component("agent")
	agentLog.Info().Str("session_id", "abc").Msg("session started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "agent", entry["component"])
	assert.Equal(t, "abc", entry["session_id"])
	assert.Equal(t, "session started", entry["message"])
	assert.Contains(t, entry, "time")
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l, err := newWithConsole(Config{Level: "warn"}, &buf)
	require.NoError(t, err)

	l.Info().Msg("hidden")
	l.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestDefaultLevelIsInfo(t *testing.T) {
	var buf bytes.Buffer
	l, err := newWithConsole(Config{}, &buf)
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, l.GetLevel())
}

func TestInvalidLevel(t *testing.T) {
	_, err := newWithConsole(Config{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestSetsGlobalLogger(t *testing.T) {
	prev := log.Logger
	defer func() { log.Logger = prev }()

	var buf bytes.Buffer
	_, err := newWithConsole(Config{}, &buf)
	require.NoError(t, err)

	log.Info().Msg("via global")
	assert.Contains(t, buf.String(), "via global")
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agent.log")
	var buf bytes.Buffer
	l, err := newWithConsole(Config{File: path, Pretty: true}, &buf)
	require.NoError(t, err)

	l.Info().Msg("to both")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "{"), "file gets JSON even with a pretty console")
	assert.Contains(t, buf.String(), "to both")
}
