package log

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureRoot(t *testing.T) *bytes.Buffer {
	t.Helper()
	prev := Root()
	buf := new(bytes.Buffer)
	SetDefault(NewLogger(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: LevelTrace})))
	t.Cleanup(func() { SetDefault(prev) })
	return buf
}

func TestModuleFiltering(t *testing.T) {
	buf := captureRoot(t)

	Debug(CacheMonitoring, "hidden debug line")
	assert.Empty(t, buf.String())

	EnableModule(CacheMonitoring)
	defer DisableModule(CacheMonitoring)

	Debug(CacheMonitoring, "visible debug line", "height", 42)
	out := buf.String()
	assert.Contains(t, out, "visible debug line")
	assert.Contains(t, out, "mod=cache_mod")
	assert.Contains(t, out, "height=42")
}

func TestInfoIsNotFiltered(t *testing.T) {
	buf := captureRoot(t)
	Info(SyncMonitoring, "batch applied", "start", 1, "end", 10)
	assert.Contains(t, buf.String(), "batch applied")
}

func TestEnableModules(t *testing.T) {
	EnableModules("all")
	defer func() {
		for _, m := range defaultKnownModules {
			DisableModule(m)
		}
	}()
	for _, m := range defaultKnownModules {
		assert.True(t, isModuleEnabled(m), m)
	}
	assert.False(t, isModuleEnabled("unknown_mod"))
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, LevelDebug, lvl)

	lvl, err = ParseLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, LevelWarn, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestJSONLoggerAndWith(t *testing.T) {
	prev := Root()
	t.Cleanup(func() { SetDefault(prev) })

	buf := new(bytes.Buffer)
	require.NoError(t, InitJSONLogger("info", buf))
	Debug(SyncMonitoring, "filtered by level")
	New("session", "s1").Info(SyncMonitoring, "session started", "from", 7)

	out := buf.String()
	assert.NotContains(t, out, "filtered by level")
	assert.Contains(t, out, `"session":"s1"`)
	assert.Contains(t, out, `"mod":"sync_mod"`)
	assert.Contains(t, out, `"from":7`)

	assert.Error(t, InitJSONLogger("loud", buf))
}
