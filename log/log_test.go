package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTerminalHandlerLevels(t *testing.T) {
	var buf bytes.Buffer
	prev := Root()
	defer SetDefault(prev)

	SetDefault(NewLogger(NewTerminalHandlerWithLevel(&buf, LevelInfo, false)))
	Info(PPUMonitoring, "thread started", "id", uint64(0x1000000))
	Root().Debug(PPUMonitoring, "hidden")
	Warn(SchedulerModule, "slow wake", "name", "main thread")

	out := buf.String()
	require.Contains(t, out, "INFO ")
	require.Contains(t, out, "thread started")
	require.Contains(t, out, "id=0x1000000")
	require.Contains(t, out, `name="main thread"`)
	require.NotContains(t, out, "hidden")
	require.Equal(t, 2, strings.Count(out, "\n"))
}

func TestModuleFilter(t *testing.T) {
	var buf bytes.Buffer
	prev := Root()
	defer SetDefault(prev)
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(&buf, LevelTrace, false)))

	Debug(CacheModule, "filtered")
	require.Empty(t, buf.String())

	EnableModules("cache, vm")
	defer DisableModule(CacheModule)
	defer DisableModule(MemoryModule)
	Debug(CacheModule, "shown")
	Trace(MemoryModule, "also shown")
	require.Contains(t, buf.String(), "shown")
	require.Contains(t, buf.String(), "module=vm")
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("warning")
	require.NoError(t, err)
	require.Equal(t, LevelWarn, lvl)
	_, err = ParseLevel("loud")
	require.Error(t, err)
}
