package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootHasAllCommands(t *testing.T) {
	root := NewRoot()

	want := []string{"init", "monitor", "scan", "events", "quarantine", "definitions", "activity", "status", "version"}
	have := map[string]bool{}
	for _, c := range root.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		assert.True(t, have[name], "missing command %q", name)
	}
}

func TestEventsSubcommands(t *testing.T) {
	root := NewRoot()
	events, _, err := root.Find([]string{"events"})
	require.NoError(t, err)

	names := map[string]bool{}
	for _, c := range events.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["show"])
	assert.True(t, names["resolve"])
}

func TestActivityFlags(t *testing.T) {
	root := NewRoot()
	act, _, err := root.Find([]string{"activity"})
	require.NoError(t, err)

	for _, name := range []string{"kind", "since", "limit", "live", "stats", "json"} {
		assert.NotNil(t, act.Flags().Lookup(name), "missing flag --%s", name)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.0 KiB", formatBytes(1024))
	assert.Equal(t, "100.0 MiB", formatBytes(100<<20))
	assert.Equal(t, "1.5 GiB", formatBytes(3<<29))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abcd1234", shortID("abcd1234-ef56-7890"))
	assert.Equal(t, "short", shortID("short"))
}

func TestUnknownScanTypeRejected(t *testing.T) {
	_, ok := scanTypes["nonsense"]
	assert.False(t, ok)
}
