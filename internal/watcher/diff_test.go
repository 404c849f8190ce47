package watcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiffClassifiesChanges(t *testing.T) {
	baseline := Snapshot{"a": "1", "b": "2", "c": "3"}
	current := Snapshot{"a": "1", "b": "9", "d": "4"}

	changes := Diff(baseline, current)
	assert.Len(t, changes, 3)

	byKey := map[string]Change{}
	for _, c := range changes {
		byKey[c.Key] = c
	}
	assert.Equal(t, Modified, byKey["b"].Type)
	assert.Equal(t, "2", byKey["b"].Old)
	assert.Equal(t, "9", byKey["b"].New)
	assert.Equal(t, Removed, byKey["c"].Type)
	assert.Equal(t, Added, byKey["d"].Type)
}

func TestDiffEmptyBaselines(t *testing.T) {
	assert.Empty(t, Diff(Snapshot{}, Snapshot{}))

	changes := Diff(Snapshot{}, Snapshot{"x": "1"})
	assert.Len(t, changes, 1)
	assert.Equal(t, Added, changes[0].Type)
}

func TestDiffIsDeterministicallyOrdered(t *testing.T) {
	baseline := Snapshot{"z": "1", "a": "1"}
	current := Snapshot{"z": "2", "a": "2", "m": "1"}

	changes := Diff(baseline, current)
	keys := make([]string, len(changes))
	for i, c := range changes {
		keys[i] = c.Key
	}
	assert.Equal(t, []string{"a", "m", "z"}, keys)
}

func TestLineDiff(t *testing.T) {
	oldText := "127.0.0.1 localhost\n::1 localhost\n"
	newText := "127.0.0.1 localhost\n0.0.0.0 evil.example\n"

	added, removed := LineDiff(oldText, newText)
	assert.Equal(t, []string{"0.0.0.0 evil.example"}, added)
	assert.Equal(t, []string{"::1 localhost"}, removed)
}

func TestLineDiffIgnoresBlankAndCRLF(t *testing.T) {
	added, removed := LineDiff("a\r\n\r\nb\n", "a\nb\n\n")
	assert.Empty(t, added)
	assert.Empty(t, removed)
}
