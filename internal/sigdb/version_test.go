package sigdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"2026.01.01", "2025.12.31", 1},
		{"2025.12.31", "1.0.0", 1},
		{"2026.01.01", "1.0.0", 1},
		{"1.0.0", "2026.01.01", -1},
		{"2025.11.18", "2025.11.18", 0},
		{"1.4.2", "1.4.10", -1},
		{"2.0.0", "1.99.99", 1},
		{"2025.02.01", "2025.1.31", 1}, // zero-padded fields compare numerically
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CompareVersions(tc.a, tc.b), "%s vs %s", tc.a, tc.b)
	}
}

func TestCompareVersionsMalformed(t *testing.T) {
	// A malformed manifest version can never look newer than a valid set.
	assert.Equal(t, -1, CompareVersions("garbage", "1.0.0"))
	assert.Equal(t, 1, CompareVersions("1.0.0", ""))
}

func TestIsDateVersion(t *testing.T) {
	assert.True(t, IsDateVersion("2026.01.15"))
	assert.True(t, IsDateVersion("1999.12.31"))
	assert.False(t, IsDateVersion("1.4.2"))
	assert.False(t, IsDateVersion("2026.13.01"))
	assert.False(t, IsDateVersion("2026.01"))
}
