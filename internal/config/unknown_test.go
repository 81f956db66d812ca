package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_UnknownKey_InSection(t *testing.T) {
	//nolint:misspell // intentional typo to test unknown key detection
	path := writeTestConfig(t, "[session]\npublsh_interval = \"2s\"\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown config key "session.publsh_interval"`)
	assert.Contains(t, err.Error(), `did you mean "session.publish_interval"`)
}

func TestLoad_UnknownKey_TopLevel(t *testing.T) {
	path := writeTestConfig(t, "unknown_key = \"value\"\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config key")
}

func TestLoad_UnknownSection_Suggested(t *testing.T) {
	path := writeTestConfig(t, "[sesion]\nuser_id = \"ana\"\nuser_name = \"Ana\"\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "session"`)
	assert.Equal(t, 1, strings.Count(err.Error(), "unknown config key"))
}

func TestLoad_UnknownKey_NoSuggestion(t *testing.T) {
	path := writeTestConfig(t, "[ingest]\ncompletely_unrelated_key = true\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config key")
	assert.NotContains(t, err.Error(), "did you mean")
}

func TestKnownKeys_CoverEverySection(t *testing.T) {
	assert.Equal(t, []string{
		"health", "ingest", "logging", "network", "partner", "paths", "session", "transport",
	}, knownSections)
	assert.Contains(t, knownKeys["session"], "low_battery_threshold")
	assert.Contains(t, knownKeys["health"], "scopes")
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b     string
		expected int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"abc", "abc", 0},
		{"abc", "abd", 1},
		{"dedup_tl", "dedup_ttl", 1},
		{"sesion", "session", 1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.expected, levenshtein(tt.a, tt.b))
		})
	}
}
