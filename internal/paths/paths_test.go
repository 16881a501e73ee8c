package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveBaseDir(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty uses home default", "", filepath.Join(home, DefaultBaseDirName)},
		{"tilde expansion", "~/state", filepath.Join(home, "state")},
		{"absolute unchanged", "/var/lib/flowline", "/var/lib/flowline"},
		{"trailing slash cleaned", "/var/lib/flowline/", "/var/lib/flowline"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ResolveBaseDir(tt.input))
		})
	}
}

func TestLayoutHelpers(t *testing.T) {
	base := "/tmp/fl"
	assert.Equal(t, "/tmp/fl/counters.json", CountersPath(base))
	assert.Equal(t, "/tmp/fl/workflows", WorkflowsDir(base))
	assert.Equal(t, "/tmp/fl/jobs", JobsDir(base))
	assert.Equal(t, "/tmp/fl/agents.json", AgentsPath(base))
	assert.Equal(t, "/tmp/fl/history.db", HistoryDBPath(base))
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "c")
	require.NoError(t, EnsureDir(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
