package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTaskset(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskset.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func runValidateCmd(t *testing.T, path string, flags ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	validateCmd.SetOut(&out)
	validateCmd.SetErr(&out)
	t.Cleanup(func() {
		validateCmd.SetOut(nil)
		validateCmd.SetErr(nil)
		validateJSON = false
	})
	for _, f := range flags {
		if f == "--json" {
			validateJSON = true
		}
	}
	err := runValidate(validateCmd, []string{path})
	return out.String(), err
}

func TestValidateAcceptsWellFormedTaskset(t *testing.T) {
	path := writeTaskset(t, `
projectId: demo
tasks:
  - id: build
    title: Build the service
    type: development
    priority: high
  - id: test
    title: Test the service
    type: testing
    priority: medium
dependencies:
  - from: build
    to: test
    type: requires
`)

	out, err := runValidateCmd(t, path)
	require.NoError(t, err)
	assert.Contains(t, out, "valid: 2 tasks")
	assert.Contains(t, out, "build, test")
}

func TestValidateRejectsCycle(t *testing.T) {
	path := writeTaskset(t, `
tasks:
  - id: a
    title: A
    type: development
    priority: medium
  - id: b
    title: B
    type: development
    priority: medium
dependencies:
  - from: a
    to: b
    type: requires
  - from: b
    to: a
    type: requires
`)

	out, err := runValidateCmd(t, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid")
	assert.Contains(t, out, "cycle")
}

func TestValidateRejectsUnreadableFile(t *testing.T) {
	_, err := runValidateCmd(t, filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
