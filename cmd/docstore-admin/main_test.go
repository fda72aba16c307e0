package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminConfig = `
log:
  level: warn
repositories:
  - name: docs
    dsn: %s
    softDelete:
      enabled: true
workQueue:
  dir: %s
  queues:
    - id: maintenance
`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "docstore.yaml")
	data := fmt.Sprintf(adminConfig, filepath.Join(dir, "docs.db"), filepath.Join(dir, "work"))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func runAdmin(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUsage(t *testing.T) {
	code, out, _ := runAdmin(t)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "rebuild-acls")
	assert.Contains(t, out, "clear-completed")

	code, _, errOut := runAdmin(t, "frobnicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown command: frobnicate")

	path := writeConfig(t)
	code, out, _ = runAdmin(t, "-c", path, "schedule", "--help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "--param")

	code, _, errOut = runAdmin(t, "-c", path, "schedule", "--nope")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown flag")
}

func TestRepositoryCommands(t *testing.T) {
	path := writeConfig(t)

	code, out, errOut := runAdmin(t, "-c", path, "rebuild-acls")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "docs: read ACLs rebuilt\n", out)

	code, out, errOut = runAdmin(t, "-c", path, "purge-deleted", "--repo", "docs", "--max", "10")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "docs: 0 documents purged\n", out)

	code, out, errOut = runAdmin(t, "-c", path, "binaries", "-r", "docs")
	require.Equal(t, 0, code, errOut)
	assert.Empty(t, out)

	code, out, errOut = runAdmin(t, "-c", path, "export", "-r", "docs", "--format", "json")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"type": "Root"`)

	file := filepath.Join(t.TempDir(), "root.yaml")
	code, out, errOut = runAdmin(t, "-c", path, "export", "-r", "docs", "-o", file)
	require.Equal(t, 0, code, errOut)
	assert.Empty(t, out)
	assert.Contains(t, errOut, "1 documents exported")
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "type: Root")

	code, _, errOut = runAdmin(t, "-c", path, "export", "-r", "docs", "--path", "/nope")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "not found")

	code, _, errOut = runAdmin(t, "-c", path, "binaries", "-r", "missing")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "not found")
}

func TestQueueCommands(t *testing.T) {
	path := writeConfig(t)

	code, out, errOut := runAdmin(t, "-c", path, "schedule", "-q", "maintenance",
		"--category", "rebuildReadAcls", "--param", "repository=docs")
	require.Equal(t, 0, code, errOut)
	assert.Len(t, strings.TrimSpace(out), 36, "prints the work id")

	code, out, errOut = runAdmin(t, "-c", path, "schedule", "-q", "adhoc", "--category", "noop")
	require.Equal(t, 0, code, errOut)
	assert.Len(t, strings.TrimSpace(out), 36)

	code, _, errOut = runAdmin(t, "-c", path, "schedule", "-q", "maintenance")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "required")

	code, out, errOut = runAdmin(t, "-c", path, "queue-stats")
	require.Equal(t, 0, code, errOut)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"adhoc", "1", "0", "0", "0"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"maintenance", "1", "0", "0", "0"}, strings.Fields(lines[2]))

	code, out, errOut = runAdmin(t, "-c", path, "clear-completed", "-q", "maintenance", "--all")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "maintenance: 0 completed works cleared\n", out)

	code, _, errOut = runAdmin(t, "-c", path, "clear-completed", "--all", "--age", "1h")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "exclusive")
}

func TestInitConfig(t *testing.T) {
	path := writeConfig(t)
	target := filepath.Join(t.TempDir(), "conf", "docstore.yaml")

	code, out, errOut := runAdmin(t, "-c", path, "init-config", "-o", target)
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, target+"\n", out)

	code, _, errOut = runAdmin(t, "-c", target, "init-config", "-o", target)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "already exists")

	code, _, errOut = runAdmin(t, "-c", target, "init-config", "-o", target, "--force")
	assert.Equal(t, 0, code, errOut)
}
