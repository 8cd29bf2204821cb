package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`log_level: panic
redis:
  addr: %s
database:
  driver: sqlite
  dsn: %s
scripts:
  dir: %s
`, mr.Addr(), filepath.Join(dir, "reminders.db"), filepath.Join(dir, "scripts"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestMigrateAndStats(t *testing.T) {
	path := writeConfig(t)

	out, err := run(t, "--config", path, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Migrations applied to sqlite")

	out, err = run(t, "--config", path, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, `"total_reminders": 0`)

	out, err = run(t, "--config", path, "process")
	require.NoError(t, err)
	assert.Contains(t, out, `"picked": 0`)

	out, err = run(t, "--config", path, "queues")
	require.NoError(t, err)
	assert.Contains(t, out, `"scheduled": 0`)
}

func TestCancelUnknownReminder(t *testing.T) {
	path := writeConfig(t)
	_, err := run(t, "--config", path, "cancel", "does-not-exist")
	assert.Error(t, err)

	_, err = run(t, "--config", path, "cancel")
	assert.Error(t, err)
}
