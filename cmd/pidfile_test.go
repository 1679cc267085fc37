package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowgate/internal/brand"
)

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "flowgate.pid")
	cleanup, err := writePIDFile(path)
	require.NoError(t, err)

	pid, err := readPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	cleanup()
	_, err = readPIDFile(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("nope"), 0644))
	_, err = readPIDFile(path)
	assert.Error(t, err)
}

func TestRunStop_NotRunning(t *testing.T) {
	t.Setenv(brand.ConfigEnvPrefix+"_RUN_DIR", t.TempDir())
	err := RunStop(&bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no PID file")
}

func TestRunStop_StalePIDFile(t *testing.T) {
	t.Setenv(brand.ConfigEnvPrefix+"_RUN_DIR", t.TempDir())
	// Above the kernel's largest pid_max, so never a live process.
	require.NoError(t, os.WriteFile(brand.PIDFile(), []byte("4194305"), 0644))

	err := RunStop(&bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestAlive(t *testing.T) {
	assert.True(t, alive(os.Getpid()))
	assert.False(t, alive(4194305))
}

func TestRunReload_RejectsInvalidConfig(t *testing.T) {
	t.Setenv(brand.ConfigEnvPrefix+"_RUN_DIR", t.TempDir())
	err := RunReload(&bytes.Buffer{}, writeConfig(t, "bad.hcl", `route "x" {`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")

	err = RunReload(&bytes.Buffer{}, siteFile(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no PID file")
}
