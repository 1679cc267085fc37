package brand

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	b := Get()
	assert.Equal(t, "flowgate", b.LowerName)
	assert.Equal(t, b.Name, Name)
	assert.NotEmpty(t, Version)
}

func TestDirectories(t *testing.T) {
	t.Setenv(ConfigEnvPrefix+"_PREFIX", "")
	t.Setenv(ConfigEnvPrefix+"_CONFIG_DIR", "")
	t.Setenv(ConfigEnvPrefix+"_RUN_DIR", "")

	assert.Equal(t, DefaultConfigDir, GetConfigDir())
	assert.Equal(t, DefaultRunDir, GetRunDir())
	assert.Equal(t, "/etc/flowgate/flowgate.hcl", ConfigPath())

	t.Setenv(ConfigEnvPrefix+"_PREFIX", "/tmp/fg")
	assert.Equal(t, "/tmp/fg/config", GetConfigDir())
	assert.Equal(t, "/tmp/fg/run/flowgate.pid", PIDFile())

	t.Setenv(ConfigEnvPrefix+"_CONFIG_DIR", "/custom/config")
	assert.Equal(t, "/custom/config", GetConfigDir())
}

func TestVersionString(t *testing.T) {
	assert.Contains(t, VersionString(), Version)
}
