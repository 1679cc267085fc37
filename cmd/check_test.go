package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const siteConfig = `
route "default" {
  destination = "0.0.0.0/0"
  gateway     = "198.51.100.1"
  interface   = "eth0"
}

route "lan" {
  destination = "10.0.0.0/24"
  interface   = "eth1"
}

nat "masq" {
  type          = "masquerade"
  source        = "10.0.0.0/24"
  out_interface = "eth0"
  to            = "198.51.100.5"
}

vpn "wg0" {
  private_key = %q
  address     = "10.99.0.1/24"

  peer "site-b" {
    public_key  = %q
    endpoint    = "192.0.2.2:51820"
    allowed_ips = ["192.168.20.0/24"]
  }
}
`

func genKey(t *testing.T) wgtypes.Key {
	t.Helper()
	k, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return k
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func siteFile(t *testing.T) string {
	t.Helper()
	return writeConfig(t, "site.hcl", fmt.Sprintf(siteConfig, genKey(t).String(), genKey(t).PublicKey().String()))
}

func TestRunCheck_ValidConfig(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, RunCheck(&out, siteFile(t), false))

	s := out.String()
	assert.Contains(t, s, "Configuration valid!")
	assert.Contains(t, s, "no nfqueue block")
	assert.Contains(t, s, "10.0.0.0/24")
	assert.Contains(t, s, "masq")
	assert.NotContains(t, s, "routes:")
}

func TestRunCheck_VerboseDumpsTables(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, RunCheck(&out, siteFile(t), true))

	s := out.String()
	assert.Contains(t, s, "routes:")
	assert.Contains(t, s, "destination: 0.0.0.0/0")
	assert.Contains(t, s, "action: snat")
	assert.Contains(t, s, "name: site-b")
	assert.Contains(t, s, "name: conntrack")
	assert.NotContains(t, s, "private_key")
}

func TestRunCheck_InvalidConfig(t *testing.T) {
	tests := map[string]string{
		"syntax": `route "x" {`,
		"semantic": `
route "x" {
  destination = "not-a-prefix"
  interface   = "eth0"
}
`,
		"conflict": `
nat "a" {
  type = "snat"
  source = "10.0.0.0/24"
  to = "198.51.100.5"
}
nat "b" {
  type = "snat"
  source = "10.0.1.0/24"
  to = "198.51.100.5"
}
`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, "bad.hcl", body)
			assert.Error(t, RunCheck(&bytes.Buffer{}, path, false))
		})
	}
}

func TestRunCheck_MissingPath(t *testing.T) {
	assert.Error(t, RunCheck(&bytes.Buffer{}, "", false))
	assert.Error(t, RunCheck(&bytes.Buffer{}, filepath.Join(t.TempDir(), "none.hcl"), false))
}
