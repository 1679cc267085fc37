package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func TestRunGenKey(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, RunGenKey(&out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	priv := strings.Trim(strings.TrimSpace(strings.SplitN(lines[0], "=", 2)[1]), `"`)
	pub := strings.Trim(strings.TrimSpace(strings.SplitN(lines[1], "=", 2)[1]), `"`)

	key, err := wgtypes.ParseKey(priv)
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey().String(), pub)

	var again bytes.Buffer
	require.NoError(t, RunPubKey(&again, priv))
	assert.Equal(t, pub, strings.TrimSpace(again.String()))
}

func TestRunPubKey_Invalid(t *testing.T) {
	assert.Error(t, RunPubKey(&bytes.Buffer{}, "not-a-key"))
}

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	RunVersion(&out)
	assert.Contains(t, out.String(), "Flowgate")
}
