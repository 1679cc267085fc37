package dataplane

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowgate/internal/hook"
)

func TestKernelAccept(t *testing.T) {
	assert.True(t, kernelAccept(hook.Accept))
	assert.True(t, kernelAccept(hook.Queue))
	assert.False(t, kernelAccept(hook.Drop))
	assert.False(t, kernelAccept(hook.Stolen))
}

func TestIfaceNames(t *testing.T) {
	ifaces, err := net.Interfaces()
	require.NoError(t, err)
	if len(ifaces) == 0 {
		t.Skip("no interfaces")
	}

	var c ifaceNames
	first := ifaces[0]
	assert.Equal(t, first.Name, c.name(uint32(first.Index)))
	assert.Equal(t, first.Name, c.names[uint32(first.Index)], "cached")
	assert.Empty(t, c.name(1<<31), "unknown index")
}
