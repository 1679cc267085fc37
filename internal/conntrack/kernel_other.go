//go:build !linux

package conntrack

import "grimm.is/flowgate/internal/errors"

// ImportKernelFlows is only supported on Linux.
func (t *Tracker) ImportKernelFlows() (int, error) {
	return 0, errors.New(errors.KindUnavailable, "kernel conntrack import requires linux")
}
