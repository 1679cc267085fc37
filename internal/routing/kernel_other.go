//go:build !linux

package routing

import "grimm.is/flowgate/internal/errors"

// KernelSource selects which kernel routing table to import.
type KernelSource struct {
	Namespace string
	Table     int
}

// ImportKernelRoutes is only supported on Linux.
func (r *Resolver) ImportKernelRoutes(KernelSource) (int, error) {
	return 0, errors.New(errors.KindUnavailable, "kernel route import requires linux")
}

// KernelRoutes is only supported on Linux.
func KernelRoutes(KernelSource) ([]Route, error) {
	return nil, errors.New(errors.KindUnavailable, "kernel route import requires linux")
}
