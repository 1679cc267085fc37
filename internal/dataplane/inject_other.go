//go:build !linux

package dataplane

import (
	"grimm.is/flowgate/internal/errors"
	"grimm.is/flowgate/internal/packet"
)

// Injector is only available on Linux.
type Injector struct{}

// OpenInjector reports that raw injection is unsupported.
func OpenInjector(uint32) (*Injector, error) {
	return nil, errors.New(errors.KindUnavailable, "packet injection requires linux")
}

// Inject always fails.
func (*Injector) Inject(*packet.Descriptor) error {
	return errors.New(errors.KindUnavailable, "packet injection requires linux")
}

// Close is a no-op.
func (*Injector) Close() error { return nil }
