//go:build !linux

package dataplane

import "grimm.is/flowgate/internal/errors"

// Steering is only available on Linux.
type Steering struct{}

// Steer always fails outside Linux.
func Steer(SteerConfig) (*Steering, error) {
	return nil, errors.New(errors.KindUnavailable, "nftables steering requires linux")
}

// Remove is a no-op.
func (s *Steering) Remove() error { return nil }
