//go:build !linux

package vpn

import "grimm.is/flowgate/internal/errors"

// SetMark is only supported on Linux.
func (t *UDPTransport) SetMark(mark uint32) error {
	return errors.Errorf(errors.KindUnavailable, "%s: socket marks require linux", t.iface)
}
