//go:build linux

package vpn

import (
	"golang.org/x/sys/unix"

	"grimm.is/flowgate/internal/errors"
)

// SetMark sets the firewall mark of the socket's packets so steering rules
// can leave the tunnel's own datagrams alone.
func (t *UDPTransport) SetMark(mark uint32) error {
	raw, err := t.conn.SyscallConn()
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "%s: socket", t.iface)
	}
	var serr error
	if err := raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(mark))
	}); err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "%s: socket", t.iface)
	}
	if serr != nil {
		return errors.Wrapf(serr, errors.KindUnavailable, "%s: set mark %#x", t.iface, mark)
	}
	return nil
}
