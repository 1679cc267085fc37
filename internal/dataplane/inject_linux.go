//go:build linux

package dataplane

import (
	"sync"

	"golang.org/x/sys/unix"

	"grimm.is/flowgate/internal/errors"
	"grimm.is/flowgate/internal/packet"
)

// Injector hands packets that arrived through a tunnel to the host stack
// over raw sockets. Injected packets carry the bypass mark so the steering
// rule does not queue them a second time.
type Injector struct {
	mark uint32

	mu  sync.Mutex
	fd4 int
	fd6 int
}

// OpenInjector opens the IPv4 and IPv6 raw sockets.
func OpenInjector(mark uint32) (*Injector, error) {
	in := &Injector{mark: mark, fd4: -1, fd6: -1}
	var err error
	if in.fd4, err = rawSocket(unix.AF_INET, mark); err != nil {
		return nil, err
	}
	if in.fd6, err = rawSocket(unix.AF_INET6, mark); err != nil {
		unix.Close(in.fd4)
		return nil, err
	}
	return in, nil
}

func rawSocket(family int, mark uint32) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_RAW)
	if err != nil {
		return -1, errors.Wrap(err, errors.KindUnavailable, "open raw socket")
	}
	if family == unix.AF_INET {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
			unix.Close(fd)
			return -1, errors.Wrap(err, errors.KindUnavailable, "set IP_HDRINCL")
		}
	}
	if mark != 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, int(mark)); err != nil {
			unix.Close(fd)
			return -1, errors.Wrap(err, errors.KindUnavailable, "set SO_MARK")
		}
	}
	return fd, nil
}

// Inject sends pkt, headers included, towards its destination address.
func (in *Injector) Inject(pkt *packet.Descriptor) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	dst := pkt.DstAddr()
	data := pkt.Data[pkt.L3Offset:]
	var err error
	switch {
	case in.fd4 < 0:
		return errors.New(errors.KindUnavailable, "injector closed")
	case dst.Is4():
		err = unix.Sendto(in.fd4, data, 0, &unix.SockaddrInet4{Addr: dst.As4()})
	case dst.Is6():
		err = unix.Sendto(in.fd6, data, 0, &unix.SockaddrInet6{Addr: dst.As16()})
	default:
		return errors.New(errors.KindValidation, "packet has no destination address")
	}
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "inject to %s", dst)
	}
	return nil
}

// Close releases the sockets.
func (in *Injector) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.fd4 < 0 {
		return nil
	}
	err := unix.Close(in.fd4)
	if err6 := unix.Close(in.fd6); err == nil {
		err = err6
	}
	in.fd4, in.fd6 = -1, -1
	return err
}
