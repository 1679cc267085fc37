package vpn

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"sync"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"grimm.is/flowgate/internal/errors"
	"grimm.is/flowgate/internal/logging"
)

// ReceiveFunc is called with every data message that arrives on a UDP
// transport. data is owned by the callee.
type ReceiveFunc func(iface string, from netip.AddrPort, data []byte)

// UDPTransport carries one interface's tunnel datagrams over a UDP socket.
// It answers peers' handshake initiations, matches responses to the
// initiations sent by Exchange and passes data messages to the receiver.
type UDPTransport struct {
	m      *Manager
	iface  string
	conn   *net.UDPConn
	recv   ReceiveFunc
	logger *logging.Logger

	mu      sync.Mutex
	pending map[uint32]chan []byte

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

const maxDatagram = 65535

// ListenUDP binds addr for iface and makes the socket iface's handshake
// transport. recv may be nil when only handshakes are carried.
func ListenUDP(m *Manager, iface string, addr netip.AddrPort, recv ReceiveFunc) (*UDPTransport, error) {
	if _, err := m.lookup(iface); err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "%s: listen %s", iface, addr)
	}

	t := &UDPTransport{
		m:       m,
		iface:   iface,
		conn:    conn,
		recv:    recv,
		logger:  m.logger.WithFields(map[string]any{"interface": iface}),
		pending: make(map[uint32]chan []byte),
		done:    make(chan struct{}),
	}
	m.SetInterfaceTransport(iface, t)

	t.wg.Add(1)
	go t.serve()
	t.logger.Info("tunnel socket listening", "addr", t.LocalAddr())
	return t, nil
}

// LocalAddr returns the bound address.
func (t *UDPTransport) LocalAddr() netip.AddrPort {
	return t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (t *UDPTransport) serve() {
	defer t.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Debug("tunnel read failed", "error", err)
			continue
		}
		if n == 0 {
			continue
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		t.handle(from, append([]byte(nil), buf[:n]...))
	}
}

func (t *UDPTransport) handle(from netip.AddrPort, msg []byte) {
	switch msg[0] {
	case msgInitiation:
		resp, err := t.m.respond(t.iface, msg, from)
		if err != nil {
			return
		}
		if _, err := t.conn.WriteToUDPAddrPort(resp, from); err != nil {
			t.logger.Debug("handshake response not sent", "to", from, "error", err)
		}
	case msgResponse:
		if len(msg) < 12 {
			return
		}
		idx := binary.LittleEndian.Uint32(msg[8:12])
		t.mu.Lock()
		ch, ok := t.pending[idx]
		delete(t.pending, idx)
		t.mu.Unlock()
		if ok {
			ch <- msg
		}
	case msgData:
		if t.recv != nil {
			t.recv(t.iface, from, msg)
		}
	default:
		t.logger.Debug("unknown tunnel datagram", "type", msg[0], "from", from)
	}
}

// Exchange implements HandshakeTransport.
func (t *UDPTransport) Exchange(ctx context.Context, endpoint netip.AddrPort, _ wgtypes.Key, msg []byte) ([]byte, error) {
	if !endpoint.IsValid() {
		return nil, errors.Errorf(errors.KindValidation, "%s: peer has no endpoint", t.iface)
	}
	if len(msg) < 8 {
		return nil, errors.Wrapf(errors.ErrProtocolViolation, errors.KindProtocolViolation, "short initiation")
	}
	idx := binary.LittleEndian.Uint32(msg[4:8])
	ch := make(chan []byte, 1)
	t.mu.Lock()
	t.pending[idx] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, idx)
		t.mu.Unlock()
	}()

	if _, err := t.conn.WriteToUDPAddrPort(msg, endpoint); err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "%s: send initiation to %s", t.iface, endpoint)
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, errors.Errorf(errors.KindUnavailable, "%s: transport closed", t.iface)
	}
}

// Send writes an encapsulated data message to endpoint.
func (t *UDPTransport) Send(endpoint netip.AddrPort, data []byte) error {
	if !endpoint.IsValid() {
		return errors.Errorf(errors.KindUnavailable, "%s: peer has no endpoint", t.iface)
	}
	if _, err := t.conn.WriteToUDPAddrPort(data, endpoint); err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "%s: send to %s", t.iface, endpoint)
	}
	return nil
}

// Close stops the reader and releases the socket. iface falls back to the
// manager's default transport.
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
		t.wg.Wait()
		t.m.SetInterfaceTransport(t.iface, nil)
	})
	return err
}
