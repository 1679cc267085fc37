package vpn

import (
	"context"
	"encoding/binary"
	"net/netip"
	"slices"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"grimm.is/flowgate/internal/clock"
	"grimm.is/flowgate/internal/errors"
	"grimm.is/flowgate/internal/events"
	"grimm.is/flowgate/internal/logging"
	"grimm.is/flowgate/internal/metrics"
)

// DefaultHandshakeTimeout bounds one handshake round trip.
const DefaultHandshakeTimeout = 5 * time.Second

// Options wires a Manager's collaborators.
type Options struct {
	Transport        HandshakeTransport
	Grace            Grace
	HandshakeTimeout time.Duration
	Clock            clock.Clock
	Events           *events.Hub
	Logger           *logging.Logger
	Metrics          *metrics.Registry
}

// Manager owns the tunnel interfaces and their peers.
type Manager struct {
	mu     sync.RWMutex
	ifaces map[string]*Interface

	transport  HandshakeTransport
	transports map[string]HandshakeTransport
	grace      Grace
	timeout    time.Duration
	clock      clock.Clock
	events     *events.Hub
	logger     *logging.Logger
	metrics    *metrics.Registry
}

// NewManager creates a manager with no interfaces.
func NewManager(opts Options) *Manager {
	m := &Manager{
		ifaces:     make(map[string]*Interface),
		transport:  opts.Transport,
		transports: make(map[string]HandshakeTransport),
		grace:      opts.Grace,
		timeout:    opts.HandshakeTimeout,
		clock:      clock.Or(opts.Clock),
		events:     opts.Events,
		logger:     logging.OrDefault(opts.Logger).WithComponent("vpn"),
		metrics:    metrics.Or(opts.Metrics),
	}
	if m.timeout <= 0 {
		m.timeout = DefaultHandshakeTimeout
	}
	if m.grace == (Grace{}) {
		m.grace = DefaultGrace()
	}
	return m
}

// SetTransport replaces the default handshake transport.
func (m *Manager) SetTransport(t HandshakeTransport) {
	m.mu.Lock()
	m.transport = t
	m.mu.Unlock()
}

// SetInterfaceTransport routes iface's handshakes through t instead of the
// default transport. A nil t removes the override.
func (m *Manager) SetInterfaceTransport(iface string, t HandshakeTransport) {
	m.mu.Lock()
	if t == nil {
		delete(m.transports, iface)
	} else {
		m.transports[iface] = t
	}
	m.mu.Unlock()
}

func (m *Manager) lookup(name string) (*Interface, error) {
	m.mu.RLock()
	in, ok := m.ifaces[name]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownInterface, errors.KindNotFound, "interface %q", name)
	}
	return in, nil
}

func (m *Manager) peer(iface, name string) (*Interface, *Peer, error) {
	in, err := m.lookup(iface)
	if err != nil {
		return nil, nil, err
	}
	p, err := in.peer(name)
	if err != nil {
		return nil, nil, err
	}
	return in, p, nil
}

// AddInterface creates an interface with its configured peers. Nothing is
// added if any peer is invalid.
func (m *Manager) AddInterface(cfg InterfaceConfig) error {
	in, err := buildInterface(cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.ifaces[cfg.Name]; dup {
		return errors.Errorf(errors.KindConflict, "interface %q already exists", cfg.Name)
	}
	if err := m.keyClash(in); err != nil {
		return err
	}
	m.ifaces[cfg.Name] = in
	m.logger.Info("tunnel interface added", "interface", cfg.Name, "public_key", in.publicKey.String(), "peers", len(cfg.Peers))
	return nil
}

// ReplaceInterface swaps an existing interface for one built from cfg.
// Sessions of the old interface are dropped; its transport is kept.
func (m *Manager) ReplaceInterface(cfg InterfaceConfig) error {
	in, err := buildInterface(cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old, ok := m.ifaces[cfg.Name]
	if !ok {
		m.mu.Unlock()
		return errors.Wrapf(errors.ErrUnknownInterface, errors.KindNotFound, "interface %q", cfg.Name)
	}
	if err := m.keyClash(in); err != nil {
		m.mu.Unlock()
		return err
	}
	m.ifaces[cfg.Name] = in
	m.mu.Unlock()

	for _, p := range old.snapshot() {
		_, _ = old.removePeer(p.name)
	}
	m.metrics.VPNPeersConnected.WithLabelValues(cfg.Name).Set(0)
	m.logger.Info("tunnel interface replaced", "interface", cfg.Name, "public_key", in.publicKey.String(), "peers", len(cfg.Peers))
	return nil
}

func buildInterface(cfg InterfaceConfig) (*Interface, error) {
	if cfg.Name == "" {
		return nil, errors.New(errors.KindValidation, "interface name is required")
	}
	if cfg.PrivateKey == (wgtypes.Key{}) {
		return nil, errors.Errorf(errors.KindValidation, "interface %q: private key is required", cfg.Name)
	}
	in := newInterface(cfg)
	for _, pc := range cfg.Peers {
		if _, err := in.addPeer(pc); err != nil {
			return nil, err
		}
	}
	return in, nil
}

// keyClash rejects in when another interface uses its key. Caller holds m.mu.
func (m *Manager) keyClash(in *Interface) error {
	for name, o := range m.ifaces {
		if name != in.name && o.publicKey == in.publicKey {
			return errors.Errorf(errors.KindConflict, "interface %q reuses the key of %q", in.name, name)
		}
	}
	return nil
}

// RemoveInterface drops an interface and all of its sessions.
func (m *Manager) RemoveInterface(name string) error {
	m.mu.Lock()
	in, ok := m.ifaces[name]
	delete(m.ifaces, name)
	delete(m.transports, name)
	m.mu.Unlock()
	if !ok {
		return errors.Wrapf(errors.ErrUnknownInterface, errors.KindNotFound, "interface %q", name)
	}
	for _, p := range in.snapshot() {
		_, _ = in.removePeer(p.name)
	}
	m.metrics.VPNPeersConnected.WithLabelValues(name).Set(0)
	m.logger.Info("tunnel interface removed", "interface", name)
	return nil
}

// Interfaces returns the interface names in order.
func (m *Manager) Interfaces() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.ifaces))
	for name := range m.ifaces {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// HasInterface reports whether name is a tunnel interface.
func (m *Manager) HasInterface(name string) bool {
	_, err := m.lookup(name)
	return err == nil
}

// AddPeer configures a peer on iface.
func (m *Manager) AddPeer(iface string, cfg PeerConfig) error {
	in, err := m.lookup(iface)
	if err != nil {
		return err
	}
	if _, err := in.addPeer(cfg); err != nil {
		return err
	}
	m.logger.Info("tunnel peer added", "interface", iface, "peer", cfg.Name, "allowed_ips", len(cfg.AllowedIPs))
	return nil
}

// RemovePeer drops a peer and forgets its session.
func (m *Manager) RemovePeer(iface, name string) error {
	in, err := m.lookup(iface)
	if err != nil {
		return err
	}
	p, err := in.removePeer(name)
	if err != nil {
		return err
	}
	m.updateEstablished(in)
	m.logger.Info("tunnel peer removed", "interface", iface, "peer", p.name)
	return nil
}

func (m *Manager) updateEstablished(in *Interface) {
	n := 0
	for _, p := range in.snapshot() {
		if p.Established() {
			n++
		}
	}
	m.metrics.VPNPeersConnected.WithLabelValues(in.name).Set(float64(n))
}

// Handshake runs the initiator side of a handshake with peer. On success
// the peer is established at epoch 0.
func (m *Manager) Handshake(ctx context.Context, iface, peer string) error {
	in, p, err := m.peer(iface, peer)
	if err != nil {
		return err
	}
	m.mu.RLock()
	transport, ok := m.transports[iface]
	if !ok {
		transport = m.transport
	}
	m.mu.RUnlock()
	if transport == nil {
		return errors.Errorf(errors.KindUnavailable, "%s: no handshake transport", iface)
	}

	err = m.handshake(ctx, transport, in, p)
	m.recordHandshake(in, p, err)
	return err
}

func (m *Manager) handshake(ctx context.Context, transport HandshakeTransport, in *Interface, p *Peer) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	st, err := in.initiate(p, m.clock.Now())
	if err != nil {
		return err
	}
	resp, err := transport.Exchange(ctx, p.Endpoint(), p.publicKey, st.msg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			p.mu.Lock()
			p.established = false
			p.mu.Unlock()
			return errors.Wrapf(errors.ErrHandshakeTimeout, errors.KindTimeout, "%s: peer %q", in.name, p.name)
		}
		return err
	}
	if ctx.Err() != nil {
		return errors.Wrapf(errors.ErrHandshakeTimeout, errors.KindTimeout, "%s: peer %q", in.name, p.name)
	}
	return in.complete(st, resp, m.clock.Now())
}

func (m *Manager) recordHandshake(in *Interface, p *Peer, err error) {
	result := "success"
	ev := events.Handshake{Interface: in.name, Peer: p.name, OK: err == nil}
	if err != nil {
		result = "failure"
		if errors.Is(err, errors.ErrHandshakeTimeout) {
			result = "timeout"
		}
		ev.Error = err.Error()
		m.logger.Warn("handshake failed", "interface", in.name, "peer", p.name, "error", err)
	} else {
		m.logger.Info("handshake complete", "interface", in.name, "peer", p.name)
	}
	m.metrics.VPNHandshakes.WithLabelValues(in.name, result).Inc()
	m.updateEstablished(in)
	m.events.Emit("vpn", ev)
}

// Respond answers a handshake initiation received on iface.
func (m *Manager) Respond(iface string, msg []byte) ([]byte, error) {
	return m.respond(iface, msg, netip.AddrPort{})
}

// respond answers an initiation that arrived from the outer address from.
// A verified initiator's endpoint moves to from.
func (m *Manager) respond(iface string, msg []byte, from netip.AddrPort) ([]byte, error) {
	in, err := m.lookup(iface)
	if err != nil {
		return nil, err
	}
	resp, p, err := in.respond(msg, m.clock.Now())
	if p != nil {
		if err == nil {
			p.roam(from)
		}
		m.recordHandshake(in, p, err)
	} else if err != nil {
		m.metrics.VPNHandshakes.WithLabelValues(iface, "failure").Inc()
		m.logger.Debug("handshake initiation rejected", "interface", iface, "error", err)
	}
	return resp, err
}

// Encapsulate seals payload for peer under the current transmit key. The
// result is a data message: a 20-byte header (type, receiver index, epoch,
// counter) followed by the ciphertext.
func (m *Manager) Encapsulate(iface string, payload []byte, peer string) ([]byte, error) {
	in, p, err := m.peer(iface, peer)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if !p.established || p.tx == nil {
		p.mu.Unlock()
		return nil, errors.Wrapf(errors.ErrPeerNotEstablished, errors.KindUnavailable, "%s: peer %q", iface, peer)
	}
	ks := p.tx
	counter := ks.counter
	ks.counter++
	remote := p.remote
	p.txBytes += uint64(len(payload))
	p.txPackets++
	p.mu.Unlock()

	out := make([]byte, dataHeaderLen, dataHeaderLen+len(payload)+tagLen)
	out[0] = msgData
	binary.LittleEndian.PutUint32(out[4:8], remote)
	binary.LittleEndian.PutUint32(out[8:12], ks.epoch)
	binary.LittleEndian.PutUint64(out[12:20], counter)
	out = ks.aead.Seal(out, nonceFor(counter), payload, out[:dataHeaderLen])

	in.txBytes.Add(uint64(len(payload)))
	in.txPackets.Add(1)
	m.metrics.VPNBytes.WithLabelValues(iface, "tx").Add(float64(len(payload)))
	m.metrics.VPNPackets.WithLabelValues(iface, "tx").Inc()
	return out, nil
}

// Decapsulate authenticates and opens a data message received on iface. It
// accepts the peer's current epoch, or the previous epoch while its grace
// window is open.
func (m *Manager) Decapsulate(iface string, data []byte) (string, []byte, error) {
	in, err := m.lookup(iface)
	if err != nil {
		return "", nil, err
	}
	if len(data) < dataHeaderLen+tagLen || data[0] != msgData {
		m.events.Emit("vpn", events.ProtocolViolation{Stage: "decapsulate", Reason: "short or unknown message", Length: len(data)})
		return "", nil, errors.Wrapf(errors.ErrProtocolViolation, errors.KindProtocolViolation,
			"%s: tunnel message of %d bytes", iface, len(data))
	}
	index := binary.LittleEndian.Uint32(data[4:8])
	epoch := binary.LittleEndian.Uint32(data[8:12])
	counter := binary.LittleEndian.Uint64(data[12:20])

	p := in.peerByIndex(index)
	if p == nil {
		return "", nil, errors.Wrapf(errors.ErrUnknownPeer, errors.KindNotFound, "%s: receiver index %d", iface, index)
	}

	now := m.clock.Now()
	p.mu.Lock()
	if !p.established || p.rx == nil {
		p.mu.Unlock()
		return "", nil, errors.Wrapf(errors.ErrPeerNotEstablished, errors.KindUnavailable, "%s: peer %q", iface, p.name)
	}
	var ks *keyset
	fromPrev, next := false, false
	switch {
	case epoch == p.rx.epoch:
		ks = p.rx
	case p.prev != nil && epoch == p.prev.epoch && p.graceOpen(now):
		ks = p.prev
		fromPrev = true
		if p.prevBudget > 0 {
			p.prevBudget--
		}
	case epoch == p.rx.epoch+1 && !p.graceOpen(now):
		// The peer rotated first. Its packet is only trusted once it
		// authenticates under the key we would derive ourselves, and not
		// while the previous epoch is still valid.
		ks = p.peek(epoch)
		next = true
	}
	p.mu.Unlock()

	if ks == nil {
		return "", nil, m.authFailure(in, p, epoch, "epoch %d not valid", epoch)
	}
	payload, err := ks.aead.Open(nil, nonceFor(counter), data[dataHeaderLen:], data[:dataHeaderLen])
	if err == nil && next {
		m.follow(in, p, epoch)
	}
	if err != nil {
		if fromPrev {
			p.mu.Lock()
			if p.prev == ks && p.prevBudget >= 0 {
				p.prevBudget++
			}
			p.mu.Unlock()
		}
		return "", nil, m.authFailure(in, p, epoch, "integrity check failed")
	}

	p.mu.Lock()
	p.rxBytes += uint64(len(payload))
	p.rxPackets++
	p.mu.Unlock()
	in.rxBytes.Add(uint64(len(payload)))
	in.rxPackets.Add(1)
	m.metrics.VPNBytes.WithLabelValues(iface, "rx").Add(float64(len(payload)))
	m.metrics.VPNPackets.WithLabelValues(iface, "rx").Inc()
	return p.name, payload, nil
}

func (m *Manager) authFailure(in *Interface, p *Peer, epoch uint32, format string, args ...any) error {
	p.mu.Lock()
	p.authFailures++
	p.mu.Unlock()
	m.metrics.VPNAuthFailures.WithLabelValues(in.name).Inc()
	m.events.Emit("vpn", events.AuthFailure{Interface: in.name, Peer: p.name, Epoch: epoch})
	return errors.Attr(errors.Wrapf(errors.ErrAuthenticationFailure, errors.KindCrypto, format, args...), "peer", p.name)
}

// rotate installs the next epoch and keeps the current receive key for
// the grace window. Caller holds p.mu.
func (m *Manager) rotate(p *Peer) {
	prev := p.rx
	p.install(p.epoch + 1)
	p.prev = prev
	p.prevUntil = m.clock.Now().Add(m.grace.Window)
	p.prevBudget = -1
	if m.grace.Packets > 0 {
		p.prevBudget = m.grace.Packets
	}
}

// RotateKeys moves peer to the next epoch. The previous receive key stays
// valid until the grace window closes; any older key is retired, so at
// most two receive epochs are accepted at once.
func (m *Manager) RotateKeys(iface, peer string) (uint32, error) {
	in, p, err := m.peer(iface, peer)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	if !p.established {
		p.mu.Unlock()
		return 0, errors.Wrapf(errors.ErrPeerNotEstablished, errors.KindUnavailable, "%s: peer %q", iface, peer)
	}
	m.rotate(p)
	epoch := p.epoch
	p.mu.Unlock()

	m.metrics.VPNRekeys.WithLabelValues(iface).Inc()
	m.events.Emit("vpn", events.Rekey{Interface: iface, Peer: peer, Epoch: epoch})
	m.logger.Debug("session keys rotated", "interface", in.name, "peer", peer, "epoch", epoch)
	return epoch, nil
}

// follow rotates p to epoch after the peer was seen using it.
func (m *Manager) follow(in *Interface, p *Peer, epoch uint32) {
	p.mu.Lock()
	if p.epoch+1 != epoch {
		p.mu.Unlock()
		return
	}
	m.rotate(p)
	p.mu.Unlock()

	m.metrics.VPNRekeys.WithLabelValues(in.name).Inc()
	m.events.Emit("vpn", events.Rekey{Interface: in.name, Peer: p.name, Epoch: epoch})
	m.logger.Debug("following peer key rotation", "interface", in.name, "peer", p.name, "epoch", epoch)
}

// PeerFor returns the peer whose allowed IPs cover dst.
func (m *Manager) PeerFor(iface string, dst netip.Addr) (string, bool) {
	in, err := m.lookup(iface)
	if err != nil {
		return "", false
	}
	p, ok := in.lookupAllowed(dst)
	if !ok || p == nil {
		return "", false
	}
	return p.name, true
}

// Config returns the configuration iface was built from, with its current
// peer set.
func (m *Manager) Config(iface string) (InterfaceConfig, error) {
	in, err := m.lookup(iface)
	if err != nil {
		return InterfaceConfig{}, err
	}
	cfg := InterfaceConfig{
		Name:       in.name,
		PrivateKey: in.privateKey,
		Address:    in.address,
		ListenPort: in.listenPort,
	}
	for _, p := range in.snapshot() {
		cfg.Peers = append(cfg.Peers, p.config())
	}
	return cfg, nil
}

// Endpoint returns the peer's current outer address.
func (m *Manager) Endpoint(iface, peer string) (netip.AddrPort, error) {
	_, p, err := m.peer(iface, peer)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return p.Endpoint(), nil
}

// PeerStatus reports one peer.
func (m *Manager) PeerStatus(iface, peer string) (PeerStatus, error) {
	_, p, err := m.peer(iface, peer)
	if err != nil {
		return PeerStatus{}, err
	}
	return p.status(iface, m.clock.Now()), nil
}

// Status reports every interface and peer.
func (m *Manager) Status() []InterfaceStatus {
	now := m.clock.Now()
	var out []InterfaceStatus
	for _, name := range m.Interfaces() {
		in, err := m.lookup(name)
		if err != nil {
			continue
		}
		s := InterfaceStatus{
			Name:      name,
			PublicKey: in.publicKey.String(),
			TxBytes:   in.txBytes.Load(),
			RxBytes:   in.rxBytes.Load(),
			TxPackets: in.txPackets.Load(),
			RxPackets: in.rxPackets.Load(),
		}
		if in.address.IsValid() {
			s.Address = in.address.String()
		}
		for _, p := range in.snapshot() {
			s.Peers = append(s.Peers, p.status(name, now))
		}
		out = append(out, s)
	}
	return out
}
