package vpn

import (
	"math/rand/v2"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaissmai/bart"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"grimm.is/flowgate/internal/errors"
)

// Peer is a remote tunnel endpoint and its session state.
type Peer struct {
	name       string
	publicKey  wgtypes.Key
	psk        wgtypes.Key
	allowedIPs []netip.Prefix
	configured netip.AddrPort

	mu            sync.Mutex
	endpoint      netip.AddrPort // roams to the source of accepted initiations
	chain         [32]byte
	initiator     bool
	local         uint32
	remote        uint32
	established   bool
	epoch         uint32
	tx            *keyset
	rx            *keyset
	prev          *keyset
	prevUntil     time.Time
	prevBudget    int // remaining packets, -1 for unlimited
	lastHandshake time.Time

	lastInitiation stamp // newest initiation accepted as responder

	txBytes, rxBytes     uint64
	txPackets, rxPackets uint64
	authFailures         uint64
}

// Name returns the configured peer name.
func (p *Peer) Name() string { return p.name }

// PublicKey returns the peer's static public key.
func (p *Peer) PublicKey() wgtypes.Key { return p.publicKey }

// Endpoint returns the peer's current endpoint, if any.
func (p *Peer) Endpoint() netip.AddrPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoint
}

func (p *Peer) roam(addr netip.AddrPort) {
	if !addr.IsValid() {
		return
	}
	p.mu.Lock()
	p.endpoint = addr
	p.mu.Unlock()
}

// Established reports whether a handshake has completed.
func (p *Peer) Established() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.established
}

// Epoch returns the current key epoch.
func (p *Peer) Epoch() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch
}

// session is the outcome of a completed handshake.
type session struct {
	chain     [32]byte
	initiator bool
	local     uint32
	remote    uint32
}

// install sets the keys for epoch from the chaining key. Caller holds p.mu.
func (p *Peer) install(epoch uint32) {
	a, b := sessionKeys(p.chain, epoch)
	if p.initiator {
		p.tx, p.rx = newKeyset(epoch, a), newKeyset(epoch, b)
	} else {
		p.tx, p.rx = newKeyset(epoch, b), newKeyset(epoch, a)
	}
	p.epoch = epoch
}

// peek derives the receive key of epoch without installing it. Caller
// holds p.mu.
func (p *Peer) peek(epoch uint32) *keyset {
	a, b := sessionKeys(p.chain, epoch)
	if p.initiator {
		return newKeyset(epoch, b)
	}
	return newKeyset(epoch, a)
}

// graceOpen reports whether the previous epoch still validates. It retires
// the previous key once the window has closed. Caller holds p.mu.
func (p *Peer) graceOpen(now time.Time) bool {
	if p.prev == nil {
		return false
	}
	if !now.Before(p.prevUntil) || p.prevBudget == 0 {
		p.prev = nil
		return false
	}
	return true
}

func (p *Peer) status(iface string, now time.Time) PeerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PeerStatus{
		Interface:     iface,
		Name:          p.name,
		PublicKey:     p.publicKey.String(),
		AllowedIPs:    prefixStrings(p.allowedIPs),
		Established:   p.established,
		Initiator:     p.established && p.initiator,
		Epoch:         p.epoch,
		GraceOpen:     p.graceOpen(now),
		LastHandshake: p.lastHandshake,
		TxBytes:       p.txBytes,
		RxBytes:       p.rxBytes,
		TxPackets:     p.txPackets,
		RxPackets:     p.rxPackets,
		AuthFailures:  p.authFailures,
	}
	if p.endpoint.IsValid() {
		s.Endpoint = p.endpoint.String()
	}
	return s
}

func (p *Peer) config() PeerConfig {
	return PeerConfig{
		Name:         p.name,
		PublicKey:    p.publicKey,
		PresharedKey: p.psk,
		Endpoint:     p.configured,
		AllowedIPs:   slices.Clone(p.allowedIPs),
	}
}

// Interface is a local tunnel endpoint owning a set of peers.
type Interface struct {
	name       string
	address    netip.Prefix
	listenPort int
	privateKey wgtypes.Key
	publicKey  wgtypes.Key

	mu      sync.RWMutex
	peers   map[string]*Peer
	byKey   map[wgtypes.Key]*Peer
	byIndex map[uint32]*Peer
	allowed atomic.Pointer[bart.Table[*Peer]]

	txBytes, rxBytes     atomic.Uint64
	txPackets, rxPackets atomic.Uint64
}

func newInterface(cfg InterfaceConfig) *Interface {
	in := &Interface{
		name:       cfg.Name,
		address:    cfg.Address,
		listenPort: cfg.ListenPort,
		privateKey: cfg.PrivateKey,
		publicKey:  cfg.PrivateKey.PublicKey(),
		peers:      make(map[string]*Peer),
		byKey:      make(map[wgtypes.Key]*Peer),
		byIndex:    make(map[uint32]*Peer),
	}
	in.allowed.Store(new(bart.Table[*Peer]))
	return in
}

// Name returns the interface name.
func (in *Interface) Name() string { return in.name }

// PublicKey returns the interface's static public key.
func (in *Interface) PublicKey() wgtypes.Key { return in.publicKey }

// Address returns the local tunnel address.
func (in *Interface) Address() netip.Prefix { return in.address }

func (in *Interface) peer(name string) (*Peer, error) {
	in.mu.RLock()
	p, ok := in.peers[name]
	in.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownPeer, errors.KindNotFound, "%s: peer %q", in.name, name)
	}
	return p, nil
}

func (in *Interface) peerByKey(k wgtypes.Key) *Peer {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.byKey[k]
}

func (in *Interface) peerByIndex(i uint32) *Peer {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.byIndex[i]
}

// newIndex picks a fresh nonzero receiver index.
func (in *Interface) newIndex() uint32 {
	in.mu.RLock()
	defer in.mu.RUnlock()
	for {
		i := rand.Uint32()
		if _, taken := in.byIndex[i]; i != 0 && !taken {
			return i
		}
	}
}

func validatePeer(cfg PeerConfig) error {
	if cfg.Name == "" {
		return errors.New(errors.KindValidation, "peer name is required")
	}
	if cfg.PublicKey == (wgtypes.Key{}) {
		return errors.Errorf(errors.KindValidation, "peer %q: public key is required", cfg.Name)
	}
	for _, p := range cfg.AllowedIPs {
		if !p.IsValid() {
			return errors.Errorf(errors.KindValidation, "peer %q: invalid allowed ip", cfg.Name)
		}
	}
	return nil
}

// addPeer validates cfg against the interface and publishes it.
func (in *Interface) addPeer(cfg PeerConfig) (*Peer, error) {
	if err := validatePeer(cfg); err != nil {
		return nil, err
	}
	if cfg.PublicKey == in.publicKey {
		return nil, errors.Errorf(errors.KindValidation, "peer %q: key belongs to interface %s", cfg.Name, in.name)
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if _, dup := in.peers[cfg.Name]; dup {
		return nil, errors.Errorf(errors.KindConflict, "%s: peer %q already configured", in.name, cfg.Name)
	}
	if o, dup := in.byKey[cfg.PublicKey]; dup {
		return nil, errors.Errorf(errors.KindConflict, "%s: key of peer %q already used by %q", in.name, cfg.Name, o.name)
	}

	p := &Peer{
		name:       cfg.Name,
		publicKey:  cfg.PublicKey,
		psk:        cfg.PresharedKey,
		endpoint:   cfg.Endpoint,
		configured: cfg.Endpoint,
		allowedIPs: slices.Clone(cfg.AllowedIPs),
	}
	next := in.allowed.Load().Clone()
	for _, pfx := range cfg.AllowedIPs {
		pfx = pfx.Masked()
		if o, dup := next.Get(pfx); dup {
			return nil, errors.Errorf(errors.KindConflict, "%s: allowed ip %s of peer %q already routed to %q", in.name, pfx, cfg.Name, o.name)
		}
		next.Insert(pfx, p)
	}

	in.peers[p.name] = p
	in.byKey[p.publicKey] = p
	in.allowed.Store(next)
	return p, nil
}

func (in *Interface) removePeer(name string) (*Peer, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	p, ok := in.peers[name]
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownPeer, errors.KindNotFound, "%s: peer %q", in.name, name)
	}
	next := in.allowed.Load().Clone()
	for _, pfx := range p.allowedIPs {
		next.Delete(pfx.Masked())
	}
	delete(in.peers, name)
	delete(in.byKey, p.publicKey)

	p.mu.Lock()
	if p.local != 0 {
		delete(in.byIndex, p.local)
	}
	p.established = false
	p.tx, p.rx, p.prev = nil, nil, nil
	p.chain = [32]byte{}
	p.mu.Unlock()

	in.allowed.Store(next)
	return p, nil
}

// establish installs epoch 0 of a fresh session on p.
func (in *Interface) establish(p *Peer, s session, now time.Time) {
	p.mu.Lock()
	old := p.local
	p.chain = s.chain
	p.initiator = s.initiator
	p.local, p.remote = s.local, s.remote
	p.install(0)
	p.prev = nil
	p.established = true
	p.lastHandshake = now
	p.mu.Unlock()

	in.mu.Lock()
	if old != 0 && in.byIndex[old] == p {
		delete(in.byIndex, old)
	}
	if _, live := in.byKey[p.publicKey]; live {
		in.byIndex[s.local] = p
	}
	in.mu.Unlock()
}

// lookupAllowed returns the peer whose allowed IPs cover addr.
func (in *Interface) lookupAllowed(addr netip.Addr) (*Peer, bool) {
	return in.allowed.Load().Lookup(addr)
}

func (in *Interface) snapshot() []*Peer {
	in.mu.RLock()
	defer in.mu.RUnlock()
	out := make([]*Peer, 0, len(in.peers))
	for _, p := range in.peers {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *Peer) int {
		if a.name < b.name {
			return -1
		}
		if a.name > b.name {
			return 1
		}
		return 0
	})
	return out
}
