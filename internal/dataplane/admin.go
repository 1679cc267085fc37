package dataplane

import (
	"net/netip"

	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"grimm.is/flowgate/internal/config"
	"grimm.is/flowgate/internal/errors"
	"grimm.is/flowgate/internal/hook"
	"grimm.is/flowgate/internal/logging"
	"grimm.is/flowgate/internal/metrics"
	"grimm.is/flowgate/internal/nat"
	"grimm.is/flowgate/internal/routing"
	"grimm.is/flowgate/internal/vpn"
)

// InstallRoute adds a route.
func (p *Pipeline) InstallRoute(r routing.Route) error {
	return p.routes.Install(r)
}

// RemoveRoute deletes the route identified by prefix, gateway and
// interface.
func (p *Pipeline) RemoveRoute(prefix netip.Prefix, gateway netip.Addr, iface string) error {
	return p.routes.Remove(prefix, gateway, iface)
}

// InstallNATRule adds a translation rule and returns it with its ID set.
func (p *Pipeline) InstallNATRule(r nat.Rule) (nat.Rule, error) {
	return p.nat.Install(r)
}

// RemoveNATRule deletes a translation rule. Connections already bound to
// it keep their translation until they are destroyed.
func (p *Pipeline) RemoveNATRule(id uuid.UUID) error {
	return p.nat.Remove(id)
}

// AddVPNPeer configures a peer on a tunnel interface. An initiating peer
// is handshaken by the maintenance loop and rekeyed on the configured
// interval.
func (p *Pipeline) AddVPNPeer(iface string, cfg vpn.PeerConfig, initiate bool) error {
	if initiate && !cfg.Endpoint.IsValid() {
		return errors.Errorf(errors.KindValidation, "%s: peer %q needs an endpoint to initiate", iface, cfg.Name)
	}
	if err := p.vpn.AddPeer(iface, cfg); err != nil {
		return err
	}
	if initiate {
		p.tunnelMu.Lock()
		p.initiators[peerRef{iface, cfg.Name}] = true
		p.tunnelMu.Unlock()
	}
	return nil
}

// RemoveVPNPeer drops a peer and its session.
func (p *Pipeline) RemoveVPNPeer(iface, peer string) error {
	if err := p.vpn.RemovePeer(iface, peer); err != nil {
		return err
	}
	p.tunnelMu.Lock()
	delete(p.initiators, peerRef{iface, peer})
	delete(p.rotated, peerRef{iface, peer})
	p.tunnelMu.Unlock()
	return nil
}

// RotateVPNKeys moves a peer's session to the next key epoch.
func (p *Pipeline) RotateVPNKeys(iface, peer string) (uint32, error) {
	epoch, err := p.vpn.RotateKeys(iface, peer)
	if err != nil {
		return 0, err
	}
	p.tunnelMu.Lock()
	p.rotated[peerRef{iface, peer}] = p.clock.Now()
	p.tunnelMu.Unlock()
	return epoch, nil
}

// RegisterHook adds a user hook. Hooks registered with the same owner can
// be removed together with UnregisterHookOwner.
func (p *Pipeline) RegisterHook(stage hook.Stage, priority int, owner uuid.UUID, name string, h hook.Hook) (hook.Handle, error) {
	if owner == p.owner {
		return hook.Handle{}, errors.New(errors.KindValidation, "owner is reserved for built-in stages")
	}
	return p.hooks.RegisterOwned(stage, priority, owner, name, h)
}

// UnregisterHook removes a hook. Unknown handles are ignored.
func (p *Pipeline) UnregisterHook(h hook.Handle) {
	p.hooks.Unregister(h)
}

// UnregisterHookOwner removes every hook registered by owner and returns
// how many were removed. The built-in stages cannot be removed.
func (p *Pipeline) UnregisterHookOwner(owner uuid.UUID) int {
	if owner == p.owner || owner == uuid.Nil {
		return 0
	}
	return p.hooks.UnregisterOwner(owner)
}

// plan is a fully built and dry-run configuration ready to commit.
type plan struct {
	routes     []routing.Route
	rules      []nat.Rule
	ifaces     []vpn.InterfaceConfig
	initiators map[peerRef]bool
}

// ApplyConfig replaces the route table, the NAT rules and the tunnel
// interfaces with those of cfg. Everything is validated and built first;
// on failure nothing is changed. Table sizing and tunnel timing are fixed
// when the pipeline is created.
func (p *Pipeline) ApplyConfig(cfg *config.Config) error {
	pl, err := buildPlan(cfg)
	if err != nil {
		return err
	}

	p.applyMu.Lock()
	defer p.applyMu.Unlock()

	if err := p.checkTransition(pl.ifaces); err != nil {
		return err
	}
	prev := p.snapshot()

	if _, err := p.nat.Replace(pl.rules); err != nil {
		return err
	}
	if err := p.routes.Replace(pl.routes); err != nil {
		p.rollback(prev, false)
		return err
	}
	if err := p.reconcileVPN(pl.ifaces); err != nil {
		p.rollback(prev, true)
		return errors.Wrap(err, errors.KindInternal, "tunnel interfaces not applied, previous configuration restored")
	}

	p.tunnelMu.Lock()
	p.initiators = pl.initiators
	for ref := range p.rotated {
		if !p.vpn.HasInterface(ref.iface) {
			delete(p.rotated, ref)
		}
	}
	p.tunnelMu.Unlock()

	p.logger.Info("configuration applied",
		"routes", len(pl.routes), "nat_rules", len(pl.rules), "vpn_interfaces", len(pl.ifaces))
	return nil
}

func buildPlan(cfg *config.Config) (*plan, error) {
	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, errors.Wrap(errs, errors.KindValidation, "invalid configuration")
	}

	pl := &plan{initiators: make(map[peerRef]bool)}
	for _, r := range cfg.Routes {
		rt, err := r.Build()
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindValidation, "route %q", r.Name)
		}
		pl.routes = append(pl.routes, rt)
	}
	if k := cfg.KernelRoutes; k != nil {
		imported, err := routing.KernelRoutes(routing.KernelSource{Namespace: k.Namespace, Table: k.Table})
		if err != nil {
			return nil, err
		}
		pl.routes = append(pl.routes, imported...)
	}
	for _, n := range cfg.NAT {
		rule, err := n.Build()
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindValidation, "nat %q", n.Name)
		}
		pl.rules = append(pl.rules, rule)
	}
	for _, v := range cfg.VPN {
		ic, err := v.Build()
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindValidation, "vpn %q", v.Name)
		}
		pl.ifaces = append(pl.ifaces, ic)
		for _, peer := range v.Peers {
			if peer.Initiate {
				pl.initiators[peerRef{v.Name, peer.Name}] = true
			}
		}
	}

	if err := pl.dryRun(); err != nil {
		return nil, err
	}
	return pl, nil
}

// dryRun installs the plan into scratch components so conflicts between
// rules surface before anything live changes.
func (pl *plan) dryRun() error {
	quiet := logging.Nop()
	reg := metrics.New(nil)

	if err := routing.NewResolver(routing.Options{Logger: quiet, Metrics: reg}).Replace(pl.routes); err != nil {
		return err
	}
	if _, err := nat.New(nil, nat.Options{Logger: quiet, Metrics: reg}).Replace(pl.rules); err != nil {
		return err
	}
	m := vpn.NewManager(vpn.Options{Logger: quiet, Metrics: reg})
	for _, ic := range pl.ifaces {
		if err := m.AddInterface(ic); err != nil {
			return err
		}
	}
	return nil
}

// checkTransition walks the live tunnel keys through the same steps as
// reconcileVPN. A configuration that is consistent on its own can still
// clash midway, such as two interfaces trading keys; that is refused
// before anything changes.
func (p *Pipeline) checkTransition(want []vpn.InterfaceConfig) error {
	wanted := make(map[string]bool, len(want))
	for _, ic := range want {
		wanted[ic.Name] = true
	}
	keys := make(map[string]wgtypes.Key)
	for _, name := range p.vpn.Interfaces() {
		if !wanted[name] {
			continue
		}
		if cur, err := p.vpn.Config(name); err == nil {
			keys[name] = cur.PrivateKey
		}
	}

	for _, ic := range want {
		if keys[ic.Name] == ic.PrivateKey {
			continue
		}
		for name, k := range keys {
			if name != ic.Name && k == ic.PrivateKey {
				return errors.Errorf(errors.KindConflict,
					"interface %q takes the key still held by %q; change one interface at a time", ic.Name, name)
			}
		}
		keys[ic.Name] = ic.PrivateKey
	}
	return nil
}

// tables is the live configuration captured before an apply.
type tables struct {
	rules  []nat.Rule
	routes []routing.Route
	ifaces []vpn.InterfaceConfig
}

func (p *Pipeline) snapshot() tables {
	t := tables{rules: p.nat.Rules(), routes: p.routes.Routes()}
	for _, name := range p.vpn.Interfaces() {
		if ic, err := p.vpn.Config(name); err == nil {
			t.ifaces = append(t.ifaces, ic)
		}
	}
	return t
}

// rollback reinstates prev after a failed apply. Tunnel peers whose
// configuration was touched lose their sessions and handshake again.
func (p *Pipeline) rollback(prev tables, tunnels bool) {
	if tunnels {
		if err := p.reconcileVPN(prev.ifaces); err != nil {
			p.logger.Error("restoring tunnel interfaces failed", "error", err)
		}
	}
	if err := p.routes.Replace(prev.routes); err != nil {
		p.logger.Error("restoring routes failed", "error", err)
	}
	if _, err := p.nat.Replace(prev.rules); err != nil {
		p.logger.Error("restoring nat rules failed", "error", err)
	}
	p.logger.Warn("configuration rolled back")
}

// reconcileVPN brings the live tunnel interfaces in line with want,
// keeping the sessions of peers whose configuration did not change.
func (p *Pipeline) reconcileVPN(want []vpn.InterfaceConfig) error {
	wanted := make(map[string]bool, len(want))
	for _, ic := range want {
		wanted[ic.Name] = true
	}
	for _, name := range p.vpn.Interfaces() {
		if !wanted[name] {
			if err := p.vpn.RemoveInterface(name); err != nil {
				return err
			}
		}
	}

	for _, ic := range want {
		cur, err := p.vpn.Config(ic.Name)
		switch {
		case err != nil:
			err = p.vpn.AddInterface(ic)
		case cur.PrivateKey != ic.PrivateKey || cur.Address != ic.Address || cur.ListenPort != ic.ListenPort:
			err = p.vpn.ReplaceInterface(ic)
		default:
			err = p.reconcilePeers(ic.Name, cur.Peers, ic.Peers)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) reconcilePeers(iface string, have, want []vpn.PeerConfig) error {
	current := make(map[string]vpn.PeerConfig, len(have))
	for _, pc := range have {
		current[pc.Name] = pc
	}
	keep := make(map[string]bool, len(want))
	for _, pc := range want {
		if cur, ok := current[pc.Name]; ok && cur.Equal(pc) {
			keep[pc.Name] = true
		}
	}

	for name := range current {
		if !keep[name] {
			if err := p.vpn.RemovePeer(iface, name); err != nil {
				return err
			}
		}
	}
	for _, pc := range want {
		if keep[pc.Name] {
			continue
		}
		if err := p.vpn.AddPeer(iface, pc); err != nil {
			return err
		}
	}
	return nil
}

// NewFromConfig builds a pipeline sized by cfg and applies its tables.
// Fields of opts that cfg also sets are overridden.
func NewFromConfig(cfg *config.Config, opts Options) (*Pipeline, error) {
	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, errors.Wrap(errs, errors.KindValidation, "invalid configuration")
	}
	ct, err := cfg.Conntrack.Build()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "conntrack")
	}
	tun, err := cfg.Tunnel.Build()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "tunnel")
	}

	opts.Conntrack = ct
	opts.Grace = tun.Grace
	opts.HandshakeTimeout = tun.HandshakeTimeout
	opts.RekeyInterval = tun.RekeyInterval
	if cfg.Hooks != nil {
		opts.MaxRepeats = cfg.Hooks.MaxRepeats
	}

	p := New(opts)
	if err := p.ApplyConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.Conntrack != nil && cfg.Conntrack.ImportKernel {
		n, err := p.conns.ImportKernelFlows()
		if err != nil {
			p.logger.Warn("kernel connection import failed", "error", err)
		} else {
			p.logger.Info("kernel connections imported", "count", n)
		}
	}
	return p, nil
}
