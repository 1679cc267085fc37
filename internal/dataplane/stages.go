package dataplane

import (
	"grimm.is/flowgate/internal/conntrack"
	"grimm.is/flowgate/internal/errors"
	"grimm.is/flowgate/internal/hook"
	"grimm.is/flowgate/internal/packet"
)

// registerBuiltins installs the pipeline's own stages under p.owner.
// Tracking and destination translation run on both entry stages so
// locally originated replies are un-translated like forwarded ones.
func (p *Pipeline) registerBuiltins() {
	builtins := []struct {
		stage    hook.Stage
		priority int
		name     string
		fn       hook.Func
	}{
		{hook.PreRouting, hook.PriorityConntrack, "conntrack", p.track},
		{hook.PreRouting, hook.PriorityDNAT, "dnat", p.dnat},
		{hook.LocalOut, hook.PriorityConntrack, "conntrack", p.track},
		{hook.LocalOut, hook.PriorityDNAT, "dnat", p.dnat},
		{hook.PostRouting, hook.PrioritySNAT, "snat", p.snat},
		{hook.PostRouting, hook.PriorityTunnel, "tunnel", p.tunnel},
	}
	for _, b := range builtins {
		_, err := p.hooks.RegisterOwned(b.stage, b.priority, p.owner, b.name, b.fn)
		errors.Assert(err == nil, "register built-in %s hook: %v", b.name, err)
	}
}

// track attaches the connection entry to the packet.
func (p *Pipeline) track(pkt *packet.Descriptor) hook.Verdict {
	m, err := p.conns.LookupOrCreate(pkt)
	if err != nil {
		pkt.Err = err
		return hook.Drop
	}
	pkt.Conn = m
	return hook.Accept
}

func match(pkt *packet.Descriptor) (conntrack.Match, bool) {
	m, ok := pkt.Conn.(conntrack.Match)
	return m, ok && m.Entry != nil
}

// dnat destination-translates original packets and restores replies.
func (p *Pipeline) dnat(pkt *packet.Descriptor) hook.Verdict {
	m, ok := match(pkt)
	if !ok {
		return hook.Accept
	}
	if err := p.nat.ApplyInbound(pkt, m); err != nil {
		pkt.Err = err
		return hook.Drop
	}
	return hook.Accept
}

// snat source-translates original packets after the routing decision.
func (p *Pipeline) snat(pkt *packet.Descriptor) hook.Verdict {
	m, ok := match(pkt)
	if !ok {
		return hook.Accept
	}
	if err := p.nat.ApplyOutbound(pkt, m); err != nil {
		pkt.Err = err
		return hook.Drop
	}
	return hook.Accept
}

// tunnel encapsulates packets routed out of a tunnel interface and sends
// them to the peer whose allowed IPs cover the destination. Packets for
// other interfaces pass untouched.
func (p *Pipeline) tunnel(pkt *packet.Descriptor) hook.Verdict {
	iface := pkt.OutInterface
	if iface == "" || !p.vpn.HasInterface(iface) {
		return hook.Accept
	}

	peer, ok := p.vpn.PeerFor(iface, pkt.DstAddr())
	if !ok {
		pkt.Err = errors.Wrapf(errors.ErrNoTunnelPeer, errors.KindNotFound, "%s: %s", iface, pkt.DstAddr())
		return hook.Drop
	}
	msg, err := p.vpn.Encapsulate(iface, pkt.Data, peer)
	if err != nil {
		pkt.Err = err
		return hook.Drop
	}

	s, ok := p.sender(iface)
	if !ok {
		pkt.Err = errors.Errorf(errors.KindUnavailable, "%s: no tunnel socket attached", iface)
		return hook.Drop
	}
	endpoint, err := p.vpn.Endpoint(iface, peer)
	if err == nil {
		err = s.Send(endpoint, msg)
	}
	if err != nil {
		pkt.Err = errors.Attr(err, "peer", peer)
		return hook.Drop
	}
	return hook.Stolen
}
