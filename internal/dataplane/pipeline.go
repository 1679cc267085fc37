// Package dataplane composes the hook registry, route resolver, connection
// tracker, NAT translator and tunnel manager into the per-packet pipeline:
//
//	PRE_ROUTING (conntrack -200, DNAT/un-NAT -100, user hooks)
//	  -> route decision
//	  -> LOCAL_IN | FORWARD
//	  -> POST_ROUTING (user hooks, SNAT 100, tunnel encapsulation 200)
//
// Locally originated packets enter at LOCAL_OUT instead of PRE_ROUTING.
// Every per-packet failure becomes a DROP verdict plus a reason-labelled
// counter; nothing on the packet path stops the process.
package dataplane

import (
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/flowgate/internal/clock"
	"grimm.is/flowgate/internal/conntrack"
	"grimm.is/flowgate/internal/errors"
	"grimm.is/flowgate/internal/events"
	"grimm.is/flowgate/internal/hook"
	"grimm.is/flowgate/internal/logging"
	"grimm.is/flowgate/internal/metrics"
	"grimm.is/flowgate/internal/nat"
	"grimm.is/flowgate/internal/packet"
	"grimm.is/flowgate/internal/routing"
	"grimm.is/flowgate/internal/vpn"
)

// Sender transmits an encapsulated datagram to a peer's outer address.
// *vpn.UDPTransport implements it.
type Sender interface {
	Send(endpoint netip.AddrPort, data []byte) error
}

// Options wires a Pipeline's collaborators. Zero values select defaults.
type Options struct {
	Conntrack        conntrack.Config
	MaxRepeats       int
	Grace            vpn.Grace
	HandshakeTimeout time.Duration
	RekeyInterval    time.Duration
	Transport        vpn.HandshakeTransport
	Fixer            packet.ChecksumFixer

	Clock   clock.Clock
	Events  *events.Hub
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

// Pipeline is the packet path. Process, ProcessLocal and ProcessTunnel are
// safe for concurrent use with each other and with the administrative
// methods.
type Pipeline struct {
	hooks  *hook.Registry
	routes *routing.Resolver
	conns  *conntrack.Tracker
	nat    *nat.Translator
	vpn    *vpn.Manager

	owner   uuid.UUID // owns the built-in hooks
	applyMu sync.Mutex

	sendMu  sync.RWMutex
	senders map[string]Sender

	tunnelMu   sync.Mutex
	initiators map[peerRef]bool
	rotated    map[peerRef]time.Time
	rekey      time.Duration

	runMu  sync.Mutex
	cancel func()
	wg     sync.WaitGroup

	clock   clock.Clock
	events  *events.Hub
	logger  *logging.Logger
	metrics *metrics.Registry
}

type peerRef struct {
	iface, peer string
}

// New builds a pipeline with empty tables and its built-in stages
// registered.
func New(opts Options) *Pipeline {
	logger := logging.OrDefault(opts.Logger)
	reg := metrics.Or(opts.Metrics)
	clk := clock.Or(opts.Clock)
	if opts.Conntrack == (conntrack.Config{}) {
		opts.Conntrack = conntrack.DefaultConfig()
	}

	p := &Pipeline{
		owner:      uuid.New(),
		senders:    make(map[string]Sender),
		initiators: make(map[peerRef]bool),
		rotated:    make(map[peerRef]time.Time),
		rekey:      opts.RekeyInterval,
		clock:      clk,
		events:     opts.Events,
		logger:     logger.WithComponent("dataplane"),
		metrics:    reg,
	}
	p.hooks = hook.NewRegistry(hook.Options{MaxRepeats: opts.MaxRepeats, Logger: logger, Metrics: reg})
	p.routes = routing.NewResolver(routing.Options{Events: opts.Events, Logger: logger, Metrics: reg})
	p.conns = conntrack.New(opts.Conntrack, conntrack.Options{Clock: clk, Events: opts.Events, Logger: logger, Metrics: reg})
	p.nat = nat.New(p.conns, nat.Options{Fixer: opts.Fixer, Events: opts.Events, Logger: logger, Metrics: reg})
	p.vpn = vpn.NewManager(vpn.Options{
		Transport:        opts.Transport,
		Grace:            opts.Grace,
		HandshakeTimeout: opts.HandshakeTimeout,
		Clock:            clk,
		Events:           opts.Events,
		Logger:           logger,
		Metrics:          reg,
	})
	p.conns.OnDestroy(p.nat.Release)
	p.registerBuiltins()
	return p
}

// Hooks returns the hook registry.
func (p *Pipeline) Hooks() *hook.Registry { return p.hooks }

// Routes returns the route resolver.
func (p *Pipeline) Routes() *routing.Resolver { return p.routes }

// Conntrack returns the connection tracker.
func (p *Pipeline) Conntrack() *conntrack.Tracker { return p.conns }

// NAT returns the translator.
func (p *Pipeline) NAT() *nat.Translator { return p.nat }

// VPN returns the tunnel manager.
func (p *Pipeline) VPN() *vpn.Manager { return p.vpn }

// Owner returns the owner token of the built-in stages.
func (p *Pipeline) Owner() uuid.UUID { return p.owner }

// AttachSender makes iface's encapsulated traffic leave through s. A nil s
// detaches.
func (p *Pipeline) AttachSender(iface string, s Sender) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if s == nil {
		delete(p.senders, iface)
		return
	}
	p.senders[iface] = s
}

func (p *Pipeline) sender(iface string) (Sender, bool) {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	s, ok := p.senders[iface]
	return s, ok
}

// Process runs a packet received on pkt.InInterface through the pipeline
// and returns the final verdict. STOLEN means the pipeline emitted the
// packet itself (tunnel encapsulation).
func (p *Pipeline) Process(pkt *packet.Descriptor) hook.Verdict {
	if v := p.hooks.Dispatch(hook.PreRouting, pkt); v != hook.Accept {
		return p.finish("ingress", pkt, v)
	}
	return p.finish("ingress", pkt, p.route(pkt))
}

// ProcessLocal runs a locally originated packet through the pipeline.
func (p *Pipeline) ProcessLocal(pkt *packet.Descriptor) hook.Verdict {
	if v := p.hooks.Dispatch(hook.LocalOut, pkt); v != hook.Accept {
		return p.finish("local", pkt, v)
	}
	return p.finish("local", pkt, p.route(pkt))
}

// route takes the routing decision and walks the remaining stages.
func (p *Pipeline) route(pkt *packet.Descriptor) hook.Verdict {
	res, err := p.routes.ResolvePacket(pkt)
	if err != nil {
		pkt.Err = err
		return hook.Drop
	}
	if res.Local {
		return p.hooks.Dispatch(hook.LocalIn, pkt)
	}

	pkt.OutInterface = res.Interface
	pkt.NextHop = res.NextHop(pkt.DstAddr())
	if pkt.InInterface != "" {
		if v := p.hooks.Dispatch(hook.Forward, pkt); v != hook.Accept {
			return v
		}
	}
	return p.hooks.Dispatch(hook.PostRouting, pkt)
}

// Ingress describes where raw packet bytes came from.
type Ingress struct {
	Interface string
	Mark      uint32
	Local     bool // originated on this host
}

// Ingest parses raw packet bytes and runs them through Process, or through
// ProcessLocal for locally originated packets. The returned descriptor is
// nil when the bytes did not parse.
func (p *Pipeline) Ingest(data []byte, in Ingress) (hook.Verdict, *packet.Descriptor) {
	direction := "ingress"
	if in.Local {
		direction = "local"
	}
	pkt, err := p.parse(direction, data)
	if err != nil {
		return p.reject(direction, in.Interface, err), nil
	}
	pkt.InInterface = in.Interface
	pkt.Mark = in.Mark
	if in.Local {
		return p.ProcessLocal(pkt), pkt
	}
	return p.Process(pkt), pkt
}

// ProcessTunnel authenticates and opens a data message received on a
// tunnel interface, checks the inner source against the sending peer's
// allowed IPs and runs the inner packet through Process. The returned
// descriptor is nil when the message was rejected before parsing.
func (p *Pipeline) ProcessTunnel(iface string, data []byte) (hook.Verdict, *packet.Descriptor) {
	peer, payload, err := p.vpn.Decapsulate(iface, data)
	if err != nil {
		return p.reject("tunnel", iface, err), nil
	}

	pkt, err := p.parse("tunnel", payload)
	if err != nil {
		return p.reject("tunnel", iface, err), nil
	}
	pkt.InInterface = iface

	if owner, ok := p.vpn.PeerFor(iface, pkt.SrcAddr()); !ok || owner != peer {
		pkt.Err = errors.Attr(errors.Wrapf(errors.ErrTunnelSource, errors.KindValidation,
			"%s: %s sent by %q", iface, pkt.SrcAddr(), peer), "peer", peer)
		return p.finish("tunnel", pkt, hook.Drop), pkt
	}
	return p.Process(pkt), pkt
}

func (p *Pipeline) parse(stage string, data []byte) (*packet.Descriptor, error) {
	pkt, err := packet.Parse(data)
	if err != nil {
		p.events.Emit("dataplane", events.ProtocolViolation{Stage: stage, Reason: err.Error(), Length: len(data)})
		return nil, err
	}
	return pkt, nil
}

// reject accounts a packet dropped before it reached the hooks.
func (p *Pipeline) reject(direction, iface string, err error) hook.Verdict {
	reason := errors.Reason(err)
	p.metrics.RecordDrop(reason)
	p.metrics.PacketsTotal.WithLabelValues(direction, hook.Drop.String()).Inc()
	p.logger.Debug("packet dropped before dispatch", "direction", direction, "interface", iface, "reason", reason, "error", err)
	return hook.Drop
}

// finish accounts the packet under its final verdict.
func (p *Pipeline) finish(direction string, pkt *packet.Descriptor, v hook.Verdict) hook.Verdict {
	p.metrics.PacketsTotal.WithLabelValues(direction, v.String()).Inc()
	if v == hook.Drop {
		reason := "hook"
		if pkt.Err != nil {
			reason = errors.Reason(pkt.Err)
		}
		p.metrics.RecordDrop(reason)
		p.logger.Debug("packet dropped", "packet", pkt, "reason", reason, "error", pkt.Err)
		if m, ok := pkt.Conn.(conntrack.Match); ok {
			p.conns.Discard(m)
		}
		return v
	}
	if m, ok := pkt.Conn.(conntrack.Match); ok {
		p.conns.Observe(m, pkt)
	}
	return v
}
