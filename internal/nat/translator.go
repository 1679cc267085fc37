package nat

import (
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"grimm.is/flowgate/internal/conntrack"
	"grimm.is/flowgate/internal/errors"
	"grimm.is/flowgate/internal/events"
	"grimm.is/flowgate/internal/logging"
	"grimm.is/flowgate/internal/metrics"
	"grimm.is/flowgate/internal/packet"
)

// Binder records a connection's translated reply tuple. The connection
// tracker implements it.
type Binder interface {
	BindTranslation(e *conntrack.Entry, reply conntrack.Key, nat any) error
}

// installed is a rule plus its allocator.
type installed struct {
	Rule
	pool *pool
}

// ruleSet is an immutable snapshot of the installed rules, in install order.
type ruleSet struct {
	rules []*installed
}

func (s *ruleSet) find(id uuid.UUID) int {
	return slices.IndexFunc(s.rules, func(r *installed) bool { return r.ID == id })
}

func (s *ruleSet) first(action Action, pkt *packet.Descriptor) *installed {
	for _, r := range s.rules {
		if r.Action == action && r.matches(pkt) {
			return r
		}
	}
	return nil
}

// binding is the translation state attached to a tracked connection.
type binding struct {
	snat    *installed
	snatMap mapping
	dnat    *installed
}

// Options wires a Translator's collaborators.
type Options struct {
	Fixer   packet.ChecksumFixer
	Events  *events.Hub
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

// Translator rewrites packet headers according to the installed rules and
// the bindings recorded on tracked connections.
type Translator struct {
	mu    sync.Mutex
	rules atomic.Pointer[ruleSet]

	binder  Binder
	fixer   packet.ChecksumFixer
	events  *events.Hub
	logger  *logging.Logger
	metrics *metrics.Registry
}

// New creates a translator with no rules.
func New(binder Binder, opts Options) *Translator {
	t := &Translator{
		binder:  binder,
		fixer:   opts.Fixer,
		events:  opts.Events,
		logger:  logging.OrDefault(opts.Logger).WithComponent("nat"),
		metrics: metrics.Or(opts.Metrics),
	}
	if t.fixer == nil {
		t.fixer = packet.Incremental{}
	}
	t.rules.Store(&ruleSet{})
	return t
}

// Install adds r and returns it with its ID assigned.
func (t *Translator) Install(r Rule) (Rule, error) {
	out, err := t.InstallAll([]Rule{r})
	if err != nil {
		return Rule{}, err
	}
	return out[0], nil
}

// InstallAll adds rules atomically: a validation error or a conflict with
// an installed rule (or within the batch) rejects the whole batch.
func (t *Translator) InstallAll(rules []Rule) ([]Rule, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.rules.Load()
	next, out, err := t.build(slices.Clone(cur.rules), rules)
	if err != nil {
		return nil, err
	}
	t.publish(next)
	return out, nil
}

// Replace swaps the whole rule set atomically. Bindings of existing
// connections keep their pools until those connections are destroyed.
func (t *Translator) Replace(rules []Rule) ([]Rule, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next, out, err := t.build(nil, rules)
	if err != nil {
		return nil, err
	}
	t.publish(next)
	return out, nil
}

func (t *Translator) build(base []*installed, rules []Rule) (*ruleSet, []Rule, error) {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		if err := r.Validate(); err != nil {
			return nil, nil, err
		}
		for _, o := range base {
			if why := r.conflicts(o.Rule); why != "" {
				return nil, nil, errors.Attr(
					errors.Wrapf(errors.ErrRuleConflict, errors.KindConflict, "nat rule %q: %s", r.Name, why),
					"rule", r.Name)
			}
		}
		base = append(base, &installed{Rule: r, pool: newPool(r)})
		out = append(out, r)
	}
	return &ruleSet{rules: base}, out, nil
}

func (t *Translator) publish(next *ruleSet) {
	t.rules.Store(next)
	t.metrics.NATRules.Set(float64(len(next.rules)))
	t.logger.Debug("nat rules published", "rules", len(next.rules))
}

// Remove uninstalls the rule with id. Connections already bound to it keep
// their translation.
func (t *Translator) Remove(id uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.rules.Load()
	i := cur.find(id)
	if i < 0 {
		return errors.Errorf(errors.KindNotFound, "nat rule %s not installed", id)
	}
	t.publish(&ruleSet{rules: slices.Delete(slices.Clone(cur.rules), i, i+1)})
	return nil
}

// RemoveByName uninstalls the rule called name.
func (t *Translator) RemoveByName(name string) error {
	for _, r := range t.Rules() {
		if r.Name == name {
			return t.Remove(r.ID)
		}
	}
	return errors.Errorf(errors.KindNotFound, "nat rule %q not installed", name)
}

// Rules returns the installed rules in match order.
func (t *Translator) Rules() []Rule {
	cur := t.rules.Load()
	out := make([]Rule, len(cur.rules))
	for i, r := range cur.rules {
		out[i] = r.Rule
	}
	return out
}

// Mappings returns the number of active SNAT mappings per rule name.
func (t *Translator) Mappings() map[string]int {
	out := make(map[string]int)
	for _, r := range t.rules.Load().rules {
		if r.Action == SNAT {
			out[r.Name] = r.pool.inUse()
		}
	}
	return out
}

func (t *Translator) violation(stage string, pkt *packet.Descriptor, err error) error {
	t.events.Emit("nat", events.ProtocolViolation{Stage: stage, Reason: err.Error(), Length: pkt.Len()})
	t.metrics.NATErrors.WithLabelValues(stage, "protocol_violation").Inc()
	return errors.Wrapf(errors.ErrProtocolViolation, errors.KindProtocolViolation, "%s: %v", stage, err)
}

func (t *Translator) checkPorts(stage string, pkt *packet.Descriptor) error {
	if (pkt.Protocol == packet.ProtoTCP || pkt.Protocol == packet.ProtoUDP) && !pkt.HasPorts() {
		return t.violation(stage, pkt, errors.New(errors.KindProtocolViolation, "truncated transport header"))
	}
	return nil
}

func portless(pkt *packet.Descriptor) bool { return !pkt.HasPorts() }

// ApplyInbound runs before routing. Reply packets are untranslated with
// ApplyReply; original-direction packets are destination-translated, with
// the DNAT decision taken on the connection's first packet.
func (t *Translator) ApplyInbound(pkt *packet.Descriptor, m conntrack.Match) error {
	if m.Entry == nil {
		return nil
	}
	if m.Dir == conntrack.Reply {
		return t.ApplyReply(pkt, m)
	}
	if err := t.checkPorts("dnat", pkt); err != nil {
		return err
	}

	reply, nat := m.Entry.Binding()
	b, _ := nat.(*binding)
	if b != nil && b.dnat != nil {
		return t.rewriteDst(pkt, reply.Src, reply.SrcPort)
	}
	if !m.Created {
		return nil
	}

	r := t.rules.Load().first(DNAT, pkt)
	if r == nil {
		return nil
	}

	addr := r.ToAddrs.From()
	if r.pool.size > 1 {
		addr = r.pool.addrAt(r.pool.hash(pkt.SrcAddr()))
	}
	port := pkt.DstPort()
	if !r.ToPorts.IsZero() && pkt.HasPorts() {
		port = r.ToPorts.First
		if !r.DstPorts.IsZero() && r.DstPorts.Size() == r.ToPorts.Size() {
			port = r.ToPorts.First + (pkt.DstPort() - r.DstPorts.First)
		}
	}

	next := &binding{dnat: r}
	if b != nil {
		next.snat, next.snatMap = b.snat, b.snatMap
	}
	newReply := reply
	newReply.Src, newReply.SrcPort = addr, port
	if pkt.Protocol == packet.ProtoICMP && pkt.HasPorts() {
		newReply.DstPort = port
	}
	if err := t.binder.BindTranslation(m.Entry, newReply, next); err != nil {
		t.metrics.NATErrors.WithLabelValues("dnat", "conflict").Inc()
		return err
	}

	t.metrics.NATTranslations.WithLabelValues("dnat").Inc()
	t.logger.Debug("dnat binding", "flow", m.Entry.Key, "to", netip.AddrPortFrom(addr, port), "rule", r.Name)
	return t.rewriteDst(pkt, addr, port)
}

// ApplyOutbound runs after routing. Original-direction packets are
// source-translated; the SNAT decision and pool allocation happen on the
// connection's first packet.
func (t *Translator) ApplyOutbound(pkt *packet.Descriptor, m conntrack.Match) error {
	if m.Entry == nil || m.Dir == conntrack.Reply {
		return nil
	}
	if err := t.checkPorts("snat", pkt); err != nil {
		return err
	}

	reply, nat := m.Entry.Binding()
	b, _ := nat.(*binding)
	if b != nil && b.snat != nil {
		return t.rewriteSrc(pkt, reply.Dst, reply.DstPort)
	}
	if !m.Created {
		return nil
	}

	r := t.rules.Load().first(SNAT, pkt)
	if r == nil {
		return nil
	}

	peer := netip.AddrPortFrom(reply.Src, reply.SrcPort)
	mp, err := r.pool.allocate(pkt.Protocol, netip.AddrPortFrom(pkt.SrcAddr(), pkt.SrcPort()), peer, portless(pkt))
	if err != nil {
		t.metrics.NATErrors.WithLabelValues("snat", "pool_exhausted").Inc()
		return err
	}

	next := &binding{snat: r, snatMap: mp}
	if b != nil {
		next.dnat = b.dnat
	}
	newReply := reply
	newReply.Dst, newReply.DstPort = mp.addr, mp.port
	if pkt.Protocol == packet.ProtoICMP && !portless(pkt) {
		newReply.SrcPort = mp.port
	}
	if err := t.binder.BindTranslation(m.Entry, newReply, next); err != nil {
		r.pool.release(mp)
		t.metrics.NATErrors.WithLabelValues("snat", "conflict").Inc()
		return err
	}

	t.metrics.NATMappings.Inc()
	t.metrics.NATTranslations.WithLabelValues("snat").Inc()
	t.logger.Debug("snat binding", "flow", m.Entry.Key, "to", netip.AddrPortFrom(mp.addr, mp.port), "rule", r.Name)
	return t.rewriteSrc(pkt, mp.addr, mp.port)
}

// ApplyReply restores a reply packet to the reverse of the connection's
// original tuple: a reply to SNAT gets its original destination back, a
// reply to DNAT its original source.
func (t *Translator) ApplyReply(pkt *packet.Descriptor, m conntrack.Match) error {
	if m.Entry == nil || m.Dir != conntrack.Reply {
		return nil
	}
	_, nat := m.Entry.Binding()
	if nat == nil {
		return nil
	}
	if err := t.checkPorts("reply", pkt); err != nil {
		return err
	}

	want := m.Entry.Key.Reverse()
	if err := t.rewriteSrc(pkt, want.Src, want.SrcPort); err != nil {
		return err
	}
	if err := t.rewriteDst(pkt, want.Dst, want.DstPort); err != nil {
		return err
	}
	t.metrics.NATTranslations.WithLabelValues("reply").Inc()
	return nil
}

// rewriteSrc changes only the fields that differ, so each field costs at
// most one checksum update.
func (t *Translator) rewriteSrc(pkt *packet.Descriptor, addr netip.Addr, port uint16) error {
	if pkt.SrcAddr() != addr {
		if err := pkt.SetSrcAddr(addr, t.fixer); err != nil {
			return t.violation("rewrite", pkt, err)
		}
	}
	if pkt.HasPorts() && pkt.SrcPort() != port {
		if err := pkt.SetSrcPort(port, t.fixer); err != nil {
			return t.violation("rewrite", pkt, err)
		}
	}
	return nil
}

func (t *Translator) rewriteDst(pkt *packet.Descriptor, addr netip.Addr, port uint16) error {
	if pkt.DstAddr() != addr {
		if err := pkt.SetDstAddr(addr, t.fixer); err != nil {
			return t.violation("rewrite", pkt, err)
		}
	}
	if pkt.HasPorts() && pkt.DstPort() != port {
		if err := pkt.SetDstPort(port, t.fixer); err != nil {
			return t.violation("rewrite", pkt, err)
		}
	}
	return nil
}

// Release frees the SNAT mapping held by a destroyed connection. It is
// registered as the tracker's destroy handler.
func (t *Translator) Release(info conntrack.Info, reason string) {
	b, ok := info.NAT.(*binding)
	if !ok || b.snat == nil {
		return
	}
	b.snat.pool.release(b.snatMap)
	t.metrics.NATMappings.Dec()
	t.logger.Debug("snat mapping released", "flow", info.Key, "reason", reason)
}
