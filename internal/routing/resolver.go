// Package routing resolves a destination address to an egress interface
// and next hop by longest-prefix match over the installed routes.
package routing

import (
	"cmp"
	"fmt"
	"maps"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gaissmai/bart"

	"grimm.is/flowgate/internal/errors"
	"grimm.is/flowgate/internal/events"
	"grimm.is/flowgate/internal/logging"
	"grimm.is/flowgate/internal/metrics"
	"grimm.is/flowgate/internal/packet"
)

// Route is one entry of the routing table.
type Route struct {
	Name      string
	Prefix    netip.Prefix
	Gateway   netip.Addr // invalid for directly connected routes
	Interface string
	Metric    int
	Local     bool // destination is this host; traffic goes to LOCAL_IN

	seq uint64
}

func (r Route) key() routeKey {
	return routeKey{prefix: r.Prefix, gateway: r.Gateway, iface: r.Interface}
}

func (r Route) String() string {
	gw := "direct"
	if r.Gateway.IsValid() {
		gw = "via " + r.Gateway.String()
	}
	return fmt.Sprintf("%s %s dev %s metric %d", r.Prefix, gw, r.Interface, r.Metric)
}

type routeKey struct {
	prefix  netip.Prefix
	gateway netip.Addr
	iface   string
}

// Result is the outcome of a successful resolution.
type Result struct {
	Prefix    netip.Prefix
	Gateway   netip.Addr
	Interface string
	Local     bool
	Route     Route
}

// NextHop returns the gateway, or dst itself for connected routes.
func (r Result) NextHop(dst netip.Addr) netip.Addr {
	if r.Gateway.IsValid() {
		return r.Gateway
	}
	return dst
}

// routeSet holds every route for one prefix, best first. Sets are never
// mutated once published.
type routeSet struct {
	prefix netip.Prefix
	routes []Route
}

func newRouteSet(prefix netip.Prefix, routes []Route) *routeSet {
	sorted := slices.Clone(routes)
	slices.SortFunc(sorted, func(a, b Route) int {
		if c := cmp.Compare(a.Metric, b.Metric); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return &routeSet{prefix: prefix, routes: sorted}
}

// table is an immutable snapshot.
type table struct {
	lpm  *bart.Table[*routeSet]
	sets map[netip.Prefix]*routeSet
	size int
}

func emptyTable() *table {
	return &table{lpm: new(bart.Table[*routeSet]), sets: map[netip.Prefix]*routeSet{}}
}

func (t *table) clone() *table {
	return &table{lpm: t.lpm.Clone(), sets: maps.Clone(t.sets), size: t.size}
}

func (t *table) has(k routeKey) bool {
	set, ok := t.sets[k.prefix]
	if !ok {
		return false
	}
	return slices.ContainsFunc(set.routes, func(r Route) bool { return r.key() == k })
}

func (t *table) add(r Route) {
	var routes []Route
	if set, ok := t.sets[r.Prefix]; ok {
		routes = set.routes
	}
	set := newRouteSet(r.Prefix, append(slices.Clone(routes), r))
	t.sets[r.Prefix] = set
	t.lpm.Insert(r.Prefix, set)
	t.size++
}

func (t *table) remove(k routeKey) bool {
	set, ok := t.sets[k.prefix]
	if !ok {
		return false
	}
	kept := slices.DeleteFunc(slices.Clone(set.routes), func(r Route) bool { return r.key() == k })
	if len(kept) == len(set.routes) {
		return false
	}
	t.size--
	if len(kept) == 0 {
		delete(t.sets, k.prefix)
		t.lpm.Delete(k.prefix)
		return true
	}
	set = newRouteSet(k.prefix, kept)
	t.sets[k.prefix] = set
	t.lpm.Insert(k.prefix, set)
	return true
}

// Options configures a Resolver.
type Options struct {
	Events  *events.Hub
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

// Resolver answers route lookups from a copy-on-write table. Lookups never
// block; Install and Remove build a new snapshot and swap it in.
type Resolver struct {
	mu   sync.Mutex
	seq  uint64
	snap atomic.Pointer[table]

	events  *events.Hub
	logger  *logging.Logger
	metrics *metrics.Registry
}

// NewResolver creates an empty resolver.
func NewResolver(opts Options) *Resolver {
	r := &Resolver{
		events:  opts.Events,
		logger:  logging.OrDefault(opts.Logger).WithComponent("routing"),
		metrics: metrics.Or(opts.Metrics),
	}
	r.snap.Store(emptyTable())
	return r
}

func validate(rt Route) (Route, error) {
	if !rt.Prefix.IsValid() {
		return rt, errors.Errorf(errors.KindValidation, "route %q: invalid prefix", rt.Name)
	}
	if rt.Interface == "" {
		return rt, errors.Errorf(errors.KindValidation, "route %s: interface is required", rt.Prefix)
	}
	if rt.Metric < 0 {
		return rt, errors.Errorf(errors.KindValidation, "route %s: negative metric %d", rt.Prefix, rt.Metric)
	}
	rt.Prefix = rt.Prefix.Masked()
	if rt.Gateway.IsValid() {
		rt.Gateway = rt.Gateway.Unmap()
		if rt.Gateway.Is4() != rt.Prefix.Addr().Is4() {
			return rt, errors.Errorf(errors.KindValidation, "route %s: gateway %s is from another address family", rt.Prefix, rt.Gateway)
		}
	}
	return rt, nil
}

// Install adds a route. A route with the same prefix, gateway and interface
// as an installed one is rejected.
func (r *Resolver) Install(rt Route) error {
	return r.InstallAll([]Route{rt})
}

// InstallAll adds routes atomically: either all are installed or none.
func (r *Resolver) InstallAll(routes []Route) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.snap.Load().clone()
	if err := r.addAll(next, routes); err != nil {
		return err
	}
	r.swap(next)
	return nil
}

// Replace swaps the whole table for routes, atomically.
func (r *Resolver) Replace(routes []Route) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := emptyTable()
	if err := r.addAll(next, routes); err != nil {
		return err
	}
	r.swap(next)
	return nil
}

// addAll validates and inserts routes into next. Caller holds mu.
func (r *Resolver) addAll(next *table, routes []Route) error {
	seq := r.seq
	for _, rt := range routes {
		rt, err := validate(rt)
		if err != nil {
			return err
		}
		if next.has(rt.key()) {
			return errors.Attr(errors.Errorf(errors.KindValidation, "duplicate route %s", rt), "prefix", rt.Prefix.String())
		}
		seq++
		rt.seq = seq
		next.add(rt)
	}
	r.seq = seq
	return nil
}

// Remove deletes the route identified by prefix, gateway and interface.
func (r *Resolver) Remove(prefix netip.Prefix, gateway netip.Addr, iface string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gateway.IsValid() {
		gateway = gateway.Unmap()
	}
	next := r.snap.Load().clone()
	if !next.remove(routeKey{prefix: prefix.Masked(), gateway: gateway, iface: iface}) {
		return errors.Errorf(errors.KindNotFound, "route %s dev %s not installed", prefix, iface)
	}
	r.swap(next)
	return nil
}

func (r *Resolver) swap(next *table) {
	r.snap.Store(next)
	r.metrics.Routes.Set(float64(next.size))
	r.logger.Debug("routing table published", "routes", next.size)
}

// Resolve finds the best route for dst: longest prefix, then lowest
// metric, then earliest installed. A miss returns ErrRouteNotFound and is
// published as a RouteMiss event.
func (r *Resolver) Resolve(dst netip.Addr) (Result, error) {
	return r.resolve(dst, events.RouteMiss{Destination: dst})
}

// ResolvePacket resolves the destination of pkt; a miss event carries the
// packet's source and protocol as well.
func (r *Resolver) ResolvePacket(pkt *packet.Descriptor) (Result, error) {
	dst := pkt.DstAddr()
	return r.resolve(dst, events.RouteMiss{Source: pkt.SrcAddr(), Destination: dst, Protocol: pkt.Protocol})
}

func (r *Resolver) resolve(dst netip.Addr, miss events.RouteMiss) (Result, error) {
	r.metrics.RouteLookups.Inc()
	dst = dst.Unmap()

	set, ok := r.snap.Load().lpm.Lookup(dst)
	if !ok || len(set.routes) == 0 {
		r.metrics.RouteMisses.Inc()
		r.events.Emit("routing", miss)
		return Result{}, errors.Wrapf(errors.ErrRouteNotFound, errors.KindNotFound, "no route to %s", dst)
	}

	best := set.routes[0]
	return Result{
		Prefix:    set.prefix,
		Gateway:   best.Gateway,
		Interface: best.Interface,
		Local:     best.Local,
		Route:     best,
	}, nil
}

// Routes returns every installed route ordered by prefix, then preference.
func (r *Resolver) Routes() []Route {
	t := r.snap.Load()
	out := make([]Route, 0, t.size)
	prefixes := slices.Collect(maps.Keys(t.sets))
	slices.SortFunc(prefixes, comparePrefix)
	for _, p := range prefixes {
		out = append(out, t.sets[p].routes...)
	}
	return out
}

// Len returns the number of installed routes.
func (r *Resolver) Len() int { return r.snap.Load().size }

func comparePrefix(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return cmp.Compare(a.Bits(), b.Bits())
}
