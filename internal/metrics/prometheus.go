package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds every counter the packet path updates in-line.
// Values are only ever incremented from real packet or admin events.
type Registry struct {
	// Hook dispatch
	HookInvocations *prometheus.CounterVec
	HookVerdicts    *prometheus.CounterVec
	HookRepeatLimit *prometheus.CounterVec
	HooksRegistered *prometheus.GaugeVec

	// Pipeline
	PacketsTotal   *prometheus.CounterVec
	DroppedPackets *prometheus.CounterVec

	// Routing
	RouteLookups prometheus.Counter
	RouteMisses  prometheus.Counter
	Routes       prometheus.Gauge

	// Connection tracking
	ConntrackCount     prometheus.Gauge
	ConntrackMax       prometheus.Gauge
	ConntrackNew       prometheus.Counter
	ConntrackDestroy   *prometheus.CounterVec
	ConntrackExhausted prometheus.Counter

	// NAT
	NATTranslations *prometheus.CounterVec
	NATErrors       *prometheus.CounterVec
	NATMappings     prometheus.Gauge
	NATRules        prometheus.Gauge

	// VPN
	VPNBytes          *prometheus.CounterVec
	VPNPackets        *prometheus.CounterVec
	VPNHandshakes     *prometheus.CounterVec
	VPNAuthFailures   *prometheus.CounterVec
	VPNRekeys         *prometheus.CounterVec
	VPNPeersConnected *prometheus.GaugeVec
}

// Get returns the process-wide registry, registered with the default
// Prometheus registerer on first use.
func Get() *Registry {
	once.Do(func() {
		registry = New(prometheus.DefaultRegisterer)
	})
	return registry
}

// New creates a Registry whose collectors are registered with reg.
// A nil reg yields unregistered collectors, which tests use to get
// isolated counters.
func New(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	r := &Registry{}

	r.HookInvocations = f.NewCounterVec(prometheus.CounterOpts{
		Name: "flowgate_hook_invocations_total",
		Help: "Hook callback invocations per stage",
	}, []string{"stage"})

	r.HookVerdicts = f.NewCounterVec(prometheus.CounterOpts{
		Name: "flowgate_hook_verdicts_total",
		Help: "Aggregate dispatch verdicts per stage",
	}, []string{"stage", "verdict"})

	r.HookRepeatLimit = f.NewCounterVec(prometheus.CounterOpts{
		Name: "flowgate_hook_repeat_limit_total",
		Help: "Dispatches forced to DROP after exceeding the REPEAT ceiling",
	}, []string{"stage"})

	r.HooksRegistered = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flowgate_hooks_registered",
		Help: "Registered hooks per stage",
	}, []string{"stage"})

	r.PacketsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "flowgate_packets_total",
		Help: "Packets processed by the pipeline, by final verdict",
	}, []string{"direction", "verdict"})

	r.DroppedPackets = f.NewCounterVec(prometheus.CounterOpts{
		Name: "flowgate_dropped_packets_total",
		Help: "Packets dropped by the pipeline, by reason",
	}, []string{"reason"})

	r.RouteLookups = f.NewCounter(prometheus.CounterOpts{
		Name: "flowgate_route_lookups_total",
		Help: "Route resolutions performed",
	})

	r.RouteMisses = f.NewCounter(prometheus.CounterOpts{
		Name: "flowgate_route_misses_total",
		Help: "Route resolutions with no matching prefix",
	})

	r.Routes = f.NewGauge(prometheus.GaugeOpts{
		Name: "flowgate_routes",
		Help: "Installed routes",
	})

	r.ConntrackCount = f.NewGauge(prometheus.GaugeOpts{
		Name: "flowgate_conntrack_entries",
		Help: "Current number of connection tracking entries",
	})

	r.ConntrackMax = f.NewGauge(prometheus.GaugeOpts{
		Name: "flowgate_conntrack_max",
		Help: "Maximum connection tracking entries",
	})

	r.ConntrackNew = f.NewCounter(prometheus.CounterOpts{
		Name: "flowgate_conntrack_new_total",
		Help: "Total new connections tracked",
	})

	r.ConntrackDestroy = f.NewCounterVec(prometheus.CounterOpts{
		Name: "flowgate_conntrack_destroy_total",
		Help: "Total connections removed from tracking",
	}, []string{"reason"})

	r.ConntrackExhausted = f.NewCounter(prometheus.CounterOpts{
		Name: "flowgate_conntrack_exhausted_total",
		Help: "Connection creations refused because the table was full",
	})

	r.NATTranslations = f.NewCounterVec(prometheus.CounterOpts{
		Name: "flowgate_nat_translations_total",
		Help: "Total NAT translations performed",
	}, []string{"type"})

	r.NATErrors = f.NewCounterVec(prometheus.CounterOpts{
		Name: "flowgate_nat_errors_total",
		Help: "Total NAT translation errors",
	}, []string{"type", "error"})

	r.NATMappings = f.NewGauge(prometheus.GaugeOpts{
		Name: "flowgate_nat_mappings",
		Help: "Active NAT port mappings",
	})

	r.NATRules = f.NewGauge(prometheus.GaugeOpts{
		Name: "flowgate_nat_rules",
		Help: "Installed NAT rules",
	})

	r.VPNBytes = f.NewCounterVec(prometheus.CounterOpts{
		Name: "flowgate_vpn_bytes_total",
		Help: "Payload bytes encapsulated (tx) or decapsulated (rx)",
	}, []string{"interface", "direction"})

	r.VPNPackets = f.NewCounterVec(prometheus.CounterOpts{
		Name: "flowgate_vpn_packets_total",
		Help: "Packets encapsulated (tx) or decapsulated (rx)",
	}, []string{"interface", "direction"})

	r.VPNHandshakes = f.NewCounterVec(prometheus.CounterOpts{
		Name: "flowgate_vpn_handshakes_total",
		Help: "VPN handshakes by result",
	}, []string{"interface", "result"})

	r.VPNAuthFailures = f.NewCounterVec(prometheus.CounterOpts{
		Name: "flowgate_vpn_auth_failures_total",
		Help: "Tunnel packets rejected by integrity check",
	}, []string{"interface"})

	r.VPNRekeys = f.NewCounterVec(prometheus.CounterOpts{
		Name: "flowgate_vpn_rekeys_total",
		Help: "Session key rotations",
	}, []string{"interface"})

	r.VPNPeersConnected = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flowgate_vpn_peers_established",
		Help: "Peers with an established session",
	}, []string{"interface"})

	return r
}

// Or returns r, or a fresh unregistered registry when r is nil.
func Or(r *Registry) *Registry {
	if r != nil {
		return r
	}
	return New(nil)
}

// RecordDrop counts a dropped packet under reason.
func (r *Registry) RecordDrop(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	r.DroppedPackets.WithLabelValues(reason).Inc()
}

// UpdateConntrack sets the conntrack occupancy gauges.
func (r *Registry) UpdateConntrack(count, max int) {
	r.ConntrackCount.Set(float64(count))
	r.ConntrackMax.Set(float64(max))
}
