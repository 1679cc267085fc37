package config

import (
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"grimm.is/flowgate/internal/conntrack"
	"grimm.is/flowgate/internal/logging"
	"grimm.is/flowgate/internal/nat"
	"grimm.is/flowgate/internal/packet"
	"grimm.is/flowgate/internal/routing"
	"grimm.is/flowgate/internal/vpn"
)

// parseDuration parses an optional Go duration string; empty yields def.
func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// ParseProtocol maps "tcp", "udp", "icmp" or a protocol number to its IP
// protocol number. An empty string or "any" is 0.
func ParseProtocol(s string) (uint8, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any", "all":
		return 0, nil
	case "tcp":
		return packet.ProtoTCP, nil
	case "udp":
		return packet.ProtoUDP, nil
	case "icmp":
		return packet.ProtoICMP, nil
	case "icmpv6", "ipv6-icmp":
		return packet.ProtoICMPv6, nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
	return uint8(n), nil
}

// Build converts the block into a routing table entry.
func (r Route) Build() (routing.Route, error) {
	pfx, err := netip.ParsePrefix(r.Destination)
	if err != nil {
		// A bare address is a host route.
		addr, aerr := netip.ParseAddr(r.Destination)
		if aerr != nil {
			return routing.Route{}, fmt.Errorf("invalid destination %q", r.Destination)
		}
		pfx = netip.PrefixFrom(addr, addr.BitLen())
	}
	out := routing.Route{
		Name:      r.Name,
		Prefix:    pfx,
		Interface: r.Interface,
		Metric:    r.Metric,
		Local:     r.Local,
	}
	if r.Gateway != "" {
		gw, err := netip.ParseAddr(r.Gateway)
		if err != nil {
			return routing.Route{}, fmt.Errorf("invalid gateway %q", r.Gateway)
		}
		out.Gateway = gw
	}
	return out, nil
}

// Build converts the block into a translation rule.
func (n NATRule) Build() (nat.Rule, error) {
	action, err := nat.ParseAction(n.Type)
	if err != nil {
		return nat.Rule{}, err
	}
	proto, err := ParseProtocol(n.Protocol)
	if err != nil {
		return nat.Rule{}, err
	}
	rule := nat.Rule{
		Name:         n.Name,
		Action:       action,
		Protocol:     proto,
		InInterface:  n.InInterface,
		OutInterface: n.OutInterface,
		Persistent:   n.Persistent,
		RandomPort:   n.RandomPort,
	}

	ranges := []struct {
		field string
		in    string
		out   *nat.PortRange
	}{
		{"source_ports", n.SourcePorts, &rule.SrcPorts},
		{"dest_ports", n.DestPorts, &rule.DstPorts},
		{"to_ports", n.ToPorts, &rule.ToPorts},
	}
	for _, pr := range ranges {
		if *pr.out, err = nat.ParsePortRange(pr.in); err != nil {
			return nat.Rule{}, fmt.Errorf("%s: %w", pr.field, err)
		}
	}

	if rule.Src, err = nat.ParseRange(n.Source); err != nil {
		return nat.Rule{}, fmt.Errorf("source: %w", err)
	}
	if rule.Dst, err = nat.ParseRange(n.Destination); err != nil {
		return nat.Rule{}, fmt.Errorf("destination: %w", err)
	}
	if rule.ToAddrs, err = nat.ParseRange(n.To); err != nil {
		return nat.Rule{}, fmt.Errorf("to: %w", err)
	}
	if err := rule.Validate(); err != nil {
		return nat.Rule{}, err
	}
	return rule, nil
}

// Build converts the block into a tunnel interface. With FromDevice the
// kernel device supplies the key and peers; peers declared in the block
// are added after those of the device.
func (v VPNInterface) Build() (vpn.InterfaceConfig, error) {
	var out vpn.InterfaceConfig
	if v.FromDevice {
		dev, err := vpn.ReadDevice(v.Name)
		if err != nil {
			return vpn.InterfaceConfig{}, err
		}
		out = dev
	} else {
		key, err := vpn.ParseKey(v.PrivateKey)
		if err != nil {
			return vpn.InterfaceConfig{}, fmt.Errorf("private_key: %w", err)
		}
		out = vpn.InterfaceConfig{Name: v.Name, PrivateKey: key, ListenPort: v.ListenPort}
	}

	if v.Address != "" {
		addr, err := netip.ParsePrefix(v.Address)
		if err != nil {
			return vpn.InterfaceConfig{}, fmt.Errorf("address: %w", err)
		}
		out.Address = addr
	}
	for _, p := range v.Peers {
		pc, err := p.Build()
		if err != nil {
			return vpn.InterfaceConfig{}, fmt.Errorf("peer %q: %w", p.Name, err)
		}
		out.Peers = append(out.Peers, pc)
	}
	return out, nil
}

// Build converts the block into a peer description.
func (p VPNPeer) Build() (vpn.PeerConfig, error) {
	pub, err := vpn.ParseKey(p.PublicKey)
	if err != nil {
		return vpn.PeerConfig{}, fmt.Errorf("public_key: %w", err)
	}
	psk, err := vpn.ParseKey(p.PresharedKey)
	if err != nil {
		return vpn.PeerConfig{}, fmt.Errorf("preshared_key: %w", err)
	}
	out := vpn.PeerConfig{Name: p.Name, PublicKey: pub, PresharedKey: psk}
	if p.Endpoint != "" {
		if out.Endpoint, err = netip.ParseAddrPort(p.Endpoint); err != nil {
			return vpn.PeerConfig{}, fmt.Errorf("endpoint: %w", err)
		}
	}
	for _, s := range p.AllowedIPs {
		pfx, err := netip.ParsePrefix(s)
		if err != nil {
			return vpn.PeerConfig{}, fmt.Errorf("allowed_ips: %w", err)
		}
		out.AllowedIPs = append(out.AllowedIPs, pfx)
	}
	return out, nil
}

// Build converts the block into tracker sizing. A nil block is the default.
func (c *ConntrackConfig) Build() (conntrack.Config, error) {
	out := conntrack.DefaultConfig()
	if c == nil {
		return out, nil
	}
	if c.Buckets > 0 {
		out.Buckets = c.Buckets
	}
	if c.MaxEntries > 0 {
		out.MaxEntries = c.MaxEntries
	}
	var err error
	if out.Policy, err = conntrack.ParseCapacityPolicy(c.Policy); err != nil {
		return conntrack.Config{}, err
	}
	durations := []struct {
		field string
		in    string
		out   *time.Duration
	}{
		{"new_timeout", c.NewTimeout, &out.Timeouts.New},
		{"established_timeout", c.EstablishedTimeout, &out.Timeouts.Established},
		{"closing_timeout", c.ClosingTimeout, &out.Timeouts.Closing},
		{"sweep_interval", c.SweepInterval, &out.SweepInterval},
	}
	for _, d := range durations {
		if *d.out, err = parseDuration(d.in, *d.out); err != nil {
			return conntrack.Config{}, fmt.Errorf("%s: %w", d.field, err)
		}
	}
	return out, nil
}

// Tunnel is the parsed form of TunnelConfig.
type Tunnel struct {
	HandshakeTimeout time.Duration
	Grace            vpn.Grace
	RekeyInterval    time.Duration // 0 disables periodic rekeying
}

// Build parses the tunnel block. A nil block is the default.
func (t *TunnelConfig) Build() (Tunnel, error) {
	out := Tunnel{HandshakeTimeout: vpn.DefaultHandshakeTimeout, Grace: vpn.DefaultGrace()}
	if t == nil {
		return out, nil
	}
	var err error
	if out.HandshakeTimeout, err = parseDuration(t.HandshakeTimeout, out.HandshakeTimeout); err != nil {
		return Tunnel{}, fmt.Errorf("handshake_timeout: %w", err)
	}
	if out.Grace.Window, err = parseDuration(t.GraceWindow, out.Grace.Window); err != nil {
		return Tunnel{}, fmt.Errorf("grace_window: %w", err)
	}
	if t.GracePackets < 0 {
		return Tunnel{}, fmt.Errorf("grace_packets: must not be negative")
	}
	out.Grace.Packets = t.GracePackets
	if out.RekeyInterval, err = parseDuration(t.RekeyInterval, 0); err != nil {
		return Tunnel{}, fmt.Errorf("rekey_interval: %w", err)
	}
	return out, nil
}

// BuildLogger creates the process logger. The returned closer releases the
// syslog connection, if any.
func (l *LoggingConfig) BuildLogger(stderr io.Writer) (*logging.Logger, io.Closer, error) {
	if stderr == nil {
		stderr = os.Stderr
	}
	cfg := logging.DefaultConfig()
	cfg.Output = stderr
	if l == nil {
		return logging.New(cfg), io.NopCloser(nil), nil
	}

	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return nil, nil, err
	}
	cfg.Level = level
	cfg.JSON = l.JSON

	var closer io.Closer = io.NopCloser(nil)
	if l.Syslog != nil {
		w, err := logging.NewSyslogWriter(logging.SyslogConfig{
			Host:     l.Syslog.Host,
			Port:     l.Syslog.Port,
			Protocol: l.Syslog.Protocol,
			Tag:      l.Syslog.Tag,
			Facility: l.Syslog.Facility,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("syslog: %w", err)
		}
		cfg.Output = io.MultiWriter(stderr, w)
		closer = w
	}
	return logging.New(cfg), closer, nil
}

// Retention returns how long audit events are kept. Zero selects the
// store default.
func (a *AuditConfig) Retention() time.Duration {
	if a == nil {
		return 0
	}
	return time.Duration(a.RetentionDays) * 24 * time.Hour
}
