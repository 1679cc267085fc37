package config

// Config is the top-level structure of a flowgate configuration file.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	Logging      *LoggingConfig   `hcl:"logging,block" json:"logging,omitempty"`
	Conntrack    *ConntrackConfig `hcl:"conntrack,block" json:"conntrack,omitempty"`
	Hooks        *HooksConfig     `hcl:"hooks,block" json:"hooks,omitempty"`
	Routes       []Route          `hcl:"route,block" json:"routes,omitempty"`
	KernelRoutes *KernelRoutes    `hcl:"kernel_routes,block" json:"kernel_routes,omitempty"`
	NAT          []NATRule        `hcl:"nat,block" json:"nat,omitempty"`
	Tunnel       *TunnelConfig    `hcl:"tunnel,block" json:"tunnel,omitempty"`
	VPN          []VPNInterface   `hcl:"vpn,block" json:"vpn,omitempty"`
	NFQueue      *NFQueueConfig   `hcl:"nfqueue,block" json:"nfqueue,omitempty"`
	Metrics      *MetricsConfig   `hcl:"metrics,block" json:"metrics,omitempty"`
	Audit        *AuditConfig     `hcl:"audit,block" json:"audit,omitempty"`
}

// LoggingConfig selects the log level and sinks.
type LoggingConfig struct {
	Level  string        `hcl:"level,optional" json:"level,omitempty"`
	JSON   bool          `hcl:"json,optional" json:"json,omitempty"`
	Syslog *SyslogConfig `hcl:"syslog,block" json:"syslog,omitempty"`
}

// SyslogConfig forwards logs to a remote syslog server.
type SyslogConfig struct {
	Host     string `hcl:"host" json:"host"`
	Port     int    `hcl:"port,optional" json:"port,omitempty"`
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty"`
	Tag      string `hcl:"tag,optional" json:"tag,omitempty"`
	Facility int    `hcl:"facility,optional" json:"facility,omitempty"`
}

// ConntrackConfig sizes the connection table.
type ConntrackConfig struct {
	Buckets            int    `hcl:"buckets,optional" json:"buckets,omitempty"`
	MaxEntries         int    `hcl:"max_entries,optional" json:"max_entries,omitempty"`
	Policy             string `hcl:"policy,optional" json:"policy,omitempty"` // evict-oldest-new or fail
	NewTimeout         string `hcl:"new_timeout,optional" json:"new_timeout,omitempty"`
	EstablishedTimeout string `hcl:"established_timeout,optional" json:"established_timeout,omitempty"`
	ClosingTimeout     string `hcl:"closing_timeout,optional" json:"closing_timeout,omitempty"`
	SweepInterval      string `hcl:"sweep_interval,optional" json:"sweep_interval,omitempty"`
	ImportKernel       bool   `hcl:"import_kernel,optional" json:"import_kernel,omitempty"`
}

// HooksConfig bounds hook dispatch.
type HooksConfig struct {
	MaxRepeats int `hcl:"max_repeats,optional" json:"max_repeats,omitempty"`
}

// Route is a static route.
type Route struct {
	Name        string `hcl:"name,label" json:"name"`
	Destination string `hcl:"destination" json:"destination"`
	Gateway     string `hcl:"gateway,optional" json:"gateway,omitempty"`
	Interface   string `hcl:"interface" json:"interface"`
	Metric      int    `hcl:"metric,optional" json:"metric,omitempty"`
	Local       bool   `hcl:"local,optional" json:"local,omitempty"`
}

// KernelRoutes imports a kernel routing table at startup.
type KernelRoutes struct {
	Table     int    `hcl:"table,optional" json:"table,omitempty"`
	Namespace string `hcl:"namespace,optional" json:"namespace,omitempty"`
}

// NATRule is a translation rule. Type is "snat", "masquerade", "dnat" or
// "port-forward".
type NATRule struct {
	Name         string `hcl:"name,label" json:"name"`
	Type         string `hcl:"type" json:"type"`
	Protocol     string `hcl:"protocol,optional" json:"protocol,omitempty"`
	Source       string `hcl:"source,optional" json:"source,omitempty"`
	Destination  string `hcl:"destination,optional" json:"destination,omitempty"`
	SourcePorts  string `hcl:"source_ports,optional" json:"source_ports,omitempty"`
	DestPorts    string `hcl:"dest_ports,optional" json:"dest_ports,omitempty"`
	InInterface  string `hcl:"in_interface,optional" json:"in_interface,omitempty"`
	OutInterface string `hcl:"out_interface,optional" json:"out_interface,omitempty"`
	To           string `hcl:"to" json:"to"`
	ToPorts      string `hcl:"to_ports,optional" json:"to_ports,omitempty"`
	Persistent   bool   `hcl:"persistent,optional" json:"persistent,omitempty"`
	RandomPort   bool   `hcl:"random_port,optional" json:"random_port,omitempty"`
}

// TunnelConfig holds settings shared by every tunnel interface.
type TunnelConfig struct {
	HandshakeTimeout string `hcl:"handshake_timeout,optional" json:"handshake_timeout,omitempty"`
	GraceWindow      string `hcl:"grace_window,optional" json:"grace_window,omitempty"`
	GracePackets     int    `hcl:"grace_packets,optional" json:"grace_packets,omitempty"`
	RekeyInterval    string `hcl:"rekey_interval,optional" json:"rekey_interval,omitempty"`
}

// VPNInterface is a tunnel interface. With from_device the keys and peers
// are read from the kernel WireGuard device of the same name.
type VPNInterface struct {
	Name       string    `hcl:"name,label" json:"name"`
	PrivateKey string    `hcl:"private_key,optional" json:"-"`
	Address    string    `hcl:"address,optional" json:"address,omitempty"`
	ListenPort int       `hcl:"listen_port,optional" json:"listen_port,omitempty"`
	FromDevice bool      `hcl:"from_device,optional" json:"from_device,omitempty"`
	Peers      []VPNPeer `hcl:"peer,block" json:"peers,omitempty"`
}

// VPNPeer is a remote tunnel peer.
type VPNPeer struct {
	Name         string   `hcl:"name,label" json:"name"`
	PublicKey    string   `hcl:"public_key" json:"public_key"`
	PresharedKey string   `hcl:"preshared_key,optional" json:"-"`
	Endpoint     string   `hcl:"endpoint,optional" json:"endpoint,omitempty"`
	AllowedIPs   []string `hcl:"allowed_ips,optional" json:"allowed_ips,omitempty"`
	Initiate     bool     `hcl:"initiate,optional" json:"initiate,omitempty"`
}

// NFQueueConfig selects the kernel queue packets arrive on.
type NFQueueConfig struct {
	Queue     int    `hcl:"queue,optional" json:"queue,omitempty"`
	MaxLen    int    `hcl:"max_len,optional" json:"max_len,omitempty"`
	Steer     bool   `hcl:"steer,optional" json:"steer,omitempty"`
	Table     string `hcl:"table,optional" json:"table,omitempty"`
	FailOpen  bool   `hcl:"fail_open,optional" json:"fail_open,omitempty"`
	Namespace string `hcl:"namespace,optional" json:"namespace,omitempty"`
}

// MetricsConfig serves Prometheus metrics.
type MetricsConfig struct {
	Listen string `hcl:"listen,optional" json:"listen,omitempty"`
	Path   string `hcl:"path,optional" json:"path,omitempty"`
}

// AuditConfig keeps security events in a local database.
type AuditConfig struct {
	Path          string `hcl:"path,optional" json:"path,omitempty"`
	RetentionDays int    `hcl:"retention_days,optional" json:"retention_days,omitempty"`
	RatePerMinute int    `hcl:"rate_per_minute,optional" json:"rate_per_minute,omitempty"`
}

// Defaults for optional blocks.
const (
	DefaultMetricsListen = "127.0.0.1:9640"
	DefaultMetricsPath   = "/metrics"
	DefaultNFQueueTable  = "flowgate"
	DefaultAuditPath     = "/var/lib/flowgate/audit.db"
)

// ApplyDefaults fills in unset optional values.
func (c *Config) ApplyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.Metrics != nil {
		if c.Metrics.Listen == "" {
			c.Metrics.Listen = DefaultMetricsListen
		}
		if c.Metrics.Path == "" {
			c.Metrics.Path = DefaultMetricsPath
		}
	}
	if c.NFQueue != nil && c.NFQueue.Table == "" {
		c.NFQueue.Table = DefaultNFQueueTable
	}
	if c.Audit != nil && c.Audit.Path == "" {
		c.Audit.Path = DefaultAuditPath
	}
}
