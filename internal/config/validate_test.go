package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func fields(errs ValidationErrors) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Field
	}
	return out
}

func TestValidate_Empty(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	assert.Empty(t, cfg.Validate())
}

func TestValidate_Routes(t *testing.T) {
	cfg := &Config{Routes: []Route{
		{Name: "a", Destination: "10.0.0.0/8", Interface: "eth0"},
		{Name: "a", Destination: "10.1.0.0/16", Interface: "eth0"},
		{Name: "b", Destination: "nonsense", Interface: "eth0"},
		{Name: "c", Destination: "10.2.0.0/16"},
		{Name: "d", Destination: "192.0.2.1", Gateway: "x", Interface: "eth0"},
	}}
	errs := cfg.Validate()
	assert.True(t, errs.HasErrors())
	assert.ElementsMatch(t, []string{"route.a", "route.b", "route.c.interface", "route.d"}, fields(errs))
}

func TestRoute_BuildHostRoute(t *testing.T) {
	r, err := Route{Destination: "192.0.2.1", Interface: "eth0"}.Build()
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1/32", r.Prefix.String())
	assert.False(t, r.Gateway.IsValid())
}

func TestValidate_NAT(t *testing.T) {
	cfg := &Config{NAT: []NATRule{
		{Name: "ok", Type: "masquerade", To: "192.0.2.1"},
		{Name: "ok", Type: "snat", To: "192.0.2.2"},
		{Name: "kind", Type: "redirect", To: "192.0.2.3"},
		{Name: "ports", Type: "snat", To: "192.0.2.4", ToPorts: "9-1"},
		{Name: "proto", Type: "dnat", Protocol: "sctp", To: "192.0.2.5"},
		{Name: "noto", Type: "snat"},
		{Name: "iface", Type: "snat", To: "192.0.2.6", InInterface: "eth0"},
	}}
	errs := cfg.Validate()
	assert.ElementsMatch(t, []string{"nat.ok", "nat.kind", "nat.ports", "nat.proto", "nat.noto", "nat.iface"}, fields(errs))
}

func TestParseProtocol(t *testing.T) {
	for in, want := range map[string]uint8{"": 0, "any": 0, "TCP": 6, "udp": 17, "icmp": 1, "47": 47} {
		got, err := ParseProtocol(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"sctp", "256", "-1"} {
		_, err := ParseProtocol(in)
		assert.Error(t, err, in)
	}
}

func TestValidate_VPN(t *testing.T) {
	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	pub := priv.PublicKey().String()

	cfg := &Config{VPN: []VPNInterface{
		{
			Name:       "wg0",
			PrivateKey: priv.String(),
			Address:    "10.9.0.1/24",
			Peers: []VPNPeer{
				{Name: "good", PublicKey: pub, AllowedIPs: []string{"10.9.1.0/24"}},
				{Name: "good", PublicKey: pub, AllowedIPs: []string{"10.9.2.0/24"}},
				{Name: "silent", PublicKey: pub},
				{Name: "badkey", PublicKey: "abc", AllowedIPs: []string{"10.9.3.0/24"}},
				{Name: "caller", PublicKey: pub, AllowedIPs: []string{"10.9.4.0/24"}, Initiate: true},
			},
		},
		{Name: "wg1"},
		{Name: "wg2", FromDevice: true},
	}}
	errs := cfg.Validate()
	assert.ElementsMatch(t, []string{
		"vpn.wg0.peer.good",
		"vpn.wg0.peer.silent.allowed_ips",
		"vpn.wg0.peer.badkey",
		"vpn.wg0.peer.caller.endpoint",
		"vpn.wg1.private_key",
	}, fields(errs))
	assert.Equal(t, []string{"vpn.wg0.peer.silent.allowed_ips"}, fields(errs.Warnings()))
}

func TestValidate_Ambient(t *testing.T) {
	cfg := &Config{
		Logging:   &LoggingConfig{Level: "loud", Syslog: &SyslogConfig{Protocol: "sctp"}},
		Conntrack: &ConntrackConfig{Policy: "random", NewTimeout: "-1s"},
		Tunnel:    &TunnelConfig{GraceWindow: "soon"},
		Hooks:     &HooksConfig{MaxRepeats: -1},
		NFQueue:   &NFQueueConfig{Queue: 70000},
		Metrics:   &MetricsConfig{Listen: "nohost", Path: "metrics"},
		Audit:     &AuditConfig{RetentionDays: -1, RatePerMinute: -5},
	}
	errs := cfg.Validate()
	assert.ElementsMatch(t, []string{
		"logging.level",
		"logging.syslog.host",
		"logging.syslog.protocol",
		"conntrack",
		"tunnel",
		"hooks.max_repeats",
		"nfqueue.queue",
		"metrics.listen",
		"metrics.path",
		"audit.retention_days",
		"audit.rate_per_minute",
	}, fields(errs))
	assert.Contains(t, errs.Error(), "nfqueue.queue: must be 0-65535")
}

func TestValidationErrors_HasErrors(t *testing.T) {
	var errs ValidationErrors
	assert.False(t, errs.HasErrors())
	assert.Equal(t, "", errs.Error())

	errs = append(errs, warn("x", "careful"))
	assert.False(t, errs.HasErrors())
	errs = append(errs, fail("y", "broken"))
	assert.True(t, errs.HasErrors())
	assert.Equal(t, "x: careful; y: broken", errs.Error())
}

func TestTunnel_BuildDefaults(t *testing.T) {
	var tc *TunnelConfig
	tun, err := tc.Build()
	require.NoError(t, err)
	assert.Greater(t, tun.HandshakeTimeout, time.Duration(0))
	assert.Greater(t, tun.Grace.Window, time.Duration(0))

	_, err = (&TunnelConfig{GracePackets: -1}).Build()
	assert.Error(t, err)
}

func TestLoggingConfig_BuildLogger(t *testing.T) {
	var buf bytes.Buffer
	var lc *LoggingConfig
	logger, closer, err := lc.BuildLogger(&buf)
	require.NoError(t, err)
	require.NoError(t, closer.Close())
	logger.Info("hello")
	assert.Contains(t, buf.String(), "hello")

	buf.Reset()
	logger, _, err = (&LoggingConfig{Level: "warn", JSON: true}).BuildLogger(&buf)
	require.NoError(t, err)
	logger.Info("quiet")
	logger.Warn("loud")
	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), `"msg":"loud"`)
}

func TestAuditConfig_Retention(t *testing.T) {
	var nilCfg *AuditConfig
	assert.Zero(t, nilCfg.Retention())
	assert.Equal(t, 48*time.Hour, (&AuditConfig{RetentionDays: 2}).Retention())
}

func TestValidate_Names(t *testing.T) {
	cfg := &Config{
		Routes: []Route{
			{Name: "bad name", Destination: "10.0.0.0/8", Interface: "eth0"},
			{Name: "ok", Destination: "10.1.0.0/16", Interface: "eth0;reboot"},
		},
		NAT: []NATRule{
			{Name: "masq", Type: "masquerade", To: "192.0.2.1", OutInterface: "averyveryverylongname"},
		},
		NFQueue: &NFQueueConfig{Table: "flow gate"},
	}
	errs := cfg.Validate()
	assert.ElementsMatch(t, []string{
		"route.bad name",
		"route.ok.interface",
		"nat.masq.out_interface",
		"nfqueue.table",
	}, fields(errs))
}
