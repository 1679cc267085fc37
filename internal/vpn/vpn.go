// Package vpn implements the tunnel layer: a static-key handshake that
// derives per-peer session keys, authenticated encapsulation of packets for
// a peer, and key rotation with a bounded grace window for packets still in
// flight under the previous epoch.
package vpn

import (
	"encoding/json"
	"net/netip"
	"slices"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Grace bounds how long the previous epoch's receive key stays valid after a
// rotation. The key retires when either limit is reached.
type Grace struct {
	Window  time.Duration
	Packets int // 0 means no packet budget
}

// DefaultGrace matches the handshake timeout so a peer that rotates a
// little later than us does not lose traffic.
func DefaultGrace() Grace {
	return Grace{Window: 5 * time.Second}
}

// Equal reports whether two peer descriptions configure the same peer.
func (c PeerConfig) Equal(o PeerConfig) bool {
	return c.Name == o.Name &&
		c.PublicKey == o.PublicKey &&
		c.PresharedKey == o.PresharedKey &&
		c.Endpoint == o.Endpoint &&
		slices.Equal(c.AllowedIPs, o.AllowedIPs)
}

// InterfaceConfig describes one tunnel interface and its peers.
type InterfaceConfig struct {
	Name       string
	PrivateKey wgtypes.Key
	Address    netip.Prefix
	ListenPort int
	Peers      []PeerConfig
}

// PeerConfig describes one remote peer.
type PeerConfig struct {
	Name         string
	PublicKey    wgtypes.Key
	PresharedKey wgtypes.Key // zero means none
	Endpoint     netip.AddrPort
	AllowedIPs   []netip.Prefix
}

const masked = "******"

func prefixStrings(ps []netip.Prefix) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.String()
	}
	return out
}

// MarshalJSON masks the private key.
// Mitigation: CWE-200: Exposure of Sensitive Information
func (c InterfaceConfig) MarshalJSON() ([]byte, error) {
	aux := struct {
		Name       string       `json:"name"`
		PublicKey  string       `json:"public_key"`
		PrivateKey string       `json:"private_key,omitempty"`
		Address    string       `json:"address,omitempty"`
		ListenPort int          `json:"listen_port,omitempty"`
		Peers      []PeerConfig `json:"peers,omitempty"`
	}{
		Name:       c.Name,
		PublicKey:  c.PrivateKey.PublicKey().String(),
		ListenPort: c.ListenPort,
		Peers:      c.Peers,
	}
	if c.PrivateKey != (wgtypes.Key{}) {
		aux.PrivateKey = masked
	}
	if c.Address.IsValid() {
		aux.Address = c.Address.String()
	}
	return json.Marshal(aux)
}

// MarshalJSON masks the preshared key.
// Mitigation: CWE-200: Exposure of Sensitive Information
func (p PeerConfig) MarshalJSON() ([]byte, error) {
	aux := struct {
		Name         string   `json:"name"`
		PublicKey    string   `json:"public_key"`
		PresharedKey string   `json:"preshared_key,omitempty"`
		Endpoint     string   `json:"endpoint,omitempty"`
		AllowedIPs   []string `json:"allowed_ips"`
	}{
		Name:       p.Name,
		PublicKey:  p.PublicKey.String(),
		AllowedIPs: prefixStrings(p.AllowedIPs),
	}
	if p.PresharedKey != (wgtypes.Key{}) {
		aux.PresharedKey = masked
	}
	if p.Endpoint.IsValid() {
		aux.Endpoint = p.Endpoint.String()
	}
	return json.Marshal(aux)
}

// PeerStatus is a point-in-time view of a peer.
type PeerStatus struct {
	Interface     string    `json:"interface"`
	Name          string    `json:"name"`
	PublicKey     string    `json:"public_key"`
	Endpoint      string    `json:"endpoint,omitempty"`
	AllowedIPs    []string  `json:"allowed_ips"`
	Established   bool      `json:"established"`
	Initiator     bool      `json:"initiator,omitempty"`
	Epoch         uint32    `json:"epoch"`
	GraceOpen     bool      `json:"grace_open"`
	LastHandshake time.Time `json:"last_handshake,omitempty"`
	TxBytes       uint64    `json:"tx_bytes"`
	RxBytes       uint64    `json:"rx_bytes"`
	TxPackets     uint64    `json:"tx_packets"`
	RxPackets     uint64    `json:"rx_packets"`
	AuthFailures  uint64    `json:"auth_failures"`
}

// InterfaceStatus aggregates an interface's counters.
type InterfaceStatus struct {
	Name      string       `json:"name"`
	PublicKey string       `json:"public_key"`
	Address   string       `json:"address,omitempty"`
	TxBytes   uint64       `json:"tx_bytes"`
	RxBytes   uint64       `json:"rx_bytes"`
	TxPackets uint64       `json:"tx_packets"`
	RxPackets uint64       `json:"rx_packets"`
	Peers     []PeerStatus `json:"peers"`
}
