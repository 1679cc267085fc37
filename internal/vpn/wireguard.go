package vpn

import (
	"fmt"
	"net/netip"

	"go4.org/netipx"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"grimm.is/flowgate/internal/errors"
)

// GenerateKeyPair returns a new base64 private key and its public key.
func GenerateKeyPair() (privateKey, publicKey string, err error) {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return "", "", errors.Wrap(err, errors.KindInternal, "generate private key")
	}
	return key.String(), key.PublicKey().String(), nil
}

// ParseKey parses a base64 key. An empty string is the zero key.
func ParseKey(s string) (wgtypes.Key, error) {
	if s == "" {
		return wgtypes.Key{}, nil
	}
	k, err := wgtypes.ParseKey(s)
	if err != nil {
		return wgtypes.Key{}, errors.Wrap(err, errors.KindValidation, "invalid key")
	}
	return k, nil
}

// ReadDevice loads the keys and peers of an existing kernel WireGuard
// device so the same identity can be served by this process.
func ReadDevice(name string) (InterfaceConfig, error) {
	c, err := wgctrl.New()
	if err != nil {
		return InterfaceConfig{}, errors.Wrap(err, errors.KindUnavailable, "failed to open wgctrl")
	}
	defer c.Close()

	dev, err := c.Device(name)
	if err != nil {
		return InterfaceConfig{}, errors.Wrapf(err, errors.KindNotFound, "wireguard device %q", name)
	}
	return FromDevice(dev), nil
}

// FromDevice converts a wgctrl device description. Peers are named after
// a prefix of their public key.
func FromDevice(dev *wgtypes.Device) InterfaceConfig {
	cfg := InterfaceConfig{
		Name:       dev.Name,
		PrivateKey: dev.PrivateKey,
		ListenPort: dev.ListenPort,
	}
	for _, p := range dev.Peers {
		pc := PeerConfig{
			Name:         fmt.Sprintf("%s-%.8s", dev.Name, p.PublicKey.String()),
			PublicKey:    p.PublicKey,
			PresharedKey: p.PresharedKey,
		}
		if p.Endpoint != nil {
			ap := p.Endpoint.AddrPort()
			pc.Endpoint = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
		}
		for i := range p.AllowedIPs {
			if pfx, ok := netipx.FromStdIPNet(&p.AllowedIPs[i]); ok {
				pc.AllowedIPs = append(pc.AllowedIPs, pfx)
			}
		}
		cfg.Peers = append(cfg.Peers, pc)
	}
	return cfg
}
