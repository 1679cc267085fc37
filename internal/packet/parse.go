package packet

import (
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/flowgate/internal/errors"
)

// Parse decodes an IP packet and builds its descriptor. The descriptor
// aliases data; rewrites are made in place.
func Parse(data []byte) (*Descriptor, error) {
	if len(data) == 0 {
		return nil, errors.Wrapf(errors.ErrProtocolViolation, errors.KindProtocolViolation, "empty packet")
	}

	var first gopacket.LayerType
	switch data[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return nil, errors.Wrapf(errors.ErrProtocolViolation, errors.KindProtocolViolation,
			"unsupported IP version %d", data[0]>>4)
	}

	pkt := gopacket.NewPacket(data, first, gopacket.DecodeOptions{NoCopy: true})
	if el := pkt.ErrorLayer(); el != nil {
		return nil, errors.Wrapf(errors.ErrProtocolViolation, errors.KindProtocolViolation,
			"decode: %v", el.Error())
	}

	d := &Descriptor{Data: data}

	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		if int(ip.IHL) < 5 || int(ip.Length) > len(data) {
			return nil, errors.Wrapf(errors.ErrProtocolViolation, errors.KindProtocolViolation,
				"bad IPv4 header (ihl=%d len=%d have=%d)", ip.IHL, ip.Length, len(data))
		}
		d.Version = 4
		d.Protocol = uint8(ip.Protocol)
		d.L4Offset = int(ip.IHL) * 4
		if ip.FragOffset != 0 {
			// Non-initial fragments carry no transport header.
			d.Protocol = 0
			return d, nil
		}
	case *layers.IPv6:
		d.Version = 6
		d.Protocol = uint8(ip.NextHeader)
		d.L4Offset = len(ip.Contents)
	default:
		return nil, errors.Wrapf(errors.ErrProtocolViolation, errors.KindProtocolViolation, "no network layer")
	}

	// Locate the transport header past any IPv6 extension headers.
	off := d.L4Offset
	for _, l := range pkt.Layers()[1:] {
		switch l.LayerType() {
		case layers.LayerTypeTCP:
			d.Protocol = ProtoTCP
		case layers.LayerTypeUDP:
			d.Protocol = ProtoUDP
		case layers.LayerTypeICMPv4:
			d.Protocol = ProtoICMP
		case layers.LayerTypeICMPv6:
			d.Protocol = ProtoICMPv6
		case layers.LayerTypeIPv6HopByHop, layers.LayerTypeIPv6Routing,
			layers.LayerTypeIPv6Destination, layers.LayerTypeIPv6Fragment:
			off += len(l.LayerContents())
			continue
		default:
			return d, nil
		}
		d.L4Offset = off
		return d, nil
	}

	return d, nil
}
