package testutil

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"
)

// Flow describes a test packet.
type Flow struct {
	Src, Dst         string
	SrcPort, DstPort uint16
	SYN, ACK         bool
	FIN, RST         bool
	Payload          []byte
}

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

func ipLayer(t *testing.T, f Flow, proto layers.IPProtocol) gopacket.NetworkLayer {
	t.Helper()
	src, dst := net.ParseIP(f.Src), net.ParseIP(f.Dst)
	require.NotNil(t, src, "bad src %q", f.Src)
	require.NotNil(t, dst, "bad dst %q", f.Dst)

	if src.To4() != nil {
		return &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Id:       0x1234,
			Flags:    layers.IPv4DontFragment,
			Protocol: proto,
			SrcIP:    src.To4(),
			DstIP:    dst.To4(),
		}
	}
	return &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: proto,
		SrcIP:      src,
		DstIP:      dst,
	}
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, serializeOpts, ls...))
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out
}

// TCP builds a TCP segment over IPv4 or IPv6 with valid checksums.
func TCP(t *testing.T, f Flow) []byte {
	t.Helper()
	ip := ipLayer(t, f, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(f.SrcPort),
		DstPort: layers.TCPPort(f.DstPort),
		Seq:     1000,
		Ack:     1,
		SYN:     f.SYN,
		ACK:     f.ACK,
		FIN:     f.FIN,
		RST:     f.RST,
		Window:  65535,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip.(gopacket.SerializableLayer), tcp, gopacket.Payload(f.Payload))
}

// UDP builds a UDP datagram over IPv4 or IPv6 with valid checksums.
func UDP(t *testing.T, f Flow) []byte {
	t.Helper()
	ip := ipLayer(t, f, layers.IPProtocolUDP)
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(f.SrcPort),
		DstPort: layers.UDPPort(f.DstPort),
	}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip.(gopacket.SerializableLayer), udp, gopacket.Payload(f.Payload))
}

// ICMPEcho builds an IPv4 ICMP echo request (or reply).
func ICMPEcho(t *testing.T, src, dst string, id, seq uint16, reply bool) []byte {
	t.Helper()
	ip := ipLayer(t, Flow{Src: src, Dst: dst}, layers.IPProtocolICMPv4)
	typ := uint8(layers.ICMPv4TypeEchoRequest)
	if reply {
		typ = layers.ICMPv4TypeEchoReply
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(typ, 0),
		Id:       id,
		Seq:      seq,
	}
	return serialize(t, ip.(gopacket.SerializableLayer), icmp, gopacket.Payload([]byte("ping")))
}

// RequireValidChecksums decodes data, recomputes every checksum from
// scratch and requires the result to match data byte for byte.
func RequireValidChecksums(t *testing.T, data []byte) {
	t.Helper()

	first := layers.LayerTypeIPv4
	if data[0]>>4 == 6 {
		first = layers.LayerTypeIPv6
	}
	pkt := gopacket.NewPacket(data, first, gopacket.Default)
	require.Nil(t, pkt.ErrorLayer(), "decode failed")

	var ls []gopacket.SerializableLayer
	var payload []byte
	nl := pkt.NetworkLayer()
	ls = append(ls, nl.(gopacket.SerializableLayer))

	switch l := pkt.Layers()[1].(type) {
	case *layers.TCP:
		require.NoError(t, l.SetNetworkLayerForChecksum(nl))
		ls = append(ls, l)
		payload = l.Payload
	case *layers.UDP:
		require.NoError(t, l.SetNetworkLayerForChecksum(nl))
		ls = append(ls, l)
		payload = l.Payload
	case *layers.ICMPv4:
		ls = append(ls, l)
		payload = l.Payload
	default:
		t.Fatalf("unsupported transport layer %s", l.LayerType())
	}
	ls = append(ls, gopacket.Payload(payload))

	want := serialize(t, ls...)
	require.Equal(t, want, data, "checksums differ from a full recomputation")
}
