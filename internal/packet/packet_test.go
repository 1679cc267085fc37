package packet

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowgate/internal/errors"
	"grimm.is/flowgate/internal/testutil"
)

// countingFixer records how many updates hit each checksum offset.
type countingFixer struct {
	Incremental
	calls map[int]int
}

func (c *countingFixer) Fix(buf []byte, off int, old, new []byte) {
	if c.calls == nil {
		c.calls = make(map[int]int)
	}
	c.calls[off]++
	c.Incremental.Fix(buf, off, old, new)
}

func TestParse_TCP4(t *testing.T) {
	data := testutil.TCP(t, testutil.Flow{
		Src: "10.0.0.7", Dst: "93.184.216.34", SrcPort: 40000, DstPort: 443, SYN: true,
	})

	d, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, 4, d.Version)
	assert.Equal(t, ProtoTCP, d.Protocol)
	assert.Equal(t, 0, d.L3Offset)
	assert.Equal(t, 20, d.L4Offset)
	assert.Equal(t, netip.MustParseAddr("10.0.0.7"), d.SrcAddr())
	assert.Equal(t, netip.MustParseAddr("93.184.216.34"), d.DstAddr())
	assert.Equal(t, uint16(40000), d.SrcPort())
	assert.Equal(t, uint16(443), d.DstPort())
	assert.True(t, d.HasTCPFlag(TCPFlagSYN))
	assert.False(t, d.HasTCPFlag(TCPFlagACK))
}

func TestParse_UDP6(t *testing.T) {
	data := testutil.UDP(t, testutil.Flow{
		Src: "2001:db8::1", Dst: "2001:db8::53", SrcPort: 5353, DstPort: 53, Payload: []byte("query"),
	})

	d, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, 6, d.Version)
	assert.Equal(t, ProtoUDP, d.Protocol)
	assert.Equal(t, 40, d.L4Offset)
	assert.Equal(t, netip.MustParseAddr("2001:db8::53"), d.DstAddr())
	assert.Equal(t, uint16(53), d.DstPort())
	assert.Equal(t, []byte("query"), d.Payload())
}

func TestParse_ICMPEcho(t *testing.T) {
	data := testutil.ICMPEcho(t, "10.0.0.7", "8.8.8.8", 0x4242, 1, false)

	d, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, ProtoICMP, d.Protocol)
	assert.True(t, d.HasPorts())
	assert.Equal(t, uint16(0x4242), d.SrcPort())
	assert.Equal(t, uint16(0x4242), d.DstPort())
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad version", []byte{0x15, 0, 0, 0}},
		{"short ipv4", []byte{0x45, 0, 0, 20, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrProtocolViolation))
			assert.Equal(t, errors.KindProtocolViolation, errors.GetKind(err))
		})
	}
}

func TestRewrite_ChecksumsMatchRecomputation(t *testing.T) {
	tests := []struct {
		name string
		data func(t *testing.T) []byte
	}{
		{"tcp4", func(t *testing.T) []byte {
			return testutil.TCP(t, testutil.Flow{Src: "10.0.0.7", Dst: "93.184.216.34", SrcPort: 40000, DstPort: 443, ACK: true, Payload: []byte("GET / HTTP/1.1\r\n")})
		}},
		{"udp4", func(t *testing.T) []byte {
			return testutil.UDP(t, testutil.Flow{Src: "10.0.0.7", Dst: "1.1.1.1", SrcPort: 33333, DstPort: 53, Payload: []byte("abc")})
		}},
		{"tcp6", func(t *testing.T) []byte {
			return testutil.TCP(t, testutil.Flow{Src: "fd00::7", Dst: "2001:db8::80", SrcPort: 40000, DstPort: 80, SYN: true})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.data(t)
			d, err := Parse(data)
			require.NoError(t, err)

			var src netip.Addr
			if d.Version == 4 {
				src = netip.MustParseAddr("198.51.100.5")
			} else {
				src = netip.MustParseAddr("2001:db8:ffff::5")
			}

			fix := &countingFixer{}
			require.NoError(t, d.SetSrcAddr(src, fix))
			require.NoError(t, d.SetSrcPort(20042, fix))

			assert.Equal(t, src, d.SrcAddr())
			assert.Equal(t, uint16(20042), d.SrcPort())
			testutil.RequireValidChecksums(t, d.Data)

			// One update per rewritten field per covering checksum.
			l4 := d.l4ChecksumOffset()
			assert.Equal(t, 2, fix.calls[l4], "transport checksum: address + port")
			if d.Version == 4 {
				assert.Equal(t, 1, fix.calls[d.L3Offset+10], "IPv4 header checksum: address only")
			}
		})
	}
}

func TestRewrite_ICMPIdentifier(t *testing.T) {
	data := testutil.ICMPEcho(t, "10.0.0.7", "8.8.8.8", 7, 1, false)
	d, err := Parse(data)
	require.NoError(t, err)

	fix := &countingFixer{}
	require.NoError(t, d.SetSrcAddr(netip.MustParseAddr("198.51.100.5"), fix))
	require.NoError(t, d.SetSrcPort(20001, fix))

	assert.Equal(t, uint16(20001), d.DstPort(), "echo identifier serves both directions")
	testutil.RequireValidChecksums(t, d.Data)
	assert.Equal(t, 1, fix.calls[d.L4Offset+2], "ICMPv4 checksum does not cover addresses")
}

func TestRewrite_UDPWithoutChecksum(t *testing.T) {
	data := testutil.UDP(t, testutil.Flow{Src: "10.0.0.7", Dst: "1.1.1.1", SrcPort: 1000, DstPort: 53})
	d, err := Parse(data)
	require.NoError(t, err)
	binary.BigEndian.PutUint16(d.Data[d.L4Offset+6:], 0)

	require.NoError(t, d.SetSrcPort(2000, Incremental{}))
	assert.Equal(t, uint16(0), binary.BigEndian.Uint16(d.Data[d.L4Offset+6:]))
}

func TestRewrite_FamilyMismatch(t *testing.T) {
	data := testutil.TCP(t, testutil.Flow{Src: "10.0.0.7", Dst: "10.0.0.8", SrcPort: 1, DstPort: 2})
	d, err := Parse(data)
	require.NoError(t, err)

	assert.Error(t, d.SetSrcAddr(netip.MustParseAddr("2001:db8::1"), Incremental{}))
	assert.Equal(t, netip.MustParseAddr("10.0.0.7"), d.SrcAddr(), "rejected rewrite leaves the packet untouched")
}

func TestIncremental_MatchesFullSum(t *testing.T) {
	hdr := []byte{
		0x45, 0x00, 0x00, 0x3c, 0x1c, 0x46, 0x40, 0x00, 0x40, 0x06,
		0x00, 0x00, 0xac, 0x10, 0x0a, 0x63, 0xac, 0x10, 0x0a, 0x0c,
	}
	binary.BigEndian.PutUint16(hdr[10:], ^Sum(hdr))
	require.Equal(t, uint16(0xffff), Sum(hdr))

	old := append([]byte(nil), hdr[12:16]...)
	nw := []byte{192, 0, 2, 1}
	copy(hdr[12:], nw)
	Incremental{}.Fix(hdr, 10, old, nw)

	assert.Equal(t, uint16(0xffff), Sum(hdr))
}
