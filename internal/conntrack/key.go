package conntrack

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"hash/maphash"
	"net/netip"

	"grimm.is/flowgate/internal/packet"
)

// Key is a connection 5-tuple in one direction.
type Key struct {
	Proto   uint8
	Src     netip.Addr
	SrcPort uint16
	Dst     netip.Addr
	DstPort uint16
}

// KeyFrom returns the tuple of pkt as seen on the wire.
func KeyFrom(pkt *packet.Descriptor) Key {
	return Key{
		Proto:   pkt.Protocol,
		Src:     pkt.SrcAddr(),
		SrcPort: pkt.SrcPort(),
		Dst:     pkt.DstAddr(),
		DstPort: pkt.DstPort(),
	}
}

// Reverse returns the tuple of the opposite direction.
func (k Key) Reverse() Key {
	return Key{Proto: k.Proto, Src: k.Dst, SrcPort: k.DstPort, Dst: k.Src, DstPort: k.SrcPort}
}

// IsZero reports whether k is unset.
func (k Key) IsZero() bool { return k == Key{} }

func (k Key) String() string {
	return fmt.Sprintf("%d %s -> %s", k.Proto,
		netip.AddrPortFrom(k.Src, k.SrcPort), netip.AddrPortFrom(k.Dst, k.DstPort))
}

// Compare orders keys by protocol, then source, then destination.
func (k Key) Compare(o Key) int {
	return cmp.Or(
		cmp.Compare(k.Proto, o.Proto),
		k.Src.Compare(o.Src),
		cmp.Compare(k.SrcPort, o.SrcPort),
		k.Dst.Compare(o.Dst),
		cmp.Compare(k.DstPort, o.DstPort),
	)
}

// canonical orders the endpoints so both directions of a flow yield the
// same value.
func (k Key) canonical() Key {
	c := k.Src.Compare(k.Dst)
	if c > 0 || (c == 0 && k.SrcPort > k.DstPort) {
		return k.Reverse()
	}
	return k
}

var hashSeed = maphash.MakeSeed()

// hash is direction independent.
func (k Key) hash() uint64 {
	c := k.canonical()
	var h maphash.Hash
	h.SetSeed(hashSeed)
	var b [16 + 16 + 5]byte
	s, d := c.Src.As16(), c.Dst.As16()
	copy(b[0:], s[:])
	copy(b[16:], d[:])
	binary.BigEndian.PutUint16(b[32:], c.SrcPort)
	binary.BigEndian.PutUint16(b[34:], c.DstPort)
	b[36] = c.Proto
	h.Write(b[:])
	return h.Sum64()
}
