// Package packet holds the packet descriptor passed through the pipeline:
// the raw buffer plus L3/L4 offsets and the protocol tag, with accessors
// that read and rewrite header fields in place.
package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// IP protocol numbers.
const (
	ProtoICMP   uint8 = 1
	ProtoTCP    uint8 = 6
	ProtoUDP    uint8 = 17
	ProtoICMPv6 uint8 = 58
)

// TCP flags
const (
	TCPFlagFIN uint8 = 0x01
	TCPFlagSYN uint8 = 0x02
	TCPFlagRST uint8 = 0x04
	TCPFlagPSH uint8 = 0x08
	TCPFlagACK uint8 = 0x10
)

// ICMP echo types; the identifier of an echo is treated as its port.
const (
	ICMPEchoReply   uint8 = 0
	ICMPEchoRequest uint8 = 8
)

// Descriptor is a packet in flight.
type Descriptor struct {
	Data     []byte
	L3Offset int
	L4Offset int
	Version  int   // 4 or 6
	Protocol uint8 // L4 protocol number

	InInterface  string
	OutInterface string
	NextHop      netip.Addr
	Mark         uint32

	// Conn is the connection entry attached by the tracker stage.
	Conn any
	// Err records why a pipeline stage dropped the packet.
	Err error
}

// Len returns the length of the packet buffer.
func (d *Descriptor) Len() int { return len(d.Data) }

func (d *Descriptor) addrLen() int {
	if d.Version == 6 {
		return 16
	}
	return 4
}

func (d *Descriptor) srcAddrOffset() int {
	if d.Version == 6 {
		return d.L3Offset + 8
	}
	return d.L3Offset + 12
}

func (d *Descriptor) dstAddrOffset() int {
	return d.srcAddrOffset() + d.addrLen()
}

func (d *Descriptor) addrAt(off int) netip.Addr {
	if d.Version == 6 {
		return netip.AddrFrom16([16]byte(d.Data[off : off+16]))
	}
	return netip.AddrFrom4([4]byte(d.Data[off : off+4]))
}

// SrcAddr returns the source address.
func (d *Descriptor) SrcAddr() netip.Addr { return d.addrAt(d.srcAddrOffset()) }

// DstAddr returns the destination address.
func (d *Descriptor) DstAddr() netip.Addr { return d.addrAt(d.dstAddrOffset()) }

// HasPorts reports whether the transport header carries ports (TCP, UDP or ICMP echo).
func (d *Descriptor) HasPorts() bool {
	switch d.Protocol {
	case ProtoTCP, ProtoUDP:
		return len(d.Data) >= d.L4Offset+4
	case ProtoICMP:
		if len(d.Data) < d.L4Offset+8 {
			return false
		}
		t := d.Data[d.L4Offset]
		return t == ICMPEchoRequest || t == ICMPEchoReply
	}
	return false
}

func (d *Descriptor) srcPortOffset() int {
	if d.Protocol == ProtoICMP {
		return d.L4Offset + 4
	}
	return d.L4Offset
}

func (d *Descriptor) dstPortOffset() int {
	if d.Protocol == ProtoICMP {
		return d.L4Offset + 4
	}
	return d.L4Offset + 2
}

// SrcPort returns the source port, or the echo identifier for ICMP.
func (d *Descriptor) SrcPort() uint16 {
	if !d.HasPorts() {
		return 0
	}
	return binary.BigEndian.Uint16(d.Data[d.srcPortOffset():])
}

// DstPort returns the destination port, or the echo identifier for ICMP.
func (d *Descriptor) DstPort() uint16 {
	if !d.HasPorts() {
		return 0
	}
	return binary.BigEndian.Uint16(d.Data[d.dstPortOffset():])
}

// TCPFlags returns the TCP flag byte, zero for other protocols.
func (d *Descriptor) TCPFlags() uint8 {
	if d.Protocol != ProtoTCP || len(d.Data) < d.L4Offset+14 {
		return 0
	}
	return d.Data[d.L4Offset+13]
}

// HasTCPFlag reports whether flag is set.
func (d *Descriptor) HasTCPFlag(flag uint8) bool {
	return d.TCPFlags()&flag != 0
}

// l4ChecksumOffset returns the transport checksum offset, or -1.
func (d *Descriptor) l4ChecksumOffset() int {
	switch d.Protocol {
	case ProtoTCP:
		if len(d.Data) >= d.L4Offset+18 {
			return d.L4Offset + 16
		}
	case ProtoUDP:
		if len(d.Data) >= d.L4Offset+8 {
			return d.L4Offset + 6
		}
	case ProtoICMP, ProtoICMPv6:
		if len(d.Data) >= d.L4Offset+4 {
			return d.L4Offset + 2
		}
	}
	return -1
}

// pseudoHeader reports whether the transport checksum covers the addresses.
func (d *Descriptor) pseudoHeader() bool {
	return d.Protocol == ProtoTCP || d.Protocol == ProtoUDP || d.Protocol == ProtoICMPv6
}

// udpNoChecksum reports an IPv4 UDP datagram sent without a checksum.
func (d *Descriptor) udpNoChecksum() bool {
	return d.Protocol == ProtoUDP && d.Version == 4 &&
		binary.BigEndian.Uint16(d.Data[d.L4Offset+6:]) == 0
}

// SetSrcAddr rewrites the source address, updating every checksum that covers it.
func (d *Descriptor) SetSrcAddr(addr netip.Addr, fix ChecksumFixer) error {
	return d.setAddr(d.srcAddrOffset(), addr, fix)
}

// SetDstAddr rewrites the destination address, updating every checksum that covers it.
func (d *Descriptor) SetDstAddr(addr netip.Addr, fix ChecksumFixer) error {
	return d.setAddr(d.dstAddrOffset(), addr, fix)
}

func (d *Descriptor) setAddr(off int, addr netip.Addr, fix ChecksumFixer) error {
	var raw []byte
	switch {
	case d.Version == 4 && addr.Is4():
		a := addr.As4()
		raw = a[:]
	case d.Version == 6 && addr.Is6() && !addr.Is4In6():
		a := addr.As16()
		raw = a[:]
	default:
		return fmt.Errorf("address family mismatch: %s in IPv%d packet", addr, d.Version)
	}

	old := make([]byte, len(raw))
	copy(old, d.Data[off:off+len(raw)])
	copy(d.Data[off:], raw)

	if d.Version == 4 {
		fix.Fix(d.Data, d.L3Offset+10, old, raw)
	}
	if d.pseudoHeader() {
		d.fixL4(fix, old, raw)
	}
	return nil
}

// SetSrcPort rewrites the source port (echo identifier for ICMP).
func (d *Descriptor) SetSrcPort(port uint16, fix ChecksumFixer) error {
	return d.setPort(d.srcPortOffset(), port, fix)
}

// SetDstPort rewrites the destination port (echo identifier for ICMP).
func (d *Descriptor) SetDstPort(port uint16, fix ChecksumFixer) error {
	return d.setPort(d.dstPortOffset(), port, fix)
}

func (d *Descriptor) setPort(off int, port uint16, fix ChecksumFixer) error {
	if !d.HasPorts() {
		return fmt.Errorf("protocol %d carries no ports", d.Protocol)
	}
	var old, raw [2]byte
	copy(old[:], d.Data[off:off+2])
	binary.BigEndian.PutUint16(raw[:], port)
	copy(d.Data[off:], raw[:])
	d.fixL4(fix, old[:], raw[:])
	return nil
}

func (d *Descriptor) fixL4(fix ChecksumFixer, old, raw []byte) {
	off := d.l4ChecksumOffset()
	if off < 0 || d.udpNoChecksum() {
		return
	}
	fix.Fix(d.Data, off, old, raw)
	// A computed UDP checksum of zero is transmitted as all ones.
	if d.Protocol == ProtoUDP && binary.BigEndian.Uint16(d.Data[off:]) == 0 {
		binary.BigEndian.PutUint16(d.Data[off:], 0xffff)
	}
}

// Payload returns the bytes following the transport header, if known.
func (d *Descriptor) Payload() []byte {
	switch d.Protocol {
	case ProtoTCP:
		if len(d.Data) >= d.L4Offset+13 {
			hl := int(d.Data[d.L4Offset+12]>>4) * 4
			if len(d.Data) >= d.L4Offset+hl {
				return d.Data[d.L4Offset+hl:]
			}
		}
	case ProtoUDP, ProtoICMP:
		if len(d.Data) >= d.L4Offset+8 {
			return d.Data[d.L4Offset+8:]
		}
	}
	return nil
}

// String renders the flow tuple for logs.
func (d *Descriptor) String() string {
	return fmt.Sprintf("proto=%d %s:%d -> %s:%d", d.Protocol,
		d.SrcAddr(), d.SrcPort(), d.DstAddr(), d.DstPort())
}
