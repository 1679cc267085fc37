package packet

import "encoding/binary"

// ChecksumFixer applies one checksum adjustment for one rewritten field.
// buf[off:off+2] holds the checksum; old and new are the field's previous
// and current bytes, of equal even length.
type ChecksumFixer interface {
	Fix(buf []byte, off int, old, new []byte)
}

// Incremental updates checksums in place per RFC 1624, eqn. 3:
//
//	HC' = ~(~HC + ~m + m')
type Incremental struct{}

// Fix implements ChecksumFixer.
func (Incremental) Fix(buf []byte, off int, old, new []byte) {
	sum := uint32(^binary.BigEndian.Uint16(buf[off:]))
	for i := 0; i+1 < len(old) && i+1 < len(new); i += 2 {
		sum += uint32(^binary.BigEndian.Uint16(old[i:]))
		sum += uint32(binary.BigEndian.Uint16(new[i:]))
	}
	binary.BigEndian.PutUint16(buf[off:], ^fold(sum))
}

func fold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return uint16(sum)
}

// Sum returns the one's complement sum of b folded to 16 bits. A header
// whose checksum is correct sums to 0xffff.
func Sum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i:]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	return fold(sum)
}
