package nat

import (
	"encoding/binary"
	"hash/maphash"
	"math/big"
	"math/rand/v2"
	"net/netip"
	"sync"

	"go4.org/netipx"

	"grimm.is/flowgate/internal/errors"
)

// Ports used for SNAT when a rule gives no port range and the original
// port is already taken.
var defaultSNATPorts = PortRange{First: 1024, Last: 65535}

// mapping is the uniqueness key of one SNAT allocation.
type mapping struct {
	proto uint8
	addr  netip.Addr
	port  uint16
	peer  netip.AddrPort
}

// pool hands out translated (address, port) pairs for one rule.
type pool struct {
	mu     sync.Mutex
	addrs  netipx.IPRange
	size   int
	ports  PortRange
	keep   bool // ports unset: prefer the original port
	random bool
	sticky bool

	used   map[mapping]struct{}
	cursor int
	seed   maphash.Seed
}

func newPool(r Rule) *pool {
	p := &pool{
		addrs:  r.ToAddrs,
		size:   int(poolSize(r.ToAddrs)),
		ports:  r.ToPorts,
		random: r.RandomPort,
		sticky: r.Persistent,
		used:   make(map[mapping]struct{}),
		seed:   maphash.MakeSeed(),
	}
	if p.ports.IsZero() {
		p.ports = defaultSNATPorts
		p.keep = true
	}
	return p
}

// poolSize returns the number of addresses in r, saturating above maxPoolAddrs.
func poolSize(r netipx.IPRange) int64 {
	if !r.IsValid() {
		return 0
	}
	from, to := r.From().As16(), r.To().As16()
	d := new(big.Int).Sub(new(big.Int).SetBytes(to[:]), new(big.Int).SetBytes(from[:]))
	if !d.IsInt64() || d.Int64() >= maxPoolAddrs {
		return maxPoolAddrs + 1
	}
	return d.Int64() + 1
}

// addrAt returns the i-th address of the range.
func (p *pool) addrAt(i int) netip.Addr {
	from := p.addrs.From()
	if from.Is4() {
		b := from.As4()
		return netip.AddrFrom4([4]byte(binary.BigEndian.AppendUint32(nil, binary.BigEndian.Uint32(b[:])+uint32(i))))
	}
	b := from.As16()
	n := new(big.Int).Add(new(big.Int).SetBytes(b[:]), big.NewInt(int64(i)))
	var out [16]byte
	n.FillBytes(out[:])
	return netip.AddrFrom16(out)
}

func (p *pool) hash(a netip.Addr, extra ...netip.Addr) int {
	var h maphash.Hash
	h.SetSeed(p.seed)
	b := a.As16()
	h.Write(b[:])
	for _, e := range extra {
		b = e.As16()
		h.Write(b[:])
	}
	return int(h.Sum64() % uint64(p.size))
}

// allocate reserves a translated source for a flow from src to dst. The
// result is unique among this pool's active mappings for (proto, dst).
// portless protocols reserve an address only.
func (p *pool) allocate(proto uint8, src netip.AddrPort, dst netip.AddrPort, portless bool) (mapping, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Address order: persistent rules only ever use the source's own
	// address; others start there and fall through the range.
	start := p.hash(src.Addr())
	tries := p.size
	if p.sticky {
		tries = 1
	} else if p.size > 1 {
		start = p.hash(src.Addr(), dst.Addr())
	}

	for i := 0; i < tries; i++ {
		addr := p.addrAt((start + i) % p.size)

		if portless {
			m := mapping{proto: proto, addr: addr, peer: dst}
			if _, taken := p.used[m]; !taken {
				p.used[m] = struct{}{}
				return m, nil
			}
			continue
		}

		if p.keep && !p.random && p.ports.Contains(src.Port()) {
			m := mapping{proto: proto, addr: addr, port: src.Port(), peer: dst}
			if _, taken := p.used[m]; !taken {
				p.used[m] = struct{}{}
				return m, nil
			}
		}

		n := p.ports.Size()
		off := p.cursor
		if p.random {
			off = rand.IntN(n)
		}
		for j := 0; j < n; j++ {
			port := p.ports.First + uint16((off+j)%n)
			m := mapping{proto: proto, addr: addr, port: port, peer: dst}
			if _, taken := p.used[m]; taken {
				continue
			}
			p.used[m] = struct{}{}
			p.cursor = (off + j + 1) % n
			return m, nil
		}
	}

	return mapping{}, errors.Wrapf(errors.ErrPortPoolExhausted, errors.KindResourceExhausted,
		"no free mapping in %s:%s toward %s", p.addrs, p.ports, dst)
}

func (p *pool) release(m mapping) {
	p.mu.Lock()
	delete(p.used, m)
	p.mu.Unlock()
}

// inUse returns the number of active mappings.
func (p *pool) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}
