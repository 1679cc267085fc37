// Package nat implements stateful source and destination address
// translation on top of the connection tracker.
package nat

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go4.org/netipx"

	"grimm.is/flowgate/internal/errors"
	"grimm.is/flowgate/internal/packet"
)

// Action is the kind of translation a rule performs.
type Action int

const (
	SNAT Action = iota
	DNAT
)

func (a Action) String() string {
	if a == DNAT {
		return "dnat"
	}
	return "snat"
}

// ParseAction accepts "snat" or "dnat" in any case.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "snat", "masquerade":
		return SNAT, nil
	case "dnat", "port-forward", "port_forward":
		return DNAT, nil
	}
	return 0, fmt.Errorf("unknown nat action %q", s)
}

// PortRange is an inclusive port interval. The zero value matches any port.
type PortRange struct {
	First, Last uint16
}

// IsZero reports whether r is unset.
func (r PortRange) IsZero() bool { return r.First == 0 && r.Last == 0 }

// Contains reports whether p is inside r; a zero range contains every port.
func (r PortRange) Contains(p uint16) bool {
	return r.IsZero() || (p >= r.First && p <= r.Last)
}

// Size returns the number of ports in r.
func (r PortRange) Size() int {
	if r.IsZero() {
		return 0
	}
	return int(r.Last) - int(r.First) + 1
}

// Overlaps reports whether two ranges share a port. Zero ranges overlap everything.
func (r PortRange) Overlaps(o PortRange) bool {
	if r.IsZero() || o.IsZero() {
		return true
	}
	return r.First <= o.Last && o.First <= r.Last
}

func (r PortRange) String() string {
	if r.IsZero() {
		return "any"
	}
	if r.First == r.Last {
		return strconv.Itoa(int(r.First))
	}
	return fmt.Sprintf("%d-%d", r.First, r.Last)
}

// ParsePortRange parses "80" or "20000-20100". An empty string is the zero range.
func ParsePortRange(s string) (PortRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PortRange{}, nil
	}
	lo, hi, found := strings.Cut(s, "-")
	first, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
	if err != nil || first == 0 {
		return PortRange{}, fmt.Errorf("invalid port %q", lo)
	}
	last := first
	if found {
		last, err = strconv.ParseUint(strings.TrimSpace(hi), 10, 16)
		if err != nil || last == 0 {
			return PortRange{}, fmt.Errorf("invalid port %q", hi)
		}
	}
	if last < first {
		return PortRange{}, fmt.Errorf("port range %q is reversed", s)
	}
	return PortRange{First: uint16(first), Last: uint16(last)}, nil
}

// ParseRange parses an address, a prefix or an "a-b" range. An empty
// string is the zero range, which matches any address.
func ParseRange(s string) (netipx.IPRange, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return netipx.IPRange{}, nil
	case strings.Contains(s, "-"):
		return netipx.ParseIPRange(s)
	case strings.Contains(s, "/"):
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netipx.IPRange{}, err
		}
		return netipx.RangeOfPrefix(p.Masked()), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netipx.IPRange{}, err
	}
	return netipx.IPRangeFrom(a, a), nil
}

func rangeMatches(r netipx.IPRange, a netip.Addr) bool {
	return !r.IsValid() || r.Contains(a)
}

func rangesOverlap(a, b netipx.IPRange) bool {
	if !a.IsValid() || !b.IsValid() {
		return true
	}
	return a.Overlaps(b)
}

// Rule is an installed translation. Rules are immutable once installed and
// referenced by ID.
type Rule struct {
	ID     uuid.UUID
	Name   string
	Action Action

	// Match. Zero values match anything.
	Protocol     uint8
	Src          netipx.IPRange
	Dst          netipx.IPRange
	SrcPorts     PortRange
	DstPorts     PortRange
	InInterface  string
	OutInterface string

	// Translation pool.
	ToAddrs netipx.IPRange
	ToPorts PortRange

	// Persistent maps a given source address to the same pool address.
	Persistent bool
	// RandomPort starts the port search at a random offset.
	RandomPort bool
}

func (r Rule) String() string {
	name := r.Name
	if name == "" {
		name = r.ID.String()
	}
	return fmt.Sprintf("%s %s to %s:%s", r.Action, name, r.ToAddrs, r.ToPorts)
}

// maxPoolAddrs bounds the translation address range.
const maxPoolAddrs = 1 << 16

// Validate checks the rule in isolation.
func (r Rule) Validate() error {
	if !r.ToAddrs.IsValid() {
		return errors.Errorf(errors.KindValidation, "nat rule %q: translation address is required", r.Name)
	}
	if poolSize(r.ToAddrs) > maxPoolAddrs {
		return errors.Errorf(errors.KindValidation, "nat rule %q: translation range %s is too large", r.Name, r.ToAddrs)
	}
	for _, rg := range []netipx.IPRange{r.Src, r.Dst} {
		if rg.IsValid() && rg.From().Is4() != r.ToAddrs.From().Is4() {
			return errors.Errorf(errors.KindValidation, "nat rule %q: mixed address families", r.Name)
		}
	}
	if !r.ToPorts.IsZero() && r.ToPorts.First > r.ToPorts.Last {
		return errors.Errorf(errors.KindValidation, "nat rule %q: reversed port range", r.Name)
	}
	switch r.Protocol {
	case 0, packet.ProtoTCP, packet.ProtoUDP, packet.ProtoICMP:
	default:
		if !r.SrcPorts.IsZero() || !r.DstPorts.IsZero() || !r.ToPorts.IsZero() {
			return errors.Errorf(errors.KindValidation, "nat rule %q: ports need tcp, udp or icmp", r.Name)
		}
	}
	if r.Action == DNAT && r.OutInterface != "" {
		return errors.Errorf(errors.KindValidation, "nat rule %q: dnat happens before routing and cannot match an output interface", r.Name)
	}
	if r.Action == SNAT && r.InInterface != "" {
		return errors.Errorf(errors.KindValidation, "nat rule %q: snat cannot match an input interface", r.Name)
	}
	return nil
}

// matches reports whether pkt falls under r's predicate.
func (r *Rule) matches(pkt *packet.Descriptor) bool {
	if r.Protocol != 0 && r.Protocol != pkt.Protocol {
		return false
	}
	if r.InInterface != "" && r.InInterface != pkt.InInterface {
		return false
	}
	if r.OutInterface != "" && r.OutInterface != pkt.OutInterface {
		return false
	}
	src, dst := pkt.SrcAddr(), pkt.DstAddr()
	if src.Is4() != r.ToAddrs.From().Is4() {
		return false
	}
	if !rangeMatches(r.Src, src) || !rangeMatches(r.Dst, dst) {
		return false
	}
	if !r.SrcPorts.IsZero() || !r.DstPorts.IsZero() {
		if !pkt.HasPorts() {
			return false
		}
		if !r.SrcPorts.Contains(pkt.SrcPort()) || !r.DstPorts.Contains(pkt.DstPort()) {
			return false
		}
	}
	return true
}

// conflicts reports whether installing r next to o would break mapping
// uniqueness or make a match ambiguous.
func (r Rule) conflicts(o Rule) string {
	if r.Name != "" && r.Name == o.Name {
		return "duplicate name"
	}
	if r.ID == o.ID {
		return "duplicate id"
	}
	if r.Action != o.Action {
		return ""
	}
	sameProto := r.Protocol == 0 || o.Protocol == 0 || r.Protocol == o.Protocol

	switch r.Action {
	case SNAT:
		// Two pools handing out the same address and port would allocate
		// the same mapping independently.
		if sameProto && rangesOverlap(r.ToAddrs, o.ToAddrs) && r.ToPorts.Overlaps(o.ToPorts) {
			return fmt.Sprintf("translation pool overlaps %q", o.Name)
		}
	case DNAT:
		if sameProto && r.InInterface == o.InInterface &&
			rangesOverlap(r.Src, o.Src) && rangesOverlap(r.Dst, o.Dst) &&
			r.SrcPorts.Overlaps(o.SrcPorts) && r.DstPorts.Overlaps(o.DstPorts) {
			return fmt.Sprintf("match overlaps %q", o.Name)
		}
	}
	return ""
}
