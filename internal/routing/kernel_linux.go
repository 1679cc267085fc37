//go:build linux

package routing

import (
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// KernelSource selects which kernel routing table to import.
type KernelSource struct {
	Namespace string // named network namespace; empty for the current one
	Table     int    // routing table id; 0 means main
}

// ImportKernelRoutes reads IPv4 and IPv6 routes from the kernel and installs
// them. Routes already present are reported as an error and nothing is
// installed.
func (r *Resolver) ImportKernelRoutes(src KernelSource) (int, error) {
	converted, err := KernelRoutes(src)
	if err != nil {
		return 0, err
	}
	if err := r.InstallAll(converted); err != nil {
		return 0, err
	}
	r.logger.Info("imported kernel routes", "count", len(converted), "table", src.Table, "netns", src.Namespace)
	return len(converted), nil
}

// KernelRoutes reads IPv4 and IPv6 routes of one kernel table without
// installing them.
func KernelRoutes(src KernelSource) ([]Route, error) {
	h, err := kernelHandle(src.Namespace)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	links, err := h.LinkList()
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	names := make(map[int]string, len(links))
	for _, l := range links {
		names[l.Attrs().Index] = l.Attrs().Name
	}

	table := src.Table
	if table == 0 {
		table = syscall.RT_TABLE_MAIN
	}
	filter := &netlink.Route{Table: table}

	var all []netlink.Route
	for _, family := range []int{netlink.FAMILY_V4, netlink.FAMILY_V6} {
		routes, err := h.RouteListFiltered(family, filter, netlink.RT_FILTER_TABLE)
		if err != nil {
			return nil, fmt.Errorf("failed to list routes: %w", err)
		}
		all = append(all, routes...)
	}
	return FromNetlink(all, names), nil
}

func kernelHandle(ns string) (*netlink.Handle, error) {
	if ns == "" {
		return netlink.NewHandle()
	}
	nsh, err := netns.GetFromName(ns)
	if err != nil {
		return nil, fmt.Errorf("failed to open netns %q: %w", ns, err)
	}
	defer nsh.Close()
	return netlink.NewHandleAt(nsh)
}

// FromNetlink converts kernel routes into resolver routes. Routes without an
// interface name in names, and unreachable/blackhole entries, are skipped.
func FromNetlink(routes []netlink.Route, names map[int]string) []Route {
	out := make([]Route, 0, len(routes))
	for _, nr := range routes {
		if nr.Type != syscall.RTN_UNICAST && nr.Type != syscall.RTN_LOCAL {
			continue
		}
		iface, ok := names[nr.LinkIndex]
		if !ok {
			continue
		}

		var prefix netip.Prefix
		if nr.Dst != nil {
			p, ok := prefixFromIPNet(nr.Dst)
			if !ok {
				continue
			}
			prefix = p
		} else if nr.Family == netlink.FAMILY_V6 {
			prefix = netip.PrefixFrom(netip.IPv6Unspecified(), 0)
		} else {
			prefix = netip.PrefixFrom(netip.IPv4Unspecified(), 0)
		}

		rt := Route{
			Name:      "kernel",
			Prefix:    prefix,
			Interface: iface,
			Metric:    nr.Priority,
			Local:     nr.Type == syscall.RTN_LOCAL,
		}
		if gw, ok := netip.AddrFromSlice(nr.Gw); ok {
			rt.Gateway = gw.Unmap()
		}
		out = append(out, rt)
	}
	return out
}

func prefixFromIPNet(n *net.IPNet) (netip.Prefix, bool) {
	addr, ok := netip.AddrFromSlice(n.IP)
	if !ok {
		return netip.Prefix{}, false
	}
	ones, _ := n.Mask.Size()
	return netip.PrefixFrom(addr.Unmap(), ones).Masked(), true
}
