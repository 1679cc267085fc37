//go:build linux

package health

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/google/nftables"
	"github.com/vishvananda/netlink"
)

// SteeringCheck verifies the nftables table that queues traffic to the
// pipeline is still installed.
func SteeringCheck(table string) CheckFunc {
	return func(ctx context.Context) Check {
		conn, err := nftables.New()
		if err != nil {
			return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("failed to open nftables connection: %v", err)}
		}
		tables, err := conn.ListTables()
		if err != nil {
			return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("failed to list tables: %v", err)}
		}
		for _, t := range tables {
			if t.Name == table {
				return Check{Status: StatusHealthy, Message: fmt.Sprintf("table %s installed", table)}
			}
		}
		return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("table %s missing", table)}
	}
}

// InterfaceCheck degrades when a routed interface is missing or down.
func InterfaceCheck(names func() []string) CheckFunc {
	return func(ctx context.Context) Check {
		var down []string
		want := names()
		for _, name := range want {
			link, err := netlink.LinkByName(name)
			if err != nil || link.Attrs().Flags&net.FlagUp == 0 {
				down = append(down, name)
			}
		}
		if len(down) > 0 {
			slices.Sort(down)
			return Check{Status: StatusDegraded, Message: "down: " + strings.Join(down, ", ")}
		}
		return Check{Status: StatusHealthy, Message: fmt.Sprintf("%d interfaces up", len(want))}
	}
}
