package health

import (
	"context"
	"fmt"
	"strings"
)

// Occupancy reports how full a bounded table is.
type Occupancy interface {
	Len() int
	Cap() int
}

// DefaultHighWater is the conntrack fill ratio reported as degraded.
const DefaultHighWater = 0.9

// ConntrackCheck degrades when the connection table passes highWater and
// fails when it is full, since new flows are then evicted or refused.
func ConntrackCheck(t Occupancy, highWater float64) CheckFunc {
	if highWater <= 0 || highWater > 1 {
		highWater = DefaultHighWater
	}
	return func(ctx context.Context) Check {
		n, limit := t.Len(), t.Cap()
		check := Check{Status: StatusHealthy, Message: fmt.Sprintf("%d/%d connections", n, limit)}
		switch {
		case limit > 0 && n >= limit:
			check.Status = StatusUnhealthy
			check.Message = fmt.Sprintf("connection table full (%d)", limit)
		case limit > 0 && float64(n) >= highWater*float64(limit):
			check.Status = StatusDegraded
		}
		return check
	}
}

// TunnelCheck degrades while any initiating peer lacks a session. pending
// lists those peers.
func TunnelCheck(pending func() []string) CheckFunc {
	return func(ctx context.Context) Check {
		p := pending()
		if len(p) == 0 {
			return Check{Status: StatusHealthy, Message: "all initiated tunnels established"}
		}
		return Check{
			Status:  StatusDegraded,
			Message: "awaiting handshake: " + strings.Join(p, ", "),
		}
	}
}
