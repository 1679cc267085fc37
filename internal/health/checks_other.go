//go:build !linux

package health

import "context"

// SteeringCheck reports steering as unsupported off Linux.
func SteeringCheck(table string) CheckFunc {
	return func(ctx context.Context) Check {
		return Check{Status: StatusHealthy, Message: "nftables unsupported on this OS (stubbed)"}
	}
}

// InterfaceCheck reports interfaces as unsupported off Linux.
func InterfaceCheck(names func() []string) CheckFunc {
	return func(ctx context.Context) Check {
		return Check{Status: StatusHealthy, Message: "netlink unsupported on this OS (stubbed)"}
	}
}
