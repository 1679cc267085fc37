package dataplane

import (
	"net"
	"sync"

	"grimm.is/flowgate/internal/hook"
)

// DefaultBypassMark tags packets the steering rules must not queue, such
// as the tunnel sockets' own datagrams.
const DefaultBypassMark uint32 = 0x464c

// QueueConfig selects the kernel queue packets are read from.
type QueueConfig struct {
	Num    uint16
	MaxLen uint32
	// FailOpen makes the kernel accept packets instead of dropping them
	// when the queue is full.
	FailOpen bool
}

// SteerConfig describes the nftables table that diverts traffic into the
// queue.
type SteerConfig struct {
	Table      string
	Queue      uint16
	FailOpen   bool // bypass the queue while no reader is attached
	BypassMark uint32
	Namespace  string // named network namespace; empty for the current one
}

// kernelAccept reports whether a pipeline verdict lets the kernel deliver
// the (possibly rewritten) packet. STOLEN packets were emitted by the
// pipeline and the original is discarded.
func kernelAccept(v hook.Verdict) bool {
	return v == hook.Accept || v == hook.Queue
}

// ifaceNames caches interface index to name lookups.
type ifaceNames struct {
	mu    sync.RWMutex
	names map[uint32]string
}

func (c *ifaceNames) name(index uint32) string {
	c.mu.RLock()
	name, ok := c.names[index]
	c.mu.RUnlock()
	if ok {
		return name
	}

	iface, err := net.InterfaceByIndex(int(index))
	if err != nil {
		return ""
	}
	c.mu.Lock()
	if c.names == nil {
		c.names = make(map[uint32]string)
	}
	c.names[index] = iface.Name
	c.mu.Unlock()
	return iface.Name
}
