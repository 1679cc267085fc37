// Package events provides the non-blocking pub/sub bus the packet path uses
// to report conditions owned by external collaborators: unroutable
// destinations (ICMP generation), malformed packets (audit), connection
// lifecycle and VPN session changes.
package events

import (
	"net/netip"
	"time"
)

// EventType identifies the category of event.
type EventType string

const (
	EventRouteMiss         EventType = "route.miss"
	EventProtocolViolation EventType = "packet.violation"
	EventConnNew           EventType = "conntrack.new"
	EventConnDestroy       EventType = "conntrack.destroy"
	EventHandshake         EventType = "vpn.handshake"
	EventRekey             EventType = "vpn.rekey"
	EventAuthFailure       EventType = "vpn.auth_failure"
)

// Event is the message passed through the hub.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Data      Payload   `json:"data"`
}

// Payload is implemented by exactly one struct per EventType.
type Payload interface {
	EventType() EventType
}

// RouteMiss reports a destination with no matching route.
type RouteMiss struct {
	Source      netip.Addr `json:"source"`
	Destination netip.Addr `json:"destination"`
	Protocol    uint8      `json:"protocol"`
}

func (RouteMiss) EventType() EventType { return EventRouteMiss }

// ProtocolViolation reports a malformed packet dropped at the NAT or tunnel stage.
type ProtocolViolation struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
	Length int    `json:"length"`
}

func (ProtocolViolation) EventType() EventType { return EventProtocolViolation }

// Flow identifies a connection in lifecycle events.
type Flow struct {
	Protocol uint8          `json:"protocol"`
	Src      netip.AddrPort `json:"src"`
	Dst      netip.AddrPort `json:"dst"`
}

// ConnNew reports a newly tracked connection.
type ConnNew struct {
	Flow Flow `json:"flow"`
}

func (ConnNew) EventType() EventType { return EventConnNew }

// ConnDestroy reports a removed connection.
type ConnDestroy struct {
	Flow    Flow   `json:"flow"`
	Reason  string `json:"reason"` // "timeout", "teardown", "evicted"
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
}

func (ConnDestroy) EventType() EventType { return EventConnDestroy }

// Handshake reports the outcome of a VPN handshake.
type Handshake struct {
	Interface string `json:"interface"`
	Peer      string `json:"peer"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

func (Handshake) EventType() EventType { return EventHandshake }

// Rekey reports a VPN key rotation.
type Rekey struct {
	Interface string `json:"interface"`
	Peer      string `json:"peer"`
	Epoch     uint32 `json:"epoch"`
}

func (Rekey) EventType() EventType { return EventRekey }

// AuthFailure reports a tunnel packet that failed its integrity check.
type AuthFailure struct {
	Interface string `json:"interface"`
	Peer      string `json:"peer,omitempty"`
	Epoch     uint32 `json:"epoch"`
}

func (AuthFailure) EventType() EventType { return EventAuthFailure }
