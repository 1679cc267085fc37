package conntrack

import (
	"sync/atomic"
	"time"
)

// State of a tracked connection.
type State uint8

const (
	StateNew State = iota
	StateEstablished
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	}
	return "UNKNOWN"
}

// Direction of a packet relative to the connection's first packet.
type Direction uint8

const (
	Original Direction = iota
	Reply
)

func (d Direction) String() string {
	if d == Reply {
		return "reply"
	}
	return "original"
}

// Counters accumulate traffic for one direction.
type Counters struct {
	Packets uint64
	Bytes   uint64
}

// Timeouts are the idle lifetimes per state.
type Timeouts struct {
	New         time.Duration
	Established time.Duration
	Closing     time.Duration
}

// DefaultTimeouts returns the default idle lifetimes.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		New:         60 * time.Second,
		Established: 2 * time.Hour,
		Closing:     30 * time.Second,
	}
}

func (t Timeouts) For(s State) time.Duration {
	switch s {
	case StateEstablished:
		return t.Established
	case StateClosing:
		return t.Closing
	}
	return t.New
}

// Entry is one tracked connection. Key is immutable; every other field is
// owned by the entry's bucket and read or written only under its lock.
type Entry struct {
	Key Key

	reply    Key
	nat      any
	state    State
	created  time.Time
	lastSeen time.Time
	counters [2]Counters

	owner *bucket
	dead  atomic.Bool
}

// Match is the result of a lookup: the entry and the packet's direction.
type Match struct {
	Entry   *Entry
	Dir     Direction
	Created bool
}

// Info is a point-in-time copy of an entry.
type Info struct {
	Key      Key
	Reply    Key
	State    State
	Created  time.Time
	LastSeen time.Time
	Orig     Counters
	Replied  Counters
	NAT      any
}

func (e *Entry) info() Info {
	return Info{
		Key:      e.Key,
		Reply:    e.reply,
		State:    e.state,
		Created:  e.created,
		LastSeen: e.lastSeen,
		Orig:     e.counters[Original],
		Replied:  e.counters[Reply],
		NAT:      e.nat,
	}
}

// Info returns a consistent copy of e.
func (e *Entry) Info() Info {
	e.owner.mu.Lock()
	defer e.owner.mu.Unlock()
	return e.info()
}

// State returns the current state.
func (e *Entry) State() State {
	e.owner.mu.Lock()
	defer e.owner.mu.Unlock()
	return e.state
}

// ReplyKey returns the tuple expected on reply packets. It equals
// Key.Reverse() until a translation is bound.
func (e *Entry) ReplyKey() Key {
	e.owner.mu.Lock()
	defer e.owner.mu.Unlock()
	return e.reply
}

// Binding returns the reply tuple and the translation payload together.
func (e *Entry) Binding() (Key, any) {
	e.owner.mu.Lock()
	defer e.owner.mu.Unlock()
	return e.reply, e.nat
}

// Alive reports whether the entry is still in the table.
func (e *Entry) Alive() bool { return !e.dead.Load() }

func (e *Entry) expired(now time.Time, t Timeouts) bool {
	return now.Sub(e.lastSeen) > t.For(e.state)
}
