// Package hook implements the ordered inspection-hook framework: per-stage
// chains of callbacks sorted by signed priority and walked by the dispatcher
// to produce a verdict for each packet.
package hook

import (
	"fmt"
	"strings"

	"grimm.is/flowgate/internal/packet"
)

// Stage is a traversal point where inspection occurs.
type Stage int

const (
	PreRouting Stage = iota
	LocalIn
	Forward
	LocalOut
	PostRouting

	numStages
)

// Stages lists every stage in traversal order.
var Stages = []Stage{PreRouting, LocalIn, Forward, LocalOut, PostRouting}

func (s Stage) String() string {
	switch s {
	case PreRouting:
		return "PRE_ROUTING"
	case LocalIn:
		return "LOCAL_IN"
	case Forward:
		return "FORWARD"
	case LocalOut:
		return "LOCAL_OUT"
	case PostRouting:
		return "POST_ROUTING"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// Valid reports whether s names a real stage.
func (s Stage) Valid() bool { return s >= PreRouting && s < numStages }

// ParseStage accepts "PRE_ROUTING", "prerouting", "pre_routing" and the like.
func ParseStage(s string) (Stage, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.ReplaceAll(s, "-", "_"), " ", "_"))
	for _, st := range Stages {
		if norm == st.String() || norm == strings.ReplaceAll(st.String(), "_", "") {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown hook stage %q", s)
}

// Verdict is the outcome of a hook or of a whole dispatch.
type Verdict int

const (
	Accept Verdict = iota
	Drop
	Stolen
	Queue
	Repeat
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "ACCEPT"
	case Drop:
		return "DROP"
	case Stolen:
		return "STOLEN"
	case Queue:
		return "QUEUE"
	case Repeat:
		return "REPEAT"
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// Hook inspects a packet at one stage.
type Hook interface {
	Handle(pkt *packet.Descriptor) Verdict
}

// Func adapts an ordinary function to the Hook interface.
type Func func(pkt *packet.Descriptor) Verdict

// Handle calls f(pkt).
func (f Func) Handle(pkt *packet.Descriptor) Verdict { return f(pkt) }

// Reserved priorities used by the pipeline's built-in stages. User hooks
// interleave around them by numeric priority.
const (
	PriorityConntrack = -200
	PriorityDNAT      = -100
	PriorityFilter    = 0
	PrioritySNAT      = 100
	PriorityTunnel    = 200
)

// DefaultMaxRepeats bounds REPEAT verdicts per dispatch.
const DefaultMaxRepeats = 8
