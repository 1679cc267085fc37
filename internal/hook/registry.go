package hook

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"grimm.is/flowgate/internal/errors"
	"grimm.is/flowgate/internal/logging"
	"grimm.is/flowgate/internal/metrics"
	"grimm.is/flowgate/internal/packet"
)

// Handle identifies one registration. The zero Handle is never issued.
type Handle struct {
	slot uint32
	gen  uint32
}

// IsZero reports whether h was never issued.
func (h Handle) IsZero() bool { return h.gen == 0 }

// Entry is one registered hook as seen in a chain snapshot.
type Entry struct {
	Stage    Stage
	Priority int
	Owner    uuid.UUID
	Name     string
	Hook     Hook

	handle Handle
	seq    uint64
}

// Handle returns the registration handle of e.
func (e Entry) Handle() Handle { return e.handle }

// slot is an arena cell; dead slots are reused once their chain has been
// republished without them.
type slot struct {
	entry Entry
	gen   uint32
	live  bool
}

// chain is an immutable, ordered snapshot of one stage.
type chain struct {
	entries []Entry
}

// Options configures a Registry.
type Options struct {
	MaxRepeats int
	Logger     *logging.Logger
	Metrics    *metrics.Registry
}

// Registry holds the hook chains and dispatches packets through them.
// Dispatch is lock-free; writers serialize on mu and publish a new
// snapshot per affected stage.
type Registry struct {
	mu    sync.Mutex
	slots []slot
	free  []uint32
	seq   uint64

	chains [numStages]atomic.Pointer[chain]

	maxRepeats int
	logger     *logging.Logger
	metrics    *metrics.Registry
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.MaxRepeats <= 0 {
		opts.MaxRepeats = DefaultMaxRepeats
	}
	r := &Registry{
		maxRepeats: opts.MaxRepeats,
		logger:     logging.OrDefault(opts.Logger).WithComponent("hook"),
		metrics:    metrics.Or(opts.Metrics),
	}
	for i := range r.chains {
		r.chains[i].Store(&chain{})
	}
	return r
}

// MaxRepeats returns the REPEAT ceiling.
func (r *Registry) MaxRepeats() int { return r.maxRepeats }

// Register adds h to stage with the given priority and no owner.
func (r *Registry) Register(stage Stage, priority int, h Hook) (Handle, error) {
	return r.RegisterOwned(stage, priority, uuid.Nil, "", h)
}

// RegisterOwned adds h on behalf of owner; name is for diagnostics only.
func (r *Registry) RegisterOwned(stage Stage, priority int, owner uuid.UUID, name string, h Hook) (Handle, error) {
	if !stage.Valid() {
		return Handle{}, errors.Errorf(errors.KindValidation, "invalid hook stage %d", int(stage))
	}
	if h == nil {
		return Handle{}, errors.New(errors.KindValidation, "nil hook")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, slot{})
		idx = uint32(len(r.slots) - 1)
	}

	s := &r.slots[idx]
	s.gen++
	r.seq++
	s.live = true
	s.entry = Entry{
		Stage:    stage,
		Priority: priority,
		Owner:    owner,
		Name:     name,
		Hook:     h,
		handle:   Handle{slot: idx, gen: s.gen},
		seq:      r.seq,
	}

	r.publish(stage)
	r.logger.Debug("hook registered", "stage", stage, "priority", priority, "name", name)
	return s.entry.handle, nil
}

// Unregister removes the hook behind h. Unknown or stale handles are ignored.
func (r *Registry) Unregister(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if stage, ok := r.mark(h); ok {
		r.publish(stage)
	}
}

// UnregisterOwner removes every hook registered by owner and returns the count.
func (r *Registry) UnregisterOwner(owner uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dirty [numStages]bool
	n := 0
	for i := range r.slots {
		s := &r.slots[i]
		if !s.live || s.entry.Owner != owner {
			continue
		}
		if stage, ok := r.mark(s.entry.handle); ok {
			dirty[stage] = true
			n++
		}
	}
	for st, d := range dirty {
		if d {
			r.publish(Stage(st))
		}
	}
	return n
}

// mark kills the slot behind h. Caller holds mu.
func (r *Registry) mark(h Handle) (Stage, bool) {
	if h.IsZero() || int(h.slot) >= len(r.slots) {
		return 0, false
	}
	s := &r.slots[h.slot]
	if !s.live || s.gen != h.gen {
		return 0, false
	}
	s.live = false
	stage := s.entry.Stage
	s.entry.Hook = nil
	r.free = append(r.free, h.slot)
	return stage, true
}

// publish compacts the live slots of stage into a new snapshot. Caller holds mu.
func (r *Registry) publish(stage Stage) {
	var entries []Entry
	for i := range r.slots {
		if s := &r.slots[i]; s.live && s.entry.Stage == stage {
			entries = append(entries, s.entry)
		}
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		if a.Priority != b.Priority {
			if a.Priority < b.Priority {
				return -1
			}
			return 1
		}
		if a.seq < b.seq {
			return -1
		}
		if a.seq > b.seq {
			return 1
		}
		return 0
	})
	r.chains[stage].Store(&chain{entries: entries})
	r.metrics.HooksRegistered.WithLabelValues(stage.String()).Set(float64(len(entries)))
}

// Chain returns the current ordered snapshot for stage.
func (r *Registry) Chain(stage Stage) []Entry {
	if !stage.Valid() {
		return nil
	}
	return slices.Clone(r.chains[stage].Load().entries)
}

// Dispatch walks stage's chain for pkt. ACCEPT continues to the next hook;
// DROP, STOLEN and QUEUE end the walk; REPEAT calls the same hook again
// until the per-dispatch ceiling is exceeded, which yields DROP.
func (r *Registry) Dispatch(stage Stage, pkt *packet.Descriptor) Verdict {
	if !stage.Valid() {
		return Drop
	}
	v := r.walk(stage, r.chains[stage].Load().entries, pkt)
	r.metrics.HookVerdicts.WithLabelValues(stage.String(), v.String()).Inc()
	return v
}

func (r *Registry) walk(stage Stage, entries []Entry, pkt *packet.Descriptor) Verdict {
	invocations := r.metrics.HookInvocations.WithLabelValues(stage.String())
	repeats := 0
	for i := 0; i < len(entries); {
		v := entries[i].Hook.Handle(pkt)
		invocations.Inc()

		switch v {
		case Accept:
			i++
		case Repeat:
			repeats++
			if repeats > r.maxRepeats {
				r.metrics.HookRepeatLimit.WithLabelValues(stage.String()).Inc()
				r.logger.Debug("repeat ceiling exceeded", "stage", stage, "hook", entries[i].Name, "max", r.maxRepeats)
				return Drop
			}
		case Drop, Stolen, Queue:
			return v
		default:
			r.logger.Warn("hook returned unknown verdict", "stage", stage, "hook", entries[i].Name, "verdict", int(v))
			return Drop
		}
	}
	return Accept
}
