// Package conntrack tracks connections by 5-tuple so both directions of a
// flow resolve to one entry carrying state, counters and the NAT binding.
//
// The table is split into a fixed number of buckets, each with its own
// mutex. A flow hashes to the same bucket in both directions; after a
// translation is bound the translated reply tuple is additionally indexed
// in its own bucket. No code path holds two bucket locks at once.
package conntrack

import (
	"context"
	"fmt"
	"math/bits"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/flowgate/internal/clock"
	"grimm.is/flowgate/internal/errors"
	"grimm.is/flowgate/internal/events"
	"grimm.is/flowgate/internal/logging"
	"grimm.is/flowgate/internal/metrics"
	"grimm.is/flowgate/internal/packet"
)

// CapacityPolicy decides what happens when the table is full.
type CapacityPolicy int

const (
	// EvictOldestNew removes the least recently seen entry still in NEW state.
	EvictOldestNew CapacityPolicy = iota
	// FailWhenFull refuses the new connection with ErrTableExhausted.
	FailWhenFull
)

func (p CapacityPolicy) String() string {
	if p == FailWhenFull {
		return "fail"
	}
	return "evict-oldest-new"
}

// ParseCapacityPolicy accepts "evict"/"evict-oldest-new" and "fail"/"fail-when-full".
func ParseCapacityPolicy(s string) (CapacityPolicy, error) {
	switch strings.ToLower(s) {
	case "", "evict", "evict-oldest-new", "evict_oldest_new":
		return EvictOldestNew, nil
	case "fail", "fail-when-full", "fail_when_full":
		return FailWhenFull, nil
	}
	return 0, fmt.Errorf("unknown capacity policy %q", s)
}

// Destroy reasons.
const (
	ReasonTimeout = "timeout"
	ReasonEvicted = "evicted"
	ReasonRemoved = "removed"
	ReasonDropped = "dropped"
)

// Config sizes the table.
type Config struct {
	Buckets       int // rounded up to a power of two
	MaxEntries    int
	Policy        CapacityPolicy
	Timeouts      Timeouts
	SweepInterval time.Duration
}

// DefaultConfig returns the default sizing.
func DefaultConfig() Config {
	return Config{
		Buckets:       1024,
		MaxEntries:    65536,
		Policy:        EvictOldestNew,
		Timeouts:      DefaultTimeouts(),
		SweepInterval: 10 * time.Second,
	}
}

// DestroyFunc is called, without any lock held, after an entry leaves the table.
type DestroyFunc func(info Info, reason string)

// Options wires a Tracker's collaborators.
type Options struct {
	Clock   clock.Clock
	Events  *events.Hub
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

type bucket struct {
	mu    sync.Mutex
	index map[Key]*Entry
}

// Tracker is the connection table.
type Tracker struct {
	buckets  []bucket
	mask     uint64
	max      int64
	policy   CapacityPolicy
	timeouts Timeouts
	interval time.Duration

	count atomic.Int64

	handlersMu sync.RWMutex
	handlers   []DestroyFunc

	clock   clock.Clock
	events  *events.Hub
	logger  *logging.Logger
	metrics *metrics.Registry

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a tracker.
func New(cfg Config, opts Options) *Tracker {
	def := DefaultConfig()
	if cfg.Buckets <= 0 {
		cfg.Buckets = def.Buckets
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.Timeouts.New <= 0 {
		cfg.Timeouts.New = def.Timeouts.New
	}
	if cfg.Timeouts.Established <= 0 {
		cfg.Timeouts.Established = def.Timeouts.Established
	}
	if cfg.Timeouts.Closing <= 0 {
		cfg.Timeouts.Closing = def.Timeouts.Closing
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	n := 1 << bits.Len(uint(cfg.Buckets-1))

	t := &Tracker{
		buckets:  make([]bucket, n),
		mask:     uint64(n - 1),
		max:      int64(cfg.MaxEntries),
		policy:   cfg.Policy,
		timeouts: cfg.Timeouts,
		interval: cfg.SweepInterval,
		clock:    clock.Or(opts.Clock),
		events:   opts.Events,
		logger:   logging.OrDefault(opts.Logger).WithComponent("conntrack"),
		metrics:  metrics.Or(opts.Metrics),
	}
	for i := range t.buckets {
		t.buckets[i].index = make(map[Key]*Entry)
	}
	t.metrics.UpdateConntrack(0, cfg.MaxEntries)
	return t
}

// OnDestroy registers fn to run for every removed entry.
func (t *Tracker) OnDestroy(fn DestroyFunc) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers = append(t.handlers, fn)
}

func (t *Tracker) bucketFor(k Key) *bucket {
	return &t.buckets[k.hash()&t.mask]
}

// Len returns the number of tracked connections.
func (t *Tracker) Len() int { return int(t.count.Load()) }

// Cap returns the configured maximum.
func (t *Tracker) Cap() int { return int(t.max) }

// Timeouts returns the configured idle lifetimes.
func (t *Tracker) Timeouts() Timeouts { return t.timeouts }

// Lookup finds the entry for k in either direction.
func (t *Tracker) Lookup(k Key) (Match, bool) {
	b := t.bucketFor(k)
	b.mu.Lock()
	e, ok := b.index[k]
	b.mu.Unlock()
	if !ok || !e.Alive() {
		return Match{}, false
	}
	return Match{Entry: e, Dir: direction(e, k)}, true
}

func direction(e *Entry, k Key) Direction {
	if k == e.Key {
		return Original
	}
	return Reply
}

// LookupOrCreate returns the entry for pkt's tuple, creating a NEW entry
// when none exists. An idle-expired entry is replaced.
func (t *Tracker) LookupOrCreate(pkt *packet.Descriptor) (Match, error) {
	k := KeyFrom(pkt)
	now := t.clock.Now()
	b := t.bucketFor(k)

	var stale *Entry
	var staleInfo Info

	b.mu.Lock()
	if e, ok := b.index[k]; ok && e.Alive() {
		if e.owner == b && e.expired(now, t.timeouts) {
			staleInfo = t.unlink(b, e)
			stale = e
		} else {
			b.mu.Unlock()
			return Match{Entry: e, Dir: direction(e, k)}, nil
		}
	}
	b.mu.Unlock()

	if stale != nil {
		t.finishDestroy(stale, staleInfo, ReasonTimeout)
	}
	return t.create(k, now)
}

func (t *Tracker) reserve() bool {
	for {
		n := t.count.Load()
		if n >= t.max {
			return false
		}
		if t.count.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (t *Tracker) create(k Key, now time.Time) (Match, error) {
	if !t.reserve() {
		if t.policy != EvictOldestNew || !t.evictOldestNew() || !t.reserve() {
			t.metrics.ConntrackExhausted.Inc()
			return Match{}, errors.Wrapf(errors.ErrTableExhausted, errors.KindResourceExhausted,
				"cannot track %s (%d entries)", k, t.max)
		}
	}

	b := t.bucketFor(k)
	e := &Entry{
		Key:      k,
		reply:    k.Reverse(),
		state:    StateNew,
		created:  now,
		lastSeen: now,
		owner:    b,
	}

	b.mu.Lock()
	if ex, ok := b.index[k]; ok && ex.Alive() {
		// Lost a race with another packet of the same flow.
		b.mu.Unlock()
		t.count.Add(-1)
		return Match{Entry: ex, Dir: direction(ex, k)}, nil
	}
	b.index[k] = e
	if _, taken := b.index[e.reply]; !taken {
		b.index[e.reply] = e
	}
	b.mu.Unlock()

	t.metrics.ConntrackNew.Inc()
	t.metrics.ConntrackCount.Set(float64(t.count.Load()))
	t.events.Emit("conntrack", events.ConnNew{Flow: flowOf(k)})
	return Match{Entry: e, Dir: Original, Created: true}, nil
}

// evictOldestNew scans the buckets one lock at a time for the least
// recently seen NEW entry and destroys it. Ties go to the lowest tuple.
func (t *Tracker) evictOldestNew() bool {
	var victim *Entry
	var oldest time.Time
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		for k, e := range b.index {
			if k != e.Key || e.state != StateNew {
				continue
			}
			if victim == nil || e.lastSeen.Before(oldest) ||
				(e.lastSeen.Equal(oldest) && e.Key.Compare(victim.Key) < 0) {
				victim, oldest = e, e.lastSeen
			}
		}
		b.mu.Unlock()
	}
	if victim == nil {
		return false
	}

	b := victim.owner
	b.mu.Lock()
	if !victim.Alive() || victim.state != StateNew {
		b.mu.Unlock()
		return false
	}
	info := t.unlink(b, victim)
	b.mu.Unlock()

	t.finishDestroy(victim, info, ReasonEvicted)
	return true
}

// Observe accounts pkt against m's entry and advances its state.
func (t *Tracker) Observe(m Match, pkt *packet.Descriptor) {
	e := m.Entry
	b := e.owner
	b.mu.Lock()
	defer b.mu.Unlock()

	if !e.Alive() {
		return
	}
	e.lastSeen = t.clock.Now()
	c := &e.counters[m.Dir]
	c.Packets++
	c.Bytes += uint64(pkt.Len())

	switch {
	case pkt.Protocol == packet.ProtoTCP && pkt.HasTCPFlag(packet.TCPFlagFIN|packet.TCPFlagRST):
		e.state = StateClosing
	case m.Dir == Reply && e.state == StateNew:
		e.state = StateEstablished
	}
}

// Discard destroys an entry created by m's packet when that packet was
// dropped before the connection saw any traffic, so the flow's next packet
// starts a fresh connection. It reports whether the entry was removed.
func (t *Tracker) Discard(m Match) bool {
	e := m.Entry
	if !m.Created || e == nil {
		return false
	}
	b := e.owner
	b.mu.Lock()
	if !e.Alive() || e.state != StateNew || e.counters[Original].Packets != 0 || e.counters[Reply].Packets != 0 {
		b.mu.Unlock()
		return false
	}
	info := t.unlink(b, e)
	b.mu.Unlock()

	t.finishDestroy(e, info, ReasonDropped)
	return true
}

// Teardown moves the connection for k to CLOSING; it is removed once the
// closing timeout elapses.
func (t *Tracker) Teardown(k Key) error {
	m, ok := t.Lookup(k)
	if !ok {
		return errors.Errorf(errors.KindNotFound, "connection %s not tracked", k)
	}
	b := m.Entry.owner
	b.mu.Lock()
	defer b.mu.Unlock()
	m.Entry.state = StateClosing
	m.Entry.lastSeen = t.clock.Now()
	return nil
}

// Remove destroys the connection for k immediately.
func (t *Tracker) Remove(k Key) error {
	m, ok := t.Lookup(k)
	if !ok {
		return errors.Errorf(errors.KindNotFound, "connection %s not tracked", k)
	}
	e := m.Entry
	b := e.owner
	b.mu.Lock()
	if !e.Alive() {
		b.mu.Unlock()
		return errors.Errorf(errors.KindNotFound, "connection %s not tracked", k)
	}
	info := t.unlink(b, e)
	b.mu.Unlock()

	t.finishDestroy(e, info, ReasonRemoved)
	return nil
}

// BindTranslation records that replies to e will arrive as reply, and
// attaches the translator's payload. The reply tuple is indexed so those
// packets resolve to e. Binding a tuple owned by another live entry fails
// with a conflict.
func (t *Tracker) BindTranslation(e *Entry, reply Key, nat any) error {
	if reply.IsZero() {
		return errors.New(errors.KindValidation, "empty reply tuple")
	}

	rb := t.bucketFor(reply)
	rb.mu.Lock()
	if ex, ok := rb.index[reply]; ok && ex != e && ex.Alive() {
		rb.mu.Unlock()
		return errors.Errorf(errors.KindConflict, "reply tuple %s already tracked", reply)
	}
	rb.index[reply] = e
	rb.mu.Unlock()

	b := e.owner
	b.mu.Lock()
	if !e.Alive() {
		b.mu.Unlock()
		t.dropIndex(reply, e)
		return errors.Errorf(errors.KindNotFound, "connection %s no longer tracked", e.Key)
	}
	old := e.reply
	e.reply = reply
	e.nat = nat
	b.mu.Unlock()

	if old != reply && old != e.Key {
		t.dropIndex(old, e)
	}
	return nil
}

func (t *Tracker) dropIndex(k Key, e *Entry) {
	b := t.bucketFor(k)
	b.mu.Lock()
	if b.index[k] == e {
		delete(b.index, k)
	}
	b.mu.Unlock()
}

// unlink marks e dead and removes its keys from its owner bucket b.
// Caller holds b.mu.
func (t *Tracker) unlink(b *bucket, e *Entry) Info {
	e.dead.Store(true)
	if b.index[e.Key] == e {
		delete(b.index, e.Key)
	}
	if b.index[e.reply] == e {
		delete(b.index, e.reply)
	}
	return e.info()
}

// finishDestroy runs after unlink with no lock held.
func (t *Tracker) finishDestroy(e *Entry, info Info, reason string) {
	if t.bucketFor(info.Reply) != e.owner {
		t.dropIndex(info.Reply, e)
	}
	n := t.count.Add(-1)

	t.metrics.ConntrackDestroy.WithLabelValues(reason).Inc()
	t.metrics.ConntrackCount.Set(float64(n))
	t.events.Emit("conntrack", events.ConnDestroy{
		Flow:    flowOf(info.Key),
		Reason:  reason,
		Packets: info.Orig.Packets + info.Replied.Packets,
		Bytes:   info.Orig.Bytes + info.Replied.Bytes,
	})

	t.handlersMu.RLock()
	handlers := t.handlers
	t.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(info, reason)
	}
}

// Sweep removes every idle-expired entry and returns how many were removed.
func (t *Tracker) Sweep() int {
	now := t.clock.Now()
	removed := 0

	type victim struct {
		e    *Entry
		info Info
	}
	var victims []victim

	for i := range t.buckets {
		b := &t.buckets[i]
		victims = victims[:0]

		b.mu.Lock()
		for k, e := range b.index {
			if k == e.Key && e.owner == b && e.expired(now, t.timeouts) {
				victims = append(victims, victim{e: e})
			}
		}
		for j := range victims {
			victims[j].info = t.unlink(b, victims[j].e)
		}
		b.mu.Unlock()

		for _, v := range victims {
			t.finishDestroy(v.e, v.info, ReasonTimeout)
		}
		removed += len(victims)
	}

	if removed > 0 {
		t.logger.Debug("swept expired connections", "removed", removed, "remaining", t.Len())
	}
	return removed
}

// Flush destroys every entry.
func (t *Tracker) Flush() int {
	removed := 0
	for i := range t.buckets {
		b := &t.buckets[i]
		var infos []Info
		var es []*Entry

		b.mu.Lock()
		for k, e := range b.index {
			if k == e.Key && e.owner == b {
				es = append(es, e)
			}
		}
		for _, e := range es {
			infos = append(infos, t.unlink(b, e))
		}
		b.mu.Unlock()

		for j, e := range es {
			t.finishDestroy(e, infos[j], ReasonRemoved)
		}
		removed += len(es)
	}
	return removed
}

// Snapshot copies every entry, one bucket at a time.
func (t *Tracker) Snapshot() []Info {
	out := make([]Info, 0, t.Len())
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		for k, e := range b.index {
			if k == e.Key && e.owner == b {
				out = append(out, e.info())
			}
		}
		b.mu.Unlock()
	}
	return out
}

// Start runs the aging sweeper until ctx is cancelled or Stop is called.
func (t *Tracker) Start(ctx context.Context) {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Sweep()
			}
		}
	}()
	t.logger.Info("conntrack sweeper started", "interval", t.interval, "buckets", len(t.buckets), "max", t.max)
}

// Stop halts the sweeper and waits for it to exit.
func (t *Tracker) Stop() {
	t.runMu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	t.wg.Wait()
}

func flowOf(k Key) events.Flow {
	return events.Flow{
		Protocol: k.Proto,
		Src:      netip.AddrPortFrom(k.Src, k.SrcPort),
		Dst:      netip.AddrPortFrom(k.Dst, k.DstPort),
	}
}
