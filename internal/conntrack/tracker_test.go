package conntrack

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowgate/internal/clock"
	"grimm.is/flowgate/internal/errors"
	"grimm.is/flowgate/internal/events"
	"grimm.is/flowgate/internal/logging"
	"grimm.is/flowgate/internal/metrics"
	"grimm.is/flowgate/internal/packet"
	"grimm.is/flowgate/internal/testutil"
)

type fixture struct {
	tracker *Tracker
	clock   *clock.MockClock
	metrics *metrics.Registry
	hub     *events.Hub
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		clock:   clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		metrics: metrics.New(nil),
		hub:     events.NewHub(),
	}
	f.tracker = New(cfg, Options{Clock: f.clock, Events: f.hub, Logger: logging.Nop(), Metrics: f.metrics})
	return f
}

func parse(t *testing.T, data []byte) *packet.Descriptor {
	t.Helper()
	d, err := packet.Parse(data)
	require.NoError(t, err)
	return d
}

func tcp(t *testing.T, src string, sport uint16, dst string, dport uint16, fl testutil.Flow) *packet.Descriptor {
	fl.Src, fl.SrcPort, fl.Dst, fl.DstPort = src, sport, dst, dport
	return parse(t, testutil.TCP(t, fl))
}

func udp(t *testing.T, src string, sport uint16, dst string, dport uint16) *packet.Descriptor {
	return parse(t, testutil.UDP(t, testutil.Flow{Src: src, SrcPort: sport, Dst: dst, DstPort: dport}))
}

func TestKey_ReverseAndHash(t *testing.T) {
	k := Key{Proto: 6, Src: netip.MustParseAddr("10.0.0.1"), SrcPort: 1234, Dst: netip.MustParseAddr("10.0.0.2"), DstPort: 80}
	r := k.Reverse()

	assert.Equal(t, k.Src, r.Dst)
	assert.Equal(t, k.SrcPort, r.DstPort)
	assert.Equal(t, k, r.Reverse())
	assert.Equal(t, k.hash(), r.hash(), "hash must be direction independent")
}

func TestLookupOrCreate_BothDirectionsShareEntry(t *testing.T) {
	f := newFixture(t, Config{})
	tr := f.tracker

	out := tcp(t, "10.0.0.7", 40000, "93.184.216.34", 443, testutil.Flow{SYN: true})
	m, err := tr.LookupOrCreate(out)
	require.NoError(t, err)
	assert.True(t, m.Created)
	assert.Equal(t, Original, m.Dir)
	tr.Observe(m, out)
	assert.Equal(t, StateNew, m.Entry.State())

	back := tcp(t, "93.184.216.34", 443, "10.0.0.7", 40000, testutil.Flow{SYN: true, ACK: true})
	r, err := tr.LookupOrCreate(back)
	require.NoError(t, err)
	assert.False(t, r.Created)
	assert.Equal(t, Reply, r.Dir)
	assert.Same(t, m.Entry, r.Entry)

	tr.Observe(r, back)
	info := r.Entry.Info()
	assert.Equal(t, StateEstablished, info.State)
	assert.Equal(t, uint64(1), info.Orig.Packets)
	assert.Equal(t, uint64(1), info.Replied.Packets)
	assert.Equal(t, uint64(out.Len()), info.Orig.Bytes)
	assert.Equal(t, 1, tr.Len())
}

func TestObserve_FinMovesToClosing(t *testing.T) {
	f := newFixture(t, Config{})
	tr := f.tracker

	syn := tcp(t, "10.0.0.7", 40000, "10.0.0.8", 22, testutil.Flow{SYN: true})
	m, err := tr.LookupOrCreate(syn)
	require.NoError(t, err)
	tr.Observe(m, syn)

	fin := tcp(t, "10.0.0.7", 40000, "10.0.0.8", 22, testutil.Flow{FIN: true, ACK: true})
	m, err = tr.LookupOrCreate(fin)
	require.NoError(t, err)
	tr.Observe(m, fin)
	assert.Equal(t, StateClosing, m.Entry.State())
}

func TestSweep_PerStateTimeouts(t *testing.T) {
	f := newFixture(t, Config{Timeouts: Timeouts{New: 10 * time.Second, Established: time.Minute, Closing: 5 * time.Second}})
	tr := f.tracker

	a := udp(t, "10.0.0.1", 1000, "10.0.0.2", 53)
	ma, err := tr.LookupOrCreate(a)
	require.NoError(t, err)
	tr.Observe(ma, a)

	b := udp(t, "10.0.0.1", 1001, "10.0.0.2", 53)
	mb, err := tr.LookupOrCreate(b)
	require.NoError(t, err)
	tr.Observe(mb, b)
	bReply := udp(t, "10.0.0.2", 53, "10.0.0.1", 1001)
	mr, err := tr.LookupOrCreate(bReply)
	require.NoError(t, err)
	tr.Observe(mr, bReply)
	require.Equal(t, StateEstablished, mb.Entry.State())

	f.clock.Advance(11 * time.Second)
	assert.Equal(t, 1, tr.Sweep(), "only the NEW entry has expired")
	assert.False(t, ma.Entry.Alive())
	assert.True(t, mb.Entry.Alive())

	require.NoError(t, tr.Teardown(mb.Entry.Key))
	assert.Equal(t, StateClosing, mb.Entry.State())
	f.clock.Advance(6 * time.Second)
	assert.Equal(t, 1, tr.Sweep())
	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, 2.0, promtest.ToFloat64(f.metrics.ConntrackDestroy.WithLabelValues(ReasonTimeout)))
}

func TestLookupOrCreate_ReplacesExpiredEntry(t *testing.T) {
	f := newFixture(t, Config{Timeouts: Timeouts{New: time.Second}})
	tr := f.tracker

	p := udp(t, "10.0.0.1", 1000, "10.0.0.2", 53)
	m1, err := tr.LookupOrCreate(p)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Second)
	m2, err := tr.LookupOrCreate(p)
	require.NoError(t, err)
	assert.True(t, m2.Created)
	assert.NotSame(t, m1.Entry, m2.Entry)
	assert.False(t, m1.Entry.Alive())
	assert.Equal(t, 1, tr.Len())
}

func TestCapacity_FailWhenFull(t *testing.T) {
	f := newFixture(t, Config{MaxEntries: 2, Policy: FailWhenFull})
	tr := f.tracker

	for i := uint16(0); i < 2; i++ {
		_, err := tr.LookupOrCreate(udp(t, "10.0.0.1", 1000+i, "10.0.0.2", 53))
		require.NoError(t, err)
	}

	_, err := tr.LookupOrCreate(udp(t, "10.0.0.1", 2000, "10.0.0.2", 53))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTableExhausted))
	assert.Equal(t, errors.KindResourceExhausted, errors.GetKind(err))
	assert.Equal(t, 2, tr.Len())
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.ConntrackExhausted))

	// Existing flows still resolve.
	_, err = tr.LookupOrCreate(udp(t, "10.0.0.1", 1000, "10.0.0.2", 53))
	assert.NoError(t, err)
}

func TestCapacity_EvictOldestNew(t *testing.T) {
	f := newFixture(t, Config{MaxEntries: 3, Policy: EvictOldestNew})
	tr := f.tracker

	var first Match
	for i := uint16(0); i < 3; i++ {
		m, err := tr.LookupOrCreate(udp(t, "10.0.0.1", 1000+i, "10.0.0.2", 53))
		require.NoError(t, err)
		if i == 0 {
			first = m
		}
		f.clock.Advance(time.Second)
	}

	// Make the oldest one ESTABLISHED: it must survive eviction.
	reply := udp(t, "10.0.0.2", 53, "10.0.0.1", 1000)
	r, err := tr.LookupOrCreate(reply)
	require.NoError(t, err)
	tr.Observe(r, reply)

	m, err := tr.LookupOrCreate(udp(t, "10.0.0.1", 3000, "10.0.0.2", 53))
	require.NoError(t, err)
	assert.True(t, m.Created)
	assert.Equal(t, 3, tr.Len())
	assert.True(t, first.Entry.Alive())

	_, ok := tr.Lookup(Key{Proto: packet.ProtoUDP, Src: netip.MustParseAddr("10.0.0.1"), SrcPort: 1001, Dst: netip.MustParseAddr("10.0.0.2"), DstPort: 53})
	assert.False(t, ok, "oldest NEW entry is evicted")
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.ConntrackDestroy.WithLabelValues(ReasonEvicted)))
}

func TestCapacity_EvictLeastRecentlySeen(t *testing.T) {
	f := newFixture(t, Config{MaxEntries: 3, Policy: EvictOldestNew})
	tr := f.tracker

	var first Match
	var firstPkt *packet.Descriptor
	for i := uint16(0); i < 3; i++ {
		p := udp(t, "10.0.0.1", 1000+i, "10.0.0.2", 53)
		m, err := tr.LookupOrCreate(p)
		require.NoError(t, err)
		if i == 0 {
			first, firstPkt = m, p
		}
		f.clock.Advance(time.Second)
	}
	// Traffic in the original direction keeps the entry NEW but recent.
	tr.Observe(first, firstPkt)

	_, err := tr.LookupOrCreate(udp(t, "10.0.0.1", 3000, "10.0.0.2", 53))
	require.NoError(t, err)
	assert.True(t, first.Entry.Alive(), "recently seen entry survives")
	_, ok := tr.Lookup(KeyFrom(udp(t, "10.0.0.1", 1001, "10.0.0.2", 53)))
	assert.False(t, ok)
}

func TestCapacity_EvictTieGoesToLowestTuple(t *testing.T) {
	f := newFixture(t, Config{MaxEntries: 2, Policy: EvictOldestNew})
	tr := f.tracker

	for _, port := range []uint16{1001, 1000} {
		_, err := tr.LookupOrCreate(udp(t, "10.0.0.1", port, "10.0.0.2", 53))
		require.NoError(t, err)
	}
	_, err := tr.LookupOrCreate(udp(t, "10.0.0.1", 2000, "10.0.0.2", 53))
	require.NoError(t, err)

	_, ok := tr.Lookup(KeyFrom(udp(t, "10.0.0.1", 1000, "10.0.0.2", 53)))
	assert.False(t, ok)
	_, ok = tr.Lookup(KeyFrom(udp(t, "10.0.0.1", 1001, "10.0.0.2", 53)))
	assert.True(t, ok)
}

func TestKey_Compare(t *testing.T) {
	a := KeyFrom(udp(t, "10.0.0.1", 1000, "10.0.0.2", 53))
	b := KeyFrom(udp(t, "10.0.0.1", 1001, "10.0.0.2", 53))
	assert.Negative(t, a.Compare(b))
	assert.Positive(t, b.Compare(a))
	assert.Zero(t, a.Compare(a))
	assert.Negative(t, a.Compare(a.Reverse()))
}

func TestCapacity_EvictWithNoNewEntriesFails(t *testing.T) {
	f := newFixture(t, Config{MaxEntries: 1, Policy: EvictOldestNew})
	tr := f.tracker

	p := udp(t, "10.0.0.1", 1000, "10.0.0.2", 53)
	_, err := tr.LookupOrCreate(p)
	require.NoError(t, err)
	require.NoError(t, tr.Teardown(KeyFrom(p)))

	_, err = tr.LookupOrCreate(udp(t, "10.0.0.1", 1001, "10.0.0.2", 53))
	assert.True(t, errors.Is(err, errors.ErrTableExhausted))
}

func TestDiscard(t *testing.T) {
	f := newFixture(t, Config{})
	tr := f.tracker

	p := udp(t, "10.0.0.1", 1000, "10.0.0.2", 53)
	m, err := tr.LookupOrCreate(p)
	require.NoError(t, err)
	again, err := tr.LookupOrCreate(p)
	require.NoError(t, err)
	assert.False(t, tr.Discard(again), "only the creating packet may discard")

	assert.True(t, tr.Discard(m))
	assert.Zero(t, tr.Len())
	assert.False(t, m.Entry.Alive())
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.ConntrackDestroy.WithLabelValues(ReasonDropped)))

	// An entry that already carried traffic is kept.
	m, err = tr.LookupOrCreate(p)
	require.NoError(t, err)
	require.True(t, m.Created)
	tr.Observe(m, p)
	assert.False(t, tr.Discard(m))
	assert.Equal(t, 1, tr.Len())
}

func TestBindTranslation_ReplyIndex(t *testing.T) {
	f := newFixture(t, Config{})
	tr := f.tracker

	out := tcp(t, "10.0.0.7", 40000, "93.184.216.34", 443, testutil.Flow{SYN: true})
	m, err := tr.LookupOrCreate(out)
	require.NoError(t, err)

	natReply := Key{
		Proto: packet.ProtoTCP,
		Src:   netip.MustParseAddr("93.184.216.34"), SrcPort: 443,
		Dst: netip.MustParseAddr("198.51.100.5"), DstPort: 20000,
	}
	require.NoError(t, tr.BindTranslation(m.Entry, natReply, "snat"))

	back := tcp(t, "93.184.216.34", 443, "198.51.100.5", 20000, testutil.Flow{SYN: true, ACK: true})
	r, err := tr.LookupOrCreate(back)
	require.NoError(t, err)
	assert.False(t, r.Created)
	assert.Equal(t, Reply, r.Dir)
	assert.Same(t, m.Entry, r.Entry)

	// The untranslated reverse tuple no longer maps to the entry.
	_, ok := tr.Lookup(m.Entry.Key.Reverse())
	assert.False(t, ok)

	reply, nat := m.Entry.Binding()
	assert.Equal(t, natReply, reply)
	assert.Equal(t, "snat", nat)
}

func TestBindTranslation_Conflict(t *testing.T) {
	f := newFixture(t, Config{})
	tr := f.tracker

	natReply := Key{
		Proto: packet.ProtoUDP,
		Src:   netip.MustParseAddr("1.1.1.1"), SrcPort: 53,
		Dst: netip.MustParseAddr("198.51.100.5"), DstPort: 20000,
	}

	a, err := tr.LookupOrCreate(udp(t, "10.0.0.1", 1000, "1.1.1.1", 53))
	require.NoError(t, err)
	require.NoError(t, tr.BindTranslation(a.Entry, natReply, nil))

	b, err := tr.LookupOrCreate(udp(t, "10.0.0.2", 1000, "1.1.1.1", 53))
	require.NoError(t, err)
	err = tr.BindTranslation(b.Entry, natReply, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindConflict, errors.GetKind(err))
}

func TestDestroyHandlersAndEvents(t *testing.T) {
	f := newFixture(t, Config{})
	tr := f.tracker
	ch := f.hub.Subscribe(8, events.EventConnNew, events.EventConnDestroy)

	var mu sync.Mutex
	var destroyed []Info
	tr.OnDestroy(func(info Info, reason string) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, ReasonRemoved, reason)
		destroyed = append(destroyed, info)
	})

	p := udp(t, "10.0.0.1", 1000, "10.0.0.2", 53)
	m, err := tr.LookupOrCreate(p)
	require.NoError(t, err)
	require.NoError(t, tr.BindTranslation(m.Entry, Key{Proto: 17, Src: netip.MustParseAddr("10.0.0.2"), SrcPort: 53, Dst: netip.MustParseAddr("198.51.100.1"), DstPort: 3000}, "mapping"))
	require.NoError(t, tr.Remove(KeyFrom(p)))

	require.Len(t, destroyed, 1)
	assert.Equal(t, "mapping", destroyed[0].NAT)
	assert.Equal(t, 0, tr.Len())

	_, ok := tr.Lookup(destroyed[0].Reply)
	assert.False(t, ok, "reply index removed with the entry")

	e1 := <-ch
	e2 := <-ch
	assert.Equal(t, events.EventConnNew, e1.Type)
	assert.Equal(t, events.EventConnDestroy, e2.Type)
	assert.Equal(t, ReasonRemoved, e2.Data.(events.ConnDestroy).Reason)

	assert.Error(t, tr.Remove(KeyFrom(p)))
}

func TestSnapshotAndFlush(t *testing.T) {
	f := newFixture(t, Config{Buckets: 4})
	tr := f.tracker

	for i := uint16(0); i < 20; i++ {
		_, err := tr.LookupOrCreate(udp(t, "10.0.0.1", 1000+i, "10.0.0.2", 53))
		require.NoError(t, err)
	}
	assert.Len(t, tr.Snapshot(), 20)
	assert.Equal(t, 20, tr.Flush())
	assert.Empty(t, tr.Snapshot())
	assert.Equal(t, 0.0, promtest.ToFloat64(f.metrics.ConntrackCount))
}

func TestConcurrentPackets(t *testing.T) {
	f := newFixture(t, Config{Buckets: 16, MaxEntries: 10000})
	tr := f.tracker

	pkts := make([]*packet.Descriptor, 64)
	for i := range pkts {
		pkts[i] = udp(t, "10.0.0.1", uint16(1000+i), "10.0.0.2", 53)
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, p := range pkts {
				m, err := tr.LookupOrCreate(p)
				if assert.NoError(t, err) {
					tr.Observe(m, p)
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			tr.Sweep()
		}
	}()
	wg.Wait()

	assert.Equal(t, 64, tr.Len())
	var total uint64
	for _, info := range tr.Snapshot() {
		total += info.Orig.Packets
	}
	assert.Equal(t, uint64(64*8), total)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, Config{SweepInterval: 5 * time.Millisecond, Timeouts: Timeouts{New: time.Second}})
	tr := f.tracker

	_, err := tr.LookupOrCreate(udp(t, "10.0.0.1", 1000, "10.0.0.2", 53))
	require.NoError(t, err)
	f.clock.Advance(2 * time.Second)

	tr.Start(context.Background())
	defer tr.Stop()

	assert.Eventually(t, func() bool { return tr.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStart_Twice(t *testing.T) {
	f := newFixture(t, Config{SweepInterval: 5 * time.Millisecond, Timeouts: Timeouts{New: time.Second}})
	tr := f.tracker

	tr.Start(t.Context())
	tr.Start(t.Context())
	tr.Stop()
	tr.Stop()

	// No sweeper may outlive Stop.
	_, err := tr.LookupOrCreate(udp(t, "10.0.0.1", 1000, "10.0.0.2", 53))
	require.NoError(t, err)
	f.clock.Advance(2 * time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, tr.Len())

	tr.Start(t.Context())
	defer tr.Stop()
	assert.Eventually(t, func() bool { return tr.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestParseCapacityPolicy(t *testing.T) {
	p, err := ParseCapacityPolicy("fail")
	require.NoError(t, err)
	assert.Equal(t, FailWhenFull, p)

	p, err = ParseCapacityPolicy("evict-oldest-new")
	require.NoError(t, err)
	assert.Equal(t, EvictOldestNew, p)

	_, err = ParseCapacityPolicy("random")
	assert.Error(t, err)
}

func TestImport(t *testing.T) {
	f := newFixture(t, Config{MaxEntries: 2, Policy: FailWhenFull})
	tr := f.tracker

	k1 := Key{Proto: 6, Src: netip.MustParseAddr("10.0.0.1"), SrcPort: 1, Dst: netip.MustParseAddr("10.0.0.2"), DstPort: 80}
	k2 := Key{Proto: 6, Src: netip.MustParseAddr("10.0.0.1"), SrcPort: 2, Dst: netip.MustParseAddr("10.0.0.2"), DstPort: 80}
	k3 := Key{Proto: 6, Src: netip.MustParseAddr("10.0.0.1"), SrcPort: 3, Dst: netip.MustParseAddr("10.0.0.2"), DstPort: 80}
	translated := Key{Proto: 6, Src: netip.MustParseAddr("10.0.0.2"), SrcPort: 80, Dst: netip.MustParseAddr("198.51.100.5"), DstPort: 20001}

	n, err := tr.Import([]Info{
		{Key: k1, State: StateEstablished},
		{Key: k1},
		{Key: k2, Reply: translated},
		{Key: k3},
	})
	assert.Equal(t, 2, n)
	assert.True(t, errors.Is(err, errors.ErrTableExhausted))

	m, ok := tr.Lookup(translated)
	require.True(t, ok)
	assert.Equal(t, k2, m.Entry.Key)

	m, ok = tr.Lookup(k1)
	require.True(t, ok)
	assert.Equal(t, StateEstablished, m.Entry.State())
}
