package vpn

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"grimm.is/flowgate/internal/clock"
	"grimm.is/flowgate/internal/errors"
	"grimm.is/flowgate/internal/events"
	"grimm.is/flowgate/internal/logging"
	"grimm.is/flowgate/internal/metrics"
)

type side struct {
	m       *Manager
	key     wgtypes.Key
	metrics *metrics.Registry
	hub     *events.Hub
}

type pair struct {
	a, b      side
	clock     *clock.MockClock
	transport *LoopbackTransport
}

func genKey(t *testing.T) wgtypes.Key {
	t.Helper()
	k, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return k
}

func newSide(t *testing.T, clk clock.Clock, tr HandshakeTransport, grace Grace) side {
	s := side{key: genKey(t), metrics: metrics.New(nil), hub: events.NewHub()}
	s.m = NewManager(Options{
		Transport: tr,
		Grace:     grace,
		Clock:     clk,
		Events:    s.hub,
		Logger:    logging.Nop(),
		Metrics:   s.metrics,
	})
	return s
}

// newPair builds two managers, each with interface wg0 knowing the other
// as a peer, sharing psk.
func newPair(t *testing.T, grace Grace, psk wgtypes.Key) *pair {
	t.Helper()
	p := &pair{
		clock:     clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		transport: NewLoopbackTransport(),
	}
	p.a = newSide(t, p.clock, p.transport, grace)
	p.b = newSide(t, p.clock, p.transport, grace)

	require.NoError(t, p.a.m.AddInterface(InterfaceConfig{
		Name:       "wg0",
		PrivateKey: p.a.key,
		Address:    netip.MustParsePrefix("10.99.0.1/24"),
		Peers: []PeerConfig{{
			Name:         "site-b",
			PublicKey:    p.b.key.PublicKey(),
			PresharedKey: psk,
			AllowedIPs:   []netip.Prefix{netip.MustParsePrefix("10.99.0.2/32"), netip.MustParsePrefix("192.168.20.0/24")},
		}},
	}))
	require.NoError(t, p.b.m.AddInterface(InterfaceConfig{
		Name:       "wg0",
		PrivateKey: p.b.key,
		Address:    netip.MustParsePrefix("10.99.0.2/24"),
		Peers: []PeerConfig{{
			Name:         "site-a",
			PublicKey:    p.a.key.PublicKey(),
			PresharedKey: psk,
			AllowedIPs:   []netip.Prefix{netip.MustParsePrefix("10.99.0.1/32")},
		}},
	}))
	require.NoError(t, p.transport.Attach(p.a.m, "wg0"))
	require.NoError(t, p.transport.Attach(p.b.m, "wg0"))
	return p
}

func (p *pair) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, p.a.m.Handshake(context.Background(), "wg0", "site-b"))
}

// aToB sends payload from a to b and returns b's view of it.
func (p *pair) aToB(t *testing.T, payload []byte) (string, []byte, error) {
	t.Helper()
	ct, err := p.a.m.Encapsulate("wg0", payload, "site-b")
	require.NoError(t, err)
	return p.b.m.Decapsulate("wg0", ct)
}

func TestHandshake_EstablishesBothSides(t *testing.T) {
	p := newPair(t, Grace{}, genKey(t))
	sub := p.a.hub.Subscribe(4, events.EventHandshake)

	p.connect(t)

	as, err := p.a.m.PeerStatus("wg0", "site-b")
	require.NoError(t, err)
	assert.True(t, as.Established)
	assert.Equal(t, uint32(0), as.Epoch)
	assert.Equal(t, p.clock.Now(), as.LastHandshake)

	bs, err := p.b.m.PeerStatus("wg0", "site-a")
	require.NoError(t, err)
	assert.True(t, bs.Established)

	assert.Equal(t, 1.0, promtest.ToFloat64(p.a.metrics.VPNHandshakes.WithLabelValues("wg0", "success")))
	assert.Equal(t, 1.0, promtest.ToFloat64(p.a.metrics.VPNPeersConnected.WithLabelValues("wg0")))

	ev := <-sub
	hs, ok := ev.Data.(events.Handshake)
	require.True(t, ok)
	assert.True(t, hs.OK)
	assert.Equal(t, "site-b", hs.Peer)
}

func TestEncapsulate_RoundTrip(t *testing.T) {
	p := newPair(t, Grace{}, wgtypes.Key{})
	p.connect(t)

	payload := []byte("inner ip packet")
	ct, err := p.a.m.Encapsulate("wg0", payload, "site-b")
	require.NoError(t, err)
	assert.Len(t, ct, dataHeaderLen+len(payload)+tagLen)
	assert.Equal(t, byte(msgData), ct[0])
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(ct[8:12]), "epoch")
	assert.Equal(t, uint64(0), binary.LittleEndian.Uint64(ct[12:20]), "counter")
	assert.NotContains(t, string(ct), string(payload))

	peer, got, err := p.b.m.Decapsulate("wg0", ct)
	require.NoError(t, err)
	assert.Equal(t, "site-a", peer)
	assert.Equal(t, payload, got)

	// And back the other way.
	back, err := p.b.m.Encapsulate("wg0", []byte("reply"), "site-a")
	require.NoError(t, err)
	peer, got, err = p.a.m.Decapsulate("wg0", back)
	require.NoError(t, err)
	assert.Equal(t, "site-b", peer)
	assert.Equal(t, []byte("reply"), got)

	second, err := p.a.m.Encapsulate("wg0", payload, "site-b")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(second[12:20]))

	as, _ := p.a.m.PeerStatus("wg0", "site-b")
	assert.Equal(t, uint64(2), as.TxPackets)
	assert.Equal(t, uint64(2*len(payload)), as.TxBytes)
	assert.Equal(t, uint64(1), as.RxPackets)
	assert.Equal(t, float64(2*len(payload)), promtest.ToFloat64(p.a.metrics.VPNBytes.WithLabelValues("wg0", "tx")))
	assert.Equal(t, 5.0, promtest.ToFloat64(p.a.metrics.VPNBytes.WithLabelValues("wg0", "rx")))

	st := p.a.m.Status()
	require.Len(t, st, 1)
	assert.Equal(t, uint64(2), st[0].TxPackets)
	assert.Equal(t, "10.99.0.1/24", st[0].Address)
}

func TestEncapsulate_NotEstablished(t *testing.T) {
	p := newPair(t, Grace{}, wgtypes.Key{})

	_, err := p.a.m.Encapsulate("wg0", []byte("x"), "site-b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPeerNotEstablished))
	assert.Equal(t, "peer_not_established", errors.Reason(err))

	_, err = p.a.m.RotateKeys("wg0", "site-b")
	assert.True(t, errors.Is(err, errors.ErrPeerNotEstablished))
}

func TestUnknownNames(t *testing.T) {
	p := newPair(t, Grace{}, wgtypes.Key{})

	_, err := p.a.m.Encapsulate("wg9", []byte("x"), "site-b")
	assert.True(t, errors.Is(err, errors.ErrUnknownInterface))
	_, err = p.a.m.Encapsulate("wg0", []byte("x"), "nobody")
	assert.True(t, errors.Is(err, errors.ErrUnknownPeer))
	assert.Error(t, p.a.m.Handshake(context.Background(), "wg0", "nobody"))
}

func TestHandshake_PresharedKeyMismatch(t *testing.T) {
	p := newPair(t, Grace{}, genKey(t))
	require.NoError(t, p.b.m.RemovePeer("wg0", "site-a"))
	require.NoError(t, p.b.m.AddPeer("wg0", PeerConfig{
		Name:         "site-a",
		PublicKey:    p.a.key.PublicKey(),
		PresharedKey: genKey(t),
	}))

	err := p.a.m.Handshake(context.Background(), "wg0", "site-b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAuthenticationFailure))
	assert.Equal(t, errors.KindCrypto, errors.GetKind(err))

	st, _ := p.a.m.PeerStatus("wg0", "site-b")
	assert.False(t, st.Established)
	assert.Equal(t, 1.0, promtest.ToFloat64(p.a.metrics.VPNHandshakes.WithLabelValues("wg0", "failure")))
}

func TestHandshake_UnknownInitiator(t *testing.T) {
	p := newPair(t, Grace{}, wgtypes.Key{})
	require.NoError(t, p.b.m.RemovePeer("wg0", "site-a"))

	err := p.a.m.Handshake(context.Background(), "wg0", "site-b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownPeer))
}

func TestHandshake_Timeout(t *testing.T) {
	tr := NewLoopbackTransport()
	tr.Delay = time.Second
	a := newSide(t, nil, tr, Grace{})
	a.m.timeout = 20 * time.Millisecond
	b := newSide(t, nil, tr, Grace{})

	require.NoError(t, a.m.AddInterface(InterfaceConfig{Name: "wg0", PrivateKey: a.key,
		Peers: []PeerConfig{{Name: "b", PublicKey: b.key.PublicKey()}}}))
	require.NoError(t, b.m.AddInterface(InterfaceConfig{Name: "wg0", PrivateKey: b.key,
		Peers: []PeerConfig{{Name: "a", PublicKey: a.key.PublicKey()}}}))
	require.NoError(t, tr.Attach(b.m, "wg0"))

	err := a.m.Handshake(context.Background(), "wg0", "b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrHandshakeTimeout))
	assert.Equal(t, errors.KindTimeout, errors.GetKind(err))
	assert.Equal(t, 1.0, promtest.ToFloat64(a.metrics.VPNHandshakes.WithLabelValues("wg0", "timeout")))

	st, _ := a.m.PeerStatus("wg0", "b")
	assert.False(t, st.Established)
}

func TestRotateKeys_GracePacketBudget(t *testing.T) {
	p := newPair(t, Grace{Window: time.Minute, Packets: 1}, genKey(t))
	p.connect(t)

	// Two packets leave b under epoch 0 before either side rotates.
	late1, err := p.b.m.Encapsulate("wg0", []byte("late-1"), "site-a")
	require.NoError(t, err)
	late2, err := p.b.m.Encapsulate("wg0", []byte("late-2"), "site-a")
	require.NoError(t, err)

	epoch, err := p.a.m.RotateKeys("wg0", "site-b")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), epoch)
	_, err = p.b.m.RotateKeys("wg0", "site-a")
	require.NoError(t, err)

	st, _ := p.a.m.PeerStatus("wg0", "site-b")
	assert.True(t, st.GraceOpen)

	_, got, err := p.a.m.Decapsulate("wg0", late1)
	require.NoError(t, err)
	assert.Equal(t, []byte("late-1"), got)

	_, _, err = p.a.m.Decapsulate("wg0", late2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAuthenticationFailure))

	// The new epoch works in both directions.
	_, got, err = p.aToB(t, []byte("fresh"))
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), got)
	fresh, err := p.b.m.Encapsulate("wg0", []byte("fresh-back"), "site-a")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(fresh[8:12]))
	_, _, err = p.a.m.Decapsulate("wg0", fresh)
	require.NoError(t, err)

	assert.Equal(t, 1.0, promtest.ToFloat64(p.a.metrics.VPNRekeys.WithLabelValues("wg0")))
	assert.Equal(t, 1.0, promtest.ToFloat64(p.a.metrics.VPNAuthFailures.WithLabelValues("wg0")))
}

func TestRotateKeys_GraceWindowCloses(t *testing.T) {
	p := newPair(t, Grace{Window: 5 * time.Second}, wgtypes.Key{})
	p.connect(t)

	var late [][]byte
	for i := 0; i < 3; i++ {
		ct, err := p.b.m.Encapsulate("wg0", []byte("in flight"), "site-a")
		require.NoError(t, err)
		late = append(late, ct)
	}
	_, err := p.a.m.RotateKeys("wg0", "site-b")
	require.NoError(t, err)

	// Without a packet budget the window admits several packets.
	for _, ct := range late[:2] {
		_, _, err := p.a.m.Decapsulate("wg0", ct)
		require.NoError(t, err)
	}

	p.clock.Advance(5 * time.Second)
	_, _, err = p.a.m.Decapsulate("wg0", late[2])
	assert.True(t, errors.Is(err, errors.ErrAuthenticationFailure))

	st, _ := p.a.m.PeerStatus("wg0", "site-b")
	assert.False(t, st.GraceOpen)
}

func TestRotateKeys_AtMostTwoEpochs(t *testing.T) {
	p := newPair(t, Grace{Window: time.Hour}, wgtypes.Key{})
	p.connect(t)

	epoch0, err := p.b.m.Encapsulate("wg0", []byte("e0"), "site-a")
	require.NoError(t, err)
	_, err = p.b.m.RotateKeys("wg0", "site-a")
	require.NoError(t, err)
	epoch1, err := p.b.m.Encapsulate("wg0", []byte("e1"), "site-a")
	require.NoError(t, err)

	_, err = p.a.m.RotateKeys("wg0", "site-b")
	require.NoError(t, err)
	epoch, err := p.a.m.RotateKeys("wg0", "site-b")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), epoch)

	_, _, err = p.a.m.Decapsulate("wg0", epoch1)
	assert.NoError(t, err, "previous epoch inside the window")
	_, _, err = p.a.m.Decapsulate("wg0", epoch0)
	assert.True(t, errors.Is(err, errors.ErrAuthenticationFailure), "two epochs back is never valid")
}

func TestDecapsulate_Tampered(t *testing.T) {
	p := newPair(t, Grace{}, wgtypes.Key{})
	p.connect(t)
	sub := p.b.hub.Subscribe(4, events.EventAuthFailure)

	ct, err := p.a.m.Encapsulate("wg0", []byte("payload"), "site-b")
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xff

	_, _, err = p.b.m.Decapsulate("wg0", ct)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAuthenticationFailure))
	assert.Equal(t, "auth_failure", errors.Reason(err))
	assert.Equal(t, "site-a", errors.GetAttributes(err)["peer"])

	st, _ := p.b.m.PeerStatus("wg0", "site-a")
	assert.Equal(t, uint64(1), st.AuthFailures)
	assert.Equal(t, uint64(0), st.RxPackets)

	ev := <-sub
	af, ok := ev.Data.(events.AuthFailure)
	require.True(t, ok)
	assert.Equal(t, "site-a", af.Peer)
}

func TestDecapsulate_Malformed(t *testing.T) {
	p := newPair(t, Grace{}, wgtypes.Key{})
	p.connect(t)

	_, _, err := p.b.m.Decapsulate("wg0", []byte{msgData, 0, 0})
	assert.True(t, errors.Is(err, errors.ErrProtocolViolation))

	ct, err := p.a.m.Encapsulate("wg0", []byte("x"), "site-b")
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(ct[4:8], 0xdeadbeef)
	_, _, err = p.b.m.Decapsulate("wg0", ct)
	assert.True(t, errors.Is(err, errors.ErrUnknownPeer))
}

func TestRehandshake_ResetsEpoch(t *testing.T) {
	p := newPair(t, Grace{}, wgtypes.Key{})
	p.connect(t)
	_, err := p.a.m.RotateKeys("wg0", "site-b")
	require.NoError(t, err)

	p.connect(t)
	st, _ := p.a.m.PeerStatus("wg0", "site-b")
	assert.Equal(t, uint32(0), st.Epoch)

	_, got, err := p.aToB(t, []byte("after rehandshake"))
	require.NoError(t, err)
	assert.Equal(t, []byte("after rehandshake"), got)
}

// recorder keeps a copy of every initiation it forwards.
type recorder struct {
	HandshakeTransport
	sent [][]byte
}

func (r *recorder) Exchange(ctx context.Context, endpoint netip.AddrPort, remote wgtypes.Key, msg []byte) ([]byte, error) {
	r.sent = append(r.sent, bytes.Clone(msg))
	return r.HandshakeTransport.Exchange(ctx, endpoint, remote, msg)
}

func TestHandshake_ReplayedInitiationRejected(t *testing.T) {
	p := newPair(t, Grace{}, wgtypes.Key{})
	rec := &recorder{HandshakeTransport: p.transport}
	p.a.m.SetTransport(rec)

	p.connect(t)
	p.connect(t)
	require.Len(t, rec.sent, 2)

	_, err := p.b.m.Respond("wg0", rec.sent[0])
	assert.True(t, errors.Is(err, errors.ErrAuthenticationFailure))
	_, err = p.b.m.Respond("wg0", rec.sent[1])
	assert.True(t, errors.Is(err, errors.ErrAuthenticationFailure), "the latest initiation cannot be replayed either")

	_, got, err := p.aToB(t, []byte("still keyed"))
	require.NoError(t, err)
	assert.Equal(t, []byte("still keyed"), got)
	assert.Equal(t, 2.0, promtest.ToFloat64(p.b.metrics.VPNHandshakes.WithLabelValues("wg0", "failure")))
}

func TestNextStamp_Monotonic(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	first := nextStamp(now)
	second := nextStamp(now)
	third := nextStamp(now.Add(-time.Hour))
	assert.Negative(t, bytes.Compare(first[:], second[:]))
	assert.Negative(t, bytes.Compare(second[:], third[:]))

	future := time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
	later := nextStamp(future)
	assert.Equal(t, tai64Base+uint64(future.Unix()), binary.BigEndian.Uint64(later[:8]))
}

func TestRemovePeer_ForgetsSession(t *testing.T) {
	p := newPair(t, Grace{}, wgtypes.Key{})
	p.connect(t)

	ct, err := p.a.m.Encapsulate("wg0", []byte("x"), "site-b")
	require.NoError(t, err)
	require.NoError(t, p.b.m.RemovePeer("wg0", "site-a"))

	_, _, err = p.b.m.Decapsulate("wg0", ct)
	assert.True(t, errors.Is(err, errors.ErrUnknownPeer))
	assert.True(t, errors.Is(p.b.m.RemovePeer("wg0", "site-a"), errors.ErrUnknownPeer))
}

func TestPeerFor_AllowedIPs(t *testing.T) {
	p := newPair(t, Grace{}, wgtypes.Key{})

	peer, ok := p.a.m.PeerFor("wg0", netip.MustParseAddr("192.168.20.7"))
	assert.True(t, ok)
	assert.Equal(t, "site-b", peer)

	_, ok = p.a.m.PeerFor("wg0", netip.MustParseAddr("192.168.21.7"))
	assert.False(t, ok)
	_, ok = p.a.m.PeerFor("wg9", netip.MustParseAddr("192.168.20.7"))
	assert.False(t, ok)

	err := p.a.m.AddPeer("wg0", PeerConfig{
		Name:       "site-c",
		PublicKey:  genKey(t).PublicKey(),
		AllowedIPs: []netip.Prefix{netip.MustParsePrefix("192.168.20.0/24")},
	})
	assert.Equal(t, errors.KindConflict, errors.GetKind(err))

	require.NoError(t, p.a.m.AddPeer("wg0", PeerConfig{
		Name:       "site-c",
		PublicKey:  genKey(t).PublicKey(),
		AllowedIPs: []netip.Prefix{netip.MustParsePrefix("192.168.20.128/25")},
	}))
	peer, _ = p.a.m.PeerFor("wg0", netip.MustParseAddr("192.168.20.200"))
	assert.Equal(t, "site-c", peer, "longest allowed prefix wins")

	require.NoError(t, p.a.m.RemovePeer("wg0", "site-c"))
	peer, _ = p.a.m.PeerFor("wg0", netip.MustParseAddr("192.168.20.200"))
	assert.Equal(t, "site-b", peer)
}

func TestAddInterface_Validation(t *testing.T) {
	m := NewManager(Options{Logger: logging.Nop(), Metrics: metrics.New(nil)})
	key := genKey(t)

	assert.Equal(t, errors.KindValidation, errors.GetKind(m.AddInterface(InterfaceConfig{PrivateKey: key})))
	assert.Equal(t, errors.KindValidation, errors.GetKind(m.AddInterface(InterfaceConfig{Name: "wg0"})))
	assert.Equal(t, errors.KindValidation, errors.GetKind(m.AddInterface(InterfaceConfig{
		Name: "wg0", PrivateKey: key, Peers: []PeerConfig{{Name: "self", PublicKey: key.PublicKey()}},
	})))

	peerKey := genKey(t).PublicKey()
	err := m.AddInterface(InterfaceConfig{Name: "wg0", PrivateKey: key, Peers: []PeerConfig{
		{Name: "a", PublicKey: peerKey},
		{Name: "b", PublicKey: peerKey},
	}})
	assert.Equal(t, errors.KindConflict, errors.GetKind(err))
	assert.Empty(t, m.Interfaces(), "failed interface is not added")

	require.NoError(t, m.AddInterface(InterfaceConfig{Name: "wg0", PrivateKey: key}))
	assert.Equal(t, errors.KindConflict, errors.GetKind(m.AddInterface(InterfaceConfig{Name: "wg0", PrivateKey: genKey(t)})))
	assert.Equal(t, errors.KindConflict, errors.GetKind(m.AddInterface(InterfaceConfig{Name: "wg1", PrivateKey: key})))
	assert.True(t, m.HasInterface("wg0"))

	require.NoError(t, m.RemoveInterface("wg0"))
	assert.False(t, m.HasInterface("wg0"))
	assert.True(t, errors.Is(m.RemoveInterface("wg0"), errors.ErrUnknownInterface))
}

func TestHandshake_NoTransport(t *testing.T) {
	m := NewManager(Options{Logger: logging.Nop(), Metrics: metrics.New(nil)})
	require.NoError(t, m.AddInterface(InterfaceConfig{Name: "wg0", PrivateKey: genKey(t),
		Peers: []PeerConfig{{Name: "b", PublicKey: genKey(t).PublicKey()}}}))

	err := m.Handshake(context.Background(), "wg0", "b")
	assert.Equal(t, errors.KindUnavailable, errors.GetKind(err))
}

func TestDecapsulate_FollowsPeerRotation(t *testing.T) {
	p := newPair(t, Grace{Window: time.Minute}, wgtypes.Key{})
	p.connect(t)
	sub := p.a.hub.Subscribe(4, events.EventRekey)

	old, err := p.b.m.Encapsulate("wg0", []byte("old"), "site-a")
	require.NoError(t, err)
	_, err = p.b.m.RotateKeys("wg0", "site-a")
	require.NoError(t, err)
	ct, err := p.b.m.Encapsulate("wg0", []byte("new"), "site-a")
	require.NoError(t, err)

	_, got, err := p.a.m.Decapsulate("wg0", ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)

	st, _ := p.a.m.PeerStatus("wg0", "site-b")
	assert.Equal(t, uint32(1), st.Epoch)
	assert.True(t, st.GraceOpen)

	ev := <-sub
	rk, ok := ev.Data.(events.Rekey)
	require.True(t, ok)
	assert.Equal(t, uint32(1), rk.Epoch)

	_, _, err = p.a.m.Decapsulate("wg0", old)
	assert.NoError(t, err, "previous epoch still inside the window")
	_, got, err = p.aToB(t, []byte("answer"))
	require.NoError(t, err)
	assert.Equal(t, []byte("answer"), got)
}

func TestDecapsulate_NextEpochWaitsForGraceToClose(t *testing.T) {
	p := newPair(t, Grace{Window: time.Minute}, wgtypes.Key{})
	p.connect(t)

	var sent [][]byte
	for i := range 3 {
		if i > 0 {
			_, err := p.b.m.RotateKeys("wg0", "site-a")
			require.NoError(t, err)
		}
		ct, err := p.b.m.Encapsulate("wg0", []byte{byte(i)}, "site-a")
		require.NoError(t, err)
		sent = append(sent, ct)
	}

	_, _, err := p.a.m.Decapsulate("wg0", sent[1])
	require.NoError(t, err)
	st, _ := p.a.m.PeerStatus("wg0", "site-b")
	require.Equal(t, uint32(1), st.Epoch)
	require.True(t, st.GraceOpen)

	valid := 0
	for _, ct := range sent {
		if _, _, err := p.a.m.Decapsulate("wg0", ct); err == nil {
			valid++
		}
	}
	assert.Equal(t, 2, valid, "epochs 0 and 1 only")
	st, _ = p.a.m.PeerStatus("wg0", "site-b")
	assert.Equal(t, uint32(1), st.Epoch)

	p.clock.Advance(time.Minute)
	_, got, err := p.a.m.Decapsulate("wg0", sent[2])
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, got)
	_, _, err = p.a.m.Decapsulate("wg0", sent[0])
	assert.True(t, errors.Is(err, errors.ErrAuthenticationFailure))
}

func TestDecapsulate_ForgedNextEpoch(t *testing.T) {
	p := newPair(t, Grace{}, wgtypes.Key{})
	p.connect(t)

	ct, err := p.b.m.Encapsulate("wg0", []byte("x"), "site-a")
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(ct[8:12], 1)

	_, _, err = p.a.m.Decapsulate("wg0", ct)
	assert.True(t, errors.Is(err, errors.ErrAuthenticationFailure))
	st, _ := p.a.m.PeerStatus("wg0", "site-b")
	assert.Equal(t, uint32(0), st.Epoch, "an unauthenticated packet never rotates keys")
}
