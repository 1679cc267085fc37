package vpn

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"grimm.is/flowgate/internal/errors"
)

// Message types, first byte of every tunnel datagram.
const (
	msgInitiation = 1
	msgResponse   = 2
	msgData       = 4
)

const (
	tagLen        = 16
	stampLen      = 12
	initiationLen = 8 + 32 + (32 + tagLen) + (stampLen + tagLen)
	responseLen   = 12 + 32 + tagLen
	dataHeaderLen = 20
)

// HandshakeTransport carries a handshake initiation to the peer owning
// remote and returns its response.
type HandshakeTransport interface {
	Exchange(ctx context.Context, endpoint netip.AddrPort, remote wgtypes.Key, initiation []byte) ([]byte, error)
}

// stamp is a TAI64N timestamp. Its byte order is its time order.
type stamp [stampLen]byte

// tai64Base is the TAI64 label of the Unix epoch.
const tai64Base = uint64(0x400000000000000a)

// lastStamp is the newest initiation time handed out by this process, in
// Unix nanoseconds. Initiations carry strictly increasing stamps even when
// the clock stalls or steps back.
var lastStamp atomic.Int64

func nextStamp(now time.Time) stamp {
	ns := now.UnixNano()
	for {
		last := lastStamp.Load()
		if ns <= last {
			ns = last + 1
		}
		if lastStamp.CompareAndSwap(last, ns) {
			break
		}
	}
	var s stamp
	binary.BigEndian.PutUint64(s[:8], tai64Base+uint64(ns/int64(time.Second)))
	binary.BigEndian.PutUint32(s[8:], uint32(ns%int64(time.Second)))
	return s
}

// initiation is the initiator's state between sending and completing.
type initiation struct {
	peer      *Peer
	index     uint32
	ephemeral wgtypes.Key
	chain     [32]byte
	msg       []byte
}

// initiate builds the first handshake message for p. It proves possession
// of the interface's static key to the responder.
func (in *Interface) initiate(p *Peer, now time.Time) (*initiation, error) {
	eph, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "generate ephemeral key")
	}
	st := &initiation{peer: p, index: in.newIndex(), ephemeral: eph}

	msg := make([]byte, initiationLen)
	msg[0] = msgInitiation
	binary.LittleEndian.PutUint32(msg[4:8], st.index)
	epub := eph.PublicKey()
	copy(msg[8:40], epub[:])

	ck := mix(initialChain, epub[:])
	es, err := dh(eph, p.publicKey)
	if err != nil {
		return nil, err
	}
	ck, k := mixKey(ck, es)
	spub := in.publicKey
	copy(msg[40:88], seal(k, spub[:], msg[8:40]))

	ss, err := dh(in.privateKey, p.publicKey)
	if err != nil {
		return nil, err
	}
	ck, k = mixKey(ck, ss)
	ts := nextStamp(now)
	copy(msg[88:], seal(k, ts[:], msg[:88]))

	st.chain = ck
	st.msg = msg
	return st, nil
}

// respond consumes an initiation addressed to this interface, establishes
// the session on the responder side and returns the response message. An
// initiation is only accepted if its timestamp is newer than the last one
// accepted from the same peer.
func (in *Interface) respond(msg []byte, now time.Time) ([]byte, *Peer, error) {
	if len(msg) != initiationLen || msg[0] != msgInitiation {
		return nil, nil, errors.Wrapf(errors.ErrProtocolViolation, errors.KindProtocolViolation,
			"handshake initiation of %d bytes", len(msg))
	}
	remoteIndex := binary.LittleEndian.Uint32(msg[4:8])
	var eRemote wgtypes.Key
	copy(eRemote[:], msg[8:40])

	ck := mix(initialChain, eRemote[:])
	es, err := dh(in.privateKey, eRemote)
	if err != nil {
		return nil, nil, err
	}
	ck, k := mixKey(ck, es)
	static, err := open(k, msg[40:88], msg[8:40])
	if err != nil {
		return nil, nil, err
	}
	var sRemote wgtypes.Key
	copy(sRemote[:], static)

	p := in.peerByKey(sRemote)
	if p == nil {
		return nil, nil, errors.Wrapf(errors.ErrUnknownPeer, errors.KindNotFound,
			"%s: initiation from unknown key %s", in.name, sRemote)
	}

	ss, err := dh(in.privateKey, sRemote)
	if err != nil {
		return nil, p, err
	}
	ck, k = mixKey(ck, ss)
	plain, err := open(k, msg[88:], msg[:88])
	if err != nil {
		return nil, p, err
	}
	var ts stamp
	copy(ts[:], plain)
	p.mu.Lock()
	if bytes.Compare(ts[:], p.lastInitiation[:]) <= 0 {
		p.mu.Unlock()
		return nil, p, errors.Wrapf(errors.ErrAuthenticationFailure, errors.KindCrypto,
			"%s: replayed initiation from %q", in.name, p.name)
	}
	p.lastInitiation = ts
	p.mu.Unlock()

	eph, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, p, errors.Wrap(err, errors.KindInternal, "generate ephemeral key")
	}
	index := in.newIndex()
	resp := make([]byte, responseLen)
	resp[0] = msgResponse
	binary.LittleEndian.PutUint32(resp[4:8], index)
	binary.LittleEndian.PutUint32(resp[8:12], remoteIndex)
	epub := eph.PublicKey()
	copy(resp[12:44], epub[:])

	ck = mix(ck, epub[:])
	ee, err := dh(eph, eRemote)
	if err != nil {
		return nil, p, err
	}
	ck = mix(ck, ee)
	se, err := dh(eph, sRemote)
	if err != nil {
		return nil, p, err
	}
	ck = mix(ck, se)
	ck, k = mixKey(ck, p.psk[:])
	copy(resp[44:], seal(k, nil, resp[:44]))

	in.establish(p, session{chain: ck, initiator: false, local: index, remote: remoteIndex}, now)
	return resp, p, nil
}

// complete verifies the responder's confirmation and establishes the
// initiator side of the session.
func (in *Interface) complete(st *initiation, resp []byte, now time.Time) error {
	if len(resp) != responseLen || resp[0] != msgResponse {
		return errors.Wrapf(errors.ErrProtocolViolation, errors.KindProtocolViolation,
			"handshake response of %d bytes", len(resp))
	}
	if binary.LittleEndian.Uint32(resp[8:12]) != st.index {
		return errors.Wrap(errors.ErrAuthenticationFailure, errors.KindCrypto, "response for another initiation")
	}
	remoteIndex := binary.LittleEndian.Uint32(resp[4:8])
	var eRemote wgtypes.Key
	copy(eRemote[:], resp[12:44])

	p := st.peer
	ck := mix(st.chain, eRemote[:])
	ee, err := dh(st.ephemeral, eRemote)
	if err != nil {
		return err
	}
	ck = mix(ck, ee)
	se, err := dh(in.privateKey, eRemote)
	if err != nil {
		return err
	}
	ck = mix(ck, se)
	ck, k := mixKey(ck, p.psk[:])
	if _, err := open(k, resp[44:], resp[:44]); err != nil {
		return err
	}

	in.establish(p, session{chain: ck, initiator: true, local: st.index, remote: remoteIndex}, now)
	return nil
}

// LoopbackTransport connects managers in the same process. Initiations are
// delivered by the remote static key.
type LoopbackTransport struct {
	mu         sync.RWMutex
	responders map[wgtypes.Key]loopbackResponder

	// Delay is added before every delivery.
	Delay time.Duration
}

type loopbackResponder struct {
	m     *Manager
	iface string
}

// NewLoopbackTransport returns a transport with no attached interfaces.
func NewLoopbackTransport() *LoopbackTransport {
	return &LoopbackTransport{responders: make(map[wgtypes.Key]loopbackResponder)}
}

// Attach makes the named interface of m reachable through t.
func (t *LoopbackTransport) Attach(m *Manager, iface string) error {
	in, err := m.lookup(iface)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.responders[in.publicKey] = loopbackResponder{m: m, iface: iface}
	t.mu.Unlock()
	return nil
}

// Detach removes the interface owning key.
func (t *LoopbackTransport) Detach(key wgtypes.Key) {
	t.mu.Lock()
	delete(t.responders, key)
	t.mu.Unlock()
}

// Exchange implements HandshakeTransport.
func (t *LoopbackTransport) Exchange(ctx context.Context, _ netip.AddrPort, remote wgtypes.Key, msg []byte) ([]byte, error) {
	t.mu.RLock()
	r, ok := t.responders[remote]
	t.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf(errors.KindUnavailable, "no loopback responder for %s", remote)
	}
	if t.Delay > 0 {
		timer := time.NewTimer(t.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.m.Respond(r.iface, msg)
}
