package dataplane

import (
	"context"
	"slices"
	"strings"
	"time"
)

// tunnelTick is how often initiating peers are checked.
const tunnelTick = time.Second

// Start runs the connection sweeper and the tunnel maintenance loop until
// ctx is cancelled or Stop is called. Calling Start twice is a no-op.
func (p *Pipeline) Start(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.conns.Start(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(tunnelTick)
		defer ticker.Stop()

		p.MaintainTunnels(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.MaintainTunnels(ctx)
			}
		}
	}()
	p.logger.Info("pipeline started", "rekey_interval", p.rekey)
}

// Stop halts the background work and waits for it to exit.
func (p *Pipeline) Stop() {
	p.runMu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.runMu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	p.conns.Stop()
	p.wg.Wait()
	p.logger.Info("pipeline stopped")
}

// MaintainTunnels makes one pass over the initiating peers: a peer without
// a session is handshaken, and an established session older than the
// rekey interval is rotated. It returns the number of peers acted on.
func (p *Pipeline) MaintainTunnels(ctx context.Context) int {
	p.tunnelMu.Lock()
	refs := make([]peerRef, 0, len(p.initiators))
	for ref := range p.initiators {
		refs = append(refs, ref)
	}
	p.tunnelMu.Unlock()
	slices.SortFunc(refs, func(a, b peerRef) int {
		if c := strings.Compare(a.iface, b.iface); c != 0 {
			return c
		}
		return strings.Compare(a.peer, b.peer)
	})

	acted := 0
	for _, ref := range refs {
		if ctx.Err() != nil {
			break
		}
		st, err := p.vpn.PeerStatus(ref.iface, ref.peer)
		if err != nil {
			continue
		}

		if !st.Established {
			if err := p.vpn.Handshake(ctx, ref.iface, ref.peer); err != nil {
				p.logger.Debug("handshake failed", "interface", ref.iface, "peer", ref.peer, "error", err)
				continue
			}
			acted++
			continue
		}

		if p.rekey <= 0 || p.clock.Since(p.lastKeyed(ref, st.LastHandshake)) < p.rekey {
			continue
		}
		if _, err := p.RotateVPNKeys(ref.iface, ref.peer); err != nil {
			p.logger.Debug("rekey failed", "interface", ref.iface, "peer", ref.peer, "error", err)
			continue
		}
		acted++
	}
	return acted
}

// lastKeyed returns when ref last got fresh keys, by handshake or rotation.
func (p *Pipeline) lastKeyed(ref peerRef, handshake time.Time) time.Time {
	p.tunnelMu.Lock()
	defer p.tunnelMu.Unlock()
	if t, ok := p.rotated[ref]; ok && t.After(handshake) {
		return t
	}
	return handshake
}

// PendingTunnels lists the initiating peers without an established
// session, as "interface/peer", sorted.
func (p *Pipeline) PendingTunnels() []string {
	p.tunnelMu.Lock()
	refs := make([]peerRef, 0, len(p.initiators))
	for ref := range p.initiators {
		refs = append(refs, ref)
	}
	p.tunnelMu.Unlock()

	var pending []string
	for _, ref := range refs {
		st, err := p.vpn.PeerStatus(ref.iface, ref.peer)
		if err != nil || !st.Established {
			pending = append(pending, ref.iface+"/"+ref.peer)
		}
	}
	slices.Sort(pending)
	return pending
}
