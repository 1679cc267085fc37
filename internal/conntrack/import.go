package conntrack

import (
	"grimm.is/flowgate/internal/errors"
)

// Import seeds the table with existing connections, for example a kernel
// conntrack dump taken at startup. Seeds whose tuple is already tracked are
// skipped. Import never evicts; it stops with ErrTableExhausted when full.
func (t *Tracker) Import(seeds []Info) (int, error) {
	now := t.clock.Now()
	n := 0
	for _, s := range seeds {
		if s.Key.IsZero() {
			continue
		}
		if _, ok := t.Lookup(s.Key); ok {
			continue
		}
		if !t.reserve() {
			t.metrics.ConntrackExhausted.Inc()
			return n, errors.Wrapf(errors.ErrTableExhausted, errors.KindResourceExhausted,
				"imported %d of %d connections", n, len(seeds))
		}

		reply := s.Reply
		if reply.IsZero() {
			reply = s.Key.Reverse()
		}
		e := &Entry{
			Key:      s.Key,
			reply:    s.Key.Reverse(),
			state:    s.State,
			created:  now,
			lastSeen: now,
			counters: [2]Counters{s.Orig, s.Replied},
			owner:    t.bucketFor(s.Key),
		}

		b := e.owner
		b.mu.Lock()
		if ex, ok := b.index[e.Key]; ok && ex.Alive() {
			b.mu.Unlock()
			t.count.Add(-1)
			continue
		}
		b.index[e.Key] = e
		if _, taken := b.index[e.reply]; !taken {
			b.index[e.reply] = e
		}
		b.mu.Unlock()

		if reply != e.reply {
			if err := t.BindTranslation(e, reply, s.NAT); err != nil {
				t.logger.Debug("imported connection reply tuple clash", "key", s.Key, "error", err)
			}
		}
		n++
	}
	t.metrics.ConntrackCount.Set(float64(t.count.Load()))
	if n > 0 {
		t.logger.Info("imported connections", "count", n)
	}
	return n, nil
}
