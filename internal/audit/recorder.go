package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/flowgate/internal/clock"
	"grimm.is/flowgate/internal/events"
	"grimm.is/flowgate/internal/logging"
	"grimm.is/flowgate/internal/ratelimit"
)

// Recorded lists the event types a Recorder persists.
var Recorded = []events.EventType{
	events.EventProtocolViolation,
	events.EventAuthFailure,
	events.EventHandshake,
	events.EventRekey,
}

const (
	DefaultRatePerMinute = 60
	DefaultPruneInterval = time.Hour
)

// RecorderOptions tunes a Recorder. Zero values select defaults.
type RecorderOptions struct {
	// RatePerMinute bounds the events kept per type, interface and peer.
	RatePerMinute int
	PruneInterval time.Duration
	Clock         clock.Clock
	Logger        *logging.Logger
}

// Recorder copies security-relevant events from a hub into a store. A
// flood of one kind of event is rate limited so it cannot fill the disk.
type Recorder struct {
	store   *Store
	hub     *events.Hub
	ch      <-chan events.Event
	limiter *ratelimit.Limiter
	rate    int
	prune   time.Duration
	logger  *logging.Logger

	suppressed atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecorder subscribes to hub. Events published from now on are
// buffered until Start.
func NewRecorder(store *Store, hub *events.Hub, opts RecorderOptions) *Recorder {
	if opts.RatePerMinute <= 0 {
		opts.RatePerMinute = DefaultRatePerMinute
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = DefaultPruneInterval
	}
	return &Recorder{
		store:   store,
		hub:     hub,
		ch:      hub.Subscribe(1024, Recorded...),
		limiter: ratelimit.NewLimiter(opts.Clock),
		rate:    opts.RatePerMinute,
		prune:   opts.PruneInterval,
		logger:  logging.OrDefault(opts.Logger).WithComponent("audit"),
	}
}

// Start records events until ctx is cancelled or Stop is called.
func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.prune)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-r.ch:
				r.Record(e)
			case <-ticker.C:
				r.pruneOnce()
				r.limiter.CleanupExpired(r.prune)
			}
		}
	}()
}

// Stop halts recording and unsubscribes from the hub.
func (r *Recorder) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		r.wg.Wait()
	}
	r.hub.Unsubscribe(r.ch)
}

// Record persists e if it is a recorded type and within the rate limit.
// It reports whether the event was written.
func (r *Recorder) Record(e events.Event) bool {
	evt, ok := FromEvent(e)
	if !ok {
		return false
	}
	key := evt.Type + "/" + evt.Interface + "/" + evt.Peer
	if !r.limiter.Allow(key, r.rate, time.Minute) {
		r.suppressed.Add(1)
		return false
	}
	if err := r.store.Write(evt); err != nil {
		r.logger.Warn("audit write failed", "type", evt.Type, "error", err)
		return false
	}
	return true
}

// Suppressed returns how many events the rate limit discarded.
func (r *Recorder) Suppressed() uint64 { return r.suppressed.Load() }

func (r *Recorder) pruneOnce() {
	n, err := r.store.Prune()
	if err != nil {
		r.logger.Warn("audit prune failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("audit events pruned", "count", n)
	}
}

// FromEvent converts a bus event into an audit entry. It returns false for
// types that are not audited.
func FromEvent(e events.Event) (Event, bool) {
	evt := Event{Timestamp: e.Timestamp, Type: string(e.Type), Source: e.Source}
	switch d := e.Data.(type) {
	case events.ProtocolViolation:
		evt.Details = map[string]any{"stage": d.Stage, "reason": d.Reason, "length": d.Length}
	case events.AuthFailure:
		evt.Interface, evt.Peer = d.Interface, d.Peer
		evt.Details = map[string]any{"epoch": d.Epoch}
	case events.Handshake:
		evt.Interface, evt.Peer = d.Interface, d.Peer
		evt.Details = map[string]any{"ok": d.OK}
		if d.Error != "" {
			evt.Details["error"] = d.Error
		}
	case events.Rekey:
		evt.Interface, evt.Peer = d.Interface, d.Peer
		evt.Details = map[string]any{"epoch": d.Epoch}
	default:
		return Event{}, false
	}
	if evt.Type == "" {
		evt.Type = string(e.Data.EventType())
	}
	return evt, true
}
