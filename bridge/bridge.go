// Package bridge connects one live client view to the event bus.
//
// A Bridge holds a single subscription and coalesces bursts of change events
// into one refresh of the view: the refresh fires once no event arrived for
// the debounce window, and never later than the max wait after the first
// event of the burst.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"oikion-live/bus"
	"oikion-live/domain"
)

const (
	DefaultDebounce = 250 * time.Millisecond
	DefaultMaxWait  = time.Second
)

var ErrClosed = errors.New("bridge closed")

// RefreshFunc re-reads the view state and pushes it to the client. A failed
// refresh leaves the previously rendered state in place.
type RefreshFunc func(ctx context.Context) error

// Subscriber is the part of the bus a Bridge needs.
type Subscriber interface {
	Subscribe(organizationID string, entityTypes []domain.EntityType, handler bus.Handler) (*bus.Subscription, error)
}

type Options struct {
	Debounce time.Duration
	MaxWait  time.Duration
	Logger   log.FieldLogger
}

type Bridge struct {
	bus      Subscriber
	refresh  RefreshFunc
	debounce time.Duration
	maxWait  time.Duration
	logger   log.FieldLogger

	// mountMu serializes Mount and Unmount.
	mountMu sync.Mutex

	mu             sync.Mutex
	closed         bool
	sub            *bus.Subscription
	organizationID string
	ctx            context.Context
	cancel         context.CancelFunc
	// generation changes on every mount and unmount; timers armed under an
	// older generation do nothing when they fire.
	generation uint64
	timer      *time.Timer
	timerID    uint64
	pending    bool
	burstStart time.Time
	inflight   sync.WaitGroup

	refreshMu sync.Mutex
}

func New(subscriber Subscriber, refresh RefreshFunc, opts Options) *Bridge {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MaxWait < opts.Debounce {
		opts.MaxWait = DefaultMaxWait
		if opts.MaxWait < opts.Debounce {
			opts.MaxWait = opts.Debounce
		}
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Bridge{
		bus:      subscriber,
		refresh:  refresh,
		debounce: opts.Debounce,
		maxWait:  opts.MaxWait,
		logger:   opts.Logger,
	}
}

// Mount subscribes the bridge to organizationID and entityTypes. An existing
// subscription is closed before the new one is registered. ctx bounds every
// refresh started by this mount.
func (b *Bridge) Mount(ctx context.Context, organizationID string, entityTypes []domain.EntityType) error {
	b.mountMu.Lock()
	defer b.mountMu.Unlock()

	b.unmount()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.generation++
	gen := b.generation
	mountCtx, cancel := context.WithCancel(ctx)
	b.ctx, b.cancel = mountCtx, cancel
	b.mu.Unlock()

	sub, err := b.bus.Subscribe(organizationID, entityTypes, func(ev domain.ChangeEvent) error {
		b.schedule(gen, ev)
		return nil
	})
	if err != nil {
		cancel()
		return err
	}

	b.mu.Lock()
	b.sub = sub
	b.organizationID = organizationID
	b.mu.Unlock()
	mountsTotal.Inc()
	b.logger.WithFields(log.Fields{
		"org":          organizationID,
		"entity_types": entityTypes,
		"subscription": sub.ID(),
	}).Debug("bridge mounted")
	return nil
}

// Unmount closes the subscription and cancels pending refreshes. It waits
// for a refresh already running, so it must not be called from the
// RefreshFunc.
func (b *Bridge) Unmount() {
	b.mountMu.Lock()
	defer b.mountMu.Unlock()
	b.unmount()
}

// Close unmounts and rejects further mounts.
func (b *Bridge) Close() {
	b.mountMu.Lock()
	defer b.mountMu.Unlock()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.unmount()
}

func (b *Bridge) unmount() {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.organizationID = ""
	b.generation++
	b.stopTimerLocked()
	b.pending = false
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	b.inflight.Wait()
}

// Mounted reports whether the bridge currently holds a subscription.
func (b *Bridge) Mounted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sub != nil
}

func (b *Bridge) OrganizationID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.organizationID
}

// RefreshNow runs the refresh immediately, serialized with debounced ones.
func (b *Bridge) RefreshNow(ctx context.Context) error {
	b.refreshMu.Lock()
	defer b.refreshMu.Unlock()
	return b.refresh(ctx)
}

func (b *Bridge) schedule(gen uint64, ev domain.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.generation {
		return
	}

	now := time.Now()
	if !b.pending {
		b.pending = true
		b.burstStart = now
	} else {
		coalescedTotal.Inc()
	}
	deadline := now.Add(b.debounce)
	if limit := b.burstStart.Add(b.maxWait); deadline.After(limit) {
		deadline = limit
	}

	b.stopTimerLocked()
	b.timerID++
	id := b.timerID
	b.timer = time.AfterFunc(deadline.Sub(now), func() { b.fire(gen, id) })

	b.logger.WithFields(log.Fields{
		"org":         ev.OrganizationID,
		"entity_type": ev.EntityType,
		"sequence":    ev.Sequence,
	}).Trace("refresh scheduled")
}

func (b *Bridge) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Bridge) fire(gen, id uint64) {
	b.mu.Lock()
	if gen != b.generation || id != b.timerID || !b.pending {
		b.mu.Unlock()
		return
	}
	b.pending = false
	b.timer = nil
	ctx := b.ctx
	org := b.organizationID
	b.inflight.Add(1)
	b.mu.Unlock()
	defer b.inflight.Done()

	b.refreshMu.Lock()
	defer b.refreshMu.Unlock()
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	if err := b.refresh(ctx); err != nil {
		refreshesTotal.WithLabelValues("error").Inc()
		b.logger.WithError(err).WithField("org", org).Warn("refresh failed, keeping previous state")
		return
	}
	refreshesTotal.WithLabelValues("ok").Inc()
	b.logger.WithFields(log.Fields{
		"org":         org,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("refreshed")
}
