// Package bus fans ChangeEvents out to subscribers scoped by organization and
// entity type.
//
// Publishing never waits on a subscriber. Every Subscription owns a bounded
// queue and a goroutine that drains it, so a slow or failing callback only
// affects its own subscription. Per subscription, events of its organization
// are delivered in increasing sequence order.
package bus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"oikion-live/domain"
)

const (
	defaultQueueSize = 64
	defaultShards    = 32
)

// ErrClosed is returned by Subscribe after the bus has been closed.
var ErrClosed = errors.New("bus closed")

// Handler receives delivered events. A returned error or a panic is logged
// and counted; it never reaches the publisher or other subscribers.
type Handler func(ev domain.ChangeEvent) error

// Options tunes a Bus. Zero values select defaults.
type Options struct {
	// QueueSize bounds the number of undelivered events per subscription.
	QueueSize int
	// Shards is the number of registry partitions.
	Shards int
	Logger log.FieldLogger
}

type scopeKey struct {
	organizationID string
	entityType     domain.EntityType
}

type shard struct {
	mu     sync.Mutex
	routes map[scopeKey]map[uuid.UUID]*Subscription
	subs   map[uuid.UUID]*Subscription
}

// Bus is an in-process publish/subscribe hub for ChangeEvents.
type Bus struct {
	shards    []shard
	queueSize int
	logger    log.FieldLogger
	closed    atomic.Bool
}

// New creates a bus ready for use.
func New(opts Options) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Shards <= 0 {
		opts.Shards = defaultShards
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	b := &Bus{
		shards:    make([]shard, opts.Shards),
		queueSize: opts.QueueSize,
		logger:    opts.Logger,
	}
	for i := range b.shards {
		b.shards[i].routes = make(map[scopeKey]map[uuid.UUID]*Subscription)
		b.shards[i].subs = make(map[uuid.UUID]*Subscription)
	}
	return b
}

func (b *Bus) shardFor(organizationID string) *shard {
	return &b.shards[xxhash.Sum64String(organizationID)%uint64(len(b.shards))]
}

// Publish enqueues ev for every subscription of ev's organization that
// listens to ev's entity type and returns how many accepted it. Events for
// a full queue are dropped; the subscriber still has a pending delivery
// that will trigger its refresh.
func (b *Bus) Publish(ev domain.ChangeEvent) int {
	if b.closed.Load() {
		return 0
	}
	publishedTotal.Inc()

	sh := b.shardFor(ev.OrganizationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	accepted := 0
	for _, sub := range sh.routes[scopeKey{ev.OrganizationID, ev.EntityType}] {
		if sub.enqueue(ev) {
			accepted++
			continue
		}
		droppedTotal.WithLabelValues("queue_full").Inc()
		b.logger.WithFields(log.Fields{
			"subscription": sub.id,
			"org":          ev.OrganizationID,
			"entity_type":  ev.EntityType,
			"sequence":     ev.Sequence,
		}).Warn("subscriber queue full, dropping event")
	}
	return accepted
}

// Subscribe registers handler for events of organizationID whose entity type
// is in entityTypes. The returned Subscription must be closed when the
// subscriber goes away.
func (b *Bus) Subscribe(organizationID string, entityTypes []domain.EntityType, handler Handler) (*Subscription, error) {
	if organizationID == "" {
		return nil, domain.ErrNotFoundOrganization
	}
	if handler == nil {
		return nil, errors.New("bus: nil handler")
	}
	types, err := uniqueTypes(entityTypes)
	if err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &Subscription{
		id:             uuid.New(),
		organizationID: organizationID,
		entityTypes:    types,
		handler:        handler,
		bus:            b,
		logger:         b.logger,
		queue:          make(chan domain.ChangeEvent, b.queueSize),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		active:         true,
	}

	sh := b.shardFor(organizationID)
	sh.mu.Lock()
	if b.closed.Load() {
		sh.mu.Unlock()
		return nil, ErrClosed
	}
	for _, t := range types {
		key := scopeKey{organizationID, t}
		set := sh.routes[key]
		if set == nil {
			set = make(map[uuid.UUID]*Subscription)
			sh.routes[key] = set
		}
		set[sub.id] = sub
	}
	sh.subs[sub.id] = sub
	sh.mu.Unlock()

	subscriptionsGauge.Inc()
	go sub.run()
	return sub, nil
}

// Unsubscribe closes sub. It is safe to call more than once and with nil.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.Close()
}

// SubscriberCount reports the number of live subscriptions for an organization.
func (b *Bus) SubscriberCount(organizationID string) int {
	sh := b.shardFor(organizationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	n := 0
	for _, sub := range sh.subs {
		if sub.organizationID == organizationID {
			n++
		}
	}
	return n
}

// Close closes every subscription. Publish becomes a no-op and Subscribe
// fails with ErrClosed.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	var subs []*Subscription
	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.Lock()
		for _, sub := range sh.subs {
			subs = append(subs, sub)
		}
		sh.mu.Unlock()
	}
	for _, sub := range subs {
		sub.Close()
	}
}

func (b *Bus) remove(sub *Subscription) {
	sh := b.shardFor(sub.organizationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.subs[sub.id]; !ok {
		return
	}
	delete(sh.subs, sub.id)
	for _, t := range sub.entityTypes {
		key := scopeKey{sub.organizationID, t}
		set := sh.routes[key]
		delete(set, sub.id)
		if len(set) == 0 {
			delete(sh.routes, key)
		}
	}
	subscriptionsGauge.Dec()
}

func uniqueTypes(in []domain.EntityType) ([]domain.EntityType, error) {
	if len(in) == 0 {
		return nil, errors.New("bus: no entity types")
	}
	out := make([]domain.EntityType, 0, len(in))
	seen := make(map[domain.EntityType]struct{}, len(in))
	for _, t := range in {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEntityType, t)
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}
