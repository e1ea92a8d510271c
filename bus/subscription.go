package bus

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"oikion-live/domain"
)

// Subscription is a registered interest in (organization, entity types).
type Subscription struct {
	id             uuid.UUID
	organizationID string
	entityTypes    []domain.EntityType
	handler        Handler
	bus            *Bus
	logger         log.FieldLogger

	queue     chan domain.ChangeEvent
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// deliverMu is held for the whole handler call. Close takes it to flip
	// active, so no handler call starts after Close returns.
	deliverMu sync.Mutex
	active    bool
	lastSeq   uint64
}

func (s *Subscription) ID() string { return s.id.String() }

func (s *Subscription) OrganizationID() string { return s.organizationID }

// EntityTypes returns a copy of the subscribed entity types.
func (s *Subscription) EntityTypes() []domain.EntityType {
	return append([]domain.EntityType(nil), s.entityTypes...)
}

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	return s.active
}

// Close deregisters the subscription and waits for its delivery goroutine
// to exit. In-flight handler calls finish first; none start afterwards.
//
// Close must not be called from the subscription's own handler.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.remove(s)
		s.deliverMu.Lock()
		s.active = false
		s.deliverMu.Unlock()
		close(s.stop)
		<-s.done
	})
}

// enqueue must be called with the owning shard's lock held.
func (s *Subscription) enqueue(ev domain.ChangeEvent) bool {
	select {
	case s.queue <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscription) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case ev := <-s.queue:
			s.deliver(ev)
		}
	}
}

func (s *Subscription) deliver(ev domain.ChangeEvent) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if !s.active {
		return
	}
	if ev.Sequence <= s.lastSeq {
		droppedTotal.WithLabelValues("stale").Inc()
		s.logger.WithFields(log.Fields{
			"subscription": s.id,
			"org":          ev.OrganizationID,
			"sequence":     ev.Sequence,
			"last":         s.lastSeq,
		}).Debug("skipping out of order event")
		return
	}
	s.lastSeq = ev.Sequence
	if err := s.invoke(ev); err != nil {
		subscriberFailuresTotal.Inc()
		s.logger.WithError(err).WithFields(log.Fields{
			"subscription": s.id,
			"org":          ev.OrganizationID,
			"entity_type":  ev.EntityType,
			"sequence":     ev.Sequence,
		}).Error("subscriber failed")
		return
	}
	deliveredTotal.Inc()
}

func (s *Subscription) invoke(ev domain.ChangeEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return s.handler(ev)
}
