// Package notifier turns committed writes into ordered change events.
//
// For every write it takes the next sequence of the organization, invalidates
// the cached aggregates tagged with the entity scope and only then publishes
// the event, so a refresh triggered by the event never reads the entry the
// write made stale.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"oikion-live/domain"
)

const defaultLockStripes = 64

// OrganizationResolver reports domain.ErrNotFoundOrganization for unknown
// organizations.
type OrganizationResolver interface {
	ResolveOrganization(ctx context.Context, organizationID string) error
}

type Invalidator interface {
	InvalidateTag(tag string)
}

// LocalPublisher is the in-process event bus.
type LocalPublisher interface {
	Publish(ev domain.ChangeEvent) int
}

// RemotePublisher forwards events outside the process.
type RemotePublisher interface {
	Name() string
	PublishChange(ctx context.Context, ev domain.ChangeEvent) error
}

type Options struct {
	Bus       LocalPublisher
	Cache     Invalidator
	Sequencer Sequencer
	Resolver  OrganizationResolver
	Remotes   []RemotePublisher
	// LockStripes bounds how many organizations notify concurrently.
	// Organizations hashing to the same stripe also wait on each other's
	// remote publishes.
	LockStripes int
	Now         func() time.Time
	Logger      log.FieldLogger
	Tracer      trace.Tracer
}

type Notifier struct {
	bus       LocalPublisher
	cache     Invalidator
	sequencer Sequencer
	resolver  OrganizationResolver
	remotes   []RemotePublisher
	now       func() time.Time
	logger    log.FieldLogger
	tracer    trace.Tracer

	// Per-organization critical sections, striped by hash.
	locks []sync.Mutex
}

func New(opts Options) (*Notifier, error) {
	if opts.Bus == nil {
		return nil, errors.New("notifier: bus is required")
	}
	if opts.Sequencer == nil {
		opts.Sequencer = NewMemorySequencer()
	}
	if opts.LockStripes <= 0 {
		opts.LockStripes = defaultLockStripes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("oikion-live/notifier")
	}
	return &Notifier{
		bus:       opts.Bus,
		cache:     opts.Cache,
		sequencer: opts.Sequencer,
		resolver:  opts.Resolver,
		remotes:   opts.Remotes,
		now:       opts.Now,
		logger:    opts.Logger,
		tracer:    opts.Tracer,
		locks:     make([]sync.Mutex, opts.LockStripes),
	}, nil
}

func (n *Notifier) lockFor(organizationID string) *sync.Mutex {
	return &n.locks[xxhash.Sum64String(organizationID)%uint64(len(n.locks))]
}

// NotifyChange records a committed write. It must only be called after the
// write was persisted. Calls are never deduplicated: a retried notification
// yields a second event with a higher sequence.
func (n *Notifier) NotifyChange(ctx context.Context, entityType domain.EntityType, entityID, organizationID string, op domain.Operation) (domain.ChangeEvent, error) {
	ctx, span := n.tracer.Start(ctx, "notifier.notify_change", trace.WithAttributes(
		attribute.String("organization.id", organizationID),
		attribute.String("entity.type", string(entityType)),
		attribute.String("entity.id", entityID),
		attribute.String("change.operation", string(op)),
	))
	defer span.End()

	ev, err := n.notify(ctx, entityType, entityID, organizationID, op)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.ChangeEvent{}, err
	}
	span.SetAttributes(attribute.Int64("change.sequence", int64(ev.Sequence)))
	return ev, nil
}

func (n *Notifier) notify(ctx context.Context, entityType domain.EntityType, entityID, organizationID string, op domain.Operation) (domain.ChangeEvent, error) {
	if strings.TrimSpace(organizationID) == "" {
		return domain.ChangeEvent{}, domain.ErrNotFoundOrganization
	}
	if !entityType.Valid() {
		return domain.ChangeEvent{}, fmt.Errorf("%w: %q", domain.ErrUnknownEntityType, entityType)
	}
	if !op.Valid() {
		return domain.ChangeEvent{}, fmt.Errorf("%w: %q", domain.ErrUnknownOperation, op)
	}
	if entityID == "" {
		return domain.ChangeEvent{}, errors.New("notifier: empty entity id")
	}
	if n.resolver != nil {
		if err := n.resolver.ResolveOrganization(ctx, organizationID); err != nil {
			return domain.ChangeEvent{}, err
		}
	}

	mu := n.lockFor(organizationID)
	mu.Lock()
	defer mu.Unlock()

	seq, err := n.sequencer.Next(ctx, organizationID)
	if err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("next sequence: %w", err)
	}
	ev := domain.ChangeEvent{
		ID:             uuid.NewString(),
		EntityType:     entityType,
		EntityID:       entityID,
		OrganizationID: organizationID,
		Operation:      op,
		OccurredAt:     n.now().UTC(),
		Sequence:       seq,
	}

	if n.cache != nil {
		n.cache.InvalidateTag(ev.Tag())
	}
	delivered := n.bus.Publish(ev)
	notificationsTotal.WithLabelValues(string(entityType), string(op)).Inc()

	logger := n.logger.WithFields(log.Fields{
		"org":         organizationID,
		"entity_type": entityType,
		"entity_id":   entityID,
		"operation":   op,
		"sequence":    seq,
	})
	logger.WithField("subscribers", delivered).Debug("change published")

	// Remote publishing stays under the organization lock so each transport
	// sees the organization's events in sequence order.
	for _, r := range n.remotes {
		if err := r.PublishChange(ctx, ev); err != nil {
			remoteFailuresTotal.WithLabelValues(r.Name()).Inc()
			logger.WithError(err).WithField("publisher", r.Name()).Warn("remote publish failed")
		}
	}
	return ev, nil
}
