// Package relay carries change events between processes over Redis pub/sub.
//
// Each organization has its own channel, so Redis preserves the order of an
// organization's events. Receivers invalidate the event's cache tag before
// handing it to their local bus, the same order the notifier uses.
package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"oikion-live/domain"
)

const (
	DefaultPrefix         = "oikion:changes"
	defaultReconnectDelay = time.Second
)

type LocalPublisher interface {
	Publish(ev domain.ChangeEvent) int
}

type Invalidator interface {
	InvalidateTag(tag string)
}

type envelope struct {
	Origin string             `json:"origin"`
	Event  domain.ChangeEvent `json:"event"`
}

type Options struct {
	Prefix string
	// Origin identifies this process. Messages carrying it are ignored on
	// receipt. A random id is used when empty.
	Origin         string
	ReconnectDelay time.Duration
	Logger         log.FieldLogger
}

type Relay struct {
	client         *redis.Client
	local          LocalPublisher
	cache          Invalidator
	prefix         string
	origin         string
	reconnectDelay time.Duration
	logger         log.FieldLogger

	readyOnce sync.Once
	ready     chan struct{}
}

func New(client *redis.Client, local LocalPublisher, cache Invalidator, opts Options) *Relay {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Origin == "" {
		opts.Origin = uuid.NewString()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Relay{
		client:         client,
		local:          local,
		cache:          cache,
		prefix:         strings.TrimSuffix(opts.Prefix, ":"),
		origin:         opts.Origin,
		reconnectDelay: opts.ReconnectDelay,
		logger:         opts.Logger.WithField("origin", opts.Origin),
		ready:          make(chan struct{}),
	}
}

func (r *Relay) Name() string { return "redis-relay" }

func (r *Relay) Origin() string { return r.origin }

// Channel is the pub/sub channel of one organization.
func (r *Relay) Channel(organizationID string) string {
	return r.prefix + ":" + organizationID
}

// Ready is closed once the first subscription is confirmed by Redis.
func (r *Relay) Ready() <-chan struct{} { return r.ready }

// PublishChange sends ev to every other process.
func (r *Relay) PublishChange(ctx context.Context, ev domain.ChangeEvent) error {
	if ev.OrganizationID == "" {
		return domain.ErrNotFoundOrganization
	}
	payload, err := sonic.MarshalString(envelope{Origin: r.origin, Event: ev})
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.Channel(ev.OrganizationID), payload).Err(); err != nil {
		return err
	}
	sentTotal.Inc()
	return nil
}

// Run receives events from other processes until ctx is done, subscribing
// again whenever the connection drops.
func (r *Relay) Run(ctx context.Context) {
	pattern := r.prefix + ":*"
	for {
		if err := r.receive(ctx, pattern); err != nil && ctx.Err() == nil {
			r.logger.WithError(err).Error("relay subscription failed")
		}
		if ctx.Err() != nil {
			return
		}
		reconnectsTotal.Inc()
		r.logger.Error("relay channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.reconnectDelay):
		}
	}
}

func (r *Relay) receive(ctx context.Context, pattern string) error {
	sub := r.client.PSubscribe(ctx, pattern)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.logger.WithField("pattern", pattern).Info("relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			r.handle(msg.Channel, msg.Payload)
		}
	}
}

func (r *Relay) handle(channel, payload string) {
	var env envelope
	if err := sonic.UnmarshalString(payload, &env); err != nil {
		malformedTotal.Inc()
		r.logger.WithError(err).WithField("channel", channel).Warn("unable to parse relayed event")
		return
	}
	if env.Origin == r.origin {
		return
	}
	ev := env.Event
	if ev.OrganizationID == "" || !ev.EntityType.Valid() || r.Channel(ev.OrganizationID) != channel {
		malformedTotal.Inc()
		r.logger.WithFields(log.Fields{
			"channel":     channel,
			"org":         ev.OrganizationID,
			"entity_type": ev.EntityType,
		}).Warn("relayed event does not match its channel")
		return
	}

	if r.cache != nil {
		r.cache.InvalidateTag(ev.Tag())
	}
	r.local.Publish(ev)
	receivedTotal.Inc()
	r.logger.WithFields(log.Fields{
		"org":      ev.OrganizationID,
		"sequence": ev.Sequence,
		"from":     env.Origin,
	}).Debug("relayed event published")
}
