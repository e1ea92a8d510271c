// Package cache memoizes expensive read aggregates.
//
// Entries are keyed by a stable string, carry invalidation tags and a TTL,
// and are replaced only by recomputation. Concurrent misses for the same key
// share a single computation.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTTL     = time.Minute
	defaultTimeout = 5 * time.Second
)

// ErrTimeout is returned to every caller waiting on a computation that
// exceeded its deadline.
var ErrTimeout = errors.New("cache: compute timed out")

// ComputeFunc produces the value for a cache miss.
type ComputeFunc func(ctx context.Context) (any, error)

// Request describes one read through the cache.
type Request struct {
	Key  string
	Tags []string
	// TTL is the maximum staleness of the cached value. Zero selects the
	// cache default.
	TTL time.Duration
	// Timeout bounds the computation. Zero selects the cache default.
	Timeout time.Duration
}

// Options configures a Cache. Zero values select defaults.
type Options struct {
	DefaultTTL     time.Duration
	DefaultTimeout time.Duration
	// Now is the clock used for TTL decisions.
	Now    func() time.Time
	Logger log.FieldLogger
	Tracer trace.Tracer
}

type entry struct {
	value      any
	tags       []string
	versions   []uint64
	epoch      uint64
	computedAt time.Time
	ttl        time.Duration
}

// Cache is a tag-invalidated, TTL-bounded, single-flight read cache.
type Cache struct {
	defaultTTL     time.Duration
	defaultTimeout time.Duration
	now            func() time.Time
	logger         log.FieldLogger
	tracer         trace.Tracer

	items   *ttlcache.Cache[string, *entry]
	flights singleflight.Group

	// mu guards versions, epoch and byTag, and orders index updates with
	// item writes so an invalidation never misses a concurrently stored entry.
	mu       sync.Mutex
	versions map[string]uint64
	byTag    map[string]map[string]struct{}
	// epoch changes on every Reset.
	epoch    uint64
	sweeping bool
}

// New returns an empty cache. Call Stop when done if Start was called.
func New(opts Options) *Cache {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = defaultTTL
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("oikion-live/cache")
	}
	c := &Cache{
		defaultTTL:     opts.DefaultTTL,
		defaultTimeout: opts.DefaultTimeout,
		now:            opts.Now,
		logger:         opts.Logger,
		tracer:         opts.Tracer,
		items: ttlcache.New[string, *entry](
			ttlcache.WithDisableTouchOnHit[string, *entry](),
		),
		versions: make(map[string]uint64),
		byTag:    make(map[string]map[string]struct{}),
	}
	c.items.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *entry]) {
		if reason == ttlcache.EvictionReasonExpired {
			c.pruneExpired(item.Key(), item.Value())
		}
	})
	return c
}

// GetOrCompute returns the live cached value for req.Key or runs compute,
// caches its result under req.Tags and returns it. Errors are never cached.
func (c *Cache) GetOrCompute(ctx context.Context, req Request, compute ComputeFunc) (any, error) {
	if req.Key == "" {
		return nil, errors.New("cache: empty key")
	}
	if compute == nil {
		return nil, errors.New("cache: nil compute")
	}
	if req.TTL <= 0 {
		req.TTL = c.defaultTTL
	}
	if req.Timeout <= 0 {
		req.Timeout = c.defaultTimeout
	}

	ctx, span := c.tracer.Start(ctx, "cache.get_or_compute", trace.WithAttributes(
		attribute.String("cache.key", req.Key),
		attribute.StringSlice("cache.tags", req.Tags),
	))
	defer span.End()

	if v, ok := c.lookup(req.Key); ok {
		hitsTotal.Inc()
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return v, nil
	}
	missesTotal.Inc()
	span.SetAttributes(attribute.Bool("cache.hit", false))

	versions, generation, epoch := c.snapshot(req.Tags)
	// Callers that arrive after an invalidation or a reset start a new
	// flight rather than joining one that may have read pre-write data.
	flightKey := req.Key + "#" + strconv.FormatUint(epoch, 10) + "." + strconv.FormatUint(generation, 10)
	ch := c.flights.DoChan(flightKey, func() (any, error) {
		// A flight that finished between our lookup and DoChan has
		// already stored the value.
		if v, ok := c.lookup(req.Key); ok {
			return v, nil
		}
		return c.run(ctx, req, versions, epoch, compute)
	})

	select {
	case res := <-ch:
		span.SetAttributes(attribute.Bool("cache.shared", res.Shared))
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
			return nil, res.Err
		}
		return res.Val, nil
	case <-ctx.Done():
		span.RecordError(ctx.Err())
		span.SetStatus(codes.Error, "caller canceled")
		return nil, ctx.Err()
	}
}

// Fetch is GetOrCompute with a typed result.
func Fetch[T any](ctx context.Context, c *Cache, req Request, compute func(context.Context) (T, error)) (T, error) {
	var zero T
	v, err := c.GetOrCompute(ctx, req, func(ctx context.Context) (any, error) {
		return compute(ctx)
	})
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache: key %q holds %T", req.Key, v)
	}
	return t, nil
}

// run executes compute for a flight. The work is detached from the
// leader's cancellation so remaining waiters still get the result.
func (c *Cache) run(parent context.Context, req Request, versions []uint64, epoch uint64, compute ComputeFunc) (any, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), req.Timeout)
	defer cancel()

	startedAt := c.now()
	type result struct {
		val any
		err error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		defer func() {
			if p := recover(); p != nil {
				r.err = fmt.Errorf("cache: compute panic: %v", p)
			}
			done <- r
		}()
		r.val, r.err = compute(ctx)
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() != nil {
				return nil, c.timedOut(req)
			}
			return nil, r.err
		}
		c.store(req, versions, epoch, startedAt, r.val)
		return r.val, nil
	case <-ctx.Done():
		// A result that arrives later is dropped with done.
		return nil, c.timedOut(req)
	}
}

func (c *Cache) timedOut(req Request) error {
	timeoutsTotal.Inc()
	c.logger.WithFields(log.Fields{
		"key":     req.Key,
		"timeout": req.Timeout,
	}).Warn("cache compute timed out")
	return fmt.Errorf("%w: key %q after %v", ErrTimeout, req.Key, req.Timeout)
}

func (c *Cache) lookup(key string) (any, bool) {
	item := c.items.Get(key)
	if item == nil {
		return nil, false
	}
	e := item.Value()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now().Sub(e.computedAt) > e.ttl || !c.currentLocked(e) {
		c.evictLocked(key, e)
		return nil, false
	}
	return e.value, true
}

func (c *Cache) snapshot(tags []string) ([]uint64, uint64, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	versions := make([]uint64, len(tags))
	var generation uint64
	for i, tag := range tags {
		versions[i] = c.versions[tag]
		generation += versions[i]
	}
	return versions, generation, c.epoch
}

func (c *Cache) currentLocked(e *entry) bool {
	if e.epoch != c.epoch {
		return false
	}
	for i, tag := range e.tags {
		if c.versions[tag] != e.versions[i] {
			return false
		}
	}
	return true
}

func (c *Cache) store(req Request, versions []uint64, epoch uint64, computedAt time.Time, val any) {
	e := &entry{
		value:      val,
		tags:       append([]string(nil), req.Tags...),
		versions:   versions,
		epoch:      epoch,
		computedAt: computedAt,
		ttl:        req.TTL,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentLocked(e) {
		// Invalidated or reset while computing; the value may predate the write.
		c.logger.WithField("key", req.Key).Debug("discarding result invalidated during compute")
		return
	}
	c.items.Set(req.Key, e, req.TTL)
	for _, tag := range e.tags {
		keys := c.byTag[tag]
		if keys == nil {
			keys = make(map[string]struct{})
			c.byTag[tag] = keys
		}
		keys[req.Key] = struct{}{}
	}
}

// evictLocked removes key if it still holds e. An item ttlcache already
// considers expired is only unindexed; the sweep drops it.
func (c *Cache) evictLocked(key string, e *entry) {
	item := c.items.Get(key)
	if item != nil {
		if item.Value() != e {
			return
		}
		c.items.Delete(key)
	}
	c.unindexLocked(key, e)
}

func (c *Cache) unindexLocked(key string, e *entry) {
	for _, tag := range e.tags {
		keys := c.byTag[tag]
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.byTag, tag)
		}
	}
}

// pruneExpired drops the tag index of an entry the sweep removed.
func (c *Cache) pruneExpired(key string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item := c.items.Get(key); item != nil && item.Value() != e {
		return
	}
	c.unindexLocked(key, e)
}

// InvalidateTag makes every entry carrying tag stale. Subsequent reads of
// those keys recompute.
func (c *Cache) InvalidateTag(tag string) {
	c.InvalidateTags(tag)
}

func (c *Cache) InvalidateTags(tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tag := range tags {
		c.versions[tag]++
		for key := range c.byTag[tag] {
			c.items.Delete(key)
		}
		delete(c.byTag, tag)
		invalidationsTotal.Inc()
	}
}

// Len reports the number of stored entries, including ones not yet lazily
// evicted.
func (c *Cache) Len() int {
	return c.items.Len()
}

// Reset drops every entry. Computations already in flight when it runs
// still answer their callers but are not stored.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.items.DeleteAll()
	c.byTag = make(map[string]map[string]struct{})
}

// Start runs a background sweep of expired entries until Stop is called.
func (c *Cache) Start() {
	c.mu.Lock()
	if c.sweeping {
		c.mu.Unlock()
		return
	}
	c.sweeping = true
	c.mu.Unlock()
	go c.items.Start()
}

func (c *Cache) Stop() {
	c.mu.Lock()
	sweeping := c.sweeping
	c.sweeping = false
	c.mu.Unlock()
	if sweeping {
		c.items.Stop()
	}
}
