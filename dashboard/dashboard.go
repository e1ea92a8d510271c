// Package dashboard computes the organization dashboard through the cache.
package dashboard

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"oikion-live/cache"
	"oikion-live/domain"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Reader is the storage the aggregate is computed from.
type Reader interface {
	PropertyStats(ctx context.Context, organizationID string) (domain.PropertyStats, error)
	ClientStats(ctx context.Context, organizationID string) (domain.ClientStats, error)
	RecentActivities(ctx context.Context, organizationID string, page, size int) ([]domain.Record, error)
}

// Page selects a zero based page of recent activities.
type Page struct {
	Number int
	Size   int
}

func (p Page) normalize() Page {
	if p.Number < 0 {
		p.Number = 0
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Key is the cache key of one dashboard page.
func Key(organizationID string, p Page) string {
	p = p.normalize()
	return fmt.Sprintf("dashboard:%s:p%d:s%d", organizationID, p.Number, p.Size)
}

// Tags lists the invalidation tags a dashboard depends on.
func Tags(organizationID string) []string {
	tags := make([]string, len(domain.EntityTypes))
	for i, t := range domain.EntityTypes {
		tags[i] = domain.Tag(t, organizationID)
	}
	return tags
}

type Options struct {
	// TTL bounds how stale a served dashboard may be.
	TTL     time.Duration
	Timeout time.Duration
	Now     func() time.Time
	Logger  log.FieldLogger
}

type Aggregator struct {
	cache   *cache.Cache
	reader  Reader
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
	logger  log.FieldLogger
}

func NewAggregator(c *cache.Cache, reader Reader, opts Options) *Aggregator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Aggregator{
		cache:   c,
		reader:  reader,
		ttl:     opts.TTL,
		timeout: opts.Timeout,
		now:     opts.Now,
		logger:  opts.Logger,
	}
}

// Summary returns the dashboard of organizationID, recomputing it only when
// the cached copy expired or one of its entity types changed.
func (a *Aggregator) Summary(ctx context.Context, organizationID string, page Page) (domain.DashboardSummary, error) {
	if organizationID == "" {
		return domain.DashboardSummary{}, domain.ErrNotFoundOrganization
	}
	page = page.normalize()
	req := cache.Request{
		Key:     Key(organizationID, page),
		Tags:    Tags(organizationID),
		TTL:     a.ttl,
		Timeout: a.timeout,
	}
	return cache.Fetch(ctx, a.cache, req, func(ctx context.Context) (domain.DashboardSummary, error) {
		return a.compute(ctx, organizationID, page)
	})
}

func (a *Aggregator) compute(ctx context.Context, organizationID string, page Page) (domain.DashboardSummary, error) {
	summary := domain.DashboardSummary{
		OrganizationID: organizationID,
		Page:           page.Number,
		PageSize:       page.Size,
	}
	logger := a.logger.WithField("org", organizationID)
	failures, err := cache.Gather(ctx, logger,
		cache.Source("property_stats", &summary.Properties, domain.PropertyStats{ByStatus: map[string]int{}},
			func(ctx context.Context) (domain.PropertyStats, error) {
				return a.reader.PropertyStats(ctx, organizationID)
			}),
		cache.Source("client_stats", &summary.Clients, domain.ClientStats{},
			func(ctx context.Context) (domain.ClientStats, error) {
				return a.reader.ClientStats(ctx, organizationID)
			}),
		cache.Source("recent_activities", &summary.RecentActivities, []domain.Record{},
			func(ctx context.Context) ([]domain.Record, error) {
				return a.reader.RecentActivities(ctx, organizationID, page.Number, page.Size)
			}),
	)
	if err != nil {
		return domain.DashboardSummary{}, err
	}
	summary.Partial = len(failures) > 0
	summary.ComputedAt = a.now().UTC()
	logger.WithFields(log.Fields{
		"partial":  summary.Partial,
		"page":     page.Number,
		"pageSize": page.Size,
	}).Debug("dashboard computed")
	return summary, nil
}
