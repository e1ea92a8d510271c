package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"oikion-live/domain"
)

// tableClient is the subset of *aztables.Client the store uses.
type tableClient interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, options *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
	NewListEntitiesPager(options *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

// TableNames maps each table to its configured name.
type TableNames struct {
	Organizations string
	Properties    string
	Clients       string
	Activities    string
}

// TableStore persists records in Azure Tables, one table per entity type,
// partitioned by organization.
type TableStore struct {
	organizations tableClient
	records       map[domain.EntityType]tableClient
	now           func() time.Time
}

// NewTableStore connects to the tables named in names.
func NewTableStore(connStr string, names TableNames) (*TableStore, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return newTableStore(svc.NewClient(names.Organizations), map[domain.EntityType]tableClient{
		domain.EntityProperty: svc.NewClient(names.Properties),
		domain.EntityClient:   svc.NewClient(names.Clients),
		domain.EntityActivity: svc.NewClient(names.Activities),
	}), nil
}

func newTableStore(orgs tableClient, records map[domain.EntityType]tableClient) *TableStore {
	return &TableStore{organizations: orgs, records: records, now: time.Now}
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func (s *TableStore) table(t domain.EntityType) (tableClient, error) {
	c, ok := s.records[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEntityType, t)
	}
	return c, nil
}

// ResolveOrganization returns domain.ErrNotFoundOrganization unless the
// organization has a row in the organizations table.
func (s *TableStore) ResolveOrganization(ctx context.Context, organizationID string) error {
	if organizationID == "" {
		return domain.ErrNotFoundOrganization
	}
	if _, err := s.organizations.GetEntity(ctx, organizationID, organizationID, nil); err != nil {
		if isNotFound(err) {
			return domain.ErrNotFoundOrganization
		}
		return fmt.Errorf("resolve organization %s: %w", organizationID, err)
	}
	return nil
}

// AddOrganization registers an organization.
func (s *TableStore) AddOrganization(ctx context.Context, organizationID, name string) error {
	payload, err := sonic.Marshal(organizationEntity{
		Entity: aztables.Entity{PartitionKey: organizationID, RowKey: organizationID},
		Name:   name,
	})
	if err == nil {
		_, err = s.organizations.UpsertEntity(ctx, payload, nil)
	}
	return err
}

// GetRecord returns nil when the record does not exist.
func (s *TableStore) GetRecord(ctx context.Context, t domain.EntityType, organizationID, id string) (*domain.Record, error) {
	c, err := s.table(t)
	if err != nil {
		return nil, err
	}
	ent, err := c.GetEntity(ctx, organizationID, id, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	rec, err := decodeRecord(t, ent.Value)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpsertRecord creates or replaces rec and reports whether it was created.
func (s *TableStore) UpsertRecord(ctx context.Context, rec domain.Record) (bool, error) {
	c, err := s.table(rec.EntityType)
	if err != nil {
		return false, err
	}
	existing, err := s.GetRecord(ctx, rec.EntityType, rec.OrganizationID, rec.ID)
	if err != nil {
		return false, err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now().UTC()
	}
	payload, err := encodeRecord(rec)
	if err != nil {
		return false, err
	}
	if _, err := c.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace}); err != nil {
		return false, err
	}
	return existing == nil, nil
}

// DeleteRecord returns domain.ErrNotFoundRecord when nothing was deleted.
func (s *TableStore) DeleteRecord(ctx context.Context, t domain.EntityType, organizationID, id string) error {
	c, err := s.table(t)
	if err != nil {
		return err
	}
	if _, err := c.DeleteEntity(ctx, organizationID, id, nil); err != nil {
		if isNotFound(err) {
			return domain.ErrNotFoundRecord
		}
		return err
	}
	return nil
}

func (s *TableStore) list(ctx context.Context, t domain.EntityType, organizationID string, fn func(domain.Record)) error {
	c, err := s.table(t)
	if err != nil {
		return err
	}
	filter := partitionFilter(organizationID)
	pager := c.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, e := range resp.Entities {
			rec, err := decodeRecord(t, e)
			if err != nil {
				return err
			}
			fn(rec)
		}
	}
	return nil
}

func (s *TableStore) PropertyStats(ctx context.Context, organizationID string) (domain.PropertyStats, error) {
	stats := domain.PropertyStats{ByStatus: map[string]int{}}
	err := s.list(ctx, domain.EntityProperty, organizationID, func(rec domain.Record) {
		stats.Total++
		stats.ByStatus[statusOrDefault(rec.Status)]++
	})
	return stats, err
}

func (s *TableStore) ClientStats(ctx context.Context, organizationID string) (domain.ClientStats, error) {
	var stats domain.ClientStats
	err := s.list(ctx, domain.EntityClient, organizationID, func(domain.Record) { stats.Total++ })
	return stats, err
}

// RecentActivities returns one page of the organization's activities, most
// recently updated first. page is zero based.
func (s *TableStore) RecentActivities(ctx context.Context, organizationID string, page, size int) ([]domain.Record, error) {
	var all []domain.Record
	if err := s.list(ctx, domain.EntityActivity, organizationID, func(rec domain.Record) { all = append(all, rec) }); err != nil {
		return nil, err
	}
	return pageOf(all, page, size), nil
}
