package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"oikion-live/domain"
)

const unknownStatus = "unknown"

func statusOrDefault(s string) string {
	if s == "" {
		return unknownStatus
	}
	return s
}

// pageOf sorts records newest first and returns page (zero based) of size.
func pageOf(recs []domain.Record, page, size int) []domain.Record {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].UpdatedAt.Equal(recs[j].UpdatedAt) {
			return recs[i].UpdatedAt.After(recs[j].UpdatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
	if page < 0 || size <= 0 {
		return []domain.Record{}
	}
	start := page * size
	if start >= len(recs) {
		return []domain.Record{}
	}
	end := start + size
	if end > len(recs) {
		end = len(recs)
	}
	return append([]domain.Record(nil), recs[start:end]...)
}

// MemoryStore keeps records in process memory. It backs local runs and
// tests.
type MemoryStore struct {
	mu            sync.RWMutex
	organizations map[string]string
	records       map[domain.EntityType]map[string]map[string]domain.Record
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		organizations: make(map[string]string),
		records:       make(map[domain.EntityType]map[string]map[string]domain.Record),
		now:           time.Now,
	}
	for _, t := range domain.EntityTypes {
		s.records[t] = make(map[string]map[string]domain.Record)
	}
	return s
}

func (s *MemoryStore) AddOrganization(_ context.Context, organizationID, name string) error {
	if organizationID == "" {
		return domain.ErrNotFoundOrganization
	}
	s.mu.Lock()
	s.organizations[organizationID] = name
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ResolveOrganization(_ context.Context, organizationID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.organizations[organizationID]; !ok || organizationID == "" {
		return domain.ErrNotFoundOrganization
	}
	return nil
}

func (s *MemoryStore) partition(t domain.EntityType, organizationID string) (map[string]domain.Record, error) {
	byOrg, ok := s.records[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEntityType, t)
	}
	return byOrg[organizationID], nil
}

// clone deep-copies Fields so callers cannot mutate stored state.
func clone(rec domain.Record) domain.Record {
	if rec.Fields != nil {
		raw, err := sonic.Marshal(rec.Fields)
		if err == nil {
			var fields map[string]any
			if sonic.Unmarshal(raw, &fields) == nil {
				rec.Fields = fields
			}
		}
	}
	return rec
}

func (s *MemoryStore) GetRecord(_ context.Context, t domain.EntityType, organizationID, id string) (*domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	part, err := s.partition(t, organizationID)
	if err != nil {
		return nil, err
	}
	rec, ok := part[id]
	if !ok {
		return nil, nil
	}
	rec = clone(rec)
	return &rec, nil
}

func (s *MemoryStore) UpsertRecord(_ context.Context, rec domain.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.partition(rec.EntityType, rec.OrganizationID); err != nil {
		return false, err
	}
	byOrg := s.records[rec.EntityType]
	part := byOrg[rec.OrganizationID]
	if part == nil {
		part = make(map[string]domain.Record)
		byOrg[rec.OrganizationID] = part
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now().UTC()
	}
	_, existed := part[rec.ID]
	part[rec.ID] = clone(rec)
	return !existed, nil
}

func (s *MemoryStore) DeleteRecord(_ context.Context, t domain.EntityType, organizationID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	part, err := s.partition(t, organizationID)
	if err != nil {
		return err
	}
	if _, ok := part[id]; !ok {
		return domain.ErrNotFoundRecord
	}
	delete(part, id)
	return nil
}

func (s *MemoryStore) PropertyStats(_ context.Context, organizationID string) (domain.PropertyStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := domain.PropertyStats{ByStatus: map[string]int{}}
	for _, rec := range s.records[domain.EntityProperty][organizationID] {
		stats.Total++
		stats.ByStatus[statusOrDefault(rec.Status)]++
	}
	return stats, nil
}

func (s *MemoryStore) ClientStats(_ context.Context, organizationID string) (domain.ClientStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.ClientStats{Total: len(s.records[domain.EntityClient][organizationID])}, nil
}

func (s *MemoryStore) RecentActivities(_ context.Context, organizationID string, page, size int) ([]domain.Record, error) {
	s.mu.RLock()
	all := make([]domain.Record, 0, len(s.records[domain.EntityActivity][organizationID]))
	for _, rec := range s.records[domain.EntityActivity][organizationID] {
		all = append(all, clone(rec))
	}
	s.mu.RUnlock()
	return pageOf(all, page, size), nil
}
