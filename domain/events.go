package domain

import (
	"fmt"
	"strings"
	"time"
)

// EntityType names a kind of domain entity whose changes are propagated.
type EntityType string

const (
	EntityProperty EntityType = "property"
	EntityClient   EntityType = "client"
	EntityActivity EntityType = "activity"
)

// EntityTypes lists every entity type known to the platform.
var EntityTypes = []EntityType{EntityProperty, EntityClient, EntityActivity}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityProperty, EntityClient, EntityActivity:
		return true
	}
	return false
}

// ParseEntityType accepts singular or plural, case-insensitive names.
func ParseEntityType(s string) (EntityType, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimSuffix(v, "s")
	if v == "activitie" {
		v = "activity"
	}
	t := EntityType(v)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, s)
	}
	return t, nil
}

// ParseEntityTypes parses a comma separated list. An empty list selects all types.
func ParseEntityTypes(raw string) ([]EntityType, error) {
	if strings.TrimSpace(raw) == "" {
		return append([]EntityType(nil), EntityTypes...), nil
	}
	seen := make(map[EntityType]struct{})
	var out []EntityType
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		t, err := ParseEntityType(part)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}

// Operation is the kind of mutation a ChangeEvent describes.
type Operation string

const (
	OperationCreated Operation = "created"
	OperationUpdated Operation = "updated"
	OperationDeleted Operation = "deleted"
)

func (o Operation) Valid() bool {
	switch o {
	case OperationCreated, OperationUpdated, OperationDeleted:
		return true
	}
	return false
}

// ChangeEvent describes one committed mutation of one entity. Events are
// values and must not be modified after publishing.
type ChangeEvent struct {
	ID             string     `json:"id"`
	EntityType     EntityType `json:"entityType"`
	EntityID       string     `json:"entityId"`
	OrganizationID string     `json:"organizationId"`
	Operation      Operation  `json:"operation"`
	OccurredAt     time.Time  `json:"occurredAt"`
	Sequence       uint64     `json:"sequence"`
}

// Tag returns the cache tag invalidated by this event.
func (e ChangeEvent) Tag() string {
	return Tag(e.EntityType, e.OrganizationID)
}

// Tag builds the cache invalidation tag for an entity type within an organization.
func Tag(t EntityType, organizationID string) string {
	return string(t) + ":" + organizationID
}
