package domain

import "time"

// Record is a persisted property, client or activity. Fields carries the
// entity payload; the live update core only relies on the identity columns.
type Record struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organizationId"`
	EntityType     EntityType     `json:"entityType"`
	Status         string         `json:"status,omitempty"`
	Title          string         `json:"title,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}
