package domain

import "time"

// PropertyStats summarizes an organization's listings.
type PropertyStats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"byStatus"`
}

type ClientStats struct {
	Total int `json:"total"`
}

// DashboardSummary is the aggregate rendered on an organization's dashboard.
type DashboardSummary struct {
	OrganizationID   string        `json:"organizationId"`
	Properties       PropertyStats `json:"properties"`
	Clients          ClientStats   `json:"clients"`
	RecentActivities []Record      `json:"recentActivities"`
	Page             int           `json:"page"`
	PageSize         int           `json:"pageSize"`
	Partial          bool          `json:"partial,omitempty"`
	ComputedAt       time.Time     `json:"computedAt"`
}
