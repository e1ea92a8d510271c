package storage

import (
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"oikion-live/domain"
)

const edmDateTime = "Edm.DateTime"

// recordEntity is the table row of a Record. Fields is kept as a JSON
// string column because tables only hold scalar properties.
type recordEntity struct {
	aztables.Entity
	Status        string    `json:"Status,omitempty"`
	Title         string    `json:"Title,omitempty"`
	Fields        string    `json:"Fields,omitempty"`
	UpdatedAt     time.Time `json:"UpdatedAt"`
	UpdatedAtType string    `json:"UpdatedAt@odata.type"`
}

type organizationEntity struct {
	aztables.Entity
	Name string `json:"Name,omitempty"`
}

func encodeRecord(rec domain.Record) ([]byte, error) {
	ent := recordEntity{
		Entity:        aztables.Entity{PartitionKey: rec.OrganizationID, RowKey: rec.ID},
		Status:        rec.Status,
		Title:         rec.Title,
		UpdatedAt:     rec.UpdatedAt.UTC(),
		UpdatedAtType: edmDateTime,
	}
	if len(rec.Fields) > 0 {
		raw, err := sonic.MarshalString(rec.Fields)
		if err != nil {
			return nil, err
		}
		ent.Fields = raw
	}
	return sonic.Marshal(ent)
}

func decodeRecord(t domain.EntityType, data []byte) (domain.Record, error) {
	var ent recordEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Record{}, err
	}
	rec := domain.Record{
		ID:             ent.RowKey,
		OrganizationID: ent.PartitionKey,
		EntityType:     t,
		Status:         ent.Status,
		Title:          ent.Title,
		UpdatedAt:      ent.UpdatedAt,
	}
	if ent.Fields != "" {
		if err := sonic.UnmarshalString(ent.Fields, &rec.Fields); err != nil {
			return domain.Record{}, err
		}
	}
	return rec, nil
}

// partitionFilter builds an OData filter for one organization.
func partitionFilter(organizationID string) string {
	return "PartitionKey eq '" + strings.ReplaceAll(organizationID, "'", "''") + "'"
}
