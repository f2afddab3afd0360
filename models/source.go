package models

import (
	"strings"
	"time"
)

const (
	SourceStatusActive = "active"
	SourceStatusPaused = "paused"
)

const DefaultNaturalKeyField = "id"

// IngestionSource describes one upstream endpoint. Rows are owned by the admin surface
// and are read-only to the pipeline.
type IngestionSource struct {
	ID              uint      `gorm:"primary_key" json:"id"`
	TenantId        string    `gorm:"index;size:64;not null" json:"tenant_id"`
	Name            string    `gorm:"size:255;not null" json:"name"`
	EntityType      string    `gorm:"size:50;not null" json:"entity_type"`
	BaseURL         string    `gorm:"size:512;not null" json:"base_url"`
	EndpointPath    string    `gorm:"size:255" json:"endpoint_path"`
	DataPath        string    `gorm:"size:100" json:"data_path"`
	AuthHeader      string    `gorm:"size:100" json:"auth_header"`
	AuthSecretRef   string    `gorm:"type:text" json:"-"`
	SupportsDelta   bool      `gorm:"default:false" json:"supports_delta"`
	PageSize        int       `gorm:"default:0" json:"page_size"`
	NaturalKeyField string    `gorm:"size:100" json:"natural_key_field"`
	Status          string    `gorm:"size:20;not null;default:active" json:"status"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// NaturalKey is the destination field that identifies a canonical record.
func (s *IngestionSource) NaturalKey() string {
	if s == nil || strings.TrimSpace(s.NaturalKeyField) == "" {
		return DefaultNaturalKeyField
	}
	return strings.TrimSpace(s.NaturalKeyField)
}

func (s *IngestionSource) IsActive() bool {
	return s != nil && (s.Status == "" || s.Status == SourceStatusActive)
}
