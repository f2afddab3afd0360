package models

import (
	"encoding/json"
	"time"

	"github.com/mmdatafocus/datapipe_backend/utils"
	"gorm.io/datatypes"
)

const (
	DataTypeString   = "string"
	DataTypeInteger  = "integer"
	DataTypeNumber   = "number"
	DataTypeDecimal  = "decimal"
	DataTypeBoolean  = "boolean"
	DataTypeDate     = "date"
	DataTypeDatetime = "datetime"
	DataTypeJSON     = "json"
)

// FieldMapping maps one raw field onto one canonical field for a validity window.
// Windows for the same (source, destination) must not overlap; the admin surface enforces it.
type FieldMapping struct {
	ID               uint              `gorm:"primary_key" json:"id"`
	TenantId         string            `gorm:"size:64;not null;index" json:"tenant_id"`
	SourceId         uint              `gorm:"not null;index:idx_mapping_window,priority:1" json:"source_id"`
	SourceField      string            `gorm:"size:255;not null" json:"source_field"`
	DestinationField string            `gorm:"size:255;not null" json:"destination_field"`
	DataType         string            `gorm:"size:20;not null" json:"data_type"`
	TransformKind    string            `gorm:"size:30;not null;default:direct" json:"transform_kind"`
	TransformParams  datatypes.JSONMap `gorm:"type:json" json:"transform_params"`
	DefaultValue     datatypes.JSON    `gorm:"type:json" json:"default_value"`
	IsActive         bool              `gorm:"not null;default:true;index:idx_mapping_window,priority:2" json:"is_active"`
	ValidFrom        time.Time         `gorm:"not null;index:idx_mapping_window,priority:3" json:"valid_from"`
	ValidUntil       *time.Time        `gorm:"index:idx_mapping_window,priority:4" json:"valid_until"`
	CreatedAt        time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// ActiveAt reports whether the mapping applies at t: ValidFrom <= t < ValidUntil.
func (m *FieldMapping) ActiveAt(t time.Time) bool {
	if m == nil || !m.IsActive {
		return false
	}
	if t.Before(m.ValidFrom) {
		return false
	}
	return m.ValidUntil == nil || t.Before(*m.ValidUntil)
}

// Default decodes the default value; ok is false when none is configured.
func (m *FieldMapping) Default() (value any, ok bool, err error) {
	if len(m.DefaultValue) == 0 || string(m.DefaultValue) == "null" {
		return nil, false, nil
	}
	doc, err := utils.DecodeDocument(m.DefaultValue)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// MappingSnapshot is the frozen form of a FieldMapping stored in lineage.
type MappingSnapshot struct {
	MappingId        uint            `json:"mapping_id"`
	SourceField      string          `json:"source_field"`
	DestinationField string          `json:"destination_field"`
	DataType         string          `json:"data_type"`
	TransformKind    string          `json:"transform_kind"`
	TransformParams  map[string]any  `json:"transform_params,omitempty"`
	DefaultValue     json.RawMessage `json:"default_value,omitempty"`
	ValidFrom        time.Time       `json:"valid_from"`
	ValidUntil       *time.Time      `json:"valid_until,omitempty"`
}

func (m *FieldMapping) Snapshot() MappingSnapshot {
	s := MappingSnapshot{
		MappingId:        m.ID,
		SourceField:      m.SourceField,
		DestinationField: m.DestinationField,
		DataType:         m.DataType,
		TransformKind:    m.TransformKind,
		ValidFrom:        m.ValidFrom,
		ValidUntil:       m.ValidUntil,
	}
	if len(m.TransformParams) > 0 {
		s.TransformParams = map[string]any(m.TransformParams)
	}
	if len(m.DefaultValue) > 0 && string(m.DefaultValue) != "null" {
		s.DefaultValue = json.RawMessage(m.DefaultValue)
	}
	return s
}
