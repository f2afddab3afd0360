package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/mmdatafocus/datapipe_backend/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CanonicalRecord is the application-facing entity. Identity is
// (tenant, entity type, natural id), never the raw record id.
type CanonicalRecord struct {
	ID                uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantId          string         `gorm:"size:64;not null;uniqueIndex:uniq_canonical_identity,priority:1" json:"tenant_id"`
	EntityType        string         `gorm:"size:50;not null;uniqueIndex:uniq_canonical_identity,priority:2" json:"entity_type"`
	NaturalId         string         `gorm:"size:191;not null;uniqueIndex:uniq_canonical_identity,priority:3" json:"natural_id"`
	Fields            datatypes.JSON `gorm:"type:json;not null" json:"fields"`
	LastSeenAt        time.Time      `gorm:"not null;index" json:"last_seen_at"`
	IsDiscontinued    *bool          `gorm:"not null;default:false" json:"is_discontinued"`
	DiscontinuedAt    *time.Time     `json:"discontinued_at"`
	SourceRawRecordId uint64         `gorm:"not null" json:"source_raw_record_id"`
	SourceBatchId     string         `gorm:"size:36;not null" json:"source_batch_id"`
	CreatedAt         time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (c *CanonicalRecord) BeforeSave(tx *gorm.DB) error {
	return c.validateIdentity()
}

func (c *CanonicalRecord) validateIdentity() error {
	if strings.TrimSpace(c.TenantId) == "" {
		return utils.InvariantViolation("canonical record without tenant")
	}
	if strings.TrimSpace(c.EntityType) == "" {
		return utils.InvariantViolation("canonical record without entity type")
	}
	if strings.TrimSpace(c.NaturalId) == "" {
		return utils.InvariantViolation("canonical record without natural id")
	}
	return nil
}

func (c *CanonicalRecord) Discontinued() bool {
	return c != nil && c.IsDiscontinued != nil && *c.IsDiscontinued
}

// FieldMap decodes the business fields, keeping numbers as json.Number.
func (c *CanonicalRecord) FieldMap() (map[string]any, error) {
	out := map[string]any{}
	if len(c.Fields) == 0 || string(c.Fields) == "null" {
		return out, nil
	}
	doc, err := utils.DecodeDocument(c.Fields)
	if err != nil {
		return nil, err
	}
	if m, ok := doc.(map[string]any); ok {
		return m, nil
	}
	return out, nil
}

func (c *CanonicalRecord) SetFields(fields map[string]any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	c.Fields = datatypes.JSON(data)
	return nil
}

// CanonicalLineage holds the latest transformation of a canonical record.
// It is overwritten on every re-transformation. EffectiveAt is the instant the
// mapping set was resolved for, so replays of the same batch write identical rows.
type CanonicalLineage struct {
	CanonicalRecordId uint64         `gorm:"primaryKey;autoIncrement:false" json:"canonical_record_id"`
	RawRecordId       uint64         `gorm:"not null;index" json:"raw_record_id"`
	BatchId           string         `gorm:"size:36;not null" json:"batch_id"`
	MappingSnapshot   datatypes.JSON `gorm:"type:json;not null" json:"mapping_snapshot"`
	EffectiveAt       time.Time      `gorm:"not null" json:"effective_at"`
}

func (l *CanonicalLineage) Snapshots() ([]MappingSnapshot, error) {
	var out []MappingSnapshot
	if len(l.MappingSnapshot) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(l.MappingSnapshot, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func NewLineage(canonicalId uint64, raw *RawRecord, snapshot []MappingSnapshot, effectiveAt time.Time) (*CanonicalLineage, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	return &CanonicalLineage{
		CanonicalRecordId: canonicalId,
		RawRecordId:       raw.ID,
		BatchId:           raw.BatchId,
		MappingSnapshot:   datatypes.JSON(data),
		EffectiveAt:       effectiveAt,
	}, nil
}
