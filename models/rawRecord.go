package models

import (
	"time"

	"github.com/mmdatafocus/datapipe_backend/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RawRecord is one payload exactly as the upstream returned it.
// Rows are append-only; the auto-increment id is the ingestion order.
type RawRecord struct {
	ID            uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	BatchId       string         `gorm:"size:36;not null;index" json:"batch_id"`
	TenantId      string         `gorm:"size:64;not null;index" json:"tenant_id"`
	SourceId      uint           `gorm:"not null;index:idx_raw_source_captured,priority:1" json:"source_id"`
	EntityType    string         `gorm:"size:50;not null" json:"entity_type"`
	CapturedAt    time.Time      `gorm:"not null;index:idx_raw_source_captured,priority:2" json:"captured_at"`
	Payload       datatypes.JSON `gorm:"type:json;not null" json:"payload"`
	SchemaVersion string         `gorm:"size:16" json:"schema_version"`
}

// Document decodes the payload with numbers kept as json.Number.
func (r *RawRecord) Document() (any, error) {
	return utils.DecodeDocument(r.Payload)
}

func (r *RawRecord) BeforeUpdate(tx *gorm.DB) error {
	return utils.InvariantViolation("raw_records cannot be updated")
}

func (r *RawRecord) BeforeDelete(tx *gorm.DB) error {
	return utils.InvariantViolation("raw_records cannot be deleted")
}
