package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

const (
	BatchStatusQueued    = "queued"
	BatchStatusRunning   = "running"
	BatchStatusCompleted = "completed"
	BatchStatusFailed    = "failed"
)

const (
	SyncModeFull  = "full"
	SyncModeDelta = "delta"
)

const (
	TriggeredManual = "manual"
	TriggeredRetry  = "retry"
	TriggeredSystem = "system"
)

const (
	WarningKindSchemaDrift       = "schema_drift"
	WarningKindDriftAcknowledged = "drift_acknowledged"
	WarningKindUpstream          = "upstream"
	WarningKindSyncModeFallback  = "sync_mode_fallback"
)

type FieldFingerprint struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// SchemaFingerprint lists observed top-level field names in sorted order with the
// type of each field's first non-null value.
type SchemaFingerprint struct {
	Fields     []FieldFingerprint `json:"fields"`
	SampleSize int                `json:"sample_size"`
}

func (f *SchemaFingerprint) Types() map[string]string {
	out := make(map[string]string)
	if f == nil {
		return out
	}
	for _, fld := range f.Fields {
		out[fld.Name] = fld.Type
	}
	return out
}

func (f *SchemaFingerprint) Names() []string {
	if f == nil {
		return nil
	}
	names := make([]string, 0, len(f.Fields))
	for _, fld := range f.Fields {
		names = append(names, fld.Name)
	}
	return names
}

// BatchWarning is one entry of a batch's append-only warning list.
type BatchWarning struct {
	Kind            string    `json:"kind"`
	Severity        string    `json:"severity,omitempty"`
	Message         string    `json:"message"`
	MissingFields   []string  `json:"missing_fields,omitempty"`
	AddedFields     []string  `json:"added_fields,omitempty"`
	TypeChanges     []string  `json:"type_changes,omitempty"`
	BaselineBatchId string    `json:"baseline_batch_id,omitempty"`
	AcknowledgedBy  string    `json:"acknowledged_by,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type IngestionBatch struct {
	ID            string         `gorm:"primaryKey;size:36" json:"id"`
	TenantId      string         `gorm:"index;size:64;not null" json:"tenant_id"`
	SourceId      uint           `gorm:"index:idx_batch_source_started,priority:1;not null" json:"source_id"`
	EntityType    string         `gorm:"size:50;not null" json:"entity_type"`
	RequestedMode string         `gorm:"size:10;not null" json:"requested_mode"`
	EffectiveMode string         `gorm:"size:10" json:"effective_mode"`
	Status        string         `gorm:"size:20;not null;index" json:"status"`
	TotalCount    int            `json:"total_count"`
	ValidCount    int            `json:"valid_count"`
	InvalidCount  int            `json:"invalid_count"`
	Fingerprint   datatypes.JSON `gorm:"type:json" json:"fingerprint"`
	Warnings      datatypes.JSON `gorm:"type:json" json:"warnings"`
	ErrorMessage  *string        `gorm:"type:text" json:"error_message"`
	DeltaSince    *time.Time     `json:"delta_since"`
	ParentBatchId *string        `gorm:"size:36;index" json:"parent_batch_id"`
	TriggeredBy   string         `gorm:"size:20" json:"triggered_by"`
	StartedAt     time.Time      `gorm:"index:idx_batch_source_started,priority:2;not null" json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (b *IngestionBatch) IsCompleted() bool {
	return b != nil && b.Status == BatchStatusCompleted && b.CompletedAt != nil
}

// FingerprintValue decodes the stored fingerprint. A batch without one returns nil.
func (b *IngestionBatch) FingerprintValue() (*SchemaFingerprint, error) {
	if b == nil || len(b.Fingerprint) == 0 || string(b.Fingerprint) == "null" {
		return nil, nil
	}
	var fp SchemaFingerprint
	if err := json.Unmarshal(b.Fingerprint, &fp); err != nil {
		return nil, err
	}
	return &fp, nil
}

func (b *IngestionBatch) SetFingerprint(fp *SchemaFingerprint) error {
	data, err := json.Marshal(fp)
	if err != nil {
		return err
	}
	b.Fingerprint = datatypes.JSON(data)
	return nil
}

func (b *IngestionBatch) WarningList() ([]BatchWarning, error) {
	if b == nil || len(b.Warnings) == 0 || string(b.Warnings) == "null" {
		return []BatchWarning{}, nil
	}
	var out []BatchWarning
	if err := json.Unmarshal(b.Warnings, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AppendWarning adds w to the end of the warning list. Existing entries are never rewritten.
func (b *IngestionBatch) AppendWarning(w BatchWarning) error {
	list, err := b.WarningList()
	if err != nil {
		return err
	}
	list = append(list, w)
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	b.Warnings = datatypes.JSON(data)
	return nil
}
