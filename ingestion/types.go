package ingestion

import (
	"time"

	"github.com/mmdatafocus/datapipe_backend/models"
)

const (
	ProgressStateQueued    = models.BatchStatusQueued
	ProgressStateRunning   = models.BatchStatusRunning
	ProgressStateCompleted = models.BatchStatusCompleted
	ProgressStateFailed    = models.BatchStatusFailed
)

// Progress is the externally visible state of one ingestion run.
// Total is the upstream-reported size when known, otherwise the running count.
type Progress struct {
	BatchId   string    `json:"batchId"`
	State     string    `json:"state"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type StartIngestionRequest struct {
	Mode string `json:"mode" validate:"omitempty,oneof=full delta"`
}

type StartIngestionResponse struct {
	BatchId string `json:"batchId"`
}

type BatchListResponse struct {
	Items  []models.IngestionBatch `json:"items"`
	Total  int64                   `json:"total"`
	Limit  int                     `json:"limit"`
	Offset int                     `json:"offset"`
}

type RawRecordListResponse struct {
	Items  []models.RawRecord `json:"items"`
	Total  int64              `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// RunPayload asks a worker to execute a queued batch.
type RunPayload struct {
	BatchId  string `json:"batch_id"`
	TenantId string `json:"tenant_id"`
	SourceId uint   `json:"source_id"`
}

// BatchCompletedEvent announces a finalized batch to downstream consumers.
type BatchCompletedEvent struct {
	BatchId     string    `json:"batch_id"`
	TenantId    string    `json:"tenant_id"`
	SourceId    uint      `json:"source_id"`
	EntityType  string    `json:"entity_type"`
	SyncMode    string    `json:"sync_mode"`
	TotalCount  int       `json:"total_count"`
	CompletedAt time.Time `json:"completed_at"`
}
