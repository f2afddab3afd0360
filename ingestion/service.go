package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/datapipe_backend/config"
	"github.com/mmdatafocus/datapipe_backend/models"
	"github.com/mmdatafocus/datapipe_backend/utils"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidSyncMode   = errors.New("sync mode must be full or delta")
	ErrBatchNotRetryable = errors.New("only failed batches can be retried")
	ErrSourceInactive    = errors.New("ingestion source is not active")
)

// Dispatcher hands a queued batch to whatever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload RunPayload) error
}

// Service is the ingestion surface used by handlers and other stages.
type Service struct {
	store      Store
	engine     *Engine
	progress   ProgressStore
	dispatcher Dispatcher
	logger     *logrus.Logger
	now        func() time.Time
}

func NewService(store Store, engine *Engine, progress ProgressStore, dispatcher Dispatcher) *Service {
	return &Service{
		store:      store,
		engine:     engine,
		progress:   progress,
		dispatcher: dispatcher,
		logger:     config.GetLogger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Engine() *Engine { return s.engine }

func normalizeMode(mode string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", models.SyncModeFull:
		return models.SyncModeFull, nil
	case models.SyncModeDelta:
		return models.SyncModeDelta, nil
	default:
		return "", ErrInvalidSyncMode
	}
}

// StartIngestion queues a batch and returns its id immediately; the run happens out-of-band.
func (s *Service) StartIngestion(ctx context.Context, sourceId uint, mode string, triggeredBy string) (string, error) {
	mode, err := normalizeMode(mode)
	if err != nil {
		return "", err
	}
	src, err := s.store.GetSource(ctx, sourceId)
	if err != nil {
		return "", err
	}
	if !src.IsActive() {
		return "", fmt.Errorf("source %d: %w", sourceId, ErrSourceInactive)
	}
	batch := s.newBatch(src.TenantId, src.ID, src.EntityType, mode, triggeredBy, nil)
	return s.enqueue(ctx, batch)
}

// RetryBatch queues a fresh batch for the same source. The failed batch is left as is.
func (s *Service) RetryBatch(ctx context.Context, batchId string, triggeredBy string) (string, error) {
	prev, err := s.store.GetBatch(ctx, batchId)
	if err != nil {
		return "", err
	}
	if prev.Status != models.BatchStatusFailed {
		return "", fmt.Errorf("batch %s is %s: %w", batchId, prev.Status, ErrBatchNotRetryable)
	}
	if _, err := s.store.GetSource(ctx, prev.SourceId); err != nil {
		return "", err
	}
	parent := prev.ID
	if triggeredBy == "" {
		triggeredBy = models.TriggeredRetry
	}
	batch := s.newBatch(prev.TenantId, prev.SourceId, prev.EntityType, prev.RequestedMode, triggeredBy, &parent)
	return s.enqueue(ctx, batch)
}

func (s *Service) newBatch(tenantId string, sourceId uint, entityType, mode, triggeredBy string, parent *string) *models.IngestionBatch {
	if triggeredBy == "" {
		triggeredBy = models.TriggeredManual
	}
	return &models.IngestionBatch{
		ID:            uuid.NewString(),
		TenantId:      tenantId,
		SourceId:      sourceId,
		EntityType:    entityType,
		RequestedMode: mode,
		Status:        models.BatchStatusQueued,
		ParentBatchId: parent,
		TriggeredBy:   triggeredBy,
		StartedAt:     s.now(),
	}
}

func (s *Service) enqueue(ctx context.Context, batch *models.IngestionBatch) (string, error) {
	if err := s.store.CreateBatch(ctx, batch); err != nil {
		return "", err
	}
	if s.progress != nil {
		p := Progress{BatchId: batch.ID, State: ProgressStateQueued, UpdatedAt: s.now()}
		if err := s.progress.Set(ctx, p); err != nil {
			config.LogError(s.logger, "ingestion", "enqueue", "write progress", batch.ID, err)
		}
	}

	payload := RunPayload{BatchId: batch.ID, TenantId: batch.TenantId, SourceId: batch.SourceId}
	if err := s.dispatcher.Dispatch(ctx, payload); err != nil {
		msg := "dispatch failed: " + err.Error()
		batch.Status = models.BatchStatusFailed
		batch.ErrorMessage = &msg
		if serr := s.store.SaveBatch(context.WithoutCancel(ctx), batch); serr != nil {
			config.LogError(s.logger, "ingestion", "enqueue", "mark batch failed", batch.ID, serr)
		}
		return "", err
	}
	return batch.ID, nil
}

// GetIngestionProgress prefers the shared progress store and falls back to the batch row.
func (s *Service) GetIngestionProgress(ctx context.Context, batchId string) (*Progress, error) {
	if s.progress != nil {
		p, err := s.progress.Get(ctx, batchId)
		if err != nil {
			config.LogError(s.logger, "ingestion", "GetIngestionProgress", "read progress", batchId, err)
		} else if p != nil {
			return p, nil
		}
	}
	batch, err := s.store.GetBatch(ctx, batchId)
	if err != nil {
		return nil, err
	}
	return &Progress{
		BatchId:   batch.ID,
		State:     batch.Status,
		Processed: batch.TotalCount,
		Total:     batch.TotalCount,
		UpdatedAt: batch.UpdatedAt,
	}, nil
}

func (s *Service) GetBatchStatus(ctx context.Context, batchId string) (*models.IngestionBatch, error) {
	return s.store.GetBatch(ctx, batchId)
}

func (s *Service) ListBatches(ctx context.Context, tenantId string, sourceId *uint, limit, offset int) ([]models.IngestionBatch, int64, error) {
	limit, offset = clampPage(limit, offset)
	return s.store.ListBatches(ctx, models.BatchFilter{
		TenantId: tenantId,
		SourceId: sourceId,
		Limit:    limit,
		Offset:   offset,
	})
}

func (s *Service) GetRawRecords(ctx context.Context, batchId string, limit, offset int) ([]models.RawRecord, int64, error) {
	if _, err := s.store.GetBatch(ctx, batchId); err != nil {
		return nil, 0, err
	}
	limit, offset = clampPage(limit, offset)
	return s.store.ListRawRecords(ctx, batchId, limit, offset)
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// LocalDispatcher runs batches in-process on a detached context.
type LocalDispatcher struct {
	Engine *Engine
}

func (d LocalDispatcher) Dispatch(ctx context.Context, payload RunPayload) error {
	if d.Engine == nil {
		return errors.New("local dispatcher has no engine")
	}
	runCtx := utils.SetSkipTenantScopeInContext(context.WithoutCancel(ctx), true)
	go func() {
		_, _ = d.Engine.Ingest(runCtx, payload.BatchId)
	}()
	return nil
}
