package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/datapipe_backend/config"
	"github.com/mmdatafocus/datapipe_backend/models"
	"github.com/mmdatafocus/datapipe_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
)

var tracer = otel.Tracer("datapipe/ingestion")

// Store is the persistence the ingestion stage needs.
type Store interface {
	GetSource(ctx context.Context, id uint) (*models.IngestionSource, error)
	CreateBatch(ctx context.Context, b *models.IngestionBatch) error
	GetBatch(ctx context.Context, id string) (*models.IngestionBatch, error)
	SaveBatch(ctx context.Context, b *models.IngestionBatch) error
	LastCompletedBatch(ctx context.Context, sourceId uint) (*models.IngestionBatch, error)
	InsertRawRecords(ctx context.Context, records []models.RawRecord) error
	ListBatches(ctx context.Context, f models.BatchFilter) ([]models.IngestionBatch, int64, error)
	ListRawRecords(ctx context.Context, batchId string, limit, offset int) ([]models.RawRecord, int64, error)
}

// BatchObserver is told about every batch that reached completion.
type BatchObserver interface {
	BatchCompleted(ctx context.Context, batch *models.IngestionBatch)
}

// EventPublisher announces completed batches. Nil disables publishing.
type EventPublisher interface {
	PublishBatchCompleted(ctx context.Context, evt BatchCompletedEvent) error
}

type Engine struct {
	store     Store
	fetchers  FetcherFactory
	leaser    Leaser
	progress  ProgressStore
	events    EventPublisher
	observers []BatchObserver
	logger    *logrus.Logger
	now       func() time.Time
}

type EngineOption func(*Engine)

func WithEventPublisher(p EventPublisher) EngineOption {
	return func(e *Engine) { e.events = p }
}

func WithObserver(o BatchObserver) EngineOption {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *logrus.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

func NewEngine(store Store, fetchers FetcherFactory, leaser Leaser, progress ProgressStore, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		fetchers: fetchers,
		leaser:   leaser,
		progress: progress,
		logger:   config.GetLogger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ingest executes a queued batch. Finished batches are returned untouched, so a
// redelivered run message is harmless. A running batch whose source lease is
// still held belongs to a live worker and is left alone; if the lease is free
// the worker crashed, so the batch is failed and must be retried under a new id.
func (e *Engine) Ingest(ctx context.Context, batchId string) (*models.IngestionBatch, error) {
	batch, err := e.store.GetBatch(ctx, batchId)
	if err != nil {
		return nil, err
	}
	switch batch.Status {
	case models.BatchStatusCompleted, models.BatchStatusFailed:
		return batch, nil
	case models.BatchStatusRunning:
		return e.reapAbandoned(ctx, batch)
	}

	src, err := e.store.GetSource(ctx, batch.SourceId)
	if err != nil {
		e.fail(ctx, batch, err)
		return batch, err
	}

	lease, err := e.leaser.Acquire(ctx, src.ID)
	if err != nil {
		e.fail(ctx, batch, err)
		return batch, err
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			config.LogError(e.logger, "ingestion", "Ingest", "release lease", src.ID, rerr)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.keepLease(runCtx, cancel, lease)

	runCtx, span := tracer.Start(runCtx, "ingestion.run", trace.WithAttributes(
		attribute.String("batch.id", batch.ID),
		attribute.Int("source.id", int(src.ID)),
	))
	defer span.End()

	if err := e.run(runCtx, batch, src); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.fail(ctx, batch, err)
		return batch, err
	}
	return batch, nil
}

func (e *Engine) reapAbandoned(ctx context.Context, batch *models.IngestionBatch) (*models.IngestionBatch, error) {
	lease, err := e.leaser.Acquire(ctx, batch.SourceId)
	if errors.Is(err, utils.ErrLeaseNotObtained) {
		e.logger.WithField("batch_id", batch.ID).Info("batch still running elsewhere, skipping redelivery")
		return batch, nil
	}
	if err != nil {
		return batch, err
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			config.LogError(e.logger, "ingestion", "reapAbandoned", "release lease", batch.SourceId, rerr)
		}
	}()
	e.fail(ctx, batch, errors.New("run abandoned by previous worker"))
	return batch, nil
}

func (e *Engine) keepLease(ctx context.Context, cancel context.CancelFunc, lease Lease) {
	ticker := time.NewTicker(config.IngestLeaseTTL() / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lease.Refresh(ctx); err != nil {
				if ctx.Err() == nil {
					config.LogError(e.logger, "ingestion", "keepLease", "lease lost, stopping run", nil, err)
					cancel()
				}
				return
			}
		}
	}
}

func (e *Engine) run(ctx context.Context, batch *models.IngestionBatch, src *models.IngestionSource) error {
	fetcher, err := e.fetchers(ctx, src)
	if err != nil {
		return err
	}

	batch.StartedAt = e.now()
	batch.Status = models.BatchStatusRunning
	batch.EffectiveMode = models.SyncModeFull
	batch.DeltaSince = nil
	if batch.RequestedMode == models.SyncModeDelta {
		if err := e.resolveDelta(ctx, batch, src); err != nil {
			return err
		}
	}
	if err := e.store.SaveBatch(ctx, batch); err != nil {
		return err
	}
	e.setProgress(ctx, batch, ProgressStateRunning, 0, 0)

	log := e.logger.WithFields(logrus.Fields{
		"batch_id":  batch.ID,
		"source_id": src.ID,
		"tenant_id": batch.TenantId,
		"mode":      batch.EffectiveMode,
	})

	sampleSize := config.FingerprintSampleSize()
	sample := make([]json.RawMessage, 0, sampleSize)
	pageSize := config.IngestPageSize(src.PageSize)
	req := PageRequest{Limit: pageSize, Page: 1, Since: batch.DeltaSince}
	total, valid, invalid := 0, 0, 0
	reported := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := e.fetchPage(ctx, fetcher, req)
		if err != nil {
			return err
		}
		if len(page.Records) == 0 {
			break
		}

		capturedAt := e.now()
		rows := make([]models.RawRecord, 0, len(page.Records))
		for _, rec := range page.Records {
			doc, derr := utils.DecodeDocument(rec)
			if _, ok := doc.(map[string]any); ok && derr == nil {
				valid++
			} else {
				invalid++
			}
			rows = append(rows, models.RawRecord{
				BatchId:       batch.ID,
				TenantId:      batch.TenantId,
				SourceId:      src.ID,
				EntityType:    batch.EntityType,
				CapturedAt:    capturedAt,
				Payload:       datatypes.JSON(storedPayload(rec)),
				SchemaVersion: SchemaVersion(doc),
			})
			if len(sample) < sampleSize {
				sample = append(sample, rec)
			}
		}
		if err := e.store.InsertRawRecords(ctx, rows); err != nil {
			return fmt.Errorf("write raw records: %w", err)
		}
		total += len(rows)
		if page.Total != nil && *page.Total > reported {
			reported = *page.Total
		}
		e.setProgress(ctx, batch, ProgressStateRunning, total, max(reported, total))
		log.WithField("records", total).Debug("ingestion page written")

		if page.Exhausted(req) || (page.Total != nil && total >= *page.Total) {
			break
		}
		next := PageRequest{Limit: pageSize, Page: req.Page + 1, Since: req.Since, Cursor: page.NextCursor}
		if next.Cursor != "" && next.Cursor == req.Cursor {
			break
		}
		req = next
	}

	fp := Fingerprint(decodeRecords(sample), sampleSize)
	if err := batch.SetFingerprint(fp); err != nil {
		return err
	}
	if len(batch.Warnings) == 0 {
		batch.Warnings = datatypes.JSON("[]")
	}
	completedAt := e.now()
	batch.TotalCount = total
	batch.ValidCount = valid
	batch.InvalidCount = invalid
	batch.Status = models.BatchStatusCompleted
	batch.CompletedAt = &completedAt
	batch.ErrorMessage = nil
	if err := e.store.SaveBatch(ctx, batch); err != nil {
		batch.Status = models.BatchStatusRunning
		batch.CompletedAt = nil
		return err
	}
	e.setProgress(ctx, batch, ProgressStateCompleted, total, total)
	log.WithFields(logrus.Fields{"total": total, "valid": valid, "invalid": invalid}).Info("ingestion completed")

	for _, o := range e.observers {
		o.BatchCompleted(ctx, batch)
	}
	if e.events != nil {
		evt := BatchCompletedEvent{
			BatchId:     batch.ID,
			TenantId:    batch.TenantId,
			SourceId:    batch.SourceId,
			EntityType:  batch.EntityType,
			SyncMode:    batch.EffectiveMode,
			TotalCount:  total,
			CompletedAt: completedAt,
		}
		if err := e.events.PublishBatchCompleted(ctx, evt); err != nil {
			config.LogError(e.logger, "ingestion", "run", "publish batch completed", batch.ID, err)
		}
	}
	return nil
}

// resolveDelta asks only for changes since the last completed batch. Without
// delta support or a prior success the run falls back to a full fetch.
func (e *Engine) resolveDelta(ctx context.Context, batch *models.IngestionBatch, src *models.IngestionSource) error {
	reason := ""
	if !src.SupportsDelta {
		reason = "source does not support incremental fetch"
	} else {
		last, err := e.store.LastCompletedBatch(ctx, src.ID)
		if err != nil {
			return err
		}
		if last == nil {
			reason = "no prior completed batch"
		} else {
			since := last.StartedAt
			batch.DeltaSince = &since
			batch.EffectiveMode = models.SyncModeDelta
			return nil
		}
	}
	return batch.AppendWarning(models.BatchWarning{
		Kind:      models.WarningKindSyncModeFallback,
		Message:   "delta requested, running full fetch: " + reason,
		CreatedAt: e.now(),
	})
}

func (e *Engine) fetchPage(ctx context.Context, f Fetcher, req PageRequest) (Page, error) {
	pageCtx, cancel := context.WithTimeout(ctx, config.IngestPageTimeout())
	defer cancel()
	pageCtx, span := tracer.Start(pageCtx, "ingestion.fetch_page", trace.WithAttributes(
		attribute.Int("page", req.Page),
		attribute.String("cursor", req.Cursor),
	))
	defer span.End()

	page, err := f.FetchPage(pageCtx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Page{}, &utils.TransientUpstreamError{Err: err}
		}
		return Page{}, err
	}
	span.SetAttributes(attribute.Int("records", len(page.Records)))
	return page, nil
}

// fail leaves the batch unfinalized with its error recorded. Raw records already
// written stay in place.
func (e *Engine) fail(ctx context.Context, batch *models.IngestionBatch, cause error) {
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()
	batch.Status = models.BatchStatusFailed
	batch.ErrorMessage = &msg
	batch.CompletedAt = nil
	if utils.IsTransientUpstream(cause) {
		_ = batch.AppendWarning(models.BatchWarning{
			Kind:      models.WarningKindUpstream,
			Message:   msg,
			CreatedAt: e.now(),
		})
	}
	if err := e.store.SaveBatch(ctx, batch); err != nil {
		config.LogError(e.logger, "ingestion", "fail", "save failed batch", batch.ID, err)
	}
	e.setProgress(ctx, batch, ProgressStateFailed, batch.TotalCount, batch.TotalCount)
	e.logger.WithFields(logrus.Fields{
		"batch_id":  batch.ID,
		"source_id": batch.SourceId,
		"tenant_id": batch.TenantId,
		"transient": utils.IsTransientUpstream(cause),
	}).Warn("ingestion failed: " + msg)
}

func (e *Engine) setProgress(ctx context.Context, batch *models.IngestionBatch, state string, processed, total int) {
	if e.progress == nil {
		return
	}
	p := Progress{BatchId: batch.ID, State: state, Processed: processed, Total: total, UpdatedAt: e.now()}
	if err := e.progress.Set(ctx, p); err != nil {
		config.LogError(e.logger, "ingestion", "setProgress", "write progress", batch.ID, err)
	}
}

// storedPayload keeps the upstream bytes; anything that is not valid JSON is
// stored as a JSON string so the column stays well-formed.
func storedPayload(rec json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(rec)
	if json.Valid(trimmed) {
		return trimmed
	}
	quoted, _ := json.Marshal(string(rec))
	return quoted
}
