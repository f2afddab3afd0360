package transform

import (
	"context"
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
)

var tracer = otel.Tracer("datapipe/transform")

const maxErrorSamples = 20

// Store is the persistence the transformation stage needs.
type Store interface {
	GetSource(ctx context.Context, id uint) (*models.IngestionSource, error)
	GetBatch(ctx context.Context, id string) (*models.IngestionBatch, error)
	ActiveMappings(ctx context.Context, sourceId uint, t time.Time) ([]models.FieldMapping, error)
	PromotionRuleFor(ctx context.Context, sourceId uint) (*models.PromotionRule, error)
	RawRecordsAfter(ctx context.Context, batchId string, afterId uint64, limit int) ([]models.RawRecord, error)
	LatestRawRecords(ctx context.Context, sourceId uint, n int) ([]models.RawRecord, error)
	RunInTx(ctx context.Context, fn func(models.CanonicalWriter) error) error
	MarkDiscontinued(ctx context.Context, tenantId, entityType string, cutoff, at time.Time) (int64, error)
}

// Request names a batch to transform. EffectiveAt defaults to the batch start time;
// FullSync flags canonical records the batch did not sight as discontinued.
type Request struct {
	BatchId     string     `json:"batchId"`
	EffectiveAt *time.Time `json:"effectiveAt,omitempty"`
	FullSync    bool       `json:"fullSync"`
}

type TransformResult struct {
	BatchId      string              `json:"batchId"`
	EffectiveAt  time.Time           `json:"effectiveAt"`
	MappingCount int                 `json:"mappingCount"`
	Chunks       int                 `json:"chunks"`
	Inserted     int                 `json:"inserted"`
	Updated      int                 `json:"updated"`
	Skipped      int                 `json:"skipped"`
	Errors       int                 `json:"errors"`
	Discontinued int64               `json:"discontinued"`
	ErrorSamples []utils.RecordError `json:"errorSamples"`
}

func (r *TransformResult) add(c *TransformResult) {
	r.Inserted += c.Inserted
	r.Updated += c.Updated
	r.Skipped += c.Skipped
	r.Errors += c.Errors
	for _, e := range c.ErrorSamples {
		if len(r.ErrorSamples) >= maxErrorSamples {
			break
		}
		r.ErrorSamples = append(r.ErrorSamples, e)
	}
}

type Engine struct {
	store  Store
	logger *logrus.Logger
	now    func() time.Time
}

type EngineOption func(*Engine)

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *logrus.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:  store,
		logger: config.GetLogger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// plan is everything resolved once per run and shared by all chunks.
type plan struct {
	batch       *models.IngestionBatch
	source      *models.IngestionSource
	mappings    []models.FieldMapping
	snapshot    []models.MappingSnapshot
	rule        *models.RuleNode
	effectiveAt time.Time
}

// Transform promotes a completed batch into the canonical model. Chunks commit one at
// a time; on error the returned result holds the totals of the chunks already committed.
// Running the same request twice leaves the canonical store unchanged.
func (e *Engine) Transform(ctx context.Context, req Request) (*TransformResult, error) {
	p, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	result := &TransformResult{
		BatchId:      p.batch.ID,
		EffectiveAt:  p.effectiveAt,
		MappingCount: len(p.mappings),
		ErrorSamples: []utils.RecordError{},
	}

	ctx, span := tracer.Start(ctx, "transform.run", trace.WithAttributes(
		attribute.String("batch.id", p.batch.ID),
		attribute.Int("source.id", int(p.source.ID)),
		attribute.Bool("full_sync", req.FullSync),
	))
	defer span.End()

	log := e.logger.WithFields(logrus.Fields{
		"batch_id":     p.batch.ID,
		"source_id":    p.source.ID,
		"tenant_id":    p.batch.TenantId,
		"effective_at": p.effectiveAt,
	})

	chunkSize := config.TransformChunkSize()
	var afterId uint64
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		raws, err := e.store.RawRecordsAfter(ctx, p.batch.ID, afterId, chunkSize)
		if err != nil {
			return result, err
		}
		if len(raws) == 0 {
			break
		}
		chunk, err := e.runChunk(ctx, p, raws)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.WithField("after_raw_id", afterId).Warn("transform chunk rolled back: " + err.Error())
			return result, fmt.Errorf("chunk after raw record %d: %w", afterId, err)
		}
		result.add(chunk)
		result.Chunks++
		afterId = raws[len(raws)-1].ID
	}

	if req.FullSync {
		n, err := e.store.MarkDiscontinued(ctx, p.batch.TenantId, p.batch.EntityType, p.batch.StartedAt, e.now())
		if err != nil {
			return result, fmt.Errorf("mark discontinued: %w", err)
		}
		result.Discontinued = n
	}

	span.SetAttributes(
		attribute.Int("inserted", result.Inserted),
		attribute.Int("updated", result.Updated),
		attribute.Int("skipped", result.Skipped),
		attribute.Int("errors", result.Errors),
	)
	log.WithFields(logrus.Fields{
		"inserted":     result.Inserted,
		"updated":      result.Updated,
		"skipped":      result.Skipped,
		"errors":       result.Errors,
		"discontinued": result.Discontinued,
	}).Info("transformation completed")
	return result, nil
}

func (e *Engine) prepare(ctx context.Context, req Request) (*plan, error) {
	batch, err := e.store.GetBatch(ctx, req.BatchId)
	if err != nil {
		return nil, err
	}
	if !batch.IsCompleted() {
		return nil, utils.InvariantViolation("batch %s is %s, only completed batches can be transformed", batch.ID, batch.Status)
	}
	if req.FullSync && batch.EffectiveMode == models.SyncModeDelta {
		return nil, utils.InvariantViolation("batch %s is a delta batch and cannot drive a full sync", batch.ID)
	}
	src, err := e.store.GetSource(ctx, batch.SourceId)
	if err != nil {
		return nil, err
	}

	effectiveAt := batch.StartedAt
	if req.EffectiveAt != nil {
		effectiveAt = req.EffectiveAt.UTC()
	}
	mappings, err := e.store.ActiveMappings(ctx, src.ID, effectiveAt)
	if err != nil {
		return nil, err
	}
	if len(mappings) == 0 {
		return nil, utils.ConfigurationMissing("no field mappings active for source %d at %s", src.ID, effectiveAt.Format(time.RFC3339))
	}

	rule, err := e.store.PromotionRuleFor(ctx, src.ID)
	if err != nil {
		return nil, err
	}
	tree, err := rule.Tree()
	if err != nil {
		return nil, utils.InvariantViolation("promotion rule of source %d: %v", src.ID, err)
	}

	return &plan{
		batch:       batch,
		source:      src,
		mappings:    mappings,
		snapshot:    Snapshots(mappings),
		rule:        tree,
		effectiveAt: effectiveAt,
	}, nil
}

// runChunk applies one chunk atomically. Record errors are tallied inside the
// chunk; a storage error rolls the whole chunk back.
func (e *Engine) runChunk(ctx context.Context, p *plan, raws []models.RawRecord) (*TransformResult, error) {
	ctx, cancel := context.WithTimeout(ctx, config.TransformChunkTimeout())
	defer cancel()
	ctx, span := tracer.Start(ctx, "transform.chunk", trace.WithAttributes(
		attribute.Int64("first_raw_id", int64(raws[0].ID)),
		attribute.Int("records", len(raws)),
	))
	defer span.End()

	var chunk *TransformResult
	err := e.store.RunInTx(ctx, func(w models.CanonicalWriter) error {
		chunk = &TransformResult{}
		for i := range raws {
			if err := ctx.Err(); err != nil {
				return err
			}
			outcome, err := e.promote(w, p, &raws[i])
			var recErr *utils.RecordError
			switch {
			case errors.As(err, &recErr):
				chunk.Errors++
				if len(chunk.ErrorSamples) < maxErrorSamples {
					chunk.ErrorSamples = append(chunk.ErrorSamples, *recErr)
				}
				e.logger.WithFields(logrus.Fields{
					"batch_id":      p.batch.ID,
					"raw_record_id": recErr.RawRecordId,
					"stage":         recErr.Stage,
				}).Warn("record not promoted: " + recErr.Message)
			case err != nil:
				return err
			case outcome == outcomeInserted:
				chunk.Inserted++
			case outcome == outcomeUpdated:
				chunk.Updated++
			default:
				chunk.Skipped++
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return chunk, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeInserted
	outcomeUpdated
)

// promote runs one raw record through the quality gate and mappings, then upserts
// the canonical record and replaces its lineage.
func (e *Engine) promote(w models.CanonicalWriter, p *plan, raw *models.RawRecord) (outcome, error) {
	decoded, err := raw.Document()
	if err != nil {
		return outcomeSkipped, &utils.RecordError{RawRecordId: raw.ID, Stage: "decode", Message: err.Error()}
	}
	doc, ok := decoded.(map[string]any)
	if !ok {
		return outcomeSkipped, &utils.RecordError{RawRecordId: raw.ID, Stage: "decode", Message: "payload is not an object"}
	}
	if !EvaluateRule(p.rule, doc) {
		return outcomeSkipped, nil
	}

	fields, err := ApplyMappings(raw.ID, doc, p.mappings)
	if err != nil {
		return outcomeSkipped, err
	}
	key := p.source.NaturalKey()
	naturalId := toString(fields[key])
	if fields[key] == nil || naturalId == "" {
		return outcomeSkipped, &utils.RecordError{RawRecordId: raw.ID, Stage: "identity", Message: "natural key " + key + " is empty"}
	}

	rec, err := w.FindCanonical(raw.TenantId, raw.EntityType, naturalId)
	if err != nil {
		return outcomeSkipped, err
	}
	result := outcomeUpdated
	if rec == nil {
		rec = &models.CanonicalRecord{
			TenantId:   raw.TenantId,
			EntityType: raw.EntityType,
			NaturalId:  naturalId,
		}
		if err := e.apply(rec, raw, fields); err != nil {
			return outcomeSkipped, err
		}
		err = w.InsertCanonical(rec)
		if errors.Is(err, models.ErrDuplicateKey) {
			// lost an insert race with a concurrent batch; fold into its row
			rec, err = w.FindCanonical(raw.TenantId, raw.EntityType, naturalId)
			if err == nil && rec == nil {
				err = fmt.Errorf("canonical %s/%s missing after duplicate key", raw.EntityType, naturalId)
			}
			if err == nil {
				err = e.update(w, rec, raw, fields)
			}
		} else {
			result = outcomeInserted
		}
		if err != nil {
			return outcomeSkipped, err
		}
	} else if err := e.update(w, rec, raw, fields); err != nil {
		return outcomeSkipped, err
	}

	lineage, err := models.NewLineage(rec.ID, raw, p.snapshot, p.effectiveAt)
	if err != nil {
		return outcomeSkipped, err
	}
	if err := w.UpsertLineage(lineage); err != nil {
		return outcomeSkipped, err
	}
	return result, nil
}

func (e *Engine) update(w models.CanonicalWriter, rec *models.CanonicalRecord, raw *models.RawRecord, fields map[string]any) error {
	if err := e.apply(rec, raw, fields); err != nil {
		return err
	}
	return w.UpdateCanonical(rec)
}

// apply copies the mapped fields onto rec and marks it sighted. LastSeenAt never
// moves backwards. Only a sighting newer than the last one clears a discontinued
// flag, so replaying the batch a full sync already judged leaves the flag in place.
func (e *Engine) apply(rec *models.CanonicalRecord, raw *models.RawRecord, fields map[string]any) error {
	if err := rec.SetFields(fields); err != nil {
		return &utils.RecordError{RawRecordId: raw.ID, Stage: "encode", Message: err.Error()}
	}
	resighted := raw.CapturedAt.After(rec.LastSeenAt)
	if resighted {
		rec.LastSeenAt = raw.CapturedAt
	}
	if resighted || !rec.Discontinued() {
		rec.IsDiscontinued = utils.NewFalse()
		rec.DiscontinuedAt = nil
	}
	rec.SourceRawRecordId = raw.ID
	rec.SourceBatchId = raw.BatchId
	return nil
}
