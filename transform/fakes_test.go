package transform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/mmdatafocus/datapipe_backend/models"
	"github.com/mmdatafocus/datapipe_backend/utils"
	"gorm.io/datatypes"
)

var errInjected = errors.New("injected write failure")

// fakeStore keeps everything in memory. RunInTx snapshots the canonical state and
// restores it when fn fails, which is what a rolled-back transaction looks like.
type fakeStore struct {
	sources  map[uint]*models.IngestionSource
	batches  map[string]*models.IngestionBatch
	mappings []models.FieldMapping
	rule     *models.PromotionRule
	raws     []models.RawRecord

	canon   map[string]models.CanonicalRecord
	lineage map[uint64]models.CanonicalLineage
	nextId  uint64

	failInsertFor string
	txCount       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sources: map[uint]*models.IngestionSource{
			1: {ID: 1, TenantId: "t1", Name: "plans", EntityType: "service_plan", Status: models.SourceStatusActive},
		},
		batches: map[string]*models.IngestionBatch{},
		canon:   map[string]models.CanonicalRecord{},
		lineage: map[uint64]models.CanonicalLineage{},
	}
}

func canonKey(tenantId, entityType, naturalId string) string {
	return tenantId + "|" + entityType + "|" + naturalId
}

func (f *fakeStore) GetSource(_ context.Context, id uint) (*models.IngestionSource, error) {
	s, ok := f.sources[id]
	if !ok {
		return nil, utils.ConfigurationMissing("source %d", id)
	}
	return s, nil
}

func (f *fakeStore) GetBatch(_ context.Context, id string) (*models.IngestionBatch, error) {
	b, ok := f.batches[id]
	if !ok {
		return nil, utils.ConfigurationMissing("batch %s", id)
	}
	return b, nil
}

func (f *fakeStore) ActiveMappings(_ context.Context, sourceId uint, t time.Time) ([]models.FieldMapping, error) {
	var out []models.FieldMapping
	for i := range f.mappings {
		if f.mappings[i].SourceId == sourceId && f.mappings[i].ActiveAt(t) {
			out = append(out, f.mappings[i])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DestinationField != out[j].DestinationField {
			return out[i].DestinationField < out[j].DestinationField
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (f *fakeStore) PromotionRuleFor(_ context.Context, sourceId uint) (*models.PromotionRule, error) {
	if f.rule != nil && f.rule.SourceId == sourceId && f.rule.IsActive {
		return f.rule, nil
	}
	return nil, nil
}

func (f *fakeStore) RawRecordsAfter(_ context.Context, batchId string, afterId uint64, limit int) ([]models.RawRecord, error) {
	var out []models.RawRecord
	for _, r := range f.raws {
		if r.BatchId == batchId && r.ID > afterId {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) LatestRawRecords(_ context.Context, sourceId uint, n int) ([]models.RawRecord, error) {
	var out []models.RawRecord
	for i := len(f.raws) - 1; i >= 0 && len(out) < n; i-- {
		if f.raws[i].SourceId == sourceId {
			out = append(out, f.raws[i])
		}
	}
	return out, nil
}

func (f *fakeStore) RunInTx(_ context.Context, fn func(models.CanonicalWriter) error) error {
	f.txCount++
	canon := make(map[string]models.CanonicalRecord, len(f.canon))
	for k, v := range f.canon {
		canon[k] = v
	}
	lineage := make(map[uint64]models.CanonicalLineage, len(f.lineage))
	for k, v := range f.lineage {
		lineage[k] = v
	}
	nextId := f.nextId
	if err := fn(&fakeWriter{f}); err != nil {
		f.canon, f.lineage, f.nextId = canon, lineage, nextId
		return err
	}
	return nil
}

func (f *fakeStore) MarkDiscontinued(_ context.Context, tenantId, entityType string, cutoff, at time.Time) (int64, error) {
	var n int64
	for k, rec := range f.canon {
		if rec.TenantId != tenantId || rec.EntityType != entityType || rec.Discontinued() {
			continue
		}
		if rec.LastSeenAt.Before(cutoff) {
			rec.IsDiscontinued = utils.NewTrue()
			stamp := at
			rec.DiscontinuedAt = &stamp
			f.canon[k] = rec
			n++
		}
	}
	return n, nil
}

type fakeWriter struct {
	s *fakeStore
}

func (w *fakeWriter) FindCanonical(tenantId, entityType, naturalId string) (*models.CanonicalRecord, error) {
	rec, ok := w.s.canon[canonKey(tenantId, entityType, naturalId)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (w *fakeWriter) InsertCanonical(rec *models.CanonicalRecord) error {
	if rec.NaturalId == w.s.failInsertFor {
		return errInjected
	}
	key := canonKey(rec.TenantId, rec.EntityType, rec.NaturalId)
	if _, ok := w.s.canon[key]; ok {
		return fmt.Errorf("canonical %s: %w", rec.NaturalId, models.ErrDuplicateKey)
	}
	w.s.nextId++
	rec.ID = w.s.nextId
	w.s.canon[key] = *rec
	return nil
}

func (w *fakeWriter) UpdateCanonical(rec *models.CanonicalRecord) error {
	w.s.canon[canonKey(rec.TenantId, rec.EntityType, rec.NaturalId)] = *rec
	return nil
}

func (w *fakeWriter) UpsertLineage(l *models.CanonicalLineage) error {
	w.s.lineage[l.CanonicalRecordId] = *l
	return nil
}

// ---- fixtures ----

var (
	jan1 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mar1 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	apr1 = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
)

func (f *fakeStore) addBatch(id string, startedAt time.Time, mode string) *models.IngestionBatch {
	done := startedAt.Add(5 * time.Minute)
	b := &models.IngestionBatch{
		ID:            id,
		TenantId:      "t1",
		SourceId:      1,
		EntityType:    "service_plan",
		RequestedMode: mode,
		EffectiveMode: mode,
		Status:        models.BatchStatusCompleted,
		StartedAt:     startedAt,
		CompletedAt:   &done,
	}
	f.batches[id] = b
	return b
}

func (f *fakeStore) addRaw(batchId string, capturedAt time.Time, payload string) {
	f.raws = append(f.raws, models.RawRecord{
		ID:         uint64(len(f.raws) + 1),
		BatchId:    batchId,
		TenantId:   "t1",
		SourceId:   1,
		EntityType: "service_plan",
		CapturedAt: capturedAt,
		Payload:    datatypes.JSON(payload),
	})
}

func (f *fakeStore) addMapping(id uint, src, dest, dataType, kind string, params map[string]any, from time.Time, until *time.Time) {
	f.mappings = append(f.mappings, models.FieldMapping{
		ID:               id,
		TenantId:         "t1",
		SourceId:         1,
		SourceField:      src,
		DestinationField: dest,
		DataType:         dataType,
		TransformKind:    kind,
		TransformParams:  datatypes.JSONMap(params),
		IsActive:         true,
		ValidFrom:        from,
		ValidUntil:       until,
	})
}

// planMappings is the mapping set of the service plan source.
func (f *fakeStore) planMappings() {
	f.addMapping(1, "id", "id", models.DataTypeString, TransformDirect, nil, jan1, nil)
	f.addMapping(2, "status_code", "category", models.DataTypeString, TransformUppercase, nil, jan1, nil)
	f.addMapping(3, "cost", "monthlyRate", models.DataTypeNumber, TransformDirect, nil, jan1, nil)
}

func (f *fakeStore) canonical(t *testing.T, naturalId string) (models.CanonicalRecord, map[string]any) {
	t.Helper()
	rec, ok := f.canon[canonKey("t1", "service_plan", naturalId)]
	if !ok {
		t.Fatalf("canonical record %s not found", naturalId)
	}
	fields, err := rec.FieldMap()
	if err != nil {
		t.Fatalf("decode fields of %s: %v", naturalId, err)
	}
	return rec, fields
}

func newTestEngine(store *fakeStore) *Engine {
	clock := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)
	return NewEngine(store, WithClock(func() time.Time { return clock }))
}
