package drift

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/mmdatafocus/datapipe_backend/models"
	"github.com/mmdatafocus/datapipe_backend/utils"
)

type fakeStore struct {
	sources map[uint]*models.IngestionSource
	batches map[string]*models.IngestionBatch
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sources: map[uint]*models.IngestionSource{},
		batches: map[string]*models.IngestionBatch{},
	}
}

func (f *fakeStore) GetSource(_ context.Context, id uint) (*models.IngestionSource, error) {
	s, ok := f.sources[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	return s, nil
}

func (f *fakeStore) GetBatch(_ context.Context, id string) (*models.IngestionBatch, error) {
	b, ok := f.batches[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	return b, nil
}

func (f *fakeStore) sorted(sourceId uint) []*models.IngestionBatch {
	var out []*models.IngestionBatch
	for _, b := range f.batches {
		if b.SourceId == sourceId {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (f *fakeStore) BaselineBatch(_ context.Context, current *models.IngestionBatch) (*models.IngestionBatch, error) {
	for _, b := range f.sorted(current.SourceId) {
		if b.ID == current.ID || !b.IsCompleted() || len(b.Fingerprint) == 0 {
			continue
		}
		if b.StartedAt.After(current.StartedAt) {
			continue
		}
		return b, nil
	}
	return nil, nil
}

func (f *fakeStore) AppendBatchWarning(_ context.Context, batchId string, w models.BatchWarning) error {
	b, ok := f.batches[batchId]
	if !ok {
		return utils.ErrorRecordNotFound
	}
	return b.AppendWarning(w)
}

func (f *fakeStore) RecentBatches(_ context.Context, sourceId uint, limit int) ([]models.IngestionBatch, error) {
	var out []models.IngestionBatch
	for _, b := range f.sorted(sourceId) {
		if len(out) == limit {
			break
		}
		out = append(out, *b)
	}
	return out, nil
}

func (f *fakeStore) BatchesWithWarning(_ context.Context, sourceId uint, kind string, limit int) ([]models.IngestionBatch, error) {
	var out []models.IngestionBatch
	for _, b := range f.sorted(sourceId) {
		warnings, err := b.WarningList()
		if err != nil {
			return nil, err
		}
		for _, w := range warnings {
			if w.Kind == kind {
				out = append(out, *b)
				break
			}
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func (f *fakeStore) addBatch(t *testing.T, id string, startedAt time.Time, fields ...string) *models.IngestionBatch {
	t.Helper()
	done := startedAt.Add(time.Minute)
	b := &models.IngestionBatch{
		ID:          id,
		TenantId:    "t1",
		SourceId:    1,
		EntityType:  "service_plan",
		Status:      models.BatchStatusCompleted,
		StartedAt:   startedAt,
		CompletedAt: &done,
	}
	fp := &models.SchemaFingerprint{SampleSize: 1}
	for _, name := range fields {
		fp.Fields = append(fp.Fields, models.FieldFingerprint{Name: name, Type: "string"})
	}
	if err := b.SetFingerprint(fp); err != nil {
		t.Fatalf("set fingerprint: %v", err)
	}
	f.batches[id] = b
	return b
}

func TestDroppedCostFieldRaisesOneHighAlert(t *testing.T) {
	store := newFakeStore()
	store.addBatch(t, "b1", t0, "id", "cost", "name")
	b2 := store.addBatch(t, "b2", t0.Add(time.Hour), "id", "name")
	d := NewDetector(store, CriticalPolicy{})

	d.BatchCompleted(context.Background(), b2)

	warnings, err := store.batches["b2"].WarningList()
	if err != nil {
		t.Fatalf("warnings: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected exactly one warning, got %d", len(warnings))
	}
	w := warnings[0]
	if w.Kind != models.WarningKindSchemaDrift || w.Severity != SeverityHigh {
		t.Fatalf("unexpected warning %+v", w)
	}
	if len(w.MissingFields) != 1 || w.MissingFields[0] != "cost" || w.BaselineBatchId != "b1" {
		t.Fatalf("unexpected warning fields %+v", w)
	}
	if base, _ := store.batches["b1"].WarningList(); len(base) != 0 {
		t.Fatalf("baseline batch must not be touched: %+v", base)
	}
}

func TestFirstBatchHasNoBaseline(t *testing.T) {
	store := newFakeStore()
	store.addBatch(t, "b1", t0, "id", "cost")
	d := NewDetector(store, CriticalPolicy{})

	report, err := d.DetectForBatch(context.Background(), "b1")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if report.HasDrift || report.BaselineBatchId != "" {
		t.Fatalf("expected no drift without baseline, got %+v", report)
	}
}

func TestLowDriftIsNotAlerted(t *testing.T) {
	store := newFakeStore()
	store.addBatch(t, "b1", t0, "id", "name")
	b2 := store.addBatch(t, "b2", t0.Add(time.Hour), "id", "name", "nickname")
	d := NewDetector(store, CriticalPolicy{})

	d.BatchCompleted(context.Background(), b2)

	if warnings, _ := store.batches["b2"].WarningList(); len(warnings) != 0 {
		t.Fatalf("LOW drift must not append a warning: %+v", warnings)
	}
}

func TestAcknowledgeResolvesActiveDrift(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.addBatch(t, "b1", t0, "id", "cost", "name")
	b2 := store.addBatch(t, "b2", t0.Add(time.Hour), "id", "name")
	d := NewDetector(store, CriticalPolicy{})
	d.BatchCompleted(ctx, b2)

	active, err := d.HasActiveDrift(ctx, 1)
	if err != nil || !active {
		t.Fatalf("expected active drift, got %v err=%v", active, err)
	}
	if err := d.Acknowledge(ctx, "b2", "ops", "cost column retired upstream"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	active, err = d.HasActiveDrift(ctx, 1)
	if err != nil || active {
		t.Fatalf("expected drift resolved, got %v err=%v", active, err)
	}

	warnings, _ := store.batches["b2"].WarningList()
	if len(warnings) != 2 || warnings[0].Kind != models.WarningKindSchemaDrift {
		t.Fatalf("acknowledgement must append, not rewrite: %+v", warnings)
	}
	if warnings[1].AcknowledgedBy != "ops" {
		t.Fatalf("acknowledged by = %q", warnings[1].AcknowledgedBy)
	}

	if err := d.Acknowledge(ctx, "b2", "ops", ""); !errors.Is(err, ErrNoDriftToAcknowledge) {
		t.Fatalf("second acknowledge should fail, got %v", err)
	}
}

func TestDriftHistory(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.addBatch(t, "b1", t0, "id", "cost", "name")
	b2 := store.addBatch(t, "b2", t0.Add(time.Hour), "id", "name")
	b3 := store.addBatch(t, "b3", t0.Add(2*time.Hour), "id", "name")
	d := NewDetector(store, CriticalPolicy{})
	d.BatchCompleted(ctx, b2)
	d.BatchCompleted(ctx, b3)
	if err := d.Acknowledge(ctx, "b2", "ops", ""); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	history, err := d.DriftHistory(ctx, 1, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].BatchId != "b2" || !history[0].Acknowledged {
		t.Fatalf("unexpected history %+v", history)
	}
	if len(history[0].Warnings) != 2 {
		t.Fatalf("expected drift and acknowledgement entries, got %+v", history[0].Warnings)
	}
}

func TestActiveDriftLooksAtLastFiveBatches(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.addBatch(t, "b1", t0, "id", "cost", "name")
	b2 := store.addBatch(t, "b2", t0.Add(time.Hour), "id", "name")
	d := NewDetector(store, CriticalPolicy{})
	d.BatchCompleted(ctx, b2)

	for i := 3; i <= 6; i++ {
		store.addBatch(t, fmt.Sprintf("b%d", i), t0.Add(time.Duration(i)*time.Hour), "id", "name")
	}
	active, err := d.HasActiveDrift(ctx, 1)
	if err != nil || !active {
		t.Fatalf("drift on the fifth most recent batch must count, got %v err=%v", active, err)
	}

	store.addBatch(t, "b7", t0.Add(7*time.Hour), "id", "name")
	active, err = d.HasActiveDrift(ctx, 1)
	if err != nil || active {
		t.Fatalf("drift older than five batches must not count, got %v err=%v", active, err)
	}
}
