package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/datapipe_backend/models"
	"github.com/mmdatafocus/datapipe_backend/utils"
)

func raws(items ...string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		out = append(out, json.RawMessage(it))
	}
	return out
}

func boolPtr(b bool) *bool { return &b }

func tickingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	cur := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(time.Second)
		return cur
	}
}

func testSource() *models.IngestionSource {
	return &models.IngestionSource{
		ID:            1,
		TenantId:      "t1",
		EntityType:    "asset",
		BaseURL:       "http://upstream.test",
		SupportsDelta: true,
	}
}

func queuedBatch(store *fakeStore, id string, mode string) {
	_ = store.CreateBatch(context.Background(), &models.IngestionBatch{
		ID:            id,
		TenantId:      "t1",
		SourceId:      1,
		EntityType:    "asset",
		RequestedMode: mode,
		Status:        models.BatchStatusQueued,
	})
}

func TestIngestWritesRawRecordsAndFingerprint(t *testing.T) {
	store := newFakeStore(testSource())
	queuedBatch(store, "b1", models.SyncModeFull)
	fetcher := &scriptedFetcher{pages: []Page{
		{Records: raws(`{"id":"A1","cost":1000,"name":"x"}`, `{"id":"A2","cost":null,"active":true}`, `"oops"`), NextCursor: "c2"},
		{Records: raws(`{"id":"A3","cost":2.5}`, `{"id":"A4","meta":{"a":1}}`), HasMore: boolPtr(false)},
	}}
	progress := newMemProgress()
	observer := &recordingObserver{}
	publisher := &recordingPublisher{}
	engine := NewEngine(store, fetcher.factory(), newFakeLeaser(), progress,
		WithClock(tickingClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))),
		WithObserver(observer),
		WithEventPublisher(publisher),
	)

	batch, err := engine.Ingest(context.Background(), "b1")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !batch.IsCompleted() {
		t.Fatalf("expected completed batch, got %s", batch.Status)
	}
	if batch.TotalCount != 5 || batch.ValidCount != 4 || batch.InvalidCount != 1 {
		t.Fatalf("counts = %d/%d/%d", batch.TotalCount, batch.ValidCount, batch.InvalidCount)
	}

	rows := store.rawFor("b1")
	if len(rows) != 5 {
		t.Fatalf("expected 5 raw records, got %d", len(rows))
	}
	if string(rows[2].Payload) != `"oops"` {
		t.Fatalf("non-object payload must be stored as received, got %s", rows[2].Payload)
	}
	for _, r := range rows {
		if r.CapturedAt.Before(batch.StartedAt) {
			t.Fatalf("raw record captured before batch start")
		}
	}

	fp, err := batch.FingerprintValue()
	if err != nil || fp == nil {
		t.Fatalf("fingerprint missing: %v", err)
	}
	want := []models.FieldFingerprint{
		{Name: "active", Type: FieldTypeBoolean},
		{Name: "cost", Type: FieldTypeInteger},
		{Name: "id", Type: FieldTypeString},
		{Name: "meta", Type: FieldTypeObject},
		{Name: "name", Type: FieldTypeString},
	}
	if len(fp.Fields) != len(want) {
		t.Fatalf("fingerprint fields = %+v", fp.Fields)
	}
	for i := range want {
		if fp.Fields[i] != want[i] {
			t.Fatalf("field %d = %+v, want %+v", i, fp.Fields[i], want[i])
		}
	}

	warnings, _ := batch.WarningList()
	if len(warnings) != 0 {
		t.Fatalf("expected empty warning list, got %+v", warnings)
	}
	if fetcher.requests[1].Cursor != "c2" {
		t.Fatalf("second request must carry the cursor, got %+v", fetcher.requests[1])
	}

	p, _ := progress.Get(context.Background(), "b1")
	if p == nil || p.State != ProgressStateCompleted || p.Processed != 5 {
		t.Fatalf("progress = %+v", p)
	}
	if len(observer.batches) != 1 || len(publisher.events) != 1 || publisher.events[0].BatchId != "b1" {
		t.Fatalf("completion not announced: %v %v", observer.batches, publisher.events)
	}
}

func TestIngestStopsOnEmptyPage(t *testing.T) {
	store := newFakeStore(testSource())
	queuedBatch(store, "b1", models.SyncModeFull)
	fetcher := &scriptedFetcher{pages: []Page{
		{Records: raws(`{"id":"A1"}`), NextCursor: "c2"},
		{},
	}}
	engine := NewEngine(store, fetcher.factory(), newFakeLeaser(), nil)

	batch, err := engine.Ingest(context.Background(), "b1")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if batch.TotalCount != 1 || len(fetcher.requests) != 2 {
		t.Fatalf("total=%d requests=%d", batch.TotalCount, len(fetcher.requests))
	}
}

func TestIngestFailsWhenLeaseHeld(t *testing.T) {
	store := newFakeStore(testSource())
	queuedBatch(store, "b1", models.SyncModeFull)
	leaser := newFakeLeaser()
	leaser.held[1] = true
	fetcher := &scriptedFetcher{pages: []Page{{Records: raws(`{"id":"A1"}`)}}}
	engine := NewEngine(store, fetcher.factory(), leaser, nil)

	_, err := engine.Ingest(context.Background(), "b1")
	if !errors.Is(err, utils.ErrLeaseNotObtained) {
		t.Fatalf("expected lease error, got %v", err)
	}
	stored, _ := store.GetBatch(context.Background(), "b1")
	if stored.Status != models.BatchStatusFailed || stored.CompletedAt != nil {
		t.Fatalf("batch must be failed and unfinalized, got %s", stored.Status)
	}
	if len(fetcher.requests) != 0 || len(store.rawFor("b1")) != 0 {
		t.Fatalf("no upstream call may happen without the lease")
	}
}

func TestIngestTransientFailureKeepsWrittenRecords(t *testing.T) {
	store := newFakeStore(testSource())
	queuedBatch(store, "b1", models.SyncModeFull)
	fetcher := &scriptedFetcher{
		pages: []Page{{Records: raws(`{"id":"A1"}`, `{"id":"A2"}`), NextCursor: "c2"}},
		errAt: map[int]error{1: &utils.TransientUpstreamError{StatusCode: 503, Err: errors.New("busy")}},
	}
	leaser := newFakeLeaser()
	engine := NewEngine(store, fetcher.factory(), leaser, nil)

	_, err := engine.Ingest(context.Background(), "b1")
	if !utils.IsTransientUpstream(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	stored, _ := store.GetBatch(context.Background(), "b1")
	if stored.Status != models.BatchStatusFailed || stored.CompletedAt != nil {
		t.Fatalf("batch must stay unfinalized, got %s", stored.Status)
	}
	if got := len(store.rawFor("b1")); got != 2 {
		t.Fatalf("records from the first page must stay, got %d", got)
	}
	warnings, _ := stored.WarningList()
	if len(warnings) != 1 || warnings[0].Kind != models.WarningKindUpstream {
		t.Fatalf("expected upstream warning, got %+v", warnings)
	}
	if leaser.held[1] {
		t.Fatalf("lease must be released after a failed run")
	}
}

func TestIngestCancellationStopsBeforeNextPage(t *testing.T) {
	store := newFakeStore(testSource())
	queuedBatch(store, "b1", models.SyncModeFull)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher := &scriptedFetcher{
		pages: []Page{
			{Records: raws(`{"id":"A1"}`), NextCursor: "c2"},
			{Records: raws(`{"id":"A2"}`), NextCursor: "c3"},
		},
		onFetch: func(call int) {
			if call == 0 {
				cancel()
			}
		},
	}
	engine := NewEngine(store, fetcher.factory(), newFakeLeaser(), nil)

	_, err := engine.Ingest(ctx, "b1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(fetcher.requests) != 1 {
		t.Fatalf("no page may be requested after cancellation, got %d", len(fetcher.requests))
	}
	if got := len(store.rawFor("b1")); got != 1 {
		t.Fatalf("committed page must remain, got %d", got)
	}
}

func TestIngestIgnoresFinishedBatch(t *testing.T) {
	store := newFakeStore(testSource())
	now := time.Now()
	_ = store.CreateBatch(context.Background(), &models.IngestionBatch{
		ID: "b1", TenantId: "t1", SourceId: 1, Status: models.BatchStatusCompleted, CompletedAt: &now,
	})
	fetcher := &scriptedFetcher{}
	engine := NewEngine(store, fetcher.factory(), newFakeLeaser(), nil)

	if _, err := engine.Ingest(context.Background(), "b1"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(fetcher.requests) != 0 {
		t.Fatalf("finished batch must not be fetched again")
	}
}

func TestDeltaUsesLastCompletedBatch(t *testing.T) {
	store := newFakeStore(testSource())
	prevStart := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	prevDone := prevStart.Add(time.Minute)
	_ = store.CreateBatch(context.Background(), &models.IngestionBatch{
		ID: "b0", TenantId: "t1", SourceId: 1, Status: models.BatchStatusCompleted,
		StartedAt: prevStart, CompletedAt: &prevDone,
	})
	queuedBatch(store, "b1", models.SyncModeDelta)
	fetcher := &scriptedFetcher{pages: []Page{{Records: raws(`{"id":"A1"}`)}}}
	engine := NewEngine(store, fetcher.factory(), newFakeLeaser(), nil)

	batch, err := engine.Ingest(context.Background(), "b1")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if batch.EffectiveMode != models.SyncModeDelta {
		t.Fatalf("expected delta, got %s", batch.EffectiveMode)
	}
	if since := fetcher.requests[0].Since; since == nil || !since.Equal(prevStart) {
		t.Fatalf("delta must request changes since the last success, got %v", since)
	}
}

func TestDeltaFallsBackToFullWithoutPriorBatch(t *testing.T) {
	store := newFakeStore(testSource())
	queuedBatch(store, "b1", models.SyncModeDelta)
	fetcher := &scriptedFetcher{pages: []Page{{Records: raws(`{"id":"A1"}`)}}}
	engine := NewEngine(store, fetcher.factory(), newFakeLeaser(), nil)

	batch, err := engine.Ingest(context.Background(), "b1")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if batch.EffectiveMode != models.SyncModeFull || fetcher.requests[0].Since != nil {
		t.Fatalf("expected full fetch, got mode=%s since=%v", batch.EffectiveMode, fetcher.requests[0].Since)
	}
	warnings, _ := batch.WarningList()
	if len(warnings) != 1 || warnings[0].Kind != models.WarningKindSyncModeFallback {
		t.Fatalf("expected fallback warning, got %+v", warnings)
	}
}

func TestIngestRedeliveryLeavesLiveRunAlone(t *testing.T) {
	store := newFakeStore(testSource())
	queuedBatch(store, "b1", models.SyncModeFull)
	var engine *Engine
	var redelivered *models.IngestionBatch
	var redeliverErr error
	fetcher := &scriptedFetcher{
		pages: []Page{
			{Records: raws(`{"id":"A1"}`), NextCursor: "c2"},
			{Records: raws(`{"id":"A2"}`), HasMore: boolPtr(false)},
		},
		onFetch: func(call int) {
			if call == 1 {
				redelivered, redeliverErr = engine.Ingest(context.Background(), "b1")
			}
		},
	}
	engine = NewEngine(store, fetcher.factory(), newFakeLeaser(), nil)

	batch, err := engine.Ingest(context.Background(), "b1")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if redeliverErr != nil || redelivered == nil || redelivered.Status != models.BatchStatusRunning {
		t.Fatalf("redelivery must leave the live run alone, got %+v %v", redelivered, redeliverErr)
	}
	if batch.Status != models.BatchStatusCompleted || batch.TotalCount != 2 {
		t.Fatalf("live run must complete, got %s total=%d", batch.Status, batch.TotalCount)
	}
	stored, _ := store.GetBatch(context.Background(), "b1")
	if stored.Status != models.BatchStatusCompleted || stored.ErrorMessage != nil {
		t.Fatalf("stored batch = %s %v", stored.Status, stored.ErrorMessage)
	}
	if len(fetcher.requests) != 2 {
		t.Fatalf("redelivery must not fetch, got %d requests", len(fetcher.requests))
	}
}

func TestIngestFailsAbandonedRunningBatch(t *testing.T) {
	store := newFakeStore(testSource())
	_ = store.CreateBatch(context.Background(), &models.IngestionBatch{
		ID: "b1", TenantId: "t1", SourceId: 1, EntityType: "asset",
		RequestedMode: models.SyncModeFull, Status: models.BatchStatusRunning,
	})
	leaser := newFakeLeaser()
	fetcher := &scriptedFetcher{}
	engine := NewEngine(store, fetcher.factory(), leaser, nil)

	batch, err := engine.Ingest(context.Background(), "b1")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if batch.Status != models.BatchStatusFailed || batch.ErrorMessage == nil {
		t.Fatalf("abandoned batch must fail, got %s", batch.Status)
	}
	stored, _ := store.GetBatch(context.Background(), "b1")
	if stored.Status != models.BatchStatusFailed || stored.CompletedAt != nil {
		t.Fatalf("stored batch = %s", stored.Status)
	}
	if len(fetcher.requests) != 0 {
		t.Fatalf("abandoned batch must not be fetched")
	}
	if leaser.held[1] {
		t.Fatalf("lease must be released after reaping")
	}
}
