package ingestion

import (
	"context"
	"sort"
	"sync"

	"github.com/mmdatafocus/datapipe_backend/models"
	"github.com/mmdatafocus/datapipe_backend/utils"
)

type fakeStore struct {
	mu      sync.Mutex
	sources map[uint]*models.IngestionSource
	batches map[string]*models.IngestionBatch
	raw     []models.RawRecord
	nextRaw uint64
	saveErr error
}

func newFakeStore(sources ...*models.IngestionSource) *fakeStore {
	s := &fakeStore{sources: map[uint]*models.IngestionSource{}, batches: map[string]*models.IngestionBatch{}}
	for _, src := range sources {
		s.sources[src.ID] = src
	}
	return s
}

func (s *fakeStore) GetSource(ctx context.Context, id uint) (*models.IngestionSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return nil, utils.ConfigurationMissing("ingestion source %d", id)
	}
	cp := *src
	return &cp, nil
}

func (s *fakeStore) CreateBatch(ctx context.Context, b *models.IngestionBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.batches[b.ID] = &cp
	return nil
}

func (s *fakeStore) GetBatch(ctx context.Context, id string) (*models.IngestionBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, utils.ConfigurationMissing("batch %s", id)
	}
	cp := *b
	return &cp, nil
}

func (s *fakeStore) SaveBatch(ctx context.Context, b *models.IngestionBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	cp := *b
	s.batches[b.ID] = &cp
	return nil
}

func (s *fakeStore) LastCompletedBatch(ctx context.Context, sourceId uint) (*models.IngestionBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.IngestionBatch
	for _, b := range s.batches {
		if b.SourceId != sourceId || !b.IsCompleted() {
			continue
		}
		if best == nil || b.StartedAt.After(best.StartedAt) {
			best = b
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (s *fakeStore) InsertRawRecords(ctx context.Context, records []models.RawRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.nextRaw++
		r.ID = s.nextRaw
		s.raw = append(s.raw, r)
	}
	return nil
}

func (s *fakeStore) ListBatches(ctx context.Context, f models.BatchFilter) ([]models.IngestionBatch, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.IngestionBatch
	for _, b := range s.batches {
		if f.TenantId != "" && b.TenantId != f.TenantId {
			continue
		}
		if f.SourceId != nil && b.SourceId != *f.SourceId {
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	total := int64(len(out))
	if f.Offset >= len(out) {
		return nil, total, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func (s *fakeStore) ListRawRecords(ctx context.Context, batchId string, limit, offset int) ([]models.RawRecord, int64, error) {
	rows := s.rawFor(batchId)
	total := int64(len(rows))
	if offset >= len(rows) {
		return nil, total, nil
	}
	rows = rows[offset:]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, total, nil
}

func (s *fakeStore) rawFor(batchId string) []models.RawRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RawRecord
	for _, r := range s.raw {
		if r.BatchId == batchId {
			out = append(out, r)
		}
	}
	return out
}

// scriptedFetcher replays pages in order and records every request.
type scriptedFetcher struct {
	mu       sync.Mutex
	pages    []Page
	errAt    map[int]error
	requests []PageRequest
	onFetch  func(call int)
}

func (f *scriptedFetcher) FetchPage(ctx context.Context, req PageRequest) (Page, error) {
	f.mu.Lock()
	call := len(f.requests)
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.onFetch != nil {
		f.onFetch(call)
	}
	if err, ok := f.errAt[call]; ok {
		return Page{}, err
	}
	if call >= len(f.pages) {
		return Page{}, nil
	}
	return f.pages[call], nil
}

func (f *scriptedFetcher) factory() FetcherFactory {
	return func(ctx context.Context, src *models.IngestionSource) (Fetcher, error) {
		return f, nil
	}
}

type fakeLeaser struct {
	mu   sync.Mutex
	held map[uint]bool
}

func newFakeLeaser() *fakeLeaser { return &fakeLeaser{held: map[uint]bool{}} }

func (l *fakeLeaser) Acquire(ctx context.Context, sourceId uint) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[sourceId] {
		return nil, utils.ErrLeaseNotObtained
	}
	l.held[sourceId] = true
	return &fakeLease{leaser: l, sourceId: sourceId}, nil
}

type fakeLease struct {
	leaser   *fakeLeaser
	sourceId uint
}

func (l *fakeLease) Refresh(ctx context.Context) error { return nil }

func (l *fakeLease) Release(ctx context.Context) error {
	l.leaser.mu.Lock()
	defer l.leaser.mu.Unlock()
	delete(l.leaser.held, l.sourceId)
	return nil
}

type memProgress struct {
	mu   sync.Mutex
	data map[string]Progress
}

func newMemProgress() *memProgress { return &memProgress{data: map[string]Progress{}} }

func (m *memProgress) Set(ctx context.Context, p Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[p.BatchId] = p
	return nil
}

func (m *memProgress) Get(ctx context.Context, batchId string) (*Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.data[batchId]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

type recordingObserver struct {
	mu      sync.Mutex
	batches []string
}

func (o *recordingObserver) BatchCompleted(ctx context.Context, b *models.IngestionBatch) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batches = append(o.batches, b.ID)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []BatchCompletedEvent
}

func (p *recordingPublisher) PublishBatchCompleted(ctx context.Context, evt BatchCompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

type recordingDispatcher struct {
	mu       sync.Mutex
	payloads []RunPayload
	err      error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, payload RunPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.payloads = append(d.payloads, payload)
	return nil
}
