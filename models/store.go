package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/datapipe_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrDuplicateKey = errors.New("duplicate key")

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// Store is the gorm-backed persistence used by every pipeline stage.
type Store struct {
	conn func() *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{conn: func() *gorm.DB { return db }}
}

// NewStoreWith resolves the connection on every call, so a store can be built
// before the database is reachable.
func NewStoreWith(conn func() *gorm.DB) *Store {
	return &Store{conn: conn}
}

func (s *Store) DB() *gorm.DB { return s.conn() }

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ConfigurationMissing(format, args...)
	}
	return err
}

// ---- sources ----

func (s *Store) GetSource(ctx context.Context, id uint) (*IngestionSource, error) {
	var src IngestionSource
	if err := s.conn().WithContext(ctx).First(&src, id).Error; err != nil {
		return nil, notFound(err, "ingestion source %d", id)
	}
	return &src, nil
}

// ---- batches ----

func (s *Store) CreateBatch(ctx context.Context, b *IngestionBatch) error {
	err := s.conn().WithContext(ctx).Create(b).Error
	if isDuplicateKeyErr(err) {
		return fmt.Errorf("batch %s: %w", b.ID, ErrDuplicateKey)
	}
	return err
}

func (s *Store) GetBatch(ctx context.Context, id string) (*IngestionBatch, error) {
	var b IngestionBatch
	if err := s.conn().WithContext(ctx).Where("id = ?", id).First(&b).Error; err != nil {
		return nil, notFound(err, "batch %s", id)
	}
	return &b, nil
}

func (s *Store) SaveBatch(ctx context.Context, b *IngestionBatch) error {
	return s.conn().WithContext(ctx).Save(b).Error
}

// LastCompletedBatch returns the newest completed batch of the source, or nil.
func (s *Store) LastCompletedBatch(ctx context.Context, sourceId uint) (*IngestionBatch, error) {
	var b IngestionBatch
	err := s.conn().WithContext(ctx).
		Where("source_id = ? AND status = ? AND completed_at IS NOT NULL", sourceId, BatchStatusCompleted).
		Order("started_at DESC").
		First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// BaselineBatch returns the newest completed batch of the same source that started
// before the given batch and carries a fingerprint, or nil.
func (s *Store) BaselineBatch(ctx context.Context, current *IngestionBatch) (*IngestionBatch, error) {
	var b IngestionBatch
	err := s.conn().WithContext(ctx).
		Where("source_id = ? AND id <> ? AND status = ? AND fingerprint IS NOT NULL AND started_at <= ?",
			current.SourceId, current.ID, BatchStatusCompleted, current.StartedAt).
		Order("started_at DESC").
		First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// AppendBatchWarning appends w under a row lock so concurrent writers never drop entries.
func (s *Store) AppendBatchWarning(ctx context.Context, batchId string, w BatchWarning) error {
	return s.conn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var b IngestionBatch
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", batchId).First(&b).Error; err != nil {
			return notFound(err, "batch %s", batchId)
		}
		if err := b.AppendWarning(w); err != nil {
			return err
		}
		return tx.Model(&IngestionBatch{}).Where("id = ?", batchId).Update("warnings", b.Warnings).Error
	})
}

func (s *Store) RecentBatches(ctx context.Context, sourceId uint, limit int) ([]IngestionBatch, error) {
	var out []IngestionBatch
	err := s.conn().WithContext(ctx).
		Where("source_id = ?", sourceId).
		Order("started_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// BatchesWithWarning lists the newest batches whose warnings contain an entry of the given kind.
func (s *Store) BatchesWithWarning(ctx context.Context, sourceId uint, kind string, limit int) ([]IngestionBatch, error) {
	var out []IngestionBatch
	candidate := fmt.Sprintf(`{"kind":%q}`, kind)
	err := s.conn().WithContext(ctx).
		Where("source_id = ? AND warnings IS NOT NULL AND JSON_CONTAINS(warnings, ?)", sourceId, candidate).
		Order("started_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

type BatchFilter struct {
	TenantId string
	SourceId *uint
	Status   string
	Limit    int
	Offset   int
}

func (s *Store) ListBatches(ctx context.Context, f BatchFilter) ([]IngestionBatch, int64, error) {
	q := s.conn().WithContext(ctx).Model(&IngestionBatch{})
	if f.TenantId != "" {
		q = q.Where("tenant_id = ?", f.TenantId)
	}
	if f.SourceId != nil {
		q = q.Where("source_id = ?", *f.SourceId)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []IngestionBatch
	err := q.Order("started_at DESC").Limit(f.Limit).Offset(f.Offset).Find(&out).Error
	return out, total, err
}

// ---- raw records ----

func (s *Store) InsertRawRecords(ctx context.Context, records []RawRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.conn().WithContext(ctx).CreateInBatches(records, 500).Error
}

func (s *Store) ListRawRecords(ctx context.Context, batchId string, limit, offset int) ([]RawRecord, int64, error) {
	q := s.conn().WithContext(ctx).Model(&RawRecord{}).Where("batch_id = ?", batchId)
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []RawRecord
	err := q.Order("id ASC").Limit(limit).Offset(offset).Find(&out).Error
	return out, total, err
}

// RawRecordsAfter pages a batch in ingestion order using the id as cursor.
func (s *Store) RawRecordsAfter(ctx context.Context, batchId string, afterId uint64, limit int) ([]RawRecord, error) {
	var out []RawRecord
	err := s.conn().WithContext(ctx).
		Where("batch_id = ? AND id > ?", batchId, afterId).
		Order("id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// LatestRawRecords returns up to n of the newest raw records of a source.
func (s *Store) LatestRawRecords(ctx context.Context, sourceId uint, n int) ([]RawRecord, error) {
	var out []RawRecord
	err := s.conn().WithContext(ctx).
		Where("source_id = ?", sourceId).
		Order("id DESC").
		Limit(n).
		Find(&out).Error
	return out, err
}

// ---- mappings and rules ----

// ActiveMappings returns the mapping set valid at t: valid_from <= t < valid_until (or open-ended).
func (s *Store) ActiveMappings(ctx context.Context, sourceId uint, t time.Time) ([]FieldMapping, error) {
	var out []FieldMapping
	err := s.conn().WithContext(ctx).
		Where("source_id = ? AND is_active = ? AND valid_from <= ? AND (valid_until IS NULL OR valid_until > ?)",
			sourceId, true, t, t).
		Order("destination_field ASC, id ASC").
		Find(&out).Error
	return out, err
}

func (s *Store) PromotionRuleFor(ctx context.Context, sourceId uint) (*PromotionRule, error) {
	var r PromotionRule
	err := s.conn().WithContext(ctx).Where("source_id = ? AND is_active = ?", sourceId, true).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ---- canonical model ----

// CanonicalWriter is the set of writes applied inside one chunk transaction.
type CanonicalWriter interface {
	FindCanonical(tenantId, entityType, naturalId string) (*CanonicalRecord, error)
	InsertCanonical(rec *CanonicalRecord) error
	UpdateCanonical(rec *CanonicalRecord) error
	UpsertLineage(l *CanonicalLineage) error
}

type txWriter struct {
	tx *gorm.DB
}

func (w *txWriter) FindCanonical(tenantId, entityType, naturalId string) (*CanonicalRecord, error) {
	var rec CanonicalRecord
	err := w.tx.
		Where("tenant_id = ? AND entity_type = ? AND natural_id = ?", tenantId, entityType, naturalId).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (w *txWriter) InsertCanonical(rec *CanonicalRecord) error {
	err := w.tx.Create(rec).Error
	if isDuplicateKeyErr(err) {
		return fmt.Errorf("canonical %s/%s: %w", rec.EntityType, rec.NaturalId, ErrDuplicateKey)
	}
	return err
}

func (w *txWriter) UpdateCanonical(rec *CanonicalRecord) error {
	return w.tx.Save(rec).Error
}

func (w *txWriter) UpsertLineage(l *CanonicalLineage) error {
	return w.tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "canonical_record_id"}},
		UpdateAll: true,
	}).Create(l).Error
}

// RunInTx applies fn as one atomic unit. A returned error rolls back only this unit.
func (s *Store) RunInTx(ctx context.Context, fn func(CanonicalWriter) error) error {
	return s.conn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&txWriter{tx: tx})
	})
}

// MarkDiscontinued flags every canonical record of the tenant and entity type last seen
// before cutoff. Rows are never deleted.
func (s *Store) MarkDiscontinued(ctx context.Context, tenantId, entityType string, cutoff, at time.Time) (int64, error) {
	res := s.conn().WithContext(ctx).
		Model(&CanonicalRecord{}).
		Where("tenant_id = ? AND entity_type = ? AND last_seen_at < ? AND is_discontinued = ?", tenantId, entityType, cutoff, false).
		UpdateColumns(map[string]any{
			"is_discontinued": true,
			"discontinued_at": at,
		})
	return res.RowsAffected, res.Error
}

// CanonicalPage pages a tenant's canonical records by id. entityType may be empty.
func (s *Store) CanonicalPage(ctx context.Context, tenantId, entityType string, afterId uint64, limit int) ([]CanonicalRecord, error) {
	q := s.conn().WithContext(ctx).Where("tenant_id = ? AND id > ?", tenantId, afterId)
	if entityType != "" {
		q = q.Where("entity_type = ?", entityType)
	}
	var out []CanonicalRecord
	err := q.Order("id ASC").Limit(limit).Find(&out).Error
	return out, err
}

func (s *Store) GetCanonical(ctx context.Context, id uint64) (*CanonicalRecord, error) {
	var rec CanonicalRecord
	if err := s.conn().WithContext(ctx).First(&rec, id).Error; err != nil {
		return nil, notFound(err, "canonical record %d", id)
	}
	return &rec, nil
}

func (s *Store) GetLineage(ctx context.Context, canonicalId uint64) (*CanonicalLineage, error) {
	var l CanonicalLineage
	if err := s.conn().WithContext(ctx).Where("canonical_record_id = ?", canonicalId).First(&l).Error; err != nil {
		return nil, notFound(err, "lineage %d", canonicalId)
	}
	return &l, nil
}

// ---- formulas ----

func (s *Store) GetFormula(ctx context.Context, id uint) (*FormulaDefinition, error) {
	var f FormulaDefinition
	if err := s.conn().WithContext(ctx).First(&f, id).Error; err != nil {
		return nil, notFound(err, "formula %d", id)
	}
	return &f, nil
}

func (s *Store) CreateExecutionLog(ctx context.Context, l *FormulaExecutionLog) error {
	return s.conn().WithContext(ctx).Create(l).Error
}

func (s *Store) SetExecutionFeedback(ctx context.Context, logId uint, score int) error {
	res := s.conn().WithContext(ctx).Model(&FormulaExecutionLog{}).Where("id = ?", logId).Update("feedback_score", score)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ConfigurationMissing("formula execution log %d", logId)
	}
	return nil
}
