package drift

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/datapipe_backend/config"
	"github.com/mmdatafocus/datapipe_backend/models"
	"github.com/sirupsen/logrus"
)

const (
	previewLength       = 5
	activeDriftWindow   = 5
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

var ErrNoDriftToAcknowledge = errors.New("batch has no drift alert")

type Store interface {
	GetSource(ctx context.Context, id uint) (*models.IngestionSource, error)
	GetBatch(ctx context.Context, id string) (*models.IngestionBatch, error)
	BaselineBatch(ctx context.Context, current *models.IngestionBatch) (*models.IngestionBatch, error)
	AppendBatchWarning(ctx context.Context, batchId string, w models.BatchWarning) error
	RecentBatches(ctx context.Context, sourceId uint, limit int) ([]models.IngestionBatch, error)
	BatchesWithWarning(ctx context.Context, sourceId uint, kind string, limit int) ([]models.IngestionBatch, error)
}

type Detector struct {
	store  Store
	policy CriticalPolicy
	logger *logrus.Logger
	now    func() time.Time
}

func NewDetector(store Store, policy CriticalPolicy) *Detector {
	return &Detector{
		store:  store,
		policy: policy,
		logger: config.GetLogger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// NewDetectorFromEnv uses DRIFT_CRITICAL_FIELDS for the critical field list.
func NewDetectorFromEnv(store Store) *Detector {
	return NewDetector(store, CriticalPolicy{Names: config.DriftCriticalFields()})
}

// DetectForBatch compares a batch with the newest earlier completed batch of its source.
func (d *Detector) DetectForBatch(ctx context.Context, batchId string) (*Report, error) {
	batch, err := d.store.GetBatch(ctx, batchId)
	if err != nil {
		return nil, err
	}
	return d.detect(ctx, batch)
}

func (d *Detector) detect(ctx context.Context, batch *models.IngestionBatch) (*Report, error) {
	current, err := batch.FingerprintValue()
	if err != nil {
		return nil, fmt.Errorf("batch %s fingerprint: %w", batch.ID, err)
	}
	baselineBatch, err := d.store.BaselineBatch(ctx, batch)
	if err != nil {
		return nil, err
	}
	var baseline *models.SchemaFingerprint
	if baselineBatch != nil {
		if baseline, err = baselineBatch.FingerprintValue(); err != nil {
			return nil, fmt.Errorf("baseline %s fingerprint: %w", baselineBatch.ID, err)
		}
	}
	report := DetectDrift(current, baseline, d.policy)
	report.BatchId = batch.ID
	if baselineBatch != nil {
		report.BaselineBatchId = baselineBatch.ID
	}
	return &report, nil
}

// CreateAlert appends a warning for HIGH and MEDIUM drift. Lower severities produce nothing.
func (d *Detector) CreateAlert(ctx context.Context, report *Report) (bool, error) {
	if report == nil || !report.HasDrift {
		return false, nil
	}
	if report.Severity != SeverityHigh && report.Severity != SeverityMedium {
		return false, nil
	}
	changes := make([]string, 0, len(report.TypeChanges))
	for _, tc := range report.TypeChanges {
		changes = append(changes, tc.String())
	}
	w := models.BatchWarning{
		Kind:     models.WarningKindSchemaDrift,
		Severity: report.Severity,
		Message: fmt.Sprintf("schema drift %s: %d missing (%d critical), %d added, %d type changes",
			report.Severity, len(report.Missing), len(report.CriticalMissing), len(report.Added), len(report.TypeChanges)),
		MissingFields:   Preview(report.Missing, previewLength),
		AddedFields:     Preview(report.Added, previewLength),
		TypeChanges:     Preview(changes, previewLength),
		BaselineBatchId: report.BaselineBatchId,
		CreatedAt:       d.now(),
	}
	if err := d.store.AppendBatchWarning(ctx, report.BatchId, w); err != nil {
		return false, err
	}
	return true, nil
}

// Preview keeps the first n names and appends a "+N more" marker for the rest.
func Preview(names []string, n int) []string {
	if len(names) <= n {
		return names
	}
	out := make([]string, 0, n+1)
	out = append(out, names[:n]...)
	return append(out, fmt.Sprintf("+%d more", len(names)-n))
}

// BatchCompleted runs detection as a side channel of ingestion. Failures are logged only.
func (d *Detector) BatchCompleted(ctx context.Context, batch *models.IngestionBatch) {
	report, err := d.detect(ctx, batch)
	if err != nil {
		config.LogError(d.logger, "drift", "BatchCompleted", "detect drift", batch.ID, err)
		return
	}
	alerted, err := d.CreateAlert(ctx, report)
	if err != nil {
		config.LogError(d.logger, "drift", "BatchCompleted", "append drift alert", batch.ID, err)
		return
	}
	if report.HasDrift {
		d.logger.WithFields(logrus.Fields{
			"batch_id":  batch.ID,
			"source_id": batch.SourceId,
			"tenant_id": batch.TenantId,
			"severity":  report.Severity,
			"alerted":   alerted,
		}).Warn("schema drift detected")
	}
}

type HistoryEntry struct {
	BatchId      string                `json:"batchId"`
	StartedAt    time.Time             `json:"startedAt"`
	Warnings     []models.BatchWarning `json:"warnings"`
	Acknowledged bool                  `json:"acknowledged"`
}

// DriftHistory lists the most recent drift-bearing batches of a source.
func (d *Detector) DriftHistory(ctx context.Context, sourceId uint, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	batches, err := d.store.BatchesWithWarning(ctx, sourceId, models.WarningKindSchemaDrift, limit)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(batches))
	for i := range batches {
		warnings, err := batches[i].WarningList()
		if err != nil {
			return nil, err
		}
		entry := HistoryEntry{BatchId: batches[i].ID, StartedAt: batches[i].StartedAt, Warnings: []models.BatchWarning{}}
		for _, w := range warnings {
			if w.Kind == models.WarningKindSchemaDrift || w.Kind == models.WarningKindDriftAcknowledged {
				entry.Warnings = append(entry.Warnings, w)
			}
		}
		entry.Acknowledged = !unresolved(warnings)
		out = append(out, entry)
	}
	return out, nil
}

// HasActiveDrift scans the last five batches for a drift alert with no later acknowledgement.
func (d *Detector) HasActiveDrift(ctx context.Context, sourceId uint) (bool, error) {
	batches, err := d.store.RecentBatches(ctx, sourceId, activeDriftWindow)
	if err != nil {
		return false, err
	}
	for i := range batches {
		warnings, err := batches[i].WarningList()
		if err != nil {
			return false, err
		}
		if unresolved(warnings) {
			return true, nil
		}
	}
	return false, nil
}

func unresolved(warnings []models.BatchWarning) bool {
	open := false
	for _, w := range warnings {
		switch w.Kind {
		case models.WarningKindSchemaDrift:
			open = true
		case models.WarningKindDriftAcknowledged:
			open = false
		}
	}
	return open
}

// Acknowledge resolves a batch's drift by appending an acknowledgement entry.
func (d *Detector) Acknowledge(ctx context.Context, batchId, username, note string) error {
	batch, err := d.store.GetBatch(ctx, batchId)
	if err != nil {
		return err
	}
	warnings, err := batch.WarningList()
	if err != nil {
		return err
	}
	if !unresolved(warnings) {
		return ErrNoDriftToAcknowledge
	}
	msg := "drift acknowledged"
	if note != "" {
		msg = msg + ": " + note
	}
	return d.store.AppendBatchWarning(ctx, batchId, models.BatchWarning{
		Kind:           models.WarningKindDriftAcknowledged,
		Message:        msg,
		AcknowledgedBy: username,
		CreatedAt:      d.now(),
	})
}

func (d *Detector) GetBatch(ctx context.Context, batchId string) (*models.IngestionBatch, error) {
	return d.store.GetBatch(ctx, batchId)
}

func (d *Detector) GetSource(ctx context.Context, sourceId uint) (*models.IngestionSource, error) {
	return d.store.GetSource(ctx, sourceId)
}
