package formula

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/datapipe_backend/config"
	"github.com/mmdatafocus/datapipe_backend/models"
	"github.com/mmdatafocus/datapipe_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

var tracer = otel.Tracer("datapipe/formula")

const canonicalPageSize = 500

var (
	ErrFormulaInactive = errors.New("formula is not active")
	ErrInvalidFeedback = errors.New("feedback score must be between 1 and 5")
)

// Store is the read side of the canonical model plus the execution log.
type Store interface {
	GetFormula(ctx context.Context, id uint) (*models.FormulaDefinition, error)
	CanonicalPage(ctx context.Context, tenantId, entityType string, afterId uint64, limit int) ([]models.CanonicalRecord, error)
	CreateExecutionLog(ctx context.Context, l *models.FormulaExecutionLog) error
	SetExecutionFeedback(ctx context.Context, logId uint, score int) error
}

type Evaluator struct {
	store    Store
	logger   *logrus.Logger
	now      func() time.Time
	pageSize int
}

type EvaluatorOption func(*Evaluator)

func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) { e.now = now }
}

func WithPageSize(n int) EvaluatorOption {
	return func(e *Evaluator) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

func NewEvaluator(store Store, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		store:    store,
		logger:   config.GetLogger(),
		now:      time.Now,
		pageSize: canonicalPageSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type EvaluateResult struct {
	Value     decimal.Decimal `json:"value"`
	Variables []string        `json:"variables"`
}

// Evaluate checks a formula against one sample scope. Nothing is logged or stored.
func (e *Evaluator) Evaluate(text string, scope map[string]any) (*EvaluateResult, error) {
	expr, err := Parse(text)
	if err != nil {
		return nil, err
	}
	v, err := expr.Eval(scope)
	if err != nil {
		return nil, err
	}
	return &EvaluateResult{Value: v, Variables: expr.Variables()}, nil
}

type KpiResult struct {
	FormulaId    uint            `json:"formulaId"`
	TenantId     string          `json:"tenantId"`
	Value        decimal.Decimal `json:"value"`
	Display      string          `json:"display"`
	InputCount   int             `json:"inputCount"`
	SkippedCount int             `json:"skippedCount"`
	DurationMs   int64           `json:"durationMs"`
	LogId        *uint           `json:"logId"`
}

// sampleInput is one bounded entry of the execution log's input sample.
type sampleInput struct {
	CanonicalId uint64         `json:"canonical_id"`
	NaturalId   string         `json:"natural_id"`
	Values      map[string]any `json:"values"`
	Error       string         `json:"error,omitempty"`
}

// CalculateKpi sums the formula over every canonical record of the tenant. Records
// that fail to evaluate contribute 0 and are counted as skipped. Every run of an
// active formula leaves an execution log, marked failed when the formula does not
// parse or the canonical read breaks off. The log is written on a best-effort
// basis; its failure does not change the result.
func (e *Evaluator) CalculateKpi(ctx context.Context, formulaId uint, tenantId, triggeredBy string) (*KpiResult, error) {
	def, err := e.store.GetFormula(ctx, formulaId)
	if err != nil {
		return nil, err
	}
	if def.TenantId != tenantId {
		return nil, utils.ConfigurationMissing("formula %d", formulaId)
	}
	if !def.IsActive {
		return nil, fmt.Errorf("formula %d: %w", formulaId, ErrFormulaInactive)
	}
	entry := &models.FormulaExecutionLog{
		FormulaId:   formulaId,
		TenantId:    tenantId,
		TriggeredBy: triggeredBy,
	}
	expr, err := Parse(def.Expression)
	if err != nil {
		e.saveLog(ctx, entry, nil, err)
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "formula.kpi", trace.WithAttributes(
		attribute.Int("formula.id", int(formulaId)),
		attribute.String("tenant.id", tenantId),
	))
	defer span.End()

	started := e.now()
	log := e.logger.WithFields(logrus.Fields{"formula_id": formulaId, "tenant_id": tenantId})
	total := decimal.Zero
	inputs, skipped := 0, 0
	sample := make([]sampleInput, 0, models.MaxFormulaInputSample)

	var afterId uint64
	for {
		page, err := e.store.CanonicalPage(ctx, tenantId, def.EntityType, afterId, e.pageSize)
		if len(page) == 0 && err == nil {
			break
		}
		var values []decimal.Decimal
		var errs []error
		if err == nil {
			values, errs, err = e.evaluatePage(ctx, expr, page)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			entry.InputCount, entry.SkippedCount = inputs, skipped
			entry.DurationMs = e.now().Sub(started).Milliseconds()
			e.saveLog(ctx, entry, sample, err)
			return nil, err
		}
		for i := range page {
			inputs++
			if errs[i] != nil {
				skipped++
				log.WithField("canonical_id", page[i].ID).Warn("formula evaluation skipped record: " + errs[i].Error())
			} else {
				total = total.Add(values[i])
			}
			if len(sample) < models.MaxFormulaInputSample {
				sample = append(sample, sampleOf(expr, &page[i], errs[i]))
			}
		}
		afterId = page[len(page)-1].ID
	}

	duration := e.now().Sub(started).Milliseconds()
	result := &KpiResult{
		FormulaId:    formulaId,
		TenantId:     tenantId,
		Value:        total,
		Display:      FormatValue(total, def.DisplayFormat),
		InputCount:   inputs,
		SkippedCount: skipped,
		DurationMs:   duration,
	}
	span.SetAttributes(attribute.Int("inputs", inputs), attribute.Int("skipped", skipped))

	entry.InputCount, entry.SkippedCount = inputs, skipped
	entry.Output = total
	entry.DurationMs = duration
	result.LogId = e.saveLog(ctx, entry, sample, nil)
	log.WithFields(logrus.Fields{"inputs": inputs, "skipped": skipped, "value": total.String()}).Info("kpi calculated")
	return result, nil
}

// saveLog writes entry as succeeded, or as failed with cause. It returns the log
// id, or nil when the write did not happen.
func (e *Evaluator) saveLog(ctx context.Context, entry *models.FormulaExecutionLog, sample []sampleInput, cause error) *uint {
	entry.Status = models.FormulaRunSucceeded
	if cause != nil {
		msg := cause.Error()
		entry.Status = models.FormulaRunFailed
		entry.ErrorMessage = &msg
	}
	if sample == nil {
		sample = []sampleInput{}
	}
	if data, err := json.Marshal(sample); err == nil {
		entry.InputSample = datatypes.JSON(data)
	}
	if err := e.store.CreateExecutionLog(context.WithoutCancel(ctx), entry); err != nil {
		config.LogError(e.logger, "formula", "CalculateKpi", "write execution log", entry.FormulaId, err)
		return nil
	}
	id := entry.ID
	return &id
}

// evaluatePage runs one page concurrently. Per-record errors come back in errs;
// only cancellation and unreadable rows are returned as err.
func (e *Evaluator) evaluatePage(ctx context.Context, expr *Expression, page []models.CanonicalRecord) ([]decimal.Decimal, []error, error) {
	values := make([]decimal.Decimal, len(page))
	errs := make([]error, len(page))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(config.KpiParallelism())
	for i := range page {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			scope, err := page[i].FieldMap()
			if err != nil {
				errs[i] = err
				return nil
			}
			values[i], errs[i] = expr.Eval(scope)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return values, errs, nil
}

func sampleOf(expr *Expression, rec *models.CanonicalRecord, evalErr error) sampleInput {
	s := sampleInput{CanonicalId: rec.ID, NaturalId: rec.NaturalId, Values: map[string]any{}}
	if scope, err := rec.FieldMap(); err == nil {
		for _, name := range expr.vars {
			v, ok := scope[name]
			if !ok {
				v, _ = utils.LookupPath(scope, name)
			}
			s.Values[name] = v
		}
	}
	if evalErr != nil {
		s.Error = evalErr.Error()
	}
	return s
}

// SubmitFeedback records a 1-5 user rating on an execution log.
func (e *Evaluator) SubmitFeedback(ctx context.Context, logId uint, score int) error {
	if score < 1 || score > 5 {
		return ErrInvalidFeedback
	}
	return e.store.SetExecutionFeedback(ctx, logId, score)
}

func (e *Evaluator) GetFormula(ctx context.Context, id uint) (*models.FormulaDefinition, error) {
	return e.store.GetFormula(ctx, id)
}
