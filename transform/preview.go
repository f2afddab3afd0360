package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mmdatafocus/datapipe_backend/models"
	"github.com/mmdatafocus/datapipe_backend/utils"
	"gorm.io/datatypes"
)

const (
	defaultPreviewSample = 5
	maxPreviewSample     = 50
)

type MappingInput struct {
	SourceField      string          `json:"sourceField" validate:"required,max=255"`
	DestinationField string          `json:"destinationField" validate:"required,max=255"`
	DataType         string          `json:"dataType" validate:"required,oneof=string integer number decimal boolean date datetime json"`
	TransformKind    string          `json:"transformKind" validate:"omitempty,max=30"`
	TransformParams  map[string]any  `json:"transformParams"`
	DefaultValue     json.RawMessage `json:"defaultValue"`
}

type PreviewRequest struct {
	Mappings   []MappingInput   `json:"mappings" validate:"required,min=1,dive"`
	Rule       *models.RuleNode `json:"rule"`
	SampleSize int              `json:"sampleSize" validate:"omitempty,min=1,max=50"`
}

type PreviewRow struct {
	RawRecordId uint64         `json:"rawRecordId"`
	Input       any            `json:"input"`
	Output      map[string]any `json:"output,omitempty"`
	Promoted    bool           `json:"promoted"`
	Error       string         `json:"error,omitempty"`
}

type PreviewResult struct {
	SourceId uint         `json:"sourceId"`
	Rows     []PreviewRow `json:"rows"`
}

// ErrInvalidMapping is returned for a preview request whose mappings or rule cannot run.
var ErrInvalidMapping = errors.New("invalid mapping definition")

// toFieldMappings validates a draft mapping set the same way transformation would use it.
func (r *PreviewRequest) toFieldMappings(sourceId uint) ([]models.FieldMapping, error) {
	if err := utils.ValidateStruct(r); err != nil {
		return nil, err
	}
	if err := ValidateRule(r.Rule); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMapping, err)
	}
	seen := map[string]bool{}
	out := make([]models.FieldMapping, 0, len(r.Mappings))
	for i, in := range r.Mappings {
		if seen[in.DestinationField] {
			return nil, fmt.Errorf("%w: destination %q mapped twice", ErrInvalidMapping, in.DestinationField)
		}
		seen[in.DestinationField] = true
		if err := ValidateTransform(in.TransformKind, in.TransformParams); err != nil {
			return nil, fmt.Errorf("%w: mapping %d: %v", ErrInvalidMapping, i, err)
		}
		m := models.FieldMapping{
			SourceId:         sourceId,
			SourceField:      in.SourceField,
			DestinationField: in.DestinationField,
			DataType:         in.DataType,
			TransformKind:    in.TransformKind,
			TransformParams:  datatypes.JSONMap(in.TransformParams),
			DefaultValue:     datatypes.JSON(in.DefaultValue),
			IsActive:         true,
		}
		if _, _, err := m.Default(); err != nil {
			return nil, fmt.Errorf("%w: mapping %d default: %v", ErrInvalidMapping, i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// PreviewMapping runs a draft mapping set over the newest raw records of a source.
// Nothing is written.
func (e *Engine) PreviewMapping(ctx context.Context, sourceId uint, req PreviewRequest) (*PreviewResult, error) {
	if _, err := e.store.GetSource(ctx, sourceId); err != nil {
		return nil, err
	}
	mappings, err := req.toFieldMappings(sourceId)
	if err != nil {
		return nil, err
	}
	n := req.SampleSize
	if n <= 0 {
		n = defaultPreviewSample
	}
	if n > maxPreviewSample {
		n = maxPreviewSample
	}
	raws, err := e.store.LatestRawRecords(ctx, sourceId, n)
	if err != nil {
		return nil, err
	}

	result := &PreviewResult{SourceId: sourceId, Rows: make([]PreviewRow, 0, len(raws))}
	for i := range raws {
		row := PreviewRow{RawRecordId: raws[i].ID}
		decoded, err := raws[i].Document()
		if err != nil {
			row.Error = err.Error()
			result.Rows = append(result.Rows, row)
			continue
		}
		row.Input = decoded
		doc, ok := decoded.(map[string]any)
		if !ok {
			row.Error = "payload is not an object"
			result.Rows = append(result.Rows, row)
			continue
		}
		row.Promoted = EvaluateRule(req.Rule, doc)
		fields, err := ApplyMappings(raws[i].ID, doc, mappings)
		if err != nil {
			row.Error = err.Error()
		} else {
			row.Output = fields
		}
		result.Rows = append(result.Rows, row)
	}
	return result, nil
}
