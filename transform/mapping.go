package transform

import (
	"fmt"

	"github.com/mmdatafocus/datapipe_backend/models"
	"github.com/mmdatafocus/datapipe_backend/utils"
)

// ApplyMappings builds the canonical field set of one raw document. Each mapping
// reads its source path, falls back to the default when the value is missing or
// null, then transforms and casts. The first failing mapping fails the record.
func ApplyMappings(rawId uint64, doc map[string]any, mappings []models.FieldMapping) (map[string]any, error) {
	out := make(map[string]any, len(mappings))
	for i := range mappings {
		m := &mappings[i]
		v, err := applyMapping(m, doc)
		if err != nil {
			return nil, &utils.RecordError{
				RawRecordId: rawId,
				Stage:       "mapping:" + m.DestinationField,
				Message:     err.Error(),
			}
		}
		out[m.DestinationField] = v
	}
	return out, nil
}

func applyMapping(m *models.FieldMapping, doc map[string]any) (any, error) {
	v, found := lookupPath(doc, m.SourceField)
	if !found || v == nil {
		def, ok, err := m.Default()
		if err != nil {
			return nil, fmt.Errorf("default value: %w", err)
		}
		if ok {
			v = def
		}
	}
	v, err := ApplyTransform(m.TransformKind, m.TransformParams, v, doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", transformName(m.TransformKind), err)
	}
	v, err = Cast(v, m.DataType)
	if err != nil {
		return nil, fmt.Errorf("cast %s: %w", m.DataType, err)
	}
	return v, nil
}

func transformName(kind string) string {
	if kind == "" {
		return TransformDirect
	}
	return kind
}

// Snapshots freezes a mapping set for lineage.
func Snapshots(mappings []models.FieldMapping) []models.MappingSnapshot {
	out := make([]models.MappingSnapshot, 0, len(mappings))
	for i := range mappings {
		out = append(out, mappings[i].Snapshot())
	}
	return out
}
