package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/mmdatafocus/datapipe_backend/models"
	"github.com/mmdatafocus/datapipe_backend/utils"
)

const (
	FieldTypeString  = "string"
	FieldTypeInteger = "integer"
	FieldTypeNumber  = "number"
	FieldTypeBoolean = "boolean"
	FieldTypeObject  = "object"
	FieldTypeArray   = "array"
	FieldTypeNull    = "null"
)

// InferType names the JSON type of a value decoded with UseNumber.
func InferType(v any) string {
	switch t := v.(type) {
	case nil:
		return FieldTypeNull
	case string:
		return FieldTypeString
	case bool:
		return FieldTypeBoolean
	case json.Number:
		if _, err := t.Int64(); err == nil && !strings.ContainsAny(t.String(), ".eE") {
			return FieldTypeInteger
		}
		return FieldTypeNumber
	case float64, float32:
		return FieldTypeNumber
	case int, int32, int64:
		return FieldTypeInteger
	case map[string]any:
		return FieldTypeObject
	case []any:
		return FieldTypeArray
	default:
		return FieldTypeString
	}
}

// Fingerprint samples the first sampleSize documents. Non-object documents
// contribute no fields. A field's type comes from its first non-null value.
func Fingerprint(docs []any, sampleSize int) *models.SchemaFingerprint {
	if sampleSize <= 0 || sampleSize > len(docs) {
		sampleSize = len(docs)
	}
	types := make(map[string]string)
	for _, doc := range docs[:sampleSize] {
		obj, ok := doc.(map[string]any)
		if !ok {
			continue
		}
		for k, v := range obj {
			cur, seen := types[k]
			if seen && cur != FieldTypeNull {
				continue
			}
			types[k] = InferType(v)
		}
	}

	names := make([]string, 0, len(types))
	for k := range types {
		names = append(names, k)
	}
	sort.Strings(names)

	fp := &models.SchemaFingerprint{Fields: make([]models.FieldFingerprint, 0, len(names)), SampleSize: sampleSize}
	for _, n := range names {
		fp.Fields = append(fp.Fields, models.FieldFingerprint{Name: n, Type: types[n]})
	}
	return fp
}

// SchemaVersion is a short digest of a single document's top-level shape.
func SchemaVersion(doc any) string {
	obj, ok := doc.(map[string]any)
	if !ok {
		return InferType(doc)
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{':'})
		h.Write([]byte(InferType(obj[k])))
		h.Write([]byte{';'})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// decodeRecords decodes each raw record for fingerprinting. Undecodable bytes become nil.
func decodeRecords(raw []json.RawMessage) []any {
	out := make([]any, len(raw))
	for i, r := range raw {
		doc, err := utils.DecodeDocument(r)
		if err != nil {
			continue
		}
		out[i] = doc
	}
	return out
}
