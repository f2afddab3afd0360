package utils

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// DecodeDocument decodes an untyped payload keeping numbers as json.Number,
// so large identifiers and money values survive without float rounding.
func DecodeDocument(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// LookupPath reads a dot path ("customer.address.city", "lines.0.sku") from a document.
// found is false when any segment is absent; a present null is found with a nil value.
func LookupPath(doc map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}
