package transform

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/datapipe_backend/models"
)

const dateLayout = "2006-01-02"

// dateLayouts are tried in order when a string must become a time.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	dateLayout,
	"02/01/2006",
	"2006/01/02",
}

// Cast converts a mapped value to the destination data type. Null stays null.
// Numbers are emitted as json.Number so canonical JSON keeps the exact digits.
func Cast(value any, dataType string) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch dataType {
	case models.DataTypeString:
		return toString(value), nil

	case models.DataTypeInteger:
		d, ok := toDecimal(value)
		if !ok {
			return nil, fmt.Errorf("cannot cast %s to integer", describe(value))
		}
		if !d.IsInteger() {
			return nil, fmt.Errorf("%s is not a whole number", d.String())
		}
		return d.IntPart(), nil

	case models.DataTypeNumber:
		d, ok := toDecimal(value)
		if !ok {
			return nil, fmt.Errorf("cannot cast %s to number", describe(value))
		}
		return numberValue(d), nil

	case models.DataTypeDecimal:
		d, ok := toDecimal(value)
		if !ok {
			return nil, fmt.Errorf("cannot cast %s to decimal", describe(value))
		}
		return d.String(), nil

	case models.DataTypeBoolean:
		return castBool(value)

	case models.DataTypeDate:
		t, err := parseTime(value, "")
		if err != nil {
			return nil, err
		}
		return t.Format(dateLayout), nil

	case models.DataTypeDatetime:
		t, err := parseTime(value, "")
		if err != nil {
			return nil, err
		}
		return t.UTC().Format(time.RFC3339), nil

	case models.DataTypeJSON:
		return value, nil

	default:
		return nil, fmt.Errorf("unknown data type %q", dataType)
	}
}

func castBool(value any) (any, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "y", "on":
			return true, nil
		case "false", "0", "no", "n", "off", "":
			return false, nil
		}
		return nil, fmt.Errorf("cannot cast %q to boolean", v)
	}
	if d, ok := toDecimal(value); ok {
		return !d.IsZero(), nil
	}
	return nil, fmt.Errorf("cannot cast %s to boolean", describe(value))
}

// parseTime accepts time values, epoch seconds and strings. An explicit layout is tried first.
func parseTime(value any, layout string) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if layout != "" {
			return time.Parse(layout, s)
		}
		for _, l := range dateLayouts {
			if t, err := time.Parse(l, s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse %q as a date", s)
	}
	if d, ok := toDecimal(value); ok && d.IsInteger() {
		return time.Unix(d.IntPart(), 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("cannot parse %s as a date", describe(value))
}

func describe(v any) string {
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case bool:
		return "boolean"
	case json.Number:
		return "number " + toString(v)
	case string:
		return fmt.Sprintf("%q", v)
	default:
		return fmt.Sprintf("%T", v)
	}
}
