package transform

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mmdatafocus/datapipe_backend/utils"
	"github.com/shopspring/decimal"
)

const (
	TransformDirect       = "direct"
	TransformUppercase    = "uppercase"
	TransformLowercase    = "lowercase"
	TransformTrim         = "trim"
	TransformSubstring    = "substring"
	TransformRegexReplace = "regex_replace"
	TransformConcat       = "concat"
	TransformScale        = "scale"
	TransformRound        = "round"
	TransformDateParse    = "date_parse"
	TransformDateFormat   = "date_format"
	TransformDateShift    = "date_shift"
	TransformLookup       = "lookup"
	TransformPhoneE164    = "phone_e164"
)

// TransformKinds lists every supported transform, for request validation.
var TransformKinds = []string{
	TransformDirect, TransformUppercase, TransformLowercase, TransformTrim,
	TransformSubstring, TransformRegexReplace, TransformConcat, TransformScale,
	TransformRound, TransformDateParse, TransformDateFormat, TransformDateShift,
	TransformLookup, TransformPhoneE164,
}

type fieldTransform func(value any, params map[string]any, doc map[string]any) (any, error)

var transforms = map[string]fieldTransform{
	TransformDirect:       func(v any, _ map[string]any, _ map[string]any) (any, error) { return v, nil },
	TransformUppercase:    stringTransform(strings.ToUpper),
	TransformLowercase:    stringTransform(strings.ToLower),
	TransformTrim:         stringTransform(strings.TrimSpace),
	TransformSubstring:    substring,
	TransformRegexReplace: regexReplace,
	TransformConcat:       concat,
	TransformScale:        scale,
	TransformRound:        round,
	TransformDateParse:    dateParse,
	TransformDateFormat:   dateFormat,
	TransformDateShift:    dateShift,
	TransformLookup:       lookup,
	TransformPhoneE164:    phoneE164,
}

// ApplyTransform runs one named transform. An empty kind means direct.
// doc is the whole raw document, for transforms that read sibling fields.
func ApplyTransform(kind string, params map[string]any, value any, doc map[string]any) (any, error) {
	if kind == "" {
		kind = TransformDirect
	}
	fn, ok := transforms[kind]
	if !ok {
		return nil, fmt.Errorf("unknown transform %q", kind)
	}
	if value == nil && kind != TransformConcat {
		return nil, nil
	}
	return fn(value, params, doc)
}

// ValidateTransform checks the parameters a transform needs before it is used.
func ValidateTransform(kind string, params map[string]any) error {
	if kind == "" {
		return nil
	}
	if _, ok := transforms[kind]; !ok {
		return fmt.Errorf("unknown transform %q", kind)
	}
	switch kind {
	case TransformRegexReplace:
		pattern := paramString(params, "pattern", "")
		if pattern == "" {
			return fmt.Errorf("regex_replace needs a pattern")
		}
		_, err := compileRegex(pattern)
		return err
	case TransformScale:
		if _, ok := paramDecimal(params, "factor"); !ok {
			return fmt.Errorf("scale needs a numeric factor")
		}
	case TransformLookup:
		if _, ok := params["table"].(map[string]any); !ok {
			return fmt.Errorf("lookup needs a table object")
		}
	case TransformSubstring:
		if _, ok := paramInt(params, "start"); !ok {
			return fmt.Errorf("substring needs a start index")
		}
	}
	return nil
}

func stringTransform(fn func(string) string) fieldTransform {
	return func(v any, _ map[string]any, _ map[string]any) (any, error) {
		return fn(toString(v)), nil
	}
}

// substring works on runes; start and length are clamped to the value.
func substring(v any, params map[string]any, _ map[string]any) (any, error) {
	runes := []rune(toString(v))
	start, _ := paramInt(params, "start")
	if start < 0 {
		start = 0
	}
	if start > len(runes) {
		start = len(runes)
	}
	end := len(runes)
	if length, ok := paramInt(params, "length"); ok && length >= 0 && start+length < end {
		end = start + length
	}
	return string(runes[start:end]), nil
}

var regexCache sync.Map

func compileRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	regexCache.Store(pattern, re)
	return re, nil
}

func regexReplace(v any, params map[string]any, _ map[string]any) (any, error) {
	re, err := compileRegex(paramString(params, "pattern", ""))
	if err != nil {
		return nil, err
	}
	return re.ReplaceAllString(toString(v), paramString(params, "replacement", "")), nil
}

// concat joins the value with params.fields (dot paths into the document), skipping nulls.
func concat(v any, params map[string]any, doc map[string]any) (any, error) {
	parts := []string{}
	if v != nil {
		parts = append(parts, toString(v))
	}
	if fields, ok := params["fields"].([]any); ok {
		for _, f := range fields {
			path, ok := f.(string)
			if !ok {
				continue
			}
			if fv, found := lookupPath(doc, path); found && fv != nil {
				parts = append(parts, toString(fv))
			}
		}
	}
	if len(parts) == 0 {
		return nil, nil
	}
	return strings.Join(parts, paramString(params, "separator", " ")), nil
}

func scale(v any, params map[string]any, _ map[string]any) (any, error) {
	d, ok := toDecimal(v)
	if !ok {
		return nil, fmt.Errorf("scale: %s is not numeric", describe(v))
	}
	factor, ok := paramDecimal(params, "factor")
	if !ok {
		return nil, fmt.Errorf("scale needs a numeric factor")
	}
	return numberValue(d.Mul(factor)), nil
}

func round(v any, params map[string]any, _ map[string]any) (any, error) {
	d, ok := toDecimal(v)
	if !ok {
		return nil, fmt.Errorf("round: %s is not numeric", describe(v))
	}
	places, _ := paramInt(params, "places")
	return numberValue(d.Round(int32(places))), nil
}

func dateParse(v any, params map[string]any, _ map[string]any) (any, error) {
	t, err := parseTime(v, paramString(params, "layout", ""))
	if err != nil {
		return nil, err
	}
	if tz := paramString(params, "timezone", ""); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, err
		}
		t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
	}
	return t.UTC(), nil
}

func dateFormat(v any, params map[string]any, _ map[string]any) (any, error) {
	t, err := parseTime(v, paramString(params, "input_layout", ""))
	if err != nil {
		return nil, err
	}
	return t.Format(paramString(params, "layout", dateLayout)), nil
}

func dateShift(v any, params map[string]any, _ map[string]any) (any, error) {
	t, err := parseTime(v, "")
	if err != nil {
		return nil, err
	}
	days, _ := paramInt(params, "days")
	hours, _ := paramInt(params, "hours")
	return t.AddDate(0, 0, days).Add(time.Duration(hours) * time.Hour).UTC(), nil
}

// lookup maps the value through params.table. Unknown keys keep the original value.
func lookup(v any, params map[string]any, _ map[string]any) (any, error) {
	table, _ := params["table"].(map[string]any)
	if mapped, ok := table[toString(v)]; ok {
		return mapped, nil
	}
	return v, nil
}

func phoneE164(v any, params map[string]any, _ map[string]any) (any, error) {
	return utils.FormatPhoneE164(toString(v), paramString(params, "region", utils.CountryCode))
}

func paramString(params map[string]any, key, def string) string {
	if s, ok := params[key].(string); ok && s != "" {
		return s
	}
	return def
}

func paramInt(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	case nil:
		return 0, false
	}
	d, ok := toDecimal(params[key])
	if !ok {
		return 0, false
	}
	return int(d.IntPart()), true
}

func paramDecimal(params map[string]any, key string) (decimal.Decimal, bool) {
	if params[key] == nil {
		return decimal.Zero, false
	}
	return toDecimal(params[key])
}
