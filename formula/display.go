package formula

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatValue renders a KPI for display. Formats: "" (exact), "integer",
// "decimal:N", "percent" and "percent:N" (value is a ratio), "currency:CODE".
func FormatValue(v decimal.Decimal, format string) string {
	kind, arg, _ := strings.Cut(strings.TrimSpace(format), ":")
	switch strings.ToLower(kind) {
	case "integer":
		return v.Round(0).String()
	case "decimal":
		return v.StringFixed(places(arg, 2))
	case "percent":
		return v.Mul(decimal.NewFromInt(100)).StringFixed(places(arg, 1)) + "%"
	case "currency":
		code := strings.ToUpper(strings.TrimSpace(arg))
		if code == "" {
			return v.StringFixed(2)
		}
		return code + " " + v.StringFixed(2)
	default:
		return v.String()
	}
}

func places(arg string, def int32) int32 {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || n < 0 || n > 12 {
		return def
	}
	return int32(n)
}
