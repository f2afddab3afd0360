package drift

import (
	"sort"
	"strings"
	"unicode"

	"github.com/mmdatafocus/datapipe_backend/models"
)

const (
	SeverityNone   = "NONE"
	SeverityLow    = "LOW"
	SeverityMedium = "MEDIUM"
	SeverityHigh   = "HIGH"
)

const (
	highMissingRatio   = 0.20
	mediumMissingRatio = 0.10
	highAddedCount     = 5
	mediumAddedCount   = 2
)

type TypeChange struct {
	Field string `json:"field"`
	From  string `json:"from"`
	To    string `json:"to"`
}

func (tc TypeChange) String() string {
	return tc.Field + ":" + tc.From + "->" + tc.To
}

// Report is the structural difference between a batch and its baseline.
type Report struct {
	BatchId         string       `json:"batchId"`
	BaselineBatchId string       `json:"baselineBatchId,omitempty"`
	HasDrift        bool         `json:"hasDrift"`
	Severity        string       `json:"severity"`
	Missing         []string     `json:"missing"`
	Added           []string     `json:"added"`
	TypeChanges     []TypeChange `json:"typeChanges"`
	CriticalMissing []string     `json:"criticalMissing"`
	MissingRatio    float64      `json:"missingRatio"`
}

// CriticalPolicy decides which field names are critical. Configured names match
// case-insensitively; otherwise identifier-like and monetary-like names are critical.
type CriticalPolicy struct {
	Names []string
}

var monetaryWords = map[string]bool{
	"cost": true, "price": true, "amount": true, "rate": true, "total": true, "fee": true,
}

func (p CriticalPolicy) IsCritical(field string) bool {
	for _, n := range p.Names {
		if strings.EqualFold(strings.TrimSpace(n), field) {
			return true
		}
	}
	words := splitWords(field)
	if len(words) == 0 {
		return false
	}
	if words[len(words)-1] == "id" || field == "uuid" {
		return true
	}
	for _, w := range words {
		if monetaryWords[w] {
			return true
		}
	}
	return false
}

// splitWords breaks snake_case, kebab-case, dotted and camelCase names into lowercase words.
func splitWords(name string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	runes := []rune(name)
	for i, r := range runes {
		switch {
		case r == '_' || r == '-' || r == '.' || unicode.IsSpace(r):
			flush()
		case unicode.IsUpper(r):
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))) {
				flush()
			}
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return words
}

// DetectDrift compares current with baseline. A nil baseline means no drift.
func DetectDrift(current, baseline *models.SchemaFingerprint, policy CriticalPolicy) Report {
	report := Report{
		Severity:        SeverityNone,
		Missing:         []string{},
		Added:           []string{},
		TypeChanges:     []TypeChange{},
		CriticalMissing: []string{},
	}
	if baseline == nil || current == nil {
		return report
	}

	base := baseline.Types()
	cur := current.Types()
	for name, baseType := range base {
		curType, ok := cur[name]
		if !ok {
			report.Missing = append(report.Missing, name)
			if policy.IsCritical(name) {
				report.CriticalMissing = append(report.CriticalMissing, name)
			}
			continue
		}
		if curType != baseType {
			report.TypeChanges = append(report.TypeChanges, TypeChange{Field: name, From: baseType, To: curType})
		}
	}
	for name := range cur {
		if _, ok := base[name]; !ok {
			report.Added = append(report.Added, name)
		}
	}
	sort.Strings(report.Missing)
	sort.Strings(report.Added)
	sort.Strings(report.CriticalMissing)
	sort.Slice(report.TypeChanges, func(i, j int) bool { return report.TypeChanges[i].Field < report.TypeChanges[j].Field })

	if len(base) > 0 {
		report.MissingRatio = float64(len(report.Missing)) / float64(len(base))
	}
	report.HasDrift = len(report.Missing) > 0 || len(report.Added) > 0 || len(report.TypeChanges) > 0
	if report.HasDrift {
		report.Severity = classify(report)
	}
	return report
}

// classify applies the first matching rule: HIGH, then MEDIUM, else LOW.
func classify(r Report) string {
	added := len(r.Added)
	switch {
	case len(r.CriticalMissing) > 0, r.MissingRatio > highMissingRatio, added > highAddedCount:
		return SeverityHigh
	case r.MissingRatio > mediumMissingRatio, added > mediumAddedCount:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
