package transform

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/mmdatafocus/datapipe_backend/models"
)

// EvaluateRule reports whether doc passes the promotion rule. A nil rule passes
// everything. Evaluation is total: unknown operators and uncomparable values
// evaluate to false instead of failing.
func EvaluateRule(node *models.RuleNode, doc map[string]any) bool {
	if node == nil {
		return true
	}
	return evalNode(*node, doc)
}

func evalNode(n models.RuleNode, doc map[string]any) bool {
	switch strings.ToLower(n.Op) {
	case models.RuleOpAnd:
		for _, c := range n.Children {
			if !evalNode(c, doc) {
				return false
			}
		}
		return true
	case models.RuleOpOr:
		for _, c := range n.Children {
			if evalNode(c, doc) {
				return true
			}
		}
		return false
	case models.RuleOpNot:
		if len(n.Children) != 1 {
			return false
		}
		return !evalNode(n.Children[0], doc)
	case models.RuleOpExists:
		_, ok := lookupPath(doc, n.Field)
		return ok
	case models.RuleOpIsNull:
		v, ok := lookupPath(doc, n.Field)
		return !ok || v == nil
	}

	v, ok := lookupPath(doc, n.Field)
	if !ok {
		return false
	}
	switch strings.ToLower(n.Op) {
	case models.RuleOpEq:
		return equalValues(v, n.Value)
	case models.RuleOpNeq:
		return !equalValues(v, n.Value)
	case models.RuleOpGt:
		c, ok := compareValues(v, n.Value)
		return ok && c > 0
	case models.RuleOpGte:
		c, ok := compareValues(v, n.Value)
		return ok && c >= 0
	case models.RuleOpLt:
		c, ok := compareValues(v, n.Value)
		return ok && c < 0
	case models.RuleOpLte:
		c, ok := compareValues(v, n.Value)
		return ok && c <= 0
	case models.RuleOpIn:
		list, ok := n.Value.([]any)
		if !ok {
			return false
		}
		for _, candidate := range list {
			if equalValues(v, candidate) {
				return true
			}
		}
		return false
	case models.RuleOpContains:
		switch hay := v.(type) {
		case string:
			needle, ok := n.Value.(string)
			return ok && strings.Contains(hay, needle)
		case []any:
			for _, item := range hay {
				if equalValues(item, n.Value) {
					return true
				}
			}
		}
		return false
	default:
		return false
	}
}

// equalValues compares numbers by value, so 5000 equals "5000.00" and 5e3.
func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if _, isBool := a.(bool); !isBool {
		if da, ok := toDecimal(a); ok {
			if db, ok := toDecimal(b); ok {
				return da.Equal(db)
			}
		}
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders two numbers, or two strings lexicographically (which orders ISO dates).
func compareValues(a, b any) (int, bool) {
	if da, ok := toDecimal(a); ok {
		if db, ok := toDecimal(b); ok {
			return da.Cmp(db), true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

var knownOps = map[string]bool{
	models.RuleOpAnd: true, models.RuleOpOr: true, models.RuleOpNot: true,
	models.RuleOpEq: true, models.RuleOpNeq: true,
	models.RuleOpGt: true, models.RuleOpGte: true, models.RuleOpLt: true, models.RuleOpLte: true,
	models.RuleOpIn: true, models.RuleOpContains: true,
	models.RuleOpExists: true, models.RuleOpIsNull: true,
}

// ValidateRule checks a rule tree before it is stored or previewed.
func ValidateRule(node *models.RuleNode) error {
	if node == nil {
		return nil
	}
	return validateNode(*node, "rule")
}

func validateNode(n models.RuleNode, at string) error {
	op := strings.ToLower(n.Op)
	if !knownOps[op] {
		return fmt.Errorf("%s: unknown operator %q", at, n.Op)
	}
	switch op {
	case models.RuleOpAnd, models.RuleOpOr:
		if len(n.Children) == 0 {
			return fmt.Errorf("%s: %s needs at least one child", at, op)
		}
	case models.RuleOpNot:
		if len(n.Children) != 1 {
			return fmt.Errorf("%s: not needs exactly one child", at)
		}
	default:
		if strings.TrimSpace(n.Field) == "" {
			return fmt.Errorf("%s: %s needs a field", at, op)
		}
		if op == models.RuleOpIn {
			if _, ok := n.Value.([]any); !ok {
				return fmt.Errorf("%s: in needs a list value", at)
			}
		}
	}
	for i, c := range n.Children {
		if err := validateNode(c, fmt.Sprintf("%s.%d", at, i)); err != nil {
			return err
		}
	}
	return nil
}
