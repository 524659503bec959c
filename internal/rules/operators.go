// internal/rules/operators.go
package rules

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

/*
 * Comparison operators for in-memory evaluation.
 *
 * Operands are already normalized by the compiler, and attribute values by
 * attributeValue, so each comparison switches on one Go type per value type.
 * A type disagreement between stored value and operand is a non-match.
 */

// compareOrdered returns -1, 0, 1 and ok=false when the pair is not comparable.
func compareOrdered(actual, operand any) (int, bool) {
	switch a := actual.(type) {
	case decimal.Decimal:
		b, ok := operand.(decimal.Decimal)
		if !ok {
			return 0, false
		}
		return a.Cmp(b), true
	case int64:
		b, ok := operand.(int64)
		if !ok {
			return 0, false
		}
		switch {
		case a < b:
			return -1, true
		case a > b:
			return 1, true
		}
		return 0, true
	case time.Time:
		b, ok := operand.(time.Time)
		if !ok {
			return 0, false
		}
		return a.Compare(b), true
	case string:
		b, ok := operand.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(a, b), true
	}
	return 0, false
}

func equalValues(actual, operand any) bool {
	if ab, ok := actual.(bool); ok {
		bb, ok := operand.(bool)
		return ok && ab == bb
	}
	c, ok := compareOrdered(actual, operand)
	return ok && c == 0
}

func evalCompare(op MatchOp, actual, operand any) bool {
	switch op {
	case MatchEq:
		return equalValues(actual, operand)
	case MatchNeq:
		return !equalValues(actual, operand)
	}
	c, ok := compareOrdered(actual, operand)
	if !ok {
		return false
	}
	switch op {
	case MatchGt:
		return c > 0
	case MatchGte:
		return c >= 0
	case MatchLt:
		return c < 0
	case MatchLte:
		return c <= 0
	}
	return false
}

func evalContains(actual, operand any) bool {
	a, ok := actual.(string)
	if !ok {
		return false
	}
	b, ok := operand.(string)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(a), strings.ToLower(b))
}

func evalIn(actual any, values []any) bool {
	for _, v := range values {
		if equalValues(actual, v) {
			return true
		}
	}
	return false
}

func evalHasAny(tags []string, values []any) bool {
	for _, tag := range tags {
		if evalIn(tag, values) {
			return true
		}
	}
	return false
}
