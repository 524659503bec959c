// internal/rules/coercion.go
package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/solatis/segmentkeeper/internal/types"
)

/*
 * Operand checking for rule conditions.
 *
 * Unlike runtime coercion, operands are checked once at validation time and
 * never converted between kinds: a string "100" is not an amount, a number 1
 * is not a boolean. Accepted inputs normalize to a single Go representation
 * per value type so the compiler and evaluator see one shape:
 *
 *   amount, number  -> decimal.Decimal
 *   integer         -> int64
 *   date            -> Day
 *   text            -> string
 *   boolean         -> bool
 *
 * Numeric operands arrive as json.Number (decoder uses UseNumber) or as Go
 * numeric literals when rules are built in code. Floats are converted through
 * their shortest decimal representation so 0.1 stays 0.1.
 */

// DateLayout is the only accepted operand format for date fields.
const DateLayout = "2006-01-02"

// Day is a calendar date without zone. It becomes an instant range only when
// the compiler applies the organization's reporting location.
type Day struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseDay parses a YYYY-MM-DD operand.
func ParseDay(s string) (Day, bool) {
	if len(s) != len(DateLayout) {
		return Day{}, false
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Day{}, false
	}
	return DayOf(t), true
}

// DayOf returns the calendar date of t in t's own location.
func DayOf(t time.Time) Day {
	y, m, d := t.Date()
	return Day{Year: y, Month: m, Day: d}
}

// Start returns midnight of the day in loc.
func (d Day) Start(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// AddDays shifts the date by n calendar days.
func (d Day) AddDays(n int) Day {
	return DayOf(time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, time.UTC))
}

func (d Day) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// operandError carries the rule code for a rejected operand.
type operandError struct {
	rule string
	msg  string
}

func mismatch(format string, args ...any) *operandError {
	return &operandError{rule: types.RuleTypeMismatch, msg: fmt.Sprintf(format, args...)}
}

// checkOperand validates a scalar operand against t and returns its normalized form.
func checkOperand(t types.ValueType, v any) (any, *operandError) {
	if v == nil {
		return nil, &operandError{rule: types.RuleValueRequired, msg: "value is required"}
	}
	switch t {
	case types.ValueAmount:
		d, ok := toDecimal(v)
		if !ok {
			return nil, mismatch("expected amount, got %s", describe(v))
		}
		if d.Exponent() < -types.AmountScale && !d.Equal(d.Round(types.AmountScale)) {
			return nil, &operandError{
				rule: types.RulePrecision,
				msg:  fmt.Sprintf("amount %s has more than %d decimal places", d, types.AmountScale),
			}
		}
		return d, nil
	case types.ValueNumber:
		d, ok := toDecimal(v)
		if !ok {
			return nil, mismatch("expected number, got %s", describe(v))
		}
		return d, nil
	case types.ValueInteger:
		d, ok := toDecimal(v)
		if !ok {
			return nil, mismatch("expected integer, got %s", describe(v))
		}
		if !d.IsInteger() {
			return nil, mismatch("expected integer, got %s", d)
		}
		if d.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || d.LessThan(decimal.NewFromInt(math.MinInt64)) {
			return nil, &operandError{rule: types.RuleInvalidValue, msg: "integer out of range"}
		}
		return d.IntPart(), nil
	case types.ValueDate:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch("expected date string YYYY-MM-DD, got %s", describe(v))
		}
		day, ok := ParseDay(s)
		if !ok {
			return nil, &operandError{rule: types.RuleInvalidValue, msg: fmt.Sprintf("invalid date %q, want YYYY-MM-DD", s)}
		}
		return day, nil
	case types.ValueText:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch("expected text, got %s", describe(v))
		}
		if utf8.RuneCountInString(s) > types.MaxTextValueLength {
			return nil, &operandError{
				rule: types.RuleInvalidValue,
				msg:  fmt.Sprintf("text exceeds %d characters", types.MaxTextValueLength),
			}
		}
		return s, nil
	case types.ValueBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, mismatch("expected boolean, got %s", describe(v))
		}
		return b, nil
	}
	return nil, mismatch("field type %s has no scalar operands", t)
}

// checkWithinDays validates the day count operand of within_days.
func checkWithinDays(v any) (int, *operandError) {
	if v == nil {
		return 0, &operandError{rule: types.RuleValueRequired, msg: "value is required"}
	}
	d, ok := toDecimal(v)
	if !ok {
		return 0, mismatch("within_days expects a day count, got %s", describe(v))
	}
	if !d.IsInteger() || d.IsNegative() || d.GreaterThan(decimal.NewFromInt(types.MaxWithinDays)) {
		return 0, &operandError{
			rule: types.RuleInvalidValue,
			msg:  fmt.Sprintf("within_days must be a whole number between 0 and %d", types.MaxWithinDays),
		}
	}
	return int(d.IntPart()), nil
}

// toDecimal accepts JSON numbers and Go numeric values. Strings are rejected.
func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(string(n))
		return d, err == nil
	case decimal.Decimal:
		return n, true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(n), true
	case float32:
		f := float64(n)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	}
	return decimal.Decimal{}, false
}

// asList accepts the list forms an in/not_in operand can take.
func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []int64:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, true
	case []int:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, true
	case []float64:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

func describe(v any) string {
	switch v.(type) {
	case string:
		return "text"
	case bool:
		return "boolean"
	case json.Number, float64, float32, int, int32, int64, decimal.Decimal:
		return "number"
	case []any, []string, []int, []int64, []float64:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
