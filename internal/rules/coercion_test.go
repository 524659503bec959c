package rules

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/solatis/segmentkeeper/internal/types"
)

func TestCheckOperand(t *testing.T) {
	tests := []struct {
		name      string
		valueType types.ValueType
		value     any
		want      any
		wantRule  string
	}{
		// amount
		{name: "amount: json number", valueType: types.ValueAmount, value: json.Number("100.50"), want: decimal.RequireFromString("100.5")},
		{name: "amount: integer literal", valueType: types.ValueAmount, value: 100, want: decimal.NewFromInt(100)},
		{name: "amount: float literal", valueType: types.ValueAmount, value: 0.1, want: decimal.RequireFromString("0.1")},
		{name: "amount: trailing zeros", valueType: types.ValueAmount, value: json.Number("10.500"), want: decimal.RequireFromString("10.5")},
		{name: "amount: three decimals", valueType: types.ValueAmount, value: json.Number("10.555"), wantRule: types.RulePrecision},
		{name: "amount: string rejected", valueType: types.ValueAmount, value: "100", wantRule: types.RuleTypeMismatch},
		{name: "amount: bool rejected", valueType: types.ValueAmount, value: true, wantRule: types.RuleTypeMismatch},
		{name: "amount: NaN rejected", valueType: types.ValueAmount, value: math.NaN(), wantRule: types.RuleTypeMismatch},
		{name: "amount: nil", valueType: types.ValueAmount, value: nil, wantRule: types.RuleValueRequired},

		// integer
		{name: "integer: json number", valueType: types.ValueInteger, value: json.Number("3"), want: int64(3)},
		{name: "integer: integral decimal", valueType: types.ValueInteger, value: json.Number("3.0"), want: int64(3)},
		{name: "integer: fractional", valueType: types.ValueInteger, value: json.Number("3.5"), wantRule: types.RuleTypeMismatch},
		{name: "integer: string rejected", valueType: types.ValueInteger, value: "3", wantRule: types.RuleTypeMismatch},
		{name: "integer: overflow", valueType: types.ValueInteger, value: json.Number("99999999999999999999"), wantRule: types.RuleInvalidValue},

		// number
		{name: "number: many decimals kept", valueType: types.ValueNumber, value: json.Number("1.23456"), want: decimal.RequireFromString("1.23456")},

		// date
		{name: "date: valid", valueType: types.ValueDate, value: "2024-02-29", want: Day{2024, time.February, 29}},
		{name: "date: invalid day", valueType: types.ValueDate, value: "2023-02-29", wantRule: types.RuleInvalidValue},
		{name: "date: timestamp rejected", valueType: types.ValueDate, value: "2024-01-01T00:00:00Z", wantRule: types.RuleInvalidValue},
		{name: "date: number rejected", valueType: types.ValueDate, value: json.Number("20240101"), wantRule: types.RuleTypeMismatch},

		// text
		{name: "text: valid", valueType: types.ValueText, value: "DE", want: "DE"},
		{name: "text: empty allowed", valueType: types.ValueText, value: "", want: ""},
		{name: "text: number rejected", valueType: types.ValueText, value: json.Number("1"), wantRule: types.RuleTypeMismatch},
		{name: "text: too long", valueType: types.ValueText, value: strings.Repeat("a", types.MaxTextValueLength+1), wantRule: types.RuleInvalidValue},

		// boolean
		{name: "boolean: true", valueType: types.ValueBoolean, value: true, want: true},
		{name: "boolean: string rejected", valueType: types.ValueBoolean, value: "true", wantRule: types.RuleTypeMismatch},
		{name: "boolean: number rejected", valueType: types.ValueBoolean, value: json.Number("1"), wantRule: types.RuleTypeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, oerr := checkOperand(tt.valueType, tt.value)
			if tt.wantRule != "" {
				if oerr == nil {
					t.Fatalf("checkOperand() = %v, want rule %s", got, tt.wantRule)
				}
				if oerr.rule != tt.wantRule {
					t.Errorf("checkOperand() rule = %s, want %s (%s)", oerr.rule, tt.wantRule, oerr.msg)
				}
				return
			}
			if oerr != nil {
				t.Fatalf("checkOperand() error = %s: %s, want nil", oerr.rule, oerr.msg)
			}
			if want, ok := tt.want.(decimal.Decimal); ok {
				gotDec, ok := got.(decimal.Decimal)
				if !ok || !gotDec.Equal(want) {
					t.Errorf("checkOperand() = %v, want %v", got, want)
				}
				return
			}
			if got != tt.want {
				t.Errorf("checkOperand() = %v (%T), want %v (%T)", got, got, tt.want, tt.want)
			}
		})
	}
}

func TestCheckWithinDays(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		want     int
		wantRule string
	}{
		{name: "zero", value: json.Number("0"), want: 0},
		{name: "ninety", value: json.Number("90"), want: 90},
		{name: "max", value: types.MaxWithinDays, want: types.MaxWithinDays},
		{name: "over max", value: types.MaxWithinDays + 1, wantRule: types.RuleInvalidValue},
		{name: "negative", value: json.Number("-1"), wantRule: types.RuleInvalidValue},
		{name: "fractional", value: json.Number("1.5"), wantRule: types.RuleInvalidValue},
		{name: "string", value: "30", wantRule: types.RuleTypeMismatch},
		{name: "missing", value: nil, wantRule: types.RuleValueRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, oerr := checkWithinDays(tt.value)
			if tt.wantRule != "" {
				if oerr == nil || oerr.rule != tt.wantRule {
					t.Fatalf("checkWithinDays(%v) = %v, %v, want rule %s", tt.value, got, oerr, tt.wantRule)
				}
				return
			}
			if oerr != nil {
				t.Fatalf("checkWithinDays(%v) error = %s", tt.value, oerr.msg)
			}
			if got != tt.want {
				t.Errorf("checkWithinDays(%v) = %d, want %d", tt.value, got, tt.want)
			}
		})
	}
}

func TestDay(t *testing.T) {
	d, ok := ParseDay("2024-12-31")
	if !ok {
		t.Fatal("ParseDay(2024-12-31) ok = false")
	}
	if got := d.AddDays(1).String(); got != "2025-01-01" {
		t.Errorf("AddDays(1) = %s, want 2025-01-01", got)
	}
	if got := d.AddDays(-366).String(); got != "2023-12-31" {
		t.Errorf("AddDays(-366) = %s, want 2023-12-31", got)
	}

	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	start := d.Start(berlin)
	if want := time.Date(2024, 12, 30, 23, 0, 0, 0, time.UTC); !start.Equal(want) {
		t.Errorf("Start(Berlin) = %v, want %v", start.UTC(), want)
	}
}
