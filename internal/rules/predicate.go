// internal/rules/predicate.go
package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/solatis/segmentkeeper/internal/types"
)

/*
 * Compiled predicate model.
 *
 * A Predicate is a tenant-scoped boolean expression over donor attributes,
 * ready for a donor store to execute. The expression is a small sum type:
 *
 *   All{Terms}   conjunction (empty All is true; the compiler never emits one)
 *   Any{Terms}   disjunction
 *   Atom         one comparison on one attribute
 *   Const        folded constant
 *
 * Atom operands are normalized:
 *
 *   amount, number  decimal.Decimal
 *   integer         int64
 *   date            time.Time instant (day bounds already applied)
 *   text            string
 *   boolean         bool
 *
 * Null semantics: an attribute is null when absent, SQL NULL, an empty
 * string, or an empty tag list. MatchNeq, MatchNotIn and MatchHasNone hold
 * for null; every other comparison is false for null.
 *
 * Predicate fields are unexported. Only Compile builds a scoped predicate,
 * so a store always has an organization to filter on.
 */

// MatchOp is the store-level comparison applied by an Atom.
type MatchOp int

const (
	MatchEq MatchOp = iota + 1
	MatchNeq
	MatchGt
	MatchGte
	MatchLt
	MatchLte
	MatchContains   // case-insensitive substring on text
	MatchIn         // scalar membership
	MatchNotIn      // scalar non-membership (null matches)
	MatchHasElement // tag list contains value
	MatchHasAny     // tag list intersects values
	MatchHasNone    // tag list disjoint from values (null matches)
	MatchSet        // non-null
	MatchUnset      // null
)

var matchOpNames = map[MatchOp]string{
	MatchEq:         "=",
	MatchNeq:        "!=",
	MatchGt:         ">",
	MatchGte:        ">=",
	MatchLt:         "<",
	MatchLte:        "<=",
	MatchContains:   "contains",
	MatchIn:         "in",
	MatchNotIn:      "not in",
	MatchHasElement: "has",
	MatchHasAny:     "has any",
	MatchHasNone:    "has none",
	MatchSet:        "is set",
	MatchUnset:      "is not set",
}

func (op MatchOp) String() string {
	if s, ok := matchOpNames[op]; ok {
		return s
	}
	return fmt.Sprintf("MatchOp(%d)", int(op))
}

// MatchesNull reports whether the operator holds for a null attribute.
func (op MatchOp) MatchesNull() bool {
	switch op {
	case MatchNeq, MatchNotIn, MatchHasNone, MatchUnset:
		return true
	}
	return false
}

// Expr is a compiled boolean expression.
type Expr interface {
	isExpr()
}

// All holds when every term holds.
type All struct {
	Terms []Expr
}

// Any holds when at least one term holds.
type Any struct {
	Terms []Expr
}

// Const is a folded constant.
type Const bool

// Atom compares one donor attribute.
type Atom struct {
	Field  types.DonorAttribute
	Path   []string // custom-field path segments; nil for built-ins
	Type   types.ValueType
	Op     MatchOp
	Value  any
	Values []any
}

func (All) isExpr()   {}
func (Any) isExpr()   {}
func (Const) isExpr() {}
func (Atom) isExpr()  {}

// Predicate is a compiled, tenant-scoped rule tree.
type Predicate struct {
	org  types.OrganizationID
	expr Expr
	loc  *time.Location
}

// OrganizationID returns the tenant every match is restricted to.
func (p Predicate) OrganizationID() types.OrganizationID { return p.org }

// Expr returns the compiled expression.
func (p Predicate) Expr() Expr { return p.expr }

// Location returns the reporting location used for day boundaries.
func (p Predicate) Location() *time.Location {
	if p.loc == nil {
		return time.UTC
	}
	return p.loc
}

// IsZero reports whether p was not produced by Compile.
func (p Predicate) IsZero() bool { return p.org == "" || p.expr == nil }

// String renders the predicate for logs and debugging.
func (p Predicate) String() string {
	if p.IsZero() {
		return "<unscoped>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "org=%s AND ", p.org)
	writeExpr(&b, p.expr)
	return b.String()
}

func writeExpr(b *strings.Builder, e Expr) {
	switch x := e.(type) {
	case All:
		writeTerms(b, x.Terms, " AND ")
	case Any:
		writeTerms(b, x.Terms, " OR ")
	case Const:
		if x {
			b.WriteString("TRUE")
		} else {
			b.WriteString("FALSE")
		}
	case Atom:
		b.WriteString(string(x.Field))
		b.WriteString(" ")
		b.WriteString(x.Op.String())
		switch {
		case x.Values != nil:
			b.WriteString(" [")
			for i, v := range x.Values {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(formatOperand(v))
			}
			b.WriteString("]")
		case x.Value != nil:
			b.WriteString(" ")
			b.WriteString(formatOperand(x.Value))
		}
	}
}

func writeTerms(b *strings.Builder, terms []Expr, sep string) {
	b.WriteString("(")
	for i, t := range terms {
		if i > 0 {
			b.WriteString(sep)
		}
		writeExpr(b, t)
	}
	b.WriteString(")")
}

func formatOperand(v any) string {
	switch x := v.(type) {
	case string:
		return fmt.Sprintf("%q", x)
	case decimal.Decimal:
		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%v", v)
}

// Capabilities is implemented by donor stores that cannot execute every atom.
// CheckAtom returns a *types.UnsupportedPredicateError for atoms it rejects.
type Capabilities interface {
	CheckAtom(a Atom) error
}

// CapabilitiesFunc adapts a function to Capabilities.
type CapabilitiesFunc func(a Atom) error

// CheckAtom implements Capabilities.
func (f CapabilitiesFunc) CheckAtom(a Atom) error { return f(a) }
