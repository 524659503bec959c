// internal/rules/cost.go
package rules

import "github.com/solatis/segmentkeeper/internal/types"

/*
 * Cost model for predicate term ordering.
 *
 * Cost formula for an atom: lookup_cost + operator_cost * type_multiplier.
 * Compound terms cost the sum of their children. Compile stable-sorts the
 * terms of every All/Any by ascending cost so cheap column comparisons run
 * before tag subqueries and JSON extraction, both in SQL (planner hint order
 * for short-circuit) and in Predicate.Matches.
 *
 * Lookup costs reflect where the attribute lives:
 *   column        donors.<col>
 *   tags          EXISTS subquery on donor_tags
 *   custom field  JSON extraction, per path segment
 */

const (
	// Operator base costs
	CostSet      = 1
	CostEq       = 5
	CostRange    = 7
	CostIn       = 8
	CostContains = 10

	// Attribute lookup costs
	CostLookupColumn     = 1
	CostLookupTags       = 64
	CostLookupPerSegment = 128

	// Value type multipliers
	MultiplierInt    = 1
	MultiplierBool   = 1
	MultiplierAmount = 4
	MultiplierDate   = 4
	MultiplierString = 48
	MultiplierList   = 128
)

// ExprCost computes the evaluation cost of an expression.
func ExprCost(e Expr) int {
	switch x := e.(type) {
	case Const:
		return 0
	case Atom:
		return AtomCost(x)
	case All:
		return termsCost(x.Terms)
	case Any:
		return termsCost(x.Terms)
	}
	return 0
}

func termsCost(terms []Expr) int {
	total := 0
	for _, t := range terms {
		total += ExprCost(t)
	}
	return total
}

// AtomCost computes cost for a single comparison.
func AtomCost(a Atom) int {
	lookup := CostLookupColumn
	switch {
	case a.Field.IsCustom():
		lookup = CostLookupPerSegment * len(a.Path)
	case a.Type == types.ValueTextList:
		lookup = CostLookupTags
	}
	return lookup + operatorCost(a.Op)*typeMultiplier(a.Type)
}

func operatorCost(op MatchOp) int {
	switch op {
	case MatchSet, MatchUnset:
		return CostSet
	case MatchEq, MatchNeq:
		return CostEq
	case MatchGt, MatchGte, MatchLt, MatchLte:
		return CostRange
	case MatchIn, MatchNotIn, MatchHasAny, MatchHasNone:
		return CostIn
	case MatchContains, MatchHasElement:
		return CostContains
	default:
		return CostEq
	}
}

func typeMultiplier(t types.ValueType) int {
	switch t {
	case types.ValueInteger:
		return MultiplierInt
	case types.ValueBoolean:
		return MultiplierBool
	case types.ValueAmount, types.ValueNumber:
		return MultiplierAmount
	case types.ValueDate:
		return MultiplierDate
	case types.ValueText:
		return MultiplierString
	case types.ValueTextList:
		return MultiplierList
	default:
		return MultiplierList
	}
}
