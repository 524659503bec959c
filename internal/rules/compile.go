// internal/rules/compile.go
package rules

import (
	"sort"
	"time"

	"github.com/solatis/segmentkeeper/internal/types"
)

/*
 * Predicate compilation.
 *
 * Compiles ValidRules into a tenant-scoped Predicate. Compilation is pure:
 * the reporting location and the clock arrive in CompileOptions, so the same
 * inputs always yield the same predicate.
 *
 * Compilation workflow:
 *   1. Map each condition to atoms through the fixed operator table
 *   2. Expand date conditions into instant ranges in the reporting location
 *   3. Flatten nested groups with the same combinator
 *   4. Fold constants (empty in -> false, empty not_in -> true)
 *   5. Order terms by ascending cost (stable sort for determinism)
 *   6. Check every remaining atom against the store's capabilities
 *
 * Date mapping for day D in location L (half-open ranges):
 *   eq D           [start(D), start(D+1))
 *   neq D          < start(D) OR >= start(D+1) OR null
 *   gt D, after D  >= start(D+1)
 *   gte D          >= start(D)
 *   lt D, before D < start(D)
 *   lte D          < start(D+1)
 *   within_days N  >= start(today-N), today taken from Now in L
 *
 * Recursion depth is bounded by MaxTreeDepth, enforced by Validate.
 */

// CompileOptions carries the environment a compilation depends on.
type CompileOptions struct {
	// Location is the organization's reporting location. Nil means UTC.
	Location *time.Location

	// Now supplies the current time for within_days. Nil means time.Now.
	Now func() time.Time

	// Capabilities rejects atoms the target store cannot execute. Nil accepts all.
	Capabilities Capabilities
}

// Compile turns validated rules into a predicate scoped to org.
func Compile(valid ValidRules, org types.OrganizationID, opts CompileOptions) (Predicate, error) {
	if valid.IsZero() {
		return Predicate{}, types.ErrNotValidated
	}
	if org == "" {
		return Predicate{}, types.ErrMissingOrganization
	}

	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	c := &compiler{loc: loc, today: DayOf(now().In(loc))}
	expr := c.group(valid.root)

	if opts.Capabilities != nil {
		if err := checkCapabilities(expr, opts.Capabilities); err != nil {
			return Predicate{}, err
		}
	}
	return Predicate{org: org, expr: expr, loc: loc}, nil
}

type compiler struct {
	loc   *time.Location
	today Day
}

func (c *compiler) node(n validNode) Expr {
	if n.group != nil {
		return c.group(n.group)
	}
	return c.condition(n.cond)
}

func (c *compiler) group(g *validGroup) Expr {
	terms := make([]Expr, 0, len(g.children))
	for _, child := range g.children {
		terms = append(terms, c.node(child))
	}
	if g.combinator == types.CombinatorOr {
		return combine(terms, false)
	}
	return combine(terms, true)
}

// combine flattens, folds and orders terms for a conjunction (and=true) or disjunction.
func combine(terms []Expr, and bool) Expr {
	flat := make([]Expr, 0, len(terms))
	for _, t := range terms {
		switch x := t.(type) {
		case Const:
			// true is the identity of AND and the absorbing element of OR.
			if bool(x) == and {
				continue
			}
			return x
		case All:
			if and {
				flat = append(flat, x.Terms...)
				continue
			}
		case Any:
			if !and {
				flat = append(flat, x.Terms...)
				continue
			}
		}
		flat = append(flat, t)
	}

	switch len(flat) {
	case 0:
		return Const(and)
	case 1:
		return flat[0]
	}

	// Stable sort: equal-cost terms keep authored order.
	sort.SliceStable(flat, func(i, j int) bool {
		return ExprCost(flat[i]) < ExprCost(flat[j])
	})
	if and {
		return All{Terms: flat}
	}
	return Any{Terms: flat}
}

func (c *compiler) condition(vc *validCondition) Expr {
	atom := Atom{Field: vc.field, Type: vc.typ}
	if vc.field.IsCustom() {
		// Keys were checked when the schema was built.
		atom.Path, _ = ParseFieldPath(vc.field.CustomKey())
	}

	switch vc.op {
	case types.OpIsSet:
		return atom.with(MatchSet, nil)
	case types.OpIsNotSet:
		return atom.with(MatchUnset, nil)

	case types.OpIn, types.OpNotIn:
		if len(vc.values) == 0 {
			return Const(vc.op == types.OpNotIn)
		}
		op := MatchIn
		switch {
		case vc.typ == types.ValueTextList && vc.op == types.OpIn:
			op = MatchHasAny
		case vc.typ == types.ValueTextList:
			op = MatchHasNone
		case vc.op == types.OpNotIn:
			op = MatchNotIn
		}
		atom.Op = op
		atom.Values = vc.values
		return atom

	case types.OpContains:
		if vc.typ == types.ValueTextList {
			return atom.with(MatchHasElement, vc.value)
		}
		return atom.with(MatchContains, vc.value)
	}

	if vc.typ == types.ValueDate {
		return c.dateCondition(atom, vc)
	}

	switch vc.op {
	case types.OpEq:
		return atom.with(MatchEq, vc.value)
	case types.OpNeq:
		return atom.with(MatchNeq, vc.value)
	case types.OpGt:
		return atom.with(MatchGt, vc.value)
	case types.OpGte:
		return atom.with(MatchGte, vc.value)
	case types.OpLt:
		return atom.with(MatchLt, vc.value)
	case types.OpLte:
		return atom.with(MatchLte, vc.value)
	}
	// Validate admits no other operator for non-date scalars.
	return Const(false)
}

func (c *compiler) dateCondition(atom Atom, vc *validCondition) Expr {
	if vc.op == types.OpWithinDays {
		days := vc.value.(int)
		return atom.with(MatchGte, c.today.AddDays(-days).Start(c.loc))
	}

	day := vc.value.(Day)
	start := day.Start(c.loc)
	next := day.AddDays(1).Start(c.loc)

	switch vc.op {
	case types.OpEq:
		return All{Terms: []Expr{atom.with(MatchGte, start), atom.with(MatchLt, next)}}
	case types.OpNeq:
		return Any{Terms: []Expr{atom.with(MatchUnset, nil), atom.with(MatchLt, start), atom.with(MatchGte, next)}}
	case types.OpGt, types.OpAfter:
		return atom.with(MatchGte, next)
	case types.OpGte:
		return atom.with(MatchGte, start)
	case types.OpLt, types.OpBefore:
		return atom.with(MatchLt, start)
	case types.OpLte:
		return atom.with(MatchLt, next)
	}
	return Const(false)
}

func (a Atom) with(op MatchOp, value any) Atom {
	a.Op = op
	a.Value = value
	return a
}

func checkCapabilities(e Expr, caps Capabilities) error {
	switch x := e.(type) {
	case Atom:
		return caps.CheckAtom(x)
	case All:
		for _, t := range x.Terms {
			if err := checkCapabilities(t, caps); err != nil {
				return err
			}
		}
	case Any:
		for _, t := range x.Terms {
			if err := checkCapabilities(t, caps); err != nil {
				return err
			}
		}
	}
	return nil
}
