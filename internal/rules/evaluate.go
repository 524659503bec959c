// internal/rules/evaluate.go
package rules

import (
	"time"

	"github.com/solatis/segmentkeeper/internal/types"
)

/*
 * In-memory predicate evaluation.
 *
 * Matches evaluates a compiled predicate against one donor record with the
 * same semantics a SQL store applies: tenant filter first, null handling per
 * MatchOp.MatchesNull, case-insensitive contains, exact decimal amounts.
 * Short-circuits on the first failing All term and the first passing Any term;
 * terms are already cost-ordered by Compile.
 *
 * Used by the in-memory store and as the oracle in property tests.
 */

// Matches reports whether donor satisfies the predicate.
// Donors of another organization never match.
func (p Predicate) Matches(d types.Donor) bool {
	if p.IsZero() || d.OrganizationID != p.org {
		return false
	}
	return evalExpr(p.expr, d, p.Location())
}

func evalExpr(e Expr, d types.Donor, loc *time.Location) bool {
	switch x := e.(type) {
	case Const:
		return bool(x)
	case All:
		for _, t := range x.Terms {
			if !evalExpr(t, d, loc) {
				return false
			}
		}
		return true
	case Any:
		for _, t := range x.Terms {
			if evalExpr(t, d, loc) {
				return true
			}
		}
		return false
	case Atom:
		return evalAtom(x, d, loc)
	}
	return false
}

func evalAtom(a Atom, d types.Donor, loc *time.Location) bool {
	if a.Type == types.ValueTextList {
		return evalTags(a, d.Tags)
	}

	actual, ok := attributeValue(a, d, loc)
	if !ok {
		return a.Op.MatchesNull()
	}

	switch a.Op {
	case MatchSet:
		return true
	case MatchUnset:
		return false
	case MatchContains:
		return evalContains(actual, a.Value)
	case MatchIn:
		return evalIn(actual, a.Values)
	case MatchNotIn:
		return !evalIn(actual, a.Values)
	}
	return evalCompare(a.Op, actual, a.Value)
}

func evalTags(a Atom, tags []string) bool {
	switch a.Op {
	case MatchSet:
		return len(tags) > 0
	case MatchUnset:
		return len(tags) == 0
	case MatchHasElement:
		return evalHasAny(tags, []any{a.Value})
	case MatchHasAny:
		return evalHasAny(tags, a.Values)
	case MatchHasNone:
		return !evalHasAny(tags, a.Values)
	}
	return false
}

// attributeValue returns the normalized value of an attribute, or ok=false for null.
func attributeValue(a Atom, d types.Donor, loc *time.Location) (any, bool) {
	if a.Field.IsCustom() {
		raw, ok := ResolveCustom(d.CustomFields, a.Path)
		if !ok {
			return nil, false
		}
		return customValue(a.Type, raw, loc)
	}

	switch a.Field {
	case types.AttrTotalDonated:
		return d.TotalDonated, true
	case types.AttrDonationCount:
		return d.DonationCount, true
	case types.AttrScore:
		if d.Score == nil {
			return nil, false
		}
		return *d.Score, true
	case types.AttrFirstDonationDate:
		return timeValue(d.FirstDonationDate)
	case types.AttrLastDonationDate:
		return timeValue(d.LastDonationDate)
	case types.AttrUnsubscribedAt:
		return timeValue(d.UnsubscribedAt)
	case types.AttrCountry:
		return textValue(d.Country)
	case types.AttrPreferredLanguage:
		return textValue(d.PreferredLanguage)
	case types.AttrSegment:
		return textValue(d.Segment)
	case types.AttrEmail:
		return textValue(d.Email)
	case types.AttrOptInEmail:
		return d.OptInEmail, true
	case types.AttrOptInSMS:
		return d.OptInSMS, true
	case types.AttrOptInPostal:
		return d.OptInPostal, true
	}
	return nil, false
}

func timeValue(t *time.Time) (any, bool) {
	if t == nil {
		return nil, false
	}
	return *t, true
}

func textValue(s string) (any, bool) {
	if s == "" {
		return nil, false
	}
	return s, true
}

// customValue normalizes a raw custom-field value to the declared type.
// Values stored with another shape are treated as null.
func customValue(t types.ValueType, raw any, loc *time.Location) (any, bool) {
	switch t {
	case types.ValueText:
		s, ok := raw.(string)
		if !ok || s == "" {
			return nil, false
		}
		return s, true
	case types.ValueBoolean:
		b, ok := raw.(bool)
		return b, ok
	case types.ValueNumber:
		d, ok := toDecimal(raw)
		if !ok {
			return nil, false
		}
		return d, true
	case types.ValueDate:
		s, ok := raw.(string)
		if !ok {
			return nil, false
		}
		if day, ok := ParseDay(s); ok {
			return day.Start(loc), true
		}
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts, true
		}
	}
	return nil, false
}
