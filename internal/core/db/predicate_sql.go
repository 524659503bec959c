package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/solatis/segmentkeeper/internal/rules"
	"github.com/solatis/segmentkeeper/internal/types"
)

/*
 * SQL rendering of compiled predicates.
 *
 * A predicate becomes "organization_id = ? AND (<expr>)" with ? placeholders;
 * callers Rebind for the driver. Every atom is rendered against a value
 * expression that is NULL exactly when the in-memory evaluator treats the
 * attribute as null:
 *
 *   text columns       NULLIF(col, '')
 *   custom text        JSON string at path, else NULL
 *   custom boolean     JSON boolean at path, else NULL
 *   tags               EXISTS / NOT EXISTS over donor_tags
 *
 * Amounts are bound in minor units against total_donated_minor. Dates are
 * bound with bindTime so SQLite compares fixed-width UTC text.
 *
 * Custom number and date fields are not executable here; CheckAtom rejects
 * them at compile time.
 */

var donorColumns = map[types.DonorAttribute]string{
	types.AttrTotalDonated:      "total_donated_minor",
	types.AttrDonationCount:     "donation_count",
	types.AttrScore:             "score",
	types.AttrFirstDonationDate: "first_donation_date",
	types.AttrLastDonationDate:  "last_donation_date",
	types.AttrUnsubscribedAt:    "unsubscribed_at",
	types.AttrCountry:           "country",
	types.AttrPreferredLanguage: "preferred_language",
	types.AttrSegment:           "segment",
	types.AttrEmail:             "email",
	types.AttrOptInEmail:        "opt_in_email",
	types.AttrOptInSMS:          "opt_in_sms",
	types.AttrOptInPostal:       "opt_in_postal",
}

// checkAtom reports whether the SQL renderer can execute a.
func checkAtom(a rules.Atom) error {
	if a.Field.IsCustom() {
		switch a.Type {
		case types.ValueText, types.ValueBoolean:
			return nil
		}
		return &types.UnsupportedPredicateError{
			Field:    a.Field,
			Operator: a.Op.String(),
			Reason:   fmt.Sprintf("custom %s fields are not queryable in SQL", a.Type),
		}
	}
	if a.Field == types.AttrTags {
		return nil
	}
	if _, ok := donorColumns[a.Field]; !ok {
		return &types.UnsupportedPredicateError{Field: a.Field, Operator: a.Op.String(), Reason: "no column"}
	}
	return nil
}

type sqlWriter struct {
	dialect Dialect
	b       strings.Builder
	args    []any
}

// renderWhere renders the tenant-scoped WHERE clause for p.
func renderWhere(d Dialect, p rules.Predicate) (string, []any, error) {
	if p.IsZero() {
		return "", nil, types.ErrUnscopedPredicate
	}
	w := &sqlWriter{dialect: d}
	w.b.WriteString("organization_id = ? AND (")
	w.args = append(w.args, string(p.OrganizationID()))
	if err := w.expr(p.Expr()); err != nil {
		return "", nil, err
	}
	w.b.WriteString(")")
	return w.b.String(), w.args, nil
}

func (w *sqlWriter) write(s string, args ...any) {
	w.b.WriteString(s)
	w.args = append(w.args, args...)
}

func (w *sqlWriter) expr(e rules.Expr) error {
	switch x := e.(type) {
	case rules.Const:
		if x {
			w.write("1=1")
		} else {
			w.write("1=0")
		}
		return nil
	case rules.All:
		return w.terms(x.Terms, " AND ", "1=1")
	case rules.Any:
		return w.terms(x.Terms, " OR ", "1=0")
	case rules.Atom:
		return w.atom(x)
	}
	return fmt.Errorf("unknown expression %T", e)
}

func (w *sqlWriter) terms(terms []rules.Expr, sep, empty string) error {
	if len(terms) == 0 {
		w.write(empty)
		return nil
	}
	w.write("(")
	for i, t := range terms {
		if i > 0 {
			w.write(sep)
		}
		if err := w.expr(t); err != nil {
			return err
		}
	}
	w.write(")")
	return nil
}

func (w *sqlWriter) atom(a rules.Atom) error {
	if err := checkAtom(a); err != nil {
		return err
	}
	if a.Field == types.AttrTags {
		return w.tags(a)
	}

	switch a.Op {
	case rules.MatchSet:
		w.value(a)
		w.write(" IS NOT NULL")
	case rules.MatchUnset:
		w.value(a)
		w.write(" IS NULL")
	case rules.MatchEq, rules.MatchGt, rules.MatchGte, rules.MatchLt, rules.MatchLte:
		arg, err := w.operand(a, a.Value)
		if err != nil {
			return err
		}
		w.value(a)
		w.write(" "+comparison[a.Op]+" ?", arg)
	case rules.MatchNeq:
		arg, err := w.operand(a, a.Value)
		if err != nil {
			return err
		}
		w.write("(")
		w.value(a)
		w.write(" IS NULL OR ")
		w.value(a)
		w.write(" <> ?)", arg)
	case rules.MatchContains:
		s, ok := a.Value.(string)
		if !ok {
			return fmt.Errorf("contains operand for %s is %T", a.Field, a.Value)
		}
		w.write("LOWER(")
		w.value(a)
		w.write(`) LIKE ? ESCAPE '\'`, "%"+escapeLike(strings.ToLower(s))+"%")
	case rules.MatchIn:
		if len(a.Values) == 0 {
			w.write("1=0")
			return nil
		}
		w.value(a)
		return w.list(" IN ", a)
	case rules.MatchNotIn:
		if len(a.Values) == 0 {
			w.write("1=1")
			return nil
		}
		w.write("(")
		w.value(a)
		w.write(" IS NULL OR ")
		w.value(a)
		if err := w.list(" NOT IN ", a); err != nil {
			return err
		}
		w.write(")")
	default:
		return &types.UnsupportedPredicateError{Field: a.Field, Operator: a.Op.String(), Reason: "operator not supported on scalar columns"}
	}
	return nil
}

var comparison = map[rules.MatchOp]string{
	rules.MatchEq:  "=",
	rules.MatchGt:  ">",
	rules.MatchGte: ">=",
	rules.MatchLt:  "<",
	rules.MatchLte: "<=",
}

func (w *sqlWriter) list(keyword string, a rules.Atom) error {
	w.write(keyword + "(")
	for i, v := range a.Values {
		arg, err := w.operand(a, v)
		if err != nil {
			return err
		}
		if i > 0 {
			w.write(", ")
		}
		w.write("?", arg)
	}
	w.write(")")
	return nil
}

// value writes the null-normalized value expression of a.
func (w *sqlWriter) value(a rules.Atom) {
	if a.Field.IsCustom() {
		w.customValue(a)
		return
	}
	col := donorColumns[a.Field]
	if a.Type == types.ValueText {
		w.write("NULLIF(" + col + ", '')")
		return
	}
	w.write(col)
}

func (w *sqlWriter) customValue(a rules.Atom) {
	if w.dialect == DialectPostgres {
		path := pq.Array(a.Path)
		if a.Type == types.ValueBoolean {
			w.write("(CASE jsonb_typeof(custom_fields #> CAST(? AS text[])) WHEN 'boolean' THEN (custom_fields #>> CAST(? AS text[])) = 'true' END)", path, path)
			return
		}
		w.write("NULLIF(CASE jsonb_typeof(custom_fields #> CAST(? AS text[])) WHEN 'string' THEN custom_fields #>> CAST(? AS text[]) END, '')", path, path)
		return
	}

	path := "$." + strings.Join(a.Path, ".")
	if a.Type == types.ValueBoolean {
		w.write("(CASE json_type(custom_fields, ?) WHEN 'true' THEN 1 WHEN 'false' THEN 0 END)", path)
		return
	}
	w.write("NULLIF(CASE json_type(custom_fields, ?) WHEN 'text' THEN json_extract(custom_fields, ?) END, '')", path, path)
}

// operand converts a compiled operand to its bind value.
func (w *sqlWriter) operand(a rules.Atom, v any) (any, error) {
	switch x := v.(type) {
	case decimal.Decimal:
		if a.Type != types.ValueAmount {
			break
		}
		minor := x.Shift(types.AmountScale)
		if !minor.IsInteger() {
			return nil, fmt.Errorf("amount %s exceeds stored precision", x)
		}
		return minor.IntPart(), nil
	case time.Time:
		return bindTime(w.dialect, x), nil
	case int64, string, bool:
		return x, nil
	}
	return nil, &types.UnsupportedPredicateError{
		Field:    a.Field,
		Operator: a.Op.String(),
		Reason:   fmt.Sprintf("operand type %T", v),
	}
}

func (w *sqlWriter) tags(a rules.Atom) error {
	const sub = "SELECT 1 FROM donor_tags t WHERE t.donor_id = donors.donor_id"
	switch a.Op {
	case rules.MatchSet:
		w.write("EXISTS (" + sub + ")")
	case rules.MatchUnset:
		w.write("NOT EXISTS (" + sub + ")")
	case rules.MatchHasElement:
		w.write("EXISTS ("+sub+" AND t.tag = ?)", a.Value)
	case rules.MatchHasAny, rules.MatchHasNone:
		if len(a.Values) == 0 {
			if a.Op == rules.MatchHasAny {
				w.write("1=0")
			} else {
				w.write("1=1")
			}
			return nil
		}
		if a.Op == rules.MatchHasNone {
			w.write("NOT ")
		}
		w.write("EXISTS (" + sub + " AND t.tag IN (")
		for i, v := range a.Values {
			if i > 0 {
				w.write(", ")
			}
			w.write("?", v)
		}
		w.write("))")
	default:
		return &types.UnsupportedPredicateError{Field: a.Field, Operator: a.Op.String(), Reason: "operator not supported on tags"}
	}
	return nil
}

// escapeLike escapes LIKE wildcards with a backslash.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
