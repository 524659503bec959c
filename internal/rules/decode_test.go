package rules

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solatis/segmentkeeper/internal/types"
)

func TestDecode_V1(t *testing.T) {
	raw := `{
		"version": 1,
		"group": {
			"kind": "group",
			"combinator": "AND",
			"children": [
				{"kind": "condition", "field": "total_donated", "operator": "gte", "value": 100.50},
				{"kind": "group", "combinator": "OR", "children": [
					{"kind": "condition", "field": "tags", "operator": "contains", "value": "major-donor"},
					{"kind": "condition", "field": "email", "operator": "is_set"}
				]}
			]
		}
	}`

	rules, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, 1, rules.Version)
	require.NotNil(t, rules.Group)
	assert.Equal(t, types.CombinatorAnd, rules.Group.Combinator)
	require.Len(t, rules.Group.Children, 2)

	first, ok := rules.Group.Children[0].(*types.Condition)
	require.True(t, ok, "child 0 should be a condition")
	assert.Equal(t, types.AttrTotalDonated, first.Field)
	assert.Equal(t, types.OpGte, first.Operator)
	assert.Equal(t, json.Number("100.50"), first.Value, "numbers must stay exact")

	inner, ok := rules.Group.Children[1].(*types.Group)
	require.True(t, ok, "child 1 should be a group")
	assert.Equal(t, types.CombinatorOr, inner.Combinator)
	require.Len(t, inner.Children, 2)
	assert.Nil(t, inner.Children[1].(*types.Condition).Value)
}

func TestDecode_RoundTrip(t *testing.T) {
	original := types.NewRules(types.And(
		types.Cond(types.AttrCountry, types.OpIn, []any{"DE", "AT"}),
		types.Or(
			types.Cond(types.AttrDonationCount, types.OpGt, json.Number("3")),
			types.Cond(types.AttrOptInEmail, types.OpEq, true),
		),
	))

	encoded, err := Encode(original)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)

	reencoded, err := Encode(decoded)
	require.NoError(t, err)
	assert.JSONEq(t, string(encoded), string(reencoded))
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantPath string
		wantRule string
	}{
		{name: "empty document", raw: ``, wantPath: "group", wantRule: types.RuleMissingGroup},
		{name: "null document", raw: `null`, wantPath: "group", wantRule: types.RuleMissingGroup},
		{name: "invalid json", raw: `{"version":1,`, wantPath: "", wantRule: types.RuleMalformed},
		{name: "trailing data", raw: `{"version":1,"group":{"kind":"group","combinator":"AND","children":[]}} {}`, wantPath: "", wantRule: types.RuleMalformed},
		{name: "array document", raw: `[]`, wantPath: "", wantRule: types.RuleMalformed},
		{name: "unsupported version", raw: `{"version":2,"group":{}}`, wantPath: "version", wantRule: types.RuleUnsupportedVersion},
		{name: "string version", raw: `{"version":"1","group":{}}`, wantPath: "version", wantRule: types.RuleUnsupportedVersion},
		{name: "unknown top-level member", raw: `{"version":1,"group":{},"patch":[]}`, wantPath: "patch", wantRule: types.RuleMalformed},
		{name: "missing group", raw: `{"version":1}`, wantPath: "group", wantRule: types.RuleMissingGroup},
		{name: "root is condition", raw: `{"version":1,"group":{"kind":"condition","field":"email","operator":"is_set"}}`, wantPath: "group", wantRule: types.RuleMalformed},
		{name: "node without kind", raw: `{"version":1,"group":{"combinator":"AND","children":[]}}`, wantPath: "group", wantRule: types.RuleMalformed},
		{
			name:     "unknown condition member",
			raw:      `{"version":1,"group":{"kind":"group","combinator":"AND","children":[{"kind":"condition","field":"email","operator":"is_set","op":"replace"}]}}`,
			wantPath: "group.children[0]",
			wantRule: types.RuleMalformed,
		},
		{
			name:     "field not a string",
			raw:      `{"version":1,"group":{"kind":"group","combinator":"AND","children":[{"kind":"condition","field":7,"operator":"eq","value":1}]}}`,
			wantPath: "group.children[0]",
			wantRule: types.RuleMalformed,
		},
		{
			name:     "null child",
			raw:      `{"version":1,"group":{"kind":"group","combinator":"AND","children":[null]}}`,
			wantPath: "group.children[0]",
			wantRule: types.RuleMalformed,
		},
		{
			name:     "children not array",
			raw:      `{"version":1,"group":{"kind":"group","combinator":"AND","children":{}}}`,
			wantPath: "group",
			wantRule: types.RuleMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrValidation), "error should match ErrValidation: %v", err)

			var verrs types.ValidationErrors
			require.True(t, errors.As(err, &verrs), "error should be ValidationErrors: %T", err)
			require.NotEmpty(t, verrs)
			assert.Equal(t, tt.wantPath, verrs[0].Path)
			assert.Equal(t, tt.wantRule, verrs[0].Rule)
		})
	}
}

func TestDecode_LegacyMigration(t *testing.T) {
	raw := `{
		"group": {
			"logic": "and",
			"conditions": [
				{"id": "c1", "field": "totalDonations", "operator": "gte", "value": "250"},
				{"id": "c2", "field": "country", "operator": "ne", "value": "US"},
				{"id": "c3", "field": "lastDonationDate", "operator": "within_days", "value": 90},
				{"id": "c4", "field": "unsubscribedAt", "operator": "eq", "value": false},
				{"id": "c5", "field": "preferredLanguage", "operator": "contains", "value": "de"}
			]
		}
	}`

	rules, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, types.RulesSchemaVersion, rules.Version)
	assert.Equal(t, types.CombinatorAnd, rules.Group.Combinator)
	require.Len(t, rules.Group.Children, 5)

	want := []*types.Condition{
		types.Cond(types.AttrTotalDonated, types.OpGte, json.Number("250")),
		types.Cond(types.AttrCountry, types.OpNeq, "US"),
		types.Cond(types.AttrLastDonationDate, types.OpWithinDays, json.Number("90")),
		types.Cond(types.AttrUnsubscribedAt, types.OpIsNotSet, nil),
		types.Cond(types.AttrPreferredLanguage, types.OpContains, "de"),
	}
	for i, w := range want {
		got, ok := rules.Group.Children[i].(*types.Condition)
		require.True(t, ok, "child %d should be a condition", i)
		assert.Equal(t, w, got, "child %d", i)
	}

	// The migrated tree passes validation like any v1 tree.
	_, err = Validate(rules, nil)
	require.NoError(t, err)
}

func TestDecode_LegacyValueForms(t *testing.T) {
	tests := []struct {
		name      string
		condition string
		want      *types.Condition
	}{
		{"unsubscribed string true", `{"field":"unsubscribedAt","operator":"eq","value":"true"}`, types.Cond(types.AttrUnsubscribedAt, types.OpIsSet, nil)},
		{"unsubscribed string false", `{"field":"unsubscribedAt","operator":"eq","value":"false"}`, types.Cond(types.AttrUnsubscribedAt, types.OpIsNotSet, nil)},
		{"unsubscribed ne string true", `{"field":"unsubscribedAt","operator":"ne","value":"true"}`, types.Cond(types.AttrUnsubscribedAt, types.OpIsNotSet, nil)},
		{"timestamp date", `{"field":"lastDonationDate","operator":"before","value":"2024-03-01T00:00:00.000Z"}`, types.Cond(types.AttrLastDonationDate, types.OpBefore, "2024-03-01")},
		{"timestamp with offset", `{"field":"firstDonationDate","operator":"after","value":"2023-12-31T22:00:00-05:00"}`, types.Cond(types.AttrFirstDonationDate, types.OpAfter, "2023-12-31")},
		{"plain date", `{"field":"lastDonationDate","operator":"after","value":"2024-01-15"}`, types.Cond(types.AttrLastDonationDate, types.OpAfter, "2024-01-15")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules, err := Decode([]byte(`{"group":{"logic":"AND","conditions":[` + tt.condition + `]}}`))
			require.NoError(t, err)
			require.Len(t, rules.Group.Children, 1)
			assert.Equal(t, tt.want, rules.Group.Children[0])

			_, err = Validate(rules, nil)
			assert.NoError(t, err)
		})
	}
}

func TestDecode_LegacyUnknownMember(t *testing.T) {
	_, err := Decode([]byte(`{"group":{"logic":"AND","conditions":[]},"extra":1}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrValidation))
}

func TestDecode_LegacyUnknownFieldReportedByValidate(t *testing.T) {
	rules, err := Decode([]byte(`{"group":{"logic":"OR","conditions":[{"id":"x","field":"favoriteColor","operator":"eq","value":"red"}]}}`))
	require.NoError(t, err)

	_, err = Validate(rules, nil)
	var verrs types.ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, "group.children[0]", verrs[0].Path)
	assert.Equal(t, types.RuleUnknownField, verrs[0].Rule)
}

func TestParse(t *testing.T) {
	valid, err := Parse([]byte(`{"version":1,"group":{"kind":"group","combinator":"AND","children":[{"kind":"condition","field":"score","operator":"gt","value":50}]}}`), nil)
	require.NoError(t, err)
	assert.False(t, valid.IsZero())
	assert.Equal(t, 2, valid.Nodes())
	assert.Equal(t, 1, valid.Depth())
}
