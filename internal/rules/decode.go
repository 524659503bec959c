// internal/rules/decode.go
package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/solatis/segmentkeeper/internal/types"
)

/*
 * Rule document decoding.
 *
 * Two document shapes are accepted:
 *
 *   v1      {"version":1,"group":{"kind":"group","combinator":"AND","children":[...]}}
 *   legacy  {"group":{"logic":"AND","conditions":[{"id","field","operator","value"}]}}
 *
 * Legacy documents carry no version member. They are migrated to v1 on read:
 * camelCase field names map to attribute names, "ne" becomes "neq", numeric
 * strings on numeric fields become numbers, and the boolean unsubscribedAt
 * condition becomes is_set / is_not_set. The migrated tree then goes through
 * the same validation as any v1 tree.
 *
 * Decoding is structural only. Field, operator and value checks belong to
 * Validate. Unknown members are rejected so partial edits never pass as
 * something else. Tree conversion is iterative; document depth is bounded by
 * encoding/json and then by Validate's MaxTreeDepth.
 */

// Decode parses a rule document into SegmentRules.
// Structural failures are returned as types.ValidationErrors.
func Decode(raw []byte) (types.SegmentRules, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return types.SegmentRules{}, types.ValidationErrors{{
			Path: "group", Rule: types.RuleMissingGroup, Message: "rules document is empty",
		}}
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return types.SegmentRules{}, malformed("", "invalid JSON: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return types.SegmentRules{}, malformed("", "unexpected data after rules document")
	}

	top, ok := doc.(map[string]any)
	if !ok {
		return types.SegmentRules{}, malformed("", "rules document must be an object")
	}
	rawVersion, versioned := top["version"]
	if !versioned {
		return migrateLegacy(top)
	}

	var errs types.ValidationErrors
	for key := range top {
		if key != "version" && key != "group" {
			errs = append(errs, types.ValidationError{
				Path: key, Rule: types.RuleMalformed, Message: fmt.Sprintf("unknown member %q", key),
			})
		}
	}
	if len(errs) > 0 {
		return types.SegmentRules{}, errs
	}

	version, ok := asVersion(rawVersion)
	if !ok || version != types.RulesSchemaVersion {
		return types.SegmentRules{}, types.ValidationErrors{{
			Path:    "version",
			Rule:    types.RuleUnsupportedVersion,
			Message: fmt.Sprintf("unsupported rules version %v, want %d", rawVersion, types.RulesSchemaVersion),
		}}
	}

	rawGroup, ok := top["group"]
	if !ok || rawGroup == nil {
		return types.SegmentRules{}, types.ValidationErrors{{
			Path: "group", Rule: types.RuleMissingGroup, Message: "root group is required",
		}}
	}

	root, err := convertTree(rawGroup)
	if err != nil {
		return types.SegmentRules{}, err
	}
	group, ok := root.(*types.Group)
	if !ok {
		return types.SegmentRules{}, malformed("group", "root node must be a group")
	}
	return types.SegmentRules{Version: version, Group: group}, nil
}

// Encode serializes rules to their persisted JSON form.
func Encode(r types.SegmentRules) (json.RawMessage, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode rules: %w", err)
	}
	return b, nil
}

// Parse decodes and validates a rule document in one step.
func Parse(raw []byte, schema *Schema) (ValidRules, error) {
	r, err := Decode(raw)
	if err != nil {
		return ValidRules{}, err
	}
	return Validate(r, schema)
}

func asVersion(v any) (int, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(string(n))
	return i, err == nil
}

// pendingNode is a raw JSON node awaiting conversion, plus the slot it fills.
type pendingNode struct {
	raw    any
	path   string
	parent *types.Group
	index  int
}

// convertTree turns decoded JSON into typed nodes without recursion.
func convertTree(raw any) (types.Node, error) {
	var (
		root  types.Node
		errs  types.ValidationErrors
		stack = []pendingNode{{raw: raw, path: "group", index: -1}}
	)

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		node, children, verr := convertNode(p.raw, p.path)
		if verr != nil {
			errs = append(errs, *verr)
			continue
		}
		if p.parent == nil {
			root = node
		} else {
			p.parent.Children[p.index] = node
		}

		if g, ok := node.(*types.Group); ok {
			// Reverse push keeps error order pre-order.
			for i := len(children) - 1; i >= 0; i-- {
				stack = append(stack, pendingNode{
					raw:    children[i],
					path:   fmt.Sprintf("%s.children[%d]", p.path, i),
					parent: g,
					index:  i,
				})
			}
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return root, nil
}

var (
	groupMembers     = map[string]bool{"kind": true, "combinator": true, "children": true}
	conditionMembers = map[string]bool{"kind": true, "field": true, "operator": true, "value": true}
)

// convertNode converts one node. For groups it also returns the raw children,
// with the group's Children slice pre-sized to receive them.
func convertNode(raw any, path string) (types.Node, []any, *types.ValidationError) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, nil, malformedOne(path, "node must be an object, got %s", describe(raw))
	}
	kind, _ := obj["kind"].(string)

	switch types.NodeKind(kind) {
	case types.KindGroup:
		if key, bad := unknownMember(obj, groupMembers); bad {
			return nil, nil, malformedOne(path, "unknown group member %q", key)
		}
		comb, ok := obj["combinator"].(string)
		if !ok && obj["combinator"] != nil {
			return nil, nil, malformedOne(path, "combinator must be a string")
		}
		var children []any
		if rc, present := obj["children"]; present && rc != nil {
			children, ok = rc.([]any)
			if !ok {
				return nil, nil, malformedOne(path, "children must be an array")
			}
		}
		g := &types.Group{Combinator: types.Combinator(comb), Children: make([]types.Node, len(children))}
		return g, children, nil

	case types.KindCondition:
		if key, bad := unknownMember(obj, conditionMembers); bad {
			return nil, nil, malformedOne(path, "unknown condition member %q", key)
		}
		field, ok := obj["field"].(string)
		if !ok {
			return nil, nil, malformedOne(path, "field must be a string")
		}
		op, ok := obj["operator"].(string)
		if !ok {
			return nil, nil, malformedOne(path, "operator must be a string")
		}
		return &types.Condition{
			Field:    types.DonorAttribute(field),
			Operator: types.Operator(op),
			Value:    obj["value"],
		}, nil, nil
	}

	if kind == "" {
		return nil, nil, malformedOne(path, "node kind is required")
	}
	return nil, nil, malformedOne(path, "unknown node kind %q", kind)
}

func unknownMember(obj map[string]any, allowed map[string]bool) (string, bool) {
	for key := range obj {
		if !allowed[key] {
			return key, true
		}
	}
	return "", false
}

func malformedOne(path, format string, args ...any) *types.ValidationError {
	return &types.ValidationError{Path: path, Rule: types.RuleMalformed, Message: fmt.Sprintf(format, args...)}
}

func malformed(path, format string, args ...any) types.ValidationErrors {
	return types.ValidationErrors{*malformedOne(path, format, args...)}
}

// Legacy document shape.
type legacyRules struct {
	Group *legacyGroup `mapstructure:"group"`
}

type legacyGroup struct {
	Logic      string            `mapstructure:"logic"`
	Conditions []legacyCondition `mapstructure:"conditions"`
}

type legacyCondition struct {
	ID       string `mapstructure:"id"`
	Field    string `mapstructure:"field"`
	Operator string `mapstructure:"operator"`
	Value    any    `mapstructure:"value"`
}

var legacyFields = map[string]types.DonorAttribute{
	"totalDonations":    types.AttrTotalDonated,
	"donationCount":     types.AttrDonationCount,
	"lastDonationDate":  types.AttrLastDonationDate,
	"firstDonationDate": types.AttrFirstDonationDate,
	"segment":           types.AttrSegment,
	"score":             types.AttrScore,
	"country":           types.AttrCountry,
	"preferredLanguage": types.AttrPreferredLanguage,
	"unsubscribedAt":    types.AttrUnsubscribedAt,
}

var legacyOperators = map[string]types.Operator{
	"eq":          types.OpEq,
	"ne":          types.OpNeq,
	"gt":          types.OpGt,
	"gte":         types.OpGte,
	"lt":          types.OpLt,
	"lte":         types.OpLte,
	"contains":    types.OpContains,
	"before":      types.OpBefore,
	"after":       types.OpAfter,
	"within_days": types.OpWithinDays,
}

// migrateLegacy rewrites an unversioned document into a v1 tree.
func migrateLegacy(top map[string]any) (types.SegmentRules, error) {
	var legacy legacyRules
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      &legacy,
	})
	if err != nil {
		return types.SegmentRules{}, fmt.Errorf("legacy decoder: %w", err)
	}
	if err := dec.Decode(top); err != nil {
		return types.SegmentRules{}, malformed("", "unrecognized rules document: %v", err)
	}
	if legacy.Group == nil {
		return types.SegmentRules{}, types.ValidationErrors{{
			Path: "group", Rule: types.RuleMissingGroup, Message: "root group is required",
		}}
	}

	group := &types.Group{
		Combinator: types.Combinator(strings.ToUpper(legacy.Group.Logic)),
		Children:   make([]types.Node, 0, len(legacy.Group.Conditions)),
	}
	for _, lc := range legacy.Group.Conditions {
		group.Children = append(group.Children, migrateCondition(lc))
	}
	return types.NewRules(group), nil
}

// migrateCondition maps one legacy condition. Unknown names pass through
// unchanged so validation reports them against the migrated path.
func migrateCondition(lc legacyCondition) *types.Condition {
	field, ok := legacyFields[lc.Field]
	if !ok {
		field = types.DonorAttribute(lc.Field)
	}
	op, ok := legacyOperators[lc.Operator]
	if !ok {
		op = types.Operator(lc.Operator)
	}

	if field == types.AttrUnsubscribedAt {
		if b, isBool := legacyBool(lc.Value); isBool && (op == types.OpEq || op == types.OpNeq) {
			if b == (op == types.OpEq) {
				return types.Cond(field, types.OpIsSet, nil)
			}
			return types.Cond(field, types.OpIsNotSet, nil)
		}
	}

	value := lc.Value
	if s, isString := value.(string); isString {
		if t, known := types.BuiltinType(field); known && op != types.OpContains {
			switch t {
			case types.ValueAmount, types.ValueInteger:
				if _, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
					value = json.Number(strings.TrimSpace(s))
				}
			}
		}
		if t, known := types.BuiltinType(field); known && t == types.ValueDate {
			if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s)); err == nil {
				value = ts.Format(DateLayout)
			}
		}
		if op == types.OpWithinDays {
			if _, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
				value = json.Number(strings.TrimSpace(s))
			}
		}
	}
	return types.Cond(field, op, value)
}

// legacyBool accepts the boolean and string forms legacy documents used.
func legacyBool(v any) (value, ok bool) {
	switch v := v.(type) {
	case bool:
		return v, true
	case string:
		switch v {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}
