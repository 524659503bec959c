// internal/rules/validate.go
package rules

import (
	"fmt"

	"github.com/solatis/segmentkeeper/internal/types"
)

/*
 * Rule tree validation.
 *
 * Validate checks a SegmentRules tree against an organization's Schema and
 * produces ValidRules, the only input Compile accepts. Checks:
 *
 *   - version is RulesSchemaVersion and the root group is present
 *   - every group has a known combinator and at least one child
 *   - every condition names a known attribute and an operator admissible
 *     for that attribute's declared type
 *   - operands match the declared type exactly (see coercion.go)
 *   - group depth <= MaxTreeDepth, node count <= MaxTreeNodes
 *
 * The walk is iterative with an explicit stack, so hostile trees cannot
 * exhaust the goroutine stack. Errors are collected in pre-order with the
 * authored path of each offending node.
 */

// operatorsByType is the admissibility table: operator sets per declared type.
var operatorsByType = map[types.ValueType]map[types.Operator]bool{
	types.ValueAmount:   ordered(types.OpIn, types.OpNotIn),
	types.ValueInteger:  ordered(types.OpIn, types.OpNotIn),
	types.ValueNumber:   ordered(types.OpIn, types.OpNotIn),
	types.ValueDate:     ordered(types.OpBefore, types.OpAfter, types.OpWithinDays),
	types.ValueText:     opSet(types.OpEq, types.OpNeq, types.OpContains, types.OpIn, types.OpNotIn, types.OpIsSet, types.OpIsNotSet),
	types.ValueTextList: opSet(types.OpContains, types.OpIn, types.OpNotIn, types.OpIsSet, types.OpIsNotSet),
	types.ValueBoolean:  opSet(types.OpEq, types.OpNeq, types.OpIsSet, types.OpIsNotSet),
}

func ordered(extra ...types.Operator) map[types.Operator]bool {
	base := []types.Operator{
		types.OpEq, types.OpNeq, types.OpGt, types.OpGte, types.OpLt, types.OpLte,
		types.OpIsSet, types.OpIsNotSet,
	}
	return opSet(append(base, extra...)...)
}

func opSet(ops ...types.Operator) map[types.Operator]bool {
	m := make(map[types.Operator]bool, len(ops))
	for _, op := range ops {
		m[op] = true
	}
	return m
}

// OperatorAllowed reports whether op is admissible for fields of type t.
func OperatorAllowed(t types.ValueType, op types.Operator) bool {
	return operatorsByType[t][op]
}

// ValidRules is a rule tree that passed validation against a schema.
// Its zero value is not valid; only Validate produces usable instances.
type ValidRules struct {
	root   *validGroup
	source types.SegmentRules
	depth  int
	nodes  int
}

// IsZero reports whether r was not produced by Validate.
func (r ValidRules) IsZero() bool { return r.root == nil }

// Rules returns the authored tree that was validated.
func (r ValidRules) Rules() types.SegmentRules { return r.source }

// Depth returns the deepest group nesting level (root = 1).
func (r ValidRules) Depth() int { return r.depth }

// Nodes returns the total number of groups and conditions.
func (r ValidRules) Nodes() int { return r.nodes }

// validGroup and validCondition hold normalized operands.
type validGroup struct {
	combinator types.Combinator
	children   []validNode
}

type validCondition struct {
	field  types.DonorAttribute
	typ    types.ValueType
	op     types.Operator
	value  any   // normalized scalar; int for within_days; nil for is_set/is_not_set
	values []any // normalized list for in/not_in
}

// validNode is exactly one of group or cond.
type validNode struct {
	group *validGroup
	cond  *validCondition
}

type validateFrame struct {
	node   types.Node
	path   string
	depth  int
	parent *validGroup
}

// Validate checks rules against schema. On failure the error is
// types.ValidationErrors listing every offending node.
func Validate(rules types.SegmentRules, schema *Schema) (ValidRules, error) {
	if rules.Version != types.RulesSchemaVersion {
		return ValidRules{}, types.ValidationErrors{{
			Path:    "version",
			Rule:    types.RuleUnsupportedVersion,
			Message: fmt.Sprintf("unsupported rules version %d, want %d", rules.Version, types.RulesSchemaVersion),
		}}
	}
	if rules.Group == nil {
		return ValidRules{}, types.ValidationErrors{{
			Path: "group", Rule: types.RuleMissingGroup, Message: "root group is required",
		}}
	}

	var (
		errs     types.ValidationErrors
		root     *validGroup
		nodes    int
		maxDepth int
		stack    = []validateFrame{{node: rules.Group, path: "group", depth: 1}}
	)

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		nodes++
		if nodes > types.MaxTreeNodes {
			errs = append(errs, types.ValidationError{
				Path:    "group",
				Rule:    types.RuleTooManyNodes,
				Message: fmt.Sprintf("rule tree exceeds %d nodes", types.MaxTreeNodes),
			})
			break
		}

		switch n := f.node.(type) {
		case *types.Group:
			if n == nil {
				errs = append(errs, types.ValidationError{Path: f.path, Rule: types.RuleMalformed, Message: "group is null"})
				continue
			}
			if f.depth > types.MaxTreeDepth {
				errs = append(errs, types.ValidationError{
					Path:    f.path,
					Rule:    types.RuleTooDeep,
					Message: fmt.Sprintf("groups nest deeper than %d levels", types.MaxTreeDepth),
				})
				continue
			}
			if f.depth > maxDepth {
				maxDepth = f.depth
			}
			if n.Combinator != types.CombinatorAnd && n.Combinator != types.CombinatorOr {
				errs = append(errs, types.ValidationError{
					Path:    f.path,
					Rule:    types.RuleInvalidCombinator,
					Message: fmt.Sprintf("combinator must be AND or OR, got %q", n.Combinator),
				})
			}
			if len(n.Children) == 0 {
				errs = append(errs, types.ValidationError{Path: f.path, Rule: types.RuleEmptyGroup, Message: "group has no children"})
			}

			g := &validGroup{combinator: n.Combinator, children: make([]validNode, 0, len(n.Children))}
			if f.parent == nil {
				root = g
			} else {
				f.parent.children = append(f.parent.children, validNode{group: g})
			}
			for i := len(n.Children) - 1; i >= 0; i-- {
				stack = append(stack, validateFrame{
					node:   n.Children[i],
					path:   fmt.Sprintf("%s.children[%d]", f.path, i),
					depth:  f.depth + 1,
					parent: g,
				})
			}

		case *types.Condition:
			if n == nil {
				errs = append(errs, types.ValidationError{Path: f.path, Rule: types.RuleMalformed, Message: "condition is null"})
				continue
			}
			vc, verr := validateCondition(n, schema, f.path)
			if verr != nil {
				errs = append(errs, *verr)
				continue
			}
			f.parent.children = append(f.parent.children, validNode{cond: vc})

		default:
			errs = append(errs, types.ValidationError{
				Path: f.path, Rule: types.RuleMalformed, Message: "node must be a condition or a group",
			})
		}
	}

	if len(errs) > 0 {
		return ValidRules{}, errs
	}
	return ValidRules{root: root, source: rules, depth: maxDepth, nodes: nodes}, nil
}

// validateCondition reports the first violation in a condition.
func validateCondition(c *types.Condition, schema *Schema, path string) (*validCondition, *types.ValidationError) {
	fail := func(rule, format string, args ...any) (*validCondition, *types.ValidationError) {
		return nil, &types.ValidationError{Path: path, Rule: rule, Message: fmt.Sprintf(format, args...)}
	}

	typ, ok := schema.FieldType(c.Field)
	if !ok {
		return fail(types.RuleUnknownField, "unknown field %q", c.Field)
	}
	if !c.Operator.Known() {
		return fail(types.RuleInvalidOperator, "unknown operator %q", c.Operator)
	}
	if !OperatorAllowed(typ, c.Operator) {
		return fail(types.RuleInvalidOperator, "operator %q is not valid for %s field %q", c.Operator, typ, c.Field)
	}

	vc := &validCondition{field: c.Field, typ: typ, op: c.Operator}

	switch c.Operator {
	case types.OpIsSet, types.OpIsNotSet:
		if c.Value != nil {
			return fail(types.RuleValueForbidden, "operator %q takes no value", c.Operator)
		}

	case types.OpIn, types.OpNotIn:
		if c.Value == nil {
			return fail(types.RuleArrayRequired, "operator %q requires an array value", c.Operator)
		}
		items, ok := asList(c.Value)
		if !ok {
			return fail(types.RuleArrayRequired, "operator %q requires an array value, got %s", c.Operator, describe(c.Value))
		}
		if len(items) > types.MaxInOperatorValues {
			return fail(types.RuleTooManyValues, "operator %q accepts at most %d values", c.Operator, types.MaxInOperatorValues)
		}
		elem := typ
		if typ == types.ValueTextList {
			elem = types.ValueText
		}
		vc.values = make([]any, 0, len(items))
		for i, item := range items {
			norm, oerr := checkOperand(elem, item)
			if oerr != nil {
				return fail(oerr.rule, "values[%d]: %s", i, oerr.msg)
			}
			vc.values = append(vc.values, norm)
		}

	case types.OpWithinDays:
		days, oerr := checkWithinDays(c.Value)
		if oerr != nil {
			return fail(oerr.rule, "%s", oerr.msg)
		}
		vc.value = days

	case types.OpContains:
		norm, oerr := checkOperand(types.ValueText, c.Value)
		if oerr != nil {
			return fail(oerr.rule, "%s", oerr.msg)
		}
		if norm.(string) == "" {
			return fail(types.RuleInvalidValue, "contains requires a non-empty value")
		}
		vc.value = norm

	default:
		norm, oerr := checkOperand(typ, c.Value)
		if oerr != nil {
			return fail(oerr.rule, "%s", oerr.msg)
		}
		vc.value = norm
	}
	return vc, nil
}
