// internal/types/rules.go
package types

import (
	"encoding/json"
	"sort"
	"strings"
)

/*
 * Rule tree model for donor segmentation.
 *
 * SegmentRules is the authored artifact: a versioned wrapper around a root
 * Group. Nodes form a tagged union (Condition | Group) discriminated by the
 * "kind" member in JSON.
 *
 * Key types:
 *   - ValueType: declared type of a donor attribute
 *   - DonorAttribute: closed enumeration of queryable fields plus custom.<key>
 *   - Operator: comparison applied by a Condition
 *   - Condition: leaf node (field, operator, value)
 *   - Group: internal node (combinator, children)
 *
 * Condition.Value holds JSON-compatible scalars as decoded (json.Number,
 * string, bool, []any) or their Go equivalents. Validation checks the shape
 * against the field's declared type; nothing here coerces.
 *
 * Decoding lives in internal/rules (Decode) because legacy documents need
 * migration; this file only marshals.
 */

// RulesSchemaVersion is the version written with every persisted rule tree.
const RulesSchemaVersion = 1

// ValueType is the declared type of a donor attribute.
type ValueType int

const (
	ValueUnknown ValueType = iota
	ValueAmount            // decimal, stored at AmountScale
	ValueInteger           // whole numbers
	ValueNumber            // arbitrary decimal (custom fields)
	ValueDate              // calendar day, YYYY-MM-DD operands
	ValueText
	ValueTextList
	ValueBoolean
)

var valueTypeNames = map[ValueType]string{
	ValueAmount:   "amount",
	ValueInteger:  "integer",
	ValueNumber:   "number",
	ValueDate:     "date",
	ValueText:     "text",
	ValueTextList: "text_list",
	ValueBoolean:  "boolean",
}

func (t ValueType) String() string {
	if name, ok := valueTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseValueType maps a stored type name back to a ValueType.
func ParseValueType(s string) (ValueType, bool) {
	for t, name := range valueTypeNames {
		if name == s {
			return t, true
		}
	}
	return ValueUnknown, false
}

// DonorAttribute names a queryable donor field.
type DonorAttribute string

const (
	AttrTotalDonated      DonorAttribute = "total_donated"
	AttrDonationCount     DonorAttribute = "donation_count"
	AttrScore             DonorAttribute = "score"
	AttrFirstDonationDate DonorAttribute = "first_donation_date"
	AttrLastDonationDate  DonorAttribute = "last_donation_date"
	AttrUnsubscribedAt    DonorAttribute = "unsubscribed_at"
	AttrCountry           DonorAttribute = "country"
	AttrPreferredLanguage DonorAttribute = "preferred_language"
	AttrSegment           DonorAttribute = "segment"
	AttrEmail             DonorAttribute = "email"
	AttrTags              DonorAttribute = "tags"
	AttrOptInEmail        DonorAttribute = "opt_in_email"
	AttrOptInSMS          DonorAttribute = "opt_in_sms"
	AttrOptInPostal       DonorAttribute = "opt_in_postal"
)

// CustomFieldPrefix marks attributes resolved through custom-field definitions.
const CustomFieldPrefix = "custom."

var builtinAttributes = map[DonorAttribute]ValueType{
	AttrTotalDonated:      ValueAmount,
	AttrDonationCount:     ValueInteger,
	AttrScore:             ValueInteger,
	AttrFirstDonationDate: ValueDate,
	AttrLastDonationDate:  ValueDate,
	AttrUnsubscribedAt:    ValueDate,
	AttrCountry:           ValueText,
	AttrPreferredLanguage: ValueText,
	AttrSegment:           ValueText,
	AttrEmail:             ValueText,
	AttrTags:              ValueTextList,
	AttrOptInEmail:        ValueBoolean,
	AttrOptInSMS:          ValueBoolean,
	AttrOptInPostal:       ValueBoolean,
}

// BuiltinType returns the declared type of a built-in attribute.
func BuiltinType(a DonorAttribute) (ValueType, bool) {
	t, ok := builtinAttributes[a]
	return t, ok
}

// BuiltinAttributes returns the built-in attributes in lexical order.
func BuiltinAttributes() []DonorAttribute {
	out := make([]DonorAttribute, 0, len(builtinAttributes))
	for a := range builtinAttributes {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CustomAttribute builds the attribute name for a custom field key.
func CustomAttribute(key string) DonorAttribute {
	return DonorAttribute(CustomFieldPrefix + key)
}

// IsCustom reports whether the attribute refers to a custom field.
func (a DonorAttribute) IsCustom() bool {
	return strings.HasPrefix(string(a), CustomFieldPrefix)
}

// CustomKey returns the custom-field key (without prefix), or "" for built-ins.
func (a DonorAttribute) CustomKey() string {
	if !a.IsCustom() {
		return ""
	}
	return strings.TrimPrefix(string(a), CustomFieldPrefix)
}

// Operator is the comparison applied by a Condition.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNeq        Operator = "neq"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpContains   Operator = "contains"
	OpIn         Operator = "in"
	OpNotIn      Operator = "not_in"
	OpIsSet      Operator = "is_set"
	OpIsNotSet   Operator = "is_not_set"
	OpBefore     Operator = "before"
	OpAfter      Operator = "after"
	OpWithinDays Operator = "within_days"
)

var knownOperators = map[Operator]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpContains: true, OpIn: true, OpNotIn: true, OpIsSet: true, OpIsNotSet: true,
	OpBefore: true, OpAfter: true, OpWithinDays: true,
}

// Known reports whether op is part of the operator enumeration.
func (op Operator) Known() bool {
	return knownOperators[op]
}

// Combinator joins a Group's children.
type Combinator string

const (
	CombinatorAnd Combinator = "AND"
	CombinatorOr  Combinator = "OR"
)

// NodeKind discriminates the rule tree union.
type NodeKind string

const (
	KindCondition NodeKind = "condition"
	KindGroup     NodeKind = "group"
)

// Node is a Condition or a Group.
type Node interface {
	Kind() NodeKind
}

// Condition is a leaf node comparing one donor attribute.
type Condition struct {
	Field    DonorAttribute
	Operator Operator
	Value    any // nil for is_set/is_not_set
}

// Kind implements Node.
func (*Condition) Kind() NodeKind { return KindCondition }

// MarshalJSON writes the tagged form.
func (c *Condition) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind     NodeKind       `json:"kind"`
		Field    DonorAttribute `json:"field"`
		Operator Operator       `json:"operator"`
		Value    any            `json:"value,omitempty"`
	}{KindCondition, c.Field, c.Operator, c.Value})
}

// Group is an internal node combining its children with AND or OR.
type Group struct {
	Combinator Combinator
	Children   []Node
}

// Kind implements Node.
func (*Group) Kind() NodeKind { return KindGroup }

// MarshalJSON writes the tagged form.
func (g *Group) MarshalJSON() ([]byte, error) {
	children := g.Children
	if children == nil {
		children = []Node{}
	}
	return json.Marshal(struct {
		Kind       NodeKind   `json:"kind"`
		Combinator Combinator `json:"combinator"`
		Children   []Node     `json:"children"`
	}{KindGroup, g.Combinator, children})
}

// SegmentRules is the persisted rule tree.
type SegmentRules struct {
	Version int
	Group   *Group
}

// MarshalJSON writes the versioned document.
func (r SegmentRules) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Version int    `json:"version"`
		Group   *Group `json:"group"`
	}{r.Version, r.Group})
}

// And builds an AND group; convenience for tests and fixtures.
func And(children ...Node) *Group {
	return &Group{Combinator: CombinatorAnd, Children: children}
}

// Or builds an OR group.
func Or(children ...Node) *Group {
	return &Group{Combinator: CombinatorOr, Children: children}
}

// Cond builds a condition.
func Cond(field DonorAttribute, op Operator, value any) *Condition {
	return &Condition{Field: field, Operator: op, Value: value}
}

// NewRules wraps a root group at the current schema version.
func NewRules(root *Group) SegmentRules {
	return SegmentRules{Version: RulesSchemaVersion, Group: root}
}
