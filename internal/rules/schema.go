package rules

import (
	"fmt"

	"github.com/solatis/segmentkeeper/internal/types"
)

// Schema resolves the declared type of every attribute a condition may reference:
// the built-in donor attributes plus an organization's custom-field definitions.
// A nil *Schema knows only the built-ins.
type Schema struct {
	custom map[string]types.ValueType
}

// NewSchema builds a schema from custom-field definitions.
// Rejects malformed keys and list-typed custom fields.
func NewSchema(defs []types.CustomFieldDefinition) (*Schema, error) {
	s := &Schema{custom: make(map[string]types.ValueType, len(defs))}
	for _, def := range defs {
		if _, err := ParseFieldPath(def.Key); err != nil {
			return nil, fmt.Errorf("custom field %q: %w", def.Key, err)
		}
		switch def.Type {
		case types.ValueText, types.ValueNumber, types.ValueDate, types.ValueBoolean:
		default:
			return nil, fmt.Errorf("custom field %q: unsupported type %s", def.Key, def.Type)
		}
		s.custom[def.Key] = def.Type
	}
	return s, nil
}

// FieldType returns the declared type of an attribute.
func (s *Schema) FieldType(a types.DonorAttribute) (types.ValueType, bool) {
	if a.IsCustom() {
		if s == nil {
			return types.ValueUnknown, false
		}
		t, ok := s.custom[a.CustomKey()]
		return t, ok
	}
	return types.BuiltinType(a)
}
