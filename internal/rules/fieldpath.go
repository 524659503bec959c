// internal/rules/fieldpath.go
package rules

import (
	"strings"

	"github.com/solatis/segmentkeeper/internal/types"
)

/*
 * Custom field path resolution.
 *
 * Custom attributes are addressed as custom.<key> where key is a dotted path
 * into the donor's custom_fields JSON object (custom.address.city). Paths are
 * object keys only: no array indices, no wildcards. Each segment is
 * [a-z0-9_]+, which keeps paths safe to bind into json_extract / #>> in SQL.
 *
 * Resolution is iterative and bounded by MaxCustomFieldDepth.
 */

// ParseFieldPath splits a custom-field key into validated segments.
func ParseFieldPath(key string) ([]string, error) {
	if key == "" {
		return nil, types.ErrInvalidFieldPath
	}
	segments := strings.Split(key, ".")
	if len(segments) > types.MaxCustomFieldDepth {
		return nil, types.ErrFieldPathTooDeep
	}
	for _, seg := range segments {
		if !validSegment(seg) {
			return nil, types.ErrInvalidFieldPath
		}
	}
	return segments, nil
}

func validSegment(seg string) bool {
	if seg == "" || len(seg) > 64 {
		return false
	}
	for _, c := range seg {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// ResolveCustom walks a donor's custom fields along path.
// Returns (nil, false) when any segment is missing, null, or not an object.
func ResolveCustom(fields map[string]any, path []string) (any, bool) {
	if len(path) == 0 || fields == nil {
		return nil, false
	}
	var current any = fields
	for _, seg := range path {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[seg]
		if !ok || current == nil {
			return nil, false
		}
	}
	return current, true
}
