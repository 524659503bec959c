package api

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/segmentkeeper/internal/core/segments"
	"github.com/solatis/segmentkeeper/internal/types"
)

func field(in *structpb.Struct, name string) (*structpb.Value, bool) {
	if in == nil {
		return nil, false
	}
	v, ok := in.GetFields()[name]
	if !ok {
		return nil, false
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, false
	}
	return v, true
}

func stringField(in *structpb.Struct, name string) (string, error) {
	v, ok := field(in, name)
	if !ok {
		return "", nil
	}
	s, isString := v.GetKind().(*structpb.Value_StringValue)
	if !isString {
		return "", invalidRequest("%s must be a string", name)
	}
	return s.StringValue, nil
}

func audienceIDField(in *structpb.Struct) (types.AudienceID, error) {
	s, err := stringField(in, "audience_id")
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", invalidRequest("audience_id is required")
	}
	id, err := types.ParseAudienceID(s)
	if err != nil {
		return "", invalidRequest("audience_id: %v", err)
	}
	return id, nil
}

func intField(in *structpb.Struct, name string) (int, error) {
	v, ok := field(in, name)
	if !ok {
		return 0, nil
	}
	n, isNumber := v.GetKind().(*structpb.Value_NumberValue)
	if !isNumber || n.NumberValue != math.Trunc(n.NumberValue) || n.NumberValue < 0 || n.NumberValue > math.MaxInt32 {
		return 0, invalidRequest("%s must be a non-negative integer", name)
	}
	return int(n.NumberValue), nil
}

// rulesField returns the rule document as JSON. A string value is taken as
// JSON text verbatim, which keeps numbers exact; an object is re-encoded.
func rulesField(in *structpb.Struct, name string) (json.RawMessage, error) {
	v, ok := field(in, name)
	if !ok {
		return nil, nil
	}
	if s, isString := v.GetKind().(*structpb.Value_StringValue); isString {
		if !json.Valid([]byte(s.StringValue)) {
			return nil, invalidRequest("%s is not valid JSON", name)
		}
		return json.RawMessage(s.StringValue), nil
	}
	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, invalidRequest("%s: %v", name, err)
	}
	return raw, nil
}

func donorIDsField(in *structpb.Struct, name string) ([]types.DonorID, error) {
	v, ok := field(in, name)
	if !ok {
		return nil, nil
	}
	list, isList := v.GetKind().(*structpb.Value_ListValue)
	if !isList {
		return nil, invalidRequest("%s must be a list", name)
	}
	ids := make([]types.DonorID, 0, len(list.ListValue.GetValues()))
	for i, item := range list.ListValue.GetValues() {
		s, isString := item.GetKind().(*structpb.Value_StringValue)
		if !isString {
			return nil, invalidRequest("%s[%d] must be a string", name, i)
		}
		id, err := types.ParseDonorID(s.StringValue)
		if err != nil {
			return nil, invalidRequest("%s[%d]: %v", name, i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func pageFields(in *structpb.Struct) (types.Page, error) {
	limit, err := intField(in, "limit")
	if err != nil {
		return types.Page{}, err
	}
	offset, err := intField(in, "offset")
	if err != nil {
		return types.Page{}, err
	}
	return types.Page{Limit: limit, Offset: offset}, nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// viewDocument renders an audience view. donator_count is null for a dynamic
// audience that was never refreshed.
func viewDocument(v segments.View) (map[string]any, error) {
	doc := map[string]any{
		"id":                 string(v.ID),
		"organization_id":    string(v.OrganizationID),
		"name":               v.Name,
		"description":        v.Description,
		"type":               string(v.Type),
		"rules":              nil,
		"donator_count":      nil,
		"stale":              v.Stale,
		"count_refreshed_at": formatTime(v.CountRefreshedAt),
		"created_at":         formatTime(&v.CreatedAt),
		"updated_at":         formatTime(&v.UpdatedAt),
	}
	if v.DonatorCount != nil {
		doc["donator_count"] = float64(*v.DonatorCount)
	}
	if v.HasRules() {
		var rules any
		if err := json.Unmarshal(v.Rules, &rules); err != nil {
			return nil, fmt.Errorf("audience %s: stored rules: %w", v.ID, err)
		}
		doc["rules"] = rules
	}
	return doc, nil
}

// jsonDocument converts any JSON-marshalable value to a generic document.
func jsonDocument(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
