package api

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/segmentkeeper/internal/core/auth"
	"github.com/solatis/segmentkeeper/internal/core/segments"
	"github.com/solatis/segmentkeeper/internal/types"
)

func organization(ctx context.Context) (types.OrganizationID, error) {
	org := auth.OrganizationIDFromContext(ctx)
	if org == "" {
		return "", status.Error(codes.Internal, "missing organization_id in context")
	}
	return org, nil
}

func respond(doc map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(doc)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func respondView(v segments.View) (*structpb.Struct, error) {
	doc, err := viewDocument(v)
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(map[string]any{"audience": doc})
}

// EvaluateCount returns the live count of {"rules": ...} without storing anything.
func (s *SegmentService) EvaluateCount(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	org, err := organization(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := rulesField(in, "rules")
	if err != nil {
		return nil, toStatus(err)
	}
	if raw == nil {
		return nil, toStatus(invalidRequest("rules is required"))
	}
	count, err := s.manager.Preview(ctx, org, raw)
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(map[string]any{"count": float64(count)})
}

// CreateAudience creates a STATIC or DYNAMIC audience.
// Request: {name, description?, type, rules?, member_ids?}.
func (s *SegmentService) CreateAudience(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	org, err := organization(ctx)
	if err != nil {
		return nil, err
	}
	var input segments.CreateInput
	if input.Name, err = stringField(in, "name"); err != nil {
		return nil, toStatus(err)
	}
	if input.Description, err = stringField(in, "description"); err != nil {
		return nil, toStatus(err)
	}
	typ, err := stringField(in, "type")
	if err != nil {
		return nil, toStatus(err)
	}
	input.Type = types.AudienceType(typ)
	if input.Rules, err = rulesField(in, "rules"); err != nil {
		return nil, toStatus(err)
	}
	if input.Members, err = donorIDsField(in, "member_ids"); err != nil {
		return nil, toStatus(err)
	}

	v, err := s.manager.Create(ctx, org, input)
	if err != nil {
		return nil, toStatus(err)
	}
	return respondView(v)
}

// GetAudience returns {audience} for {audience_id}.
func (s *SegmentService) GetAudience(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	org, err := organization(ctx)
	if err != nil {
		return nil, err
	}
	id, err := audienceIDField(in)
	if err != nil {
		return nil, toStatus(err)
	}
	v, err := s.manager.Get(ctx, org, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return respondView(v)
}

// ListAudiences returns {audiences, total} for {type?, limit?, offset?}.
func (s *SegmentService) ListAudiences(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	org, err := organization(ctx)
	if err != nil {
		return nil, err
	}
	typ, err := stringField(in, "type")
	if err != nil {
		return nil, toStatus(err)
	}
	page, err := pageFields(in)
	if err != nil {
		return nil, toStatus(err)
	}

	res, err := s.manager.List(ctx, org, segments.ListOptions{
		Type: types.AudienceType(typ), Limit: page.Limit, Offset: page.Offset,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	docs := make([]any, len(res.Audiences))
	for i, v := range res.Audiences {
		if docs[i], err = viewDocument(v); err != nil {
			return nil, toStatus(err)
		}
	}
	return respond(map[string]any{"audiences": docs, "total": float64(res.Total)})
}

// ReplaceRules replaces the whole rule tree of {audience_id} with {rules}.
func (s *SegmentService) ReplaceRules(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	org, err := organization(ctx)
	if err != nil {
		return nil, err
	}
	id, err := audienceIDField(in)
	if err != nil {
		return nil, toStatus(err)
	}
	raw, err := rulesField(in, "rules")
	if err != nil {
		return nil, toStatus(err)
	}
	v, err := s.manager.ReplaceRules(ctx, org, id, raw)
	if err != nil {
		return nil, toStatus(err)
	}
	return respondView(v)
}

// RefreshAudience recomputes the cached count of a DYNAMIC audience.
func (s *SegmentService) RefreshAudience(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	org, err := organization(ctx)
	if err != nil {
		return nil, err
	}
	id, err := audienceIDField(in)
	if err != nil {
		return nil, toStatus(err)
	}
	count, err := s.manager.Refresh(ctx, org, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(map[string]any{"audience_id": string(id), "count": float64(count)})
}

// DeleteAudience removes {audience_id}.
func (s *SegmentService) DeleteAudience(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	org, err := organization(ctx)
	if err != nil {
		return nil, err
	}
	id, err := audienceIDField(in)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.manager.Delete(ctx, org, id); err != nil {
		return nil, toStatus(err)
	}
	return respond(map[string]any{"audience_id": string(id)})
}

// AddAudienceMembers adds {member_ids} to a STATIC audience.
func (s *SegmentService) AddAudienceMembers(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	org, err := organization(ctx)
	if err != nil {
		return nil, err
	}
	id, err := audienceIDField(in)
	if err != nil {
		return nil, toStatus(err)
	}
	donors, err := donorIDsField(in, "member_ids")
	if err != nil {
		return nil, toStatus(err)
	}
	added, err := s.manager.AddMembers(ctx, org, id, donors)
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(map[string]any{"audience_id": string(id), "added": float64(added)})
}

// ListAudienceMembers returns one page of donors of {audience_id}.
func (s *SegmentService) ListAudienceMembers(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	org, err := organization(ctx)
	if err != nil {
		return nil, err
	}
	id, err := audienceIDField(in)
	if err != nil {
		return nil, toStatus(err)
	}
	page, err := pageFields(in)
	if err != nil {
		return nil, toStatus(err)
	}
	donors, err := s.manager.Members(ctx, org, id, page)
	if err != nil {
		return nil, toStatus(err)
	}
	if donors == nil {
		donors = []types.Donor{}
	}
	docs, err := jsonDocument(donors)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode donors: %v", err)
	}
	return respond(map[string]any{"donors": docs})
}
