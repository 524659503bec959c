package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/solatis/segmentkeeper/internal/types"
)

// ErrOrganizationNotFound indicates no organization row with that id.
var ErrOrganizationNotFound = errors.New("organization not found")

// CreateOrganization inserts an organization. An empty timezone defaults to UTC.
func (s *Store) CreateOrganization(ctx context.Context, org types.Organization) error {
	tz := org.ReportingTimezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("organization %s: %w %q: %v", org.ID, types.ErrInvalidTimezone, tz, err)
	}
	_, err := s.q.ExecContext(ctx, "insert-organization",
		string(org.ID), org.Name, tz, bindTime(s.q.Dialect(), org.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert organization %s: %w", org.ID, err)
	}
	return nil
}

// GetOrganization returns ErrOrganizationNotFound when id is unknown.
func (s *Store) GetOrganization(ctx context.Context, id types.OrganizationID) (types.Organization, error) {
	var row struct {
		ID                string   `db:"organization_id"`
		Name              string   `db:"name"`
		ReportingTimezone string   `db:"reporting_timezone"`
		CreatedAt         nullTime `db:"created_at"`
	}
	err := s.q.GetContext(ctx, "get-organization", &row, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Organization{}, ErrOrganizationNotFound
	}
	if err != nil {
		return types.Organization{}, fmt.Errorf("get organization %s: %w", id, err)
	}
	return types.Organization{
		ID:                types.OrganizationID(row.ID),
		Name:              row.Name,
		ReportingTimezone: row.ReportingTimezone,
		CreatedAt:         row.CreatedAt.Time,
	}, nil
}

// ReportingLocation implements rules.LocationResolver. Unknown organizations
// resolve to nil so the evaluator's default location applies.
func (s *Store) ReportingLocation(ctx context.Context, org types.OrganizationID) (*time.Location, error) {
	var tz string
	err := s.q.GetContext(ctx, "get-reporting-timezone", &tz, string(org))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reporting timezone of %s: %w", org, err)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("organization %s: %w %q: %v", org, types.ErrInvalidTimezone, tz, err)
	}
	return loc, nil
}

// DefineCustomField creates or retypes a custom field of an organization.
func (s *Store) DefineCustomField(ctx context.Context, def types.CustomFieldDefinition) error {
	switch def.Type {
	case types.ValueText, types.ValueNumber, types.ValueDate, types.ValueBoolean:
	default:
		return fmt.Errorf("custom field %s: unsupported type %s", def.Key, def.Type)
	}
	_, err := s.q.ExecContext(ctx, "upsert-custom-field",
		string(def.OrganizationID), def.Key, def.Type.String(), bindTime(s.q.Dialect(), time.Now()))
	if err != nil {
		return fmt.Errorf("define custom field %s: %w", def.Key, err)
	}
	return nil
}

// CustomFields returns the custom-field definitions of org ordered by key.
func (s *Store) CustomFields(ctx context.Context, org types.OrganizationID) ([]types.CustomFieldDefinition, error) {
	var rows []struct {
		Key  string `db:"field_key"`
		Type string `db:"value_type"`
	}
	if err := s.q.SelectContext(ctx, "list-custom-fields", &rows, string(org)); err != nil {
		return nil, fmt.Errorf("list custom fields: %w", err)
	}
	defs := make([]types.CustomFieldDefinition, 0, len(rows))
	for _, r := range rows {
		t, ok := types.ParseValueType(r.Type)
		if !ok {
			return nil, fmt.Errorf("custom field %s: unknown stored type %q", r.Key, r.Type)
		}
		defs = append(defs, types.CustomFieldDefinition{OrganizationID: org, Key: r.Key, Type: t})
	}
	return defs, nil
}
