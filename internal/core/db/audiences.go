package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/solatis/segmentkeeper/internal/types"
)

type audienceRow struct {
	ID                 string         `db:"audience_id"`
	OrganizationID     string         `db:"organization_id"`
	Name               string         `db:"name"`
	Description        string         `db:"description"`
	Type               string         `db:"audience_type"`
	Rules              sql.NullString `db:"rules"`
	RulesVersion       int            `db:"rules_version"`
	CachedDonatorCount int64          `db:"cached_donator_count"`
	CountRefreshedAt   nullTime       `db:"count_refreshed_at"`
	CreatedAt          nullTime       `db:"created_at"`
	UpdatedAt          nullTime       `db:"updated_at"`
}

func (r audienceRow) audience() types.Audience {
	a := types.Audience{
		ID:                 types.AudienceID(r.ID),
		OrganizationID:     types.OrganizationID(r.OrganizationID),
		Name:               r.Name,
		Description:        r.Description,
		Type:               types.AudienceType(r.Type),
		RulesVersion:       r.RulesVersion,
		CachedDonatorCount: r.CachedDonatorCount,
		CountRefreshedAt:   r.CountRefreshedAt.Ptr(),
		CreatedAt:          r.CreatedAt.Time,
		UpdatedAt:          r.UpdatedAt.Time,
	}
	if r.Rules.Valid {
		a.Rules = json.RawMessage(r.Rules.String)
	}
	return a
}

func rulesParam(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 || string(raw) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

// InsertAudience stores a new audience with an unrefreshed count.
func (s *Store) InsertAudience(ctx context.Context, a types.Audience) error {
	d := s.q.Dialect()
	_, err := s.q.ExecContext(ctx, "insert-audience",
		string(a.ID), string(a.OrganizationID), a.Name, a.Description, string(a.Type),
		rulesParam(a.Rules), a.RulesVersion,
		bindTime(d, a.CreatedAt), bindTime(d, a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert audience %s: %w", a.ID, err)
	}
	return nil
}

// GetAudience returns types.ErrAudienceNotFound when id is absent from org.
func (s *Store) GetAudience(ctx context.Context, org types.OrganizationID, id types.AudienceID) (types.Audience, error) {
	var row audienceRow
	err := s.q.GetContext(ctx, "get-audience", &row, string(org), string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Audience{}, types.ErrAudienceNotFound
	}
	if err != nil {
		return types.Audience{}, fmt.Errorf("get audience %s: %w", id, err)
	}
	return row.audience(), nil
}

// ListAudiences returns one page of audiences, newest first, and the total
// number of audiences matching the filter.
func (s *Store) ListAudiences(ctx context.Context, org types.OrganizationID, f types.AudienceFilter) ([]types.Audience, int64, error) {
	limit, offset := pageBounds(types.Page{Limit: f.Limit, Offset: f.Offset})

	var (
		rows  []audienceRow
		total int64
		err   error
	)
	if f.Type == "" {
		err = s.q.SelectContext(ctx, "list-audiences", &rows, string(org), limit, offset)
		if err == nil {
			err = s.q.GetContext(ctx, "count-audiences", &total, string(org))
		}
	} else {
		err = s.q.SelectContext(ctx, "list-audiences-by-type", &rows, string(org), string(f.Type), limit, offset)
		if err == nil {
			err = s.q.GetContext(ctx, "count-audiences-by-type", &total, string(org), string(f.Type))
		}
	}
	if err != nil {
		return nil, 0, fmt.Errorf("list audiences: %w", err)
	}

	out := make([]types.Audience, len(rows))
	for i, r := range rows {
		out[i] = r.audience()
	}
	return out, total, nil
}

// DynamicAudienceIDs returns every dynamic audience of org, oldest first.
func (s *Store) DynamicAudienceIDs(ctx context.Context, org types.OrganizationID) ([]types.AudienceID, error) {
	var ids []string
	if err := s.q.SelectContext(ctx, "list-dynamic-audience-ids", &ids, string(org)); err != nil {
		return nil, fmt.Errorf("list dynamic audiences: %w", err)
	}
	out := make([]types.AudienceID, len(ids))
	for i, id := range ids {
		out[i] = types.AudienceID(id)
	}
	return out, nil
}

// UpdateAudienceRules replaces the rules document of a dynamic audience.
func (s *Store) UpdateAudienceRules(ctx context.Context, org types.OrganizationID, id types.AudienceID, raw json.RawMessage, version int, at time.Time) error {
	res, err := s.q.ExecContext(ctx, "update-audience-rules",
		rulesParam(raw), version, bindTime(s.q.Dialect(), at), string(org), string(id))
	if err != nil {
		return fmt.Errorf("update rules of audience %s: %w", id, err)
	}
	return expectOneRow(res)
}

// StoreCachedCount writes the refreshed count of a dynamic audience.
func (s *Store) StoreCachedCount(ctx context.Context, org types.OrganizationID, id types.AudienceID, count int64, at time.Time) error {
	res, err := s.q.ExecContext(ctx, "update-cached-count",
		count, bindTime(s.q.Dialect(), at), string(org), string(id))
	if err != nil {
		return fmt.Errorf("store count of audience %s: %w", id, err)
	}
	return expectOneRow(res)
}

// DeleteAudience removes the audience row, its members and its cached count.
func (s *Store) DeleteAudience(ctx context.Context, org types.OrganizationID, id types.AudienceID) error {
	tx, err := s.q.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var row audienceRow
	err = s.q.GetTx(ctx, tx, "get-audience", &row, string(org), string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.ErrAudienceNotFound
	}
	if err != nil {
		return fmt.Errorf("get audience %s: %w", id, err)
	}

	if _, err := s.q.ExecTx(ctx, tx, "delete-audience-members", string(id)); err != nil {
		return fmt.Errorf("delete members of audience %s: %w", id, err)
	}
	if _, err := s.q.ExecTx(ctx, tx, "delete-audience", string(org), string(id)); err != nil {
		return fmt.Errorf("delete audience %s: %w", id, err)
	}
	return tx.Commit()
}

// AddMembers adds donors of org to a static audience and returns how many
// were newly added. Donors of other organizations and duplicates are skipped.
func (s *Store) AddMembers(ctx context.Context, org types.OrganizationID, id types.AudienceID, donors []types.DonorID, at time.Time) (int64, error) {
	tx, err := s.q.DB().BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	ts := bindTime(s.q.Dialect(), at)
	var added int64
	for _, donor := range donors {
		res, err := s.q.ExecTx(ctx, tx, "add-audience-member", string(id), ts, string(org), string(donor))
		if err != nil {
			return 0, fmt.Errorf("add member %s: %w", donor, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			added += n
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}

// CountMembers returns the explicit member count of an audience.
func (s *Store) CountMembers(ctx context.Context, id types.AudienceID) (int64, error) {
	var n int64
	if err := s.q.GetContext(ctx, "count-audience-members", &n, string(id)); err != nil {
		return 0, fmt.Errorf("count members of audience %s: %w", id, err)
	}
	return n, nil
}

// MemberCounts returns member counts for every static audience of org that has members.
func (s *Store) MemberCounts(ctx context.Context, org types.OrganizationID) (map[types.AudienceID]int64, error) {
	var rows []struct {
		AudienceID  string `db:"audience_id"`
		MemberCount int64  `db:"member_count"`
	}
	if err := s.q.SelectContext(ctx, "member-counts", &rows, string(org)); err != nil {
		return nil, fmt.Errorf("member counts: %w", err)
	}
	out := make(map[types.AudienceID]int64, len(rows))
	for _, r := range rows {
		out[types.AudienceID(r.AudienceID)] = r.MemberCount
	}
	return out, nil
}

// ListStaticMembers returns one page of explicit members.
func (s *Store) ListStaticMembers(ctx context.Context, org types.OrganizationID, id types.AudienceID, page types.Page) ([]types.Donor, error) {
	limit, offset := pageBounds(page)
	var rows []donorRow
	if err := s.q.SelectContext(ctx, "list-audience-members", &rows, string(id), string(org), limit, offset); err != nil {
		return nil, fmt.Errorf("list members of audience %s: %w", id, err)
	}
	return s.hydrate(ctx, rows)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return types.ErrAudienceNotFound
	}
	return nil
}
