package db

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/solatis/segmentkeeper/internal/rules"
	"github.com/solatis/segmentkeeper/internal/types"
)

// Page bounds applied when a caller passes a zero or oversized page.
const (
	DefaultPageLimit = 100
	MaxPageLimit     = 1000
)

// Store is the SQL implementation of the donor, audience and organization stores.
// It implements rules.DonorStore, rules.Capabilities and rules.LocationResolver.
type Store struct {
	q *Queries
}

// NewStore creates a Store over loaded queries.
func NewStore(q *Queries) *Store {
	return &Store{q: q}
}

var (
	_ rules.DonorStore       = (*Store)(nil)
	_ rules.Capabilities     = (*Store)(nil)
	_ rules.LocationResolver = (*Store)(nil)
)

const donorSelect = `donor_id, organization_id, email, country, preferred_language, segment,
	total_donated_minor, donation_count, score,
	first_donation_date, last_donation_date, unsubscribed_at,
	opt_in_email, opt_in_sms, opt_in_postal, custom_fields, created_at`

type donorRow struct {
	ID                string         `db:"donor_id"`
	OrganizationID    string         `db:"organization_id"`
	Email             sql.NullString `db:"email"`
	Country           sql.NullString `db:"country"`
	PreferredLanguage sql.NullString `db:"preferred_language"`
	Segment           sql.NullString `db:"segment"`
	TotalDonatedMinor int64          `db:"total_donated_minor"`
	DonationCount     int64          `db:"donation_count"`
	Score             sql.NullInt64  `db:"score"`
	FirstDonationDate nullTime       `db:"first_donation_date"`
	LastDonationDate  nullTime       `db:"last_donation_date"`
	UnsubscribedAt    nullTime       `db:"unsubscribed_at"`
	OptInEmail        bool           `db:"opt_in_email"`
	OptInSMS          bool           `db:"opt_in_sms"`
	OptInPostal       bool           `db:"opt_in_postal"`
	CustomFields      string         `db:"custom_fields"`
	CreatedAt         nullTime       `db:"created_at"`
}

func (r donorRow) donor() (types.Donor, error) {
	d := types.Donor{
		ID:                types.DonorID(r.ID),
		OrganizationID:    types.OrganizationID(r.OrganizationID),
		Email:             r.Email.String,
		Country:           r.Country.String,
		PreferredLanguage: r.PreferredLanguage.String,
		Segment:           r.Segment.String,
		TotalDonated:      decimal.New(r.TotalDonatedMinor, -types.AmountScale),
		DonationCount:     r.DonationCount,
		FirstDonationDate: r.FirstDonationDate.Ptr(),
		LastDonationDate:  r.LastDonationDate.Ptr(),
		UnsubscribedAt:    r.UnsubscribedAt.Ptr(),
		OptInEmail:        r.OptInEmail,
		OptInSMS:          r.OptInSMS,
		OptInPostal:       r.OptInPostal,
		CreatedAt:         r.CreatedAt.Time,
	}
	if r.Score.Valid {
		score := r.Score.Int64
		d.Score = &score
	}
	if r.CustomFields != "" {
		dec := json.NewDecoder(bytes.NewReader([]byte(r.CustomFields)))
		dec.UseNumber()
		if err := dec.Decode(&d.CustomFields); err != nil {
			return types.Donor{}, fmt.Errorf("donor %s: invalid custom_fields: %w", r.ID, err)
		}
	}
	return d, nil
}

// CheckAtom implements rules.Capabilities.
func (s *Store) CheckAtom(a rules.Atom) error {
	return checkAtom(a)
}

// CountDonors implements rules.DonorStore.
func (s *Store) CountDonors(ctx context.Context, p rules.Predicate) (int64, error) {
	where, args, err := renderWhere(s.q.Dialect(), p)
	if err != nil {
		return 0, err
	}
	db := s.q.DB()
	var n int64
	if err := db.GetContext(ctx, &n, db.Rebind("SELECT COUNT(*) FROM donors WHERE "+where), args...); err != nil {
		return 0, fmt.Errorf("count donors: %w", err)
	}
	return n, nil
}

// ListDonors implements rules.DonorStore. Donors are ordered by creation.
func (s *Store) ListDonors(ctx context.Context, p rules.Predicate, page types.Page) ([]types.Donor, error) {
	where, args, err := renderWhere(s.q.Dialect(), p)
	if err != nil {
		return nil, err
	}
	limit, offset := pageBounds(page)
	args = append(args, limit, offset)

	db := s.q.DB()
	query := db.Rebind("SELECT " + donorSelect + " FROM donors WHERE " + where +
		" ORDER BY created_at, donor_id LIMIT ? OFFSET ?")

	var rows []donorRow
	if err := db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list donors: %w", err)
	}
	return s.hydrate(ctx, rows)
}

// InsertDonor stores a donor and its tags in one transaction.
// Empty text attributes are stored as NULL.
func (s *Store) InsertDonor(ctx context.Context, d types.Donor) error {
	if d.OrganizationID == "" {
		return types.ErrMissingOrganization
	}
	minor := d.TotalDonated.Shift(types.AmountScale)
	if !minor.IsInteger() {
		return fmt.Errorf("donor %s: total donated %s exceeds stored precision", d.ID, d.TotalDonated)
	}
	custom := []byte("{}")
	if len(d.CustomFields) > 0 {
		var err error
		if custom, err = json.Marshal(d.CustomFields); err != nil {
			return fmt.Errorf("donor %s: encode custom fields: %w", d.ID, err)
		}
	}
	var score any
	if d.Score != nil {
		score = *d.Score
	}

	dialect := s.q.Dialect()
	tx, err := s.q.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = s.q.ExecTx(ctx, tx, "insert-donor",
		string(d.ID), string(d.OrganizationID),
		nullString(d.Email), nullString(d.Country), nullString(d.PreferredLanguage), nullString(d.Segment),
		minor.IntPart(), d.DonationCount, score,
		bindTimePtr(dialect, d.FirstDonationDate), bindTimePtr(dialect, d.LastDonationDate), bindTimePtr(dialect, d.UnsubscribedAt),
		d.OptInEmail, d.OptInSMS, d.OptInPostal, string(custom), bindTime(dialect, d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert donor %s: %w", d.ID, err)
	}
	for _, tag := range d.Tags {
		if tag == "" {
			continue
		}
		if _, err := s.q.ExecTx(ctx, tx, "insert-donor-tag", string(d.ID), tag); err != nil {
			return fmt.Errorf("insert tag for donor %s: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

// GetDonor returns one donor of org.
func (s *Store) GetDonor(ctx context.Context, org types.OrganizationID, id types.DonorID) (types.Donor, error) {
	var row donorRow
	err := s.q.GetContext(ctx, "get-donor", &row, string(org), string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Donor{}, fmt.Errorf("donor %s: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return types.Donor{}, fmt.Errorf("get donor: %w", err)
	}
	donors, err := s.hydrate(ctx, []donorRow{row})
	if err != nil {
		return types.Donor{}, err
	}
	return donors[0], nil
}

// hydrate converts rows and attaches tags with one IN query.
func (s *Store) hydrate(ctx context.Context, rows []donorRow) ([]types.Donor, error) {
	donors := make([]types.Donor, 0, len(rows))
	if len(rows) == 0 {
		return donors, nil
	}
	ids := make([]string, len(rows))
	index := make(map[types.DonorID]int, len(rows))
	for i, r := range rows {
		d, err := r.donor()
		if err != nil {
			return nil, err
		}
		ids[i] = r.ID
		index[d.ID] = i
		donors = append(donors, d)
	}

	var tags []struct {
		DonorID string `db:"donor_id"`
		Tag     string `db:"tag"`
	}
	if err := s.q.SelectIn(ctx, "list-donor-tags", &tags, ids); err != nil {
		return nil, fmt.Errorf("load donor tags: %w", err)
	}
	for _, t := range tags {
		i := index[types.DonorID(t.DonorID)]
		donors[i].Tags = append(donors[i].Tags, t.Tag)
	}
	return donors, nil
}

func pageBounds(page types.Page) (limit, offset int) {
	limit = page.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	offset = page.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
