// Package memstore is an in-memory donor, audience and organization store.
//
// It evaluates compiled predicates with rules.Predicate.Matches, so it agrees
// with the SQL store by construction of the shared semantics. Used by tests
// and by the count command when pointed at a JSON fixture instead of a database.
package memstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/solatis/segmentkeeper/internal/rules"
	"github.com/solatis/segmentkeeper/internal/types"
)

// Store is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	donors    []types.Donor
	audiences map[types.AudienceID]types.Audience
	members   map[types.AudienceID]map[types.DonorID]time.Time
	fields    map[types.OrganizationID][]types.CustomFieldDefinition
	locations map[types.OrganizationID]*time.Location
}

var (
	_ rules.DonorStore       = (*Store)(nil)
	_ rules.LocationResolver = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		audiences: make(map[types.AudienceID]types.Audience),
		members:   make(map[types.AudienceID]map[types.DonorID]time.Time),
		fields:    make(map[types.OrganizationID][]types.CustomFieldDefinition),
		locations: make(map[types.OrganizationID]*time.Location),
	}
}

// Fixture is the JSON shape accepted by LoadFixture.
type Fixture struct {
	Organizations []FixtureOrganization `json:"organizations"`
	Donors        []types.Donor         `json:"donors"`
}

// FixtureOrganization declares an organization's timezone and custom fields
// (key to type name: text, number, date, boolean).
type FixtureOrganization struct {
	ID                types.OrganizationID `json:"id"`
	Name              string               `json:"name"`
	ReportingTimezone string               `json:"reporting_timezone"`
	CustomFields      map[string]string    `json:"custom_fields"`
}

// Definitions returns the organization's custom fields ordered by key.
func (o FixtureOrganization) Definitions() ([]types.CustomFieldDefinition, error) {
	keys := make([]string, 0, len(o.CustomFields))
	for k := range o.CustomFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	defs := make([]types.CustomFieldDefinition, 0, len(keys))
	for _, key := range keys {
		vt, ok := types.ParseValueType(o.CustomFields[key])
		if !ok {
			return nil, fmt.Errorf("organization %s: custom field %s has unknown type %q", o.ID, key, o.CustomFields[key])
		}
		defs = append(defs, types.CustomFieldDefinition{OrganizationID: o.ID, Key: key, Type: vt})
	}
	return defs, nil
}

// ReadFixture parses a fixture file. Amounts and custom numbers keep their
// exact decimal text.
func ReadFixture(path string) (Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("read fixture: %w", err)
	}
	var f Fixture
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&f); err != nil {
		return Fixture{}, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return f, nil
}

// LoadFixture reads a Fixture file into a new store.
func LoadFixture(path string) (*Store, error) {
	f, err := ReadFixture(path)
	if err != nil {
		return nil, err
	}

	s := New()
	for _, org := range f.Organizations {
		if org.ReportingTimezone != "" {
			loc, err := time.LoadLocation(org.ReportingTimezone)
			if err != nil {
				return nil, fmt.Errorf("organization %s: %w", org.ID, err)
			}
			s.SetLocation(org.ID, loc)
		}
		defs, err := org.Definitions()
		if err != nil {
			return nil, err
		}
		for _, def := range defs {
			s.DefineCustomField(def)
		}
	}
	for _, d := range f.Donors {
		if d.ID == "" {
			d.ID = types.NewDonorID()
		}
		s.AddDonor(d)
	}
	return s, nil
}

// AddDonor appends a donor.
func (s *Store) AddDonor(d types.Donor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.donors = append(s.donors, d)
}

// SetLocation sets an organization's reporting location.
func (s *Store) SetLocation(org types.OrganizationID, loc *time.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[org] = loc
}

// DefineCustomField creates or retypes a custom field.
func (s *Store) DefineCustomField(def types.CustomFieldDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defs := s.fields[def.OrganizationID]
	for i := range defs {
		if defs[i].Key == def.Key {
			defs[i].Type = def.Type
			return
		}
	}
	s.fields[def.OrganizationID] = append(defs, def)
}

// CustomFields returns org's definitions ordered by key.
func (s *Store) CustomFields(_ context.Context, org types.OrganizationID) ([]types.CustomFieldDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs := slices.Clone(s.fields[org])
	sort.Slice(defs, func(i, j int) bool { return defs[i].Key < defs[j].Key })
	return defs, nil
}

// ReportingLocation implements rules.LocationResolver.
func (s *Store) ReportingLocation(ctx context.Context, org types.OrganizationID) (*time.Location, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locations[org], nil
}

// CountDonors implements rules.DonorStore.
func (s *Store) CountDonors(ctx context.Context, p rules.Predicate) (int64, error) {
	if p.IsZero() {
		return 0, types.ErrUnscopedPredicate
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, d := range s.donors {
		if p.Matches(d) {
			n++
		}
	}
	return n, nil
}

// ListDonors implements rules.DonorStore in insertion order.
func (s *Store) ListDonors(ctx context.Context, p rules.Predicate, page types.Page) ([]types.Donor, error) {
	if p.IsZero() {
		return nil, types.ErrUnscopedPredicate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []types.Donor
	for _, d := range s.donors {
		if p.Matches(d) {
			matched = append(matched, d)
		}
	}
	return paginate(matched, page), nil
}

func paginate[T any](items []T, page types.Page) []T {
	if page.Offset >= len(items) {
		return []T{}
	}
	items = items[max(page.Offset, 0):]
	if page.Limit > 0 && page.Limit < len(items) {
		items = items[:page.Limit]
	}
	return slices.Clone(items)
}

// InsertAudience stores a copy of a.
func (s *Store) InsertAudience(_ context.Context, a types.Audience) error {
	if a.Type == types.AudienceStatic && a.HasRules() {
		return fmt.Errorf("audience %s: %w", a.ID, types.ErrRulesNotAllowed)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.audiences[a.ID]; exists {
		return fmt.Errorf("audience %s already exists", a.ID)
	}
	a.Rules = slices.Clone(a.Rules)
	a.CachedDonatorCount = 0
	a.CountRefreshedAt = nil
	s.audiences[a.ID] = a
	return nil
}

func (s *Store) lookup(org types.OrganizationID, id types.AudienceID) (types.Audience, bool) {
	a, ok := s.audiences[id]
	if !ok || a.OrganizationID != org {
		return types.Audience{}, false
	}
	return a, true
}

// GetAudience returns types.ErrAudienceNotFound when id is absent from org.
func (s *Store) GetAudience(_ context.Context, org types.OrganizationID, id types.AudienceID) (types.Audience, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.lookup(org, id)
	if !ok {
		return types.Audience{}, types.ErrAudienceNotFound
	}
	return a, nil
}

// ListAudiences returns one page, newest first, and the filtered total.
func (s *Store) ListAudiences(_ context.Context, org types.OrganizationID, f types.AudienceFilter) ([]types.Audience, int64, error) {
	s.mu.RLock()
	var all []types.Audience
	for _, a := range s.audiences {
		if a.OrganizationID == org && (f.Type == "" || a.Type == f.Type) {
			all = append(all, a)
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	return paginate(all, types.Page{Limit: f.Limit, Offset: f.Offset}), int64(len(all)), nil
}

// DynamicAudienceIDs returns org's dynamic audiences, oldest first.
func (s *Store) DynamicAudienceIDs(_ context.Context, org types.OrganizationID) ([]types.AudienceID, error) {
	s.mu.RLock()
	var all []types.Audience
	for _, a := range s.audiences {
		if a.OrganizationID == org && a.Type == types.AudienceDynamic {
			all = append(all, a)
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	ids := make([]types.AudienceID, len(all))
	for i, a := range all {
		ids[i] = a.ID
	}
	return ids, nil
}

// UpdateAudienceRules replaces the rules of a dynamic audience.
func (s *Store) UpdateAudienceRules(_ context.Context, org types.OrganizationID, id types.AudienceID, raw json.RawMessage, version int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.lookup(org, id)
	if !ok || a.Type != types.AudienceDynamic {
		return types.ErrAudienceNotFound
	}
	a.Rules = slices.Clone(raw)
	a.RulesVersion = version
	a.UpdatedAt = at
	s.audiences[id] = a
	return nil
}

// StoreCachedCount writes the refreshed count of a dynamic audience.
func (s *Store) StoreCachedCount(_ context.Context, org types.OrganizationID, id types.AudienceID, count int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.lookup(org, id)
	if !ok || a.Type != types.AudienceDynamic {
		return types.ErrAudienceNotFound
	}
	a.CachedDonatorCount = count
	a.CountRefreshedAt = &at
	s.audiences[id] = a
	return nil
}

// DeleteAudience removes the audience, its members and its cached count.
func (s *Store) DeleteAudience(_ context.Context, org types.OrganizationID, id types.AudienceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(org, id); !ok {
		return types.ErrAudienceNotFound
	}
	delete(s.audiences, id)
	delete(s.members, id)
	return nil
}

// AddMembers adds donors of org to an audience, skipping duplicates and
// donors of other organizations.
func (s *Store) AddMembers(_ context.Context, org types.OrganizationID, id types.AudienceID, donors []types.DonorID, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(org, id); !ok {
		return 0, types.ErrAudienceNotFound
	}
	owned := make(map[types.DonorID]bool)
	for _, d := range s.donors {
		if d.OrganizationID == org {
			owned[d.ID] = true
		}
	}
	set := s.members[id]
	if set == nil {
		set = make(map[types.DonorID]time.Time)
		s.members[id] = set
	}
	var added int64
	for _, donor := range donors {
		if _, dup := set[donor]; dup || !owned[donor] {
			continue
		}
		set[donor] = at
		added++
	}
	return added, nil
}

// CountMembers returns the explicit member count of an audience.
func (s *Store) CountMembers(_ context.Context, id types.AudienceID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.members[id])), nil
}

// MemberCounts returns counts for static audiences of org with members.
func (s *Store) MemberCounts(_ context.Context, org types.OrganizationID) (map[types.AudienceID]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[types.AudienceID]int64)
	for id, set := range s.members {
		if a, ok := s.audiences[id]; ok && a.OrganizationID == org && len(set) > 0 {
			out[id] = int64(len(set))
		}
	}
	return out, nil
}

// ListStaticMembers returns one page of explicit members in donor insertion order.
func (s *Store) ListStaticMembers(_ context.Context, org types.OrganizationID, id types.AudienceID, page types.Page) ([]types.Donor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.members[id]
	var out []types.Donor
	for _, d := range s.donors {
		if _, ok := set[d.ID]; ok && d.OrganizationID == org {
			out = append(out, d)
		}
	}
	return paginate(out, page), nil
}
