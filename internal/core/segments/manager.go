// Package segments implements the audience lifecycle: creating static and
// dynamic audiences, replacing rules, refreshing cached counts, and listing
// audiences with their donor counts.
//
// The Manager is the only writer of CachedDonatorCount. A refresh decodes and
// re-validates the stored rules on every call, compiles them for the owning
// organization, counts once, and writes the count only when every earlier
// step succeeded. A failed refresh leaves the previous count untouched.
//
// Concurrent refreshes of one audience are last-write-wins. WithSingleFlight
// collapses concurrent refreshes of the same audience into one evaluation.
package segments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/solatis/segmentkeeper/internal/rules"
	"github.com/solatis/segmentkeeper/internal/types"
)

// AudienceStore persists audiences, their rules, cached counts and explicit members.
// Implemented by *db.Store and *memstore.Store.
type AudienceStore interface {
	InsertAudience(ctx context.Context, a types.Audience) error
	GetAudience(ctx context.Context, org types.OrganizationID, id types.AudienceID) (types.Audience, error)
	ListAudiences(ctx context.Context, org types.OrganizationID, f types.AudienceFilter) ([]types.Audience, int64, error)
	DynamicAudienceIDs(ctx context.Context, org types.OrganizationID) ([]types.AudienceID, error)
	UpdateAudienceRules(ctx context.Context, org types.OrganizationID, id types.AudienceID, raw json.RawMessage, version int, at time.Time) error
	StoreCachedCount(ctx context.Context, org types.OrganizationID, id types.AudienceID, count int64, at time.Time) error
	DeleteAudience(ctx context.Context, org types.OrganizationID, id types.AudienceID) error
	AddMembers(ctx context.Context, org types.OrganizationID, id types.AudienceID, donors []types.DonorID, at time.Time) (int64, error)
	CountMembers(ctx context.Context, id types.AudienceID) (int64, error)
	MemberCounts(ctx context.Context, org types.OrganizationID) (map[types.AudienceID]int64, error)
	ListStaticMembers(ctx context.Context, org types.OrganizationID, id types.AudienceID, page types.Page) ([]types.Donor, error)
}

// SchemaSource supplies an organization's custom-field definitions.
type SchemaSource interface {
	CustomFields(ctx context.Context, org types.OrganizationID) ([]types.CustomFieldDefinition, error)
}

// RefreshObserver receives one call per refresh.
type RefreshObserver interface {
	ObserveRefresh(err error)
}

// List limits.
const (
	DefaultListLimit          = 50
	DefaultMaxListLimit       = 500
	DefaultRefreshConcurrency = 4
)

// Manager orchestrates audience operations. Safe for concurrent use.
type Manager struct {
	audiences   AudienceStore
	schemas     SchemaSource
	evaluator   *rules.Evaluator
	log         zerolog.Logger
	observer    RefreshObserver
	now         func() time.Time
	flight      *singleflight.Group
	maxList     int
	concurrency int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithRefreshObserver reports refresh outcomes.
func WithRefreshObserver(o RefreshObserver) Option {
	return func(m *Manager) { m.observer = o }
}

// WithClock sets the time source for timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSingleFlight collapses concurrent refreshes of the same audience.
func WithSingleFlight() Option {
	return func(m *Manager) { m.flight = &singleflight.Group{} }
}

// WithMaxListLimit caps the page size of List and Members.
func WithMaxListLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxList = n
		}
	}
}

// WithRefreshConcurrency bounds parallel refreshes in RefreshAll.
func WithRefreshConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// NewManager creates a Manager. evaluator must run against the same donor
// collection the audiences belong to.
func NewManager(audiences AudienceStore, schemas SchemaSource, evaluator *rules.Evaluator, opts ...Option) *Manager {
	m := &Manager{
		audiences:   audiences,
		schemas:     schemas,
		evaluator:   evaluator,
		log:         zerolog.Nop(),
		now:         time.Now,
		maxList:     DefaultMaxListLimit,
		concurrency: DefaultRefreshConcurrency,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateInput describes a new audience. Rules is required for DYNAMIC and
// rejected for STATIC; Members seeds a STATIC audience.
type CreateInput struct {
	Name        string
	Description string
	Type        types.AudienceType
	Rules       json.RawMessage
	Members     []types.DonorID
}

// View is an audience with its donor count. DonatorCount is the member count
// for STATIC audiences and the cached count for DYNAMIC ones; nil when a
// dynamic audience was never refreshed. Stale is set when the cached count
// predates the current rules, e.g. after a failed refresh in ReplaceRules.
type View struct {
	types.Audience
	DonatorCount *int64
	Stale        bool
}

func dynamicView(a types.Audience) View {
	v := View{Audience: a}
	if a.CountRefreshedAt == nil {
		v.Stale = true
		return v
	}
	n := a.CachedDonatorCount
	v.DonatorCount = &n
	v.Stale = a.CountRefreshedAt.Before(a.UpdatedAt)
	return v
}

// storeError classifies an audience store failure. Not-found stays as is;
// anything else is I/O and retryable.
func storeError(op string, err error) error {
	if errors.Is(err, types.ErrAudienceNotFound) {
		return err
	}
	return &types.EvaluationError{Op: op, Err: err}
}

// ListOptions filters and pages List.
type ListOptions struct {
	Type   types.AudienceType
	Limit  int
	Offset int
}

// ListResult is one page of audiences and the total matching the filter.
type ListResult struct {
	Audiences []View
	Total     int64
}

// RefreshResult is the outcome of refreshing one audience in RefreshAll.
type RefreshResult struct {
	AudienceID types.AudienceID
	Count      int64
	Err        error
}

// parse decodes and validates raw against the organization's schema.
func (m *Manager) parse(ctx context.Context, org types.OrganizationID, raw json.RawMessage) (rules.ValidRules, error) {
	defs, err := m.schemas.CustomFields(ctx, org)
	if err != nil {
		return rules.ValidRules{}, &types.EvaluationError{Op: "load custom fields", Err: err}
	}
	schema, err := rules.NewSchema(defs)
	if err != nil {
		return rules.ValidRules{}, fmt.Errorf("organization %s: %w", org, err)
	}
	return rules.Parse(raw, schema)
}

// Preview returns the live count of raw rules without persisting anything.
func (m *Manager) Preview(ctx context.Context, org types.OrganizationID, raw json.RawMessage) (int64, error) {
	if org == "" {
		return 0, types.ErrMissingOrganization
	}
	valid, err := m.parse(ctx, org, raw)
	if err != nil {
		return 0, err
	}
	return m.evaluator.EvaluateCount(ctx, valid, org)
}

// Create validates and stores a new audience. A DYNAMIC audience gets an
// initial refresh; its failure is logged and leaves the count unrefreshed.
func (m *Manager) Create(ctx context.Context, org types.OrganizationID, in CreateInput) (View, error) {
	if org == "" {
		return View{}, types.ErrMissingOrganization
	}
	if !in.Type.Valid() {
		return View{}, fmt.Errorf("%w: %q", types.ErrInvalidAudienceType, in.Type)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return View{}, types.ErrNameRequired
	}

	now := m.now().UTC()
	a := types.Audience{
		ID:             types.NewAudienceID(),
		OrganizationID: org,
		Name:           name,
		Description:    in.Description,
		Type:           in.Type,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	hasRules := len(in.Rules) > 0 && string(in.Rules) != "null"

	switch in.Type {
	case types.AudienceStatic:
		if hasRules {
			return View{}, &types.LifecycleError{AudienceID: a.ID, Err: types.ErrRulesNotAllowed}
		}
	case types.AudienceDynamic:
		if !hasRules {
			return View{}, &types.LifecycleError{AudienceID: a.ID, Err: types.ErrRulesMissing}
		}
		if len(in.Members) > 0 {
			return View{}, &types.LifecycleError{AudienceID: a.ID, Err: types.ErrNotStatic}
		}
		canonical, err := m.canonicalRules(ctx, org, in.Rules)
		if err != nil {
			return View{}, err
		}
		a.Rules = canonical
		a.RulesVersion = types.RulesSchemaVersion
	}

	if err := m.audiences.InsertAudience(ctx, a); err != nil {
		return View{}, err
	}

	if a.Type == types.AudienceStatic && len(in.Members) > 0 {
		if _, err := m.audiences.AddMembers(ctx, org, a.ID, in.Members, now); err != nil {
			// Remove the half-created audience.
			if derr := m.audiences.DeleteAudience(ctx, org, a.ID); derr != nil {
				m.log.Error().Err(derr).
					Str("audience_id", string(a.ID)).
					Str("organization_id", string(org)).
					Msg("failed to remove audience after member insert failure")
				return View{}, errors.Join(storeError("add members", err), derr)
			}
			return View{}, storeError("add members", err)
		}
	}
	m.log.Info().
		Str("audience_id", string(a.ID)).
		Str("organization_id", string(org)).
		Str("type", string(a.Type)).
		Msg("audience created")
	if a.Type == types.AudienceDynamic {
		// Errors are logged inside refresh.
		_, _ = m.Refresh(ctx, org, a.ID)
	}
	return m.Get(ctx, org, a.ID)
}

// canonicalRules validates raw and re-encodes it at the current schema version.
func (m *Manager) canonicalRules(ctx context.Context, org types.OrganizationID, raw json.RawMessage) (json.RawMessage, error) {
	valid, err := m.parse(ctx, org, raw)
	if err != nil {
		return nil, err
	}
	return rules.Encode(valid.Rules())
}

// ReplaceRules replaces the whole rule tree of a DYNAMIC audience and refreshes it.
// Invalid rules are rejected before anything is written.
func (m *Manager) ReplaceRules(ctx context.Context, org types.OrganizationID, id types.AudienceID, raw json.RawMessage) (View, error) {
	a, err := m.audiences.GetAudience(ctx, org, id)
	if err != nil {
		return View{}, err
	}
	if a.Type != types.AudienceDynamic {
		return View{}, &types.LifecycleError{AudienceID: id, Err: types.ErrRulesNotAllowed}
	}
	if len(raw) == 0 || string(raw) == "null" {
		return View{}, &types.LifecycleError{AudienceID: id, Err: types.ErrRulesMissing}
	}
	canonical, err := m.canonicalRules(ctx, org, raw)
	if err != nil {
		return View{}, err
	}
	if err := m.audiences.UpdateAudienceRules(ctx, org, id, canonical, types.RulesSchemaVersion, m.now().UTC()); err != nil {
		return View{}, err
	}
	m.log.Info().
		Str("audience_id", string(id)).
		Str("organization_id", string(org)).
		Msg("audience rules replaced")

	// A failed refresh is logged by refresh and reported as View.Stale.
	_, refreshErr := m.Refresh(ctx, org, id)
	v, err := m.Get(ctx, org, id)
	if err != nil {
		return View{}, err
	}
	if refreshErr != nil {
		v.Stale = true
	}
	return v, nil
}

// Refresh recomputes and stores the cached count of a DYNAMIC audience.
func (m *Manager) Refresh(ctx context.Context, org types.OrganizationID, id types.AudienceID) (int64, error) {
	if m.flight == nil {
		return m.refresh(ctx, org, id)
	}
	v, err, _ := m.flight.Do(string(org)+"/"+string(id), func() (any, error) {
		return m.refresh(ctx, org, id)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (m *Manager) refresh(ctx context.Context, org types.OrganizationID, id types.AudienceID) (count int64, err error) {
	start := time.Now()
	defer func() {
		if m.observer != nil {
			m.observer.ObserveRefresh(err)
		}
		m.logRefresh(org, id, count, time.Since(start), err)
	}()

	if org == "" {
		return 0, types.ErrMissingOrganization
	}
	a, err := m.audiences.GetAudience(ctx, org, id)
	if err != nil {
		return 0, storeError("load audience", err)
	}
	if a.Type != types.AudienceDynamic {
		return 0, &types.LifecycleError{AudienceID: id, Err: types.ErrNotDynamic}
	}
	if !a.HasRules() {
		return 0, &types.LifecycleError{AudienceID: id, Err: types.ErrRulesMissing}
	}

	valid, err := m.parse(ctx, org, a.Rules)
	if err != nil {
		return 0, err
	}
	count, err = m.evaluator.EvaluateCount(ctx, valid, org)
	if err != nil {
		return 0, err
	}
	if err := m.audiences.StoreCachedCount(ctx, org, id, count, m.now().UTC()); err != nil {
		return 0, storeError("store count", err)
	}
	return count, nil
}

func (m *Manager) logRefresh(org types.OrganizationID, id types.AudienceID, count int64, elapsed time.Duration, err error) {
	var ev *zerolog.Event
	switch {
	case err == nil:
		ev = m.log.Info().Int64("count", count)
	case errors.Is(err, types.ErrValidation), errors.Is(err, types.ErrLifecycle), errors.Is(err, types.ErrAudienceNotFound):
		ev = m.log.Warn().Err(err)
	default:
		ev = m.log.Error().Err(err).Bool("retryable", types.IsRetryable(err))
	}
	ev.Str("audience_id", string(id)).
		Str("organization_id", string(org)).
		Dur("duration", elapsed).
		Msg("audience refresh")
}

// RefreshAll refreshes every DYNAMIC audience of org. A failing audience
// does not stop the others; each outcome is reported in the result.
func (m *Manager) RefreshAll(ctx context.Context, org types.OrganizationID) ([]RefreshResult, error) {
	if org == "" {
		return nil, types.ErrMissingOrganization
	}
	ids, err := m.audiences.DynamicAudienceIDs(ctx, org)
	if err != nil {
		return nil, err
	}

	results := make([]RefreshResult, len(ids))
	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			count, err := m.Refresh(ctx, org, id)
			results[i] = RefreshResult{AudienceID: id, Count: count, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results, ctx.Err()
}

// Get returns one audience with its donor count.
func (m *Manager) Get(ctx context.Context, org types.OrganizationID, id types.AudienceID) (View, error) {
	a, err := m.audiences.GetAudience(ctx, org, id)
	if err != nil {
		return View{}, err
	}
	if a.Type == types.AudienceDynamic {
		return dynamicView(a), nil
	}
	n, err := m.audiences.CountMembers(ctx, id)
	if err != nil {
		return View{}, err
	}
	return View{Audience: a, DonatorCount: &n}, nil
}

// List returns one page of org's audiences, newest first.
func (m *Manager) List(ctx context.Context, org types.OrganizationID, opts ListOptions) (ListResult, error) {
	if org == "" {
		return ListResult{}, types.ErrMissingOrganization
	}
	if opts.Type != "" && !opts.Type.Valid() {
		return ListResult{}, fmt.Errorf("%w: %q", types.ErrInvalidAudienceType, opts.Type)
	}
	page := m.clamp(types.Page{Limit: opts.Limit, Offset: opts.Offset})

	audiences, total, err := m.audiences.ListAudiences(ctx, org, types.AudienceFilter{
		Type: opts.Type, Limit: page.Limit, Offset: page.Offset,
	})
	if err != nil {
		return ListResult{}, err
	}

	var members map[types.AudienceID]int64
	if opts.Type != types.AudienceDynamic {
		if members, err = m.audiences.MemberCounts(ctx, org); err != nil {
			return ListResult{}, err
		}
	}

	views := make([]View, len(audiences))
	for i, a := range audiences {
		if a.Type == types.AudienceStatic {
			n := members[a.ID]
			views[i] = View{Audience: a, DonatorCount: &n}
		} else {
			views[i] = dynamicView(a)
		}
	}
	return ListResult{Audiences: views, Total: total}, nil
}

func (m *Manager) clamp(p types.Page) types.Page {
	if p.Limit <= 0 {
		p.Limit = min(DefaultListLimit, m.maxList)
	}
	if p.Limit > m.maxList {
		p.Limit = m.maxList
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Members returns one page of an audience's donors: the explicit list for
// STATIC, a live evaluation of the rules for DYNAMIC.
func (m *Manager) Members(ctx context.Context, org types.OrganizationID, id types.AudienceID, page types.Page) ([]types.Donor, error) {
	a, err := m.audiences.GetAudience(ctx, org, id)
	if err != nil {
		return nil, err
	}
	page = m.clamp(page)
	if a.Type == types.AudienceStatic {
		return m.audiences.ListStaticMembers(ctx, org, id, page)
	}
	if !a.HasRules() {
		return nil, &types.LifecycleError{AudienceID: id, Err: types.ErrRulesMissing}
	}
	valid, err := m.parse(ctx, org, a.Rules)
	if err != nil {
		return nil, err
	}
	return m.evaluator.ListMembers(ctx, valid, org, page)
}

// AddMembers adds donors to a STATIC audience and returns how many were new.
func (m *Manager) AddMembers(ctx context.Context, org types.OrganizationID, id types.AudienceID, donors []types.DonorID) (int64, error) {
	a, err := m.audiences.GetAudience(ctx, org, id)
	if err != nil {
		return 0, err
	}
	if a.Type != types.AudienceStatic {
		return 0, &types.LifecycleError{AudienceID: id, Err: types.ErrNotStatic}
	}
	return m.audiences.AddMembers(ctx, org, id, donors, m.now().UTC())
}

// Delete removes an audience with its members and cached count.
func (m *Manager) Delete(ctx context.Context, org types.OrganizationID, id types.AudienceID) error {
	if err := m.audiences.DeleteAudience(ctx, org, id); err != nil {
		return err
	}
	m.log.Info().
		Str("audience_id", string(id)).
		Str("organization_id", string(org)).
		Msg("audience deleted")
	return nil
}
