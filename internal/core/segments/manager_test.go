package segments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solatis/segmentkeeper/internal/core/memstore"
	"github.com/solatis/segmentkeeper/internal/rules"
	"github.com/solatis/segmentkeeper/internal/types"
)

const org = types.OrganizationID("org-1")

var fixedNow = time.Date(2024, 6, 15, 10, 30, 0, 0, time.UTC)

const canadaRules = `{"version":1,"group":{"kind":"group","combinator":"AND","children":[
	{"kind":"condition","field":"country","operator":"eq","value":"CA"}]}}`

// flakyDonors fails or blocks donor reads on demand.
type flakyDonors struct {
	*memstore.Store
	mu      sync.Mutex
	err     error
	calls   atomic.Int64
	entered chan struct{}
	release chan struct{}
}

func (f *flakyDonors) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *flakyDonors) CountDonors(ctx context.Context, p rules.Predicate) (int64, error) {
	f.calls.Add(1)
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		<-f.release
	}
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return f.Store.CountDonors(ctx, p)
}

// brokenAudiences fails selected audience writes.
type brokenAudiences struct {
	*memstore.Store
	storeCountErr error
	addMembersErr error
}

func (b *brokenAudiences) StoreCachedCount(ctx context.Context, org types.OrganizationID, id types.AudienceID, count int64, at time.Time) error {
	if b.storeCountErr != nil {
		return b.storeCountErr
	}
	return b.Store.StoreCachedCount(ctx, org, id, count, at)
}

func (b *brokenAudiences) AddMembers(ctx context.Context, org types.OrganizationID, id types.AudienceID, donors []types.DonorID, at time.Time) (int64, error) {
	if b.addMembersErr != nil {
		return 0, b.addMembersErr
	}
	return b.Store.AddMembers(ctx, org, id, donors, at)
}

type countingObserver struct {
	mu      sync.Mutex
	results []error
}

func (o *countingObserver) ObserveRefresh(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, err)
}

type fixture struct {
	store     *memstore.Store
	donors    *flakyDonors
	evaluator *rules.Evaluator
	manager  *Manager
	observer *countingObserver
	logs     *bytes.Buffer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := memstore.New()
	for _, country := range []string{"CA", "CA", "US"} {
		store.AddDonor(types.Donor{ID: types.NewDonorID(), OrganizationID: org, Country: country, TotalDonated: decimal.Zero})
	}
	store.AddDonor(types.Donor{ID: types.NewDonorID(), OrganizationID: "org-2", Country: "CA", TotalDonated: decimal.Zero})

	donors := &flakyDonors{Store: store}
	evaluator := rules.NewEvaluator(donors,
		rules.WithLocationResolver(store),
		rules.WithClock(func() time.Time { return fixedNow }),
	)
	f := &fixture{store: store, donors: donors, evaluator: evaluator, observer: &countingObserver{}, logs: &bytes.Buffer{}}
	opts = append([]Option{
		WithClock(func() time.Time { return fixedNow }),
		WithRefreshObserver(f.observer),
		WithLogger(zerolog.New(f.logs)),
	}, opts...)
	f.manager = NewManager(store, store, evaluator, opts...)
	return f
}

func (f *fixture) donorIDs(country string) []types.DonorID {
	p := mustPredicate(types.And(types.Cond(types.AttrCountry, types.OpEq, country)))
	donors, _ := f.store.ListDonors(context.Background(), p, types.Page{})
	ids := make([]types.DonorID, len(donors))
	for i, d := range donors {
		ids[i] = d.ID
	}
	return ids
}

func mustPredicate(g *types.Group) rules.Predicate {
	valid, err := rules.Validate(types.NewRules(g), nil)
	if err != nil {
		panic(err)
	}
	p, err := rules.Compile(valid, org, rules.CompileOptions{})
	if err != nil {
		panic(err)
	}
	return p
}

func TestPreview(t *testing.T) {
	f := newFixture(t)
	n, err := f.manager.Preview(context.Background(), org, json.RawMessage(canadaRules))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "donors of org-2 are not counted")

	_, err = f.manager.Preview(context.Background(), org, json.RawMessage(`{"version":1,"group":{"kind":"group","combinator":"AND","children":[]}}`))
	assert.ErrorIs(t, err, types.ErrValidation)

	list, err := f.manager.List(context.Background(), org, ListOptions{})
	require.NoError(t, err)
	assert.Zero(t, list.Total, "preview writes nothing")
}

func TestCreate_Dynamic(t *testing.T) {
	f := newFixture(t)
	v, err := f.manager.Create(context.Background(), org, CreateInput{
		Name: "  Canada  ", Type: types.AudienceDynamic, Rules: json.RawMessage(canadaRules),
	})
	require.NoError(t, err)

	assert.Equal(t, "Canada", v.Name)
	require.NotNil(t, v.DonatorCount)
	assert.Equal(t, int64(2), *v.DonatorCount)
	require.NotNil(t, v.CountRefreshedAt)
	assert.Equal(t, fixedNow, *v.CountRefreshedAt)
	assert.Equal(t, types.RulesSchemaVersion, v.RulesVersion)
}

func TestCreate_LegacyRulesStoredAtCurrentVersion(t *testing.T) {
	f := newFixture(t)
	legacy := `{"group":{"logic":"and","conditions":[{"id":"c1","field":"country","operator":"eq","value":"CA"}]}}`

	v, err := f.manager.Create(context.Background(), org, CreateInput{
		Name: "Legacy", Type: types.AudienceDynamic, Rules: json.RawMessage(legacy),
	})
	require.NoError(t, err)

	decoded, err := rules.Decode(v.Rules)
	require.NoError(t, err)
	assert.Equal(t, types.RulesSchemaVersion, decoded.Version)
	assert.Contains(t, string(v.Rules), `"kind"`)
	require.NotNil(t, v.DonatorCount)
	assert.Equal(t, int64(2), *v.DonatorCount)
}

func TestCreate_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		org     types.OrganizationID
		in      CreateInput
		wantErr error
	}{
		{"missing organization", "", CreateInput{Name: "x", Type: types.AudienceStatic}, types.ErrMissingOrganization},
		{"unknown type", org, CreateInput{Name: "x", Type: "SMART"}, types.ErrInvalidAudienceType},
		{"blank name", org, CreateInput{Name: "  ", Type: types.AudienceStatic}, types.ErrNameRequired},
		{"static with rules", org, CreateInput{Name: "x", Type: types.AudienceStatic, Rules: json.RawMessage(canadaRules)}, types.ErrRulesNotAllowed},
		{"dynamic without rules", org, CreateInput{Name: "x", Type: types.AudienceDynamic}, types.ErrRulesMissing},
		{"dynamic with members", org, CreateInput{Name: "x", Type: types.AudienceDynamic, Rules: json.RawMessage(canadaRules), Members: []types.DonorID{"d"}}, types.ErrNotStatic},
		{"invalid rules", org, CreateInput{Name: "x", Type: types.AudienceDynamic,
			Rules: json.RawMessage(`{"version":1,"group":{"kind":"group","combinator":"AND","children":[{"kind":"condition","field":"country","operator":"gt","value":"CA"}]}}`)}, types.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.manager.Create(context.Background(), tt.org, tt.in)
			assert.ErrorIs(t, err, tt.wantErr)

			list, err := f.manager.List(context.Background(), org, ListOptions{})
			require.NoError(t, err)
			assert.Zero(t, list.Total, "rejected audiences are not stored")
		})
	}
}

func TestCreate_InitialRefreshFailureLeavesCountUnrefreshed(t *testing.T) {
	f := newFixture(t)
	f.donors.fail(errors.New("connection reset"))

	v, err := f.manager.Create(context.Background(), org, CreateInput{
		Name: "Canada", Type: types.AudienceDynamic, Rules: json.RawMessage(canadaRules),
	})
	require.NoError(t, err)
	assert.Nil(t, v.DonatorCount)
	assert.Nil(t, v.CountRefreshedAt)
}

// Refresh on a STATIC audience is a lifecycle error and leaves
// the cached count unchanged.
func TestCreate_StaticMemberFailureRemovesAudience(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	broken := &brokenAudiences{Store: f.store, addMembersErr: errors.New("connection reset")}
	manager := NewManager(broken, f.store, f.evaluator, WithClock(func() time.Time { return fixedNow }))

	_, err := manager.Create(ctx, org, CreateInput{Name: "Gala", Type: types.AudienceStatic, Members: f.donorIDs("CA")})
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))

	list, err := manager.List(ctx, org, ListOptions{})
	require.NoError(t, err)
	assert.Zero(t, list.Total)
	assert.Empty(t, list.Audiences)
}

func TestRefresh_StaticAudience(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.manager.Create(ctx, org, CreateInput{Name: "Gala", Type: types.AudienceStatic, Members: f.donorIDs("CA")})
	require.NoError(t, err)
	require.NotNil(t, v.DonatorCount)
	assert.Equal(t, int64(2), *v.DonatorCount)

	_, err = f.manager.Refresh(ctx, org, v.ID)
	assert.ErrorIs(t, err, types.ErrLifecycle)
	assert.ErrorIs(t, err, types.ErrNotDynamic)
	assert.Equal(t, "audience "+string(v.ID)+": refresh only applies to dynamic segments", err.Error())

	after, err := f.manager.Get(ctx, org, v.ID)
	require.NoError(t, err)
	assert.Equal(t, v.CachedDonatorCount, after.CachedDonatorCount)
	assert.Equal(t, *v.DonatorCount, *after.DonatorCount)
	assert.Nil(t, after.CountRefreshedAt)

	require.Len(t, f.observer.results, 1)
	assert.ErrorIs(t, f.observer.results[0], types.ErrNotDynamic)
	assert.Contains(t, f.logs.String(), `"level":"warn"`)
}

func TestRefresh_FailureKeepsPreviousCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.manager.Create(ctx, org, CreateInput{Name: "Canada", Type: types.AudienceDynamic, Rules: json.RawMessage(canadaRules)})
	require.NoError(t, err)
	require.Equal(t, int64(2), *v.DonatorCount)

	f.store.AddDonor(types.Donor{ID: types.NewDonorID(), OrganizationID: org, Country: "CA", TotalDonated: decimal.Zero})
	f.donors.fail(context.DeadlineExceeded)

	_, err = f.manager.Refresh(ctx, org, v.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrEvaluation)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, types.IsRetryable(err))
	assert.Contains(t, f.logs.String(), `"level":"error"`)

	after, err := f.manager.Get(ctx, org, v.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), *after.DonatorCount, "failed refresh must not touch the cache")

	f.donors.fail(nil)
	n, err := f.manager.Refresh(ctx, org, v.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestRefresh_CacheWriteFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.manager.Create(ctx, org, CreateInput{Name: "Canada", Type: types.AudienceDynamic, Rules: json.RawMessage(canadaRules)})
	require.NoError(t, err)
	require.Equal(t, int64(2), *v.DonatorCount)

	broken := &brokenAudiences{Store: f.store, storeCountErr: errors.New("dial tcp: connection refused")}
	manager := NewManager(broken, f.store, f.evaluator, WithClock(func() time.Time { return fixedNow.Add(time.Hour) }))

	f.store.AddDonor(types.Donor{ID: types.NewDonorID(), OrganizationID: org, Country: "CA", TotalDonated: decimal.Zero})
	_, err = manager.Refresh(ctx, org, v.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrEvaluation)
	assert.True(t, types.IsRetryable(err))

	after, err := f.manager.Get(ctx, org, v.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), *after.DonatorCount)
	assert.Equal(t, fixedNow, *after.CountRefreshedAt)

	_, err = manager.Refresh(ctx, "org-2", v.ID)
	assert.ErrorIs(t, err, types.ErrAudienceNotFound)
	assert.False(t, types.IsRetryable(err))
}

func TestRefresh_StoredRulesAreRevalidated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.DefineCustomField(types.CustomFieldDefinition{OrganizationID: org, Key: "church", Type: types.ValueText})
	raw := `{"version":1,"group":{"kind":"group","combinator":"AND","children":[
		{"kind":"condition","field":"custom.church","operator":"eq","value":"St. Mary"}]}}`
	v, err := f.manager.Create(ctx, org, CreateInput{Name: "Parish", Type: types.AudienceDynamic, Rules: json.RawMessage(raw)})
	require.NoError(t, err)
	require.Equal(t, int64(0), *v.DonatorCount)

	// The field is retyped after the audience was saved.
	f.store.DefineCustomField(types.CustomFieldDefinition{OrganizationID: org, Key: "church", Type: types.ValueBoolean})

	_, err = f.manager.Refresh(ctx, org, v.ID)
	assert.ErrorIs(t, err, types.ErrValidation)

	after, err := f.manager.Get(ctx, org, v.ID)
	require.NoError(t, err)
	assert.Equal(t, *v.CountRefreshedAt, *after.CountRefreshedAt)
}

func TestRefresh_RulesMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := types.Audience{ID: types.NewAudienceID(), OrganizationID: org, Name: "Broken", Type: types.AudienceDynamic, CreatedAt: fixedNow}
	require.NoError(t, f.store.InsertAudience(ctx, a))

	_, err := f.manager.Refresh(ctx, org, a.ID)
	assert.ErrorIs(t, err, types.ErrRulesMissing)

	_, err = f.manager.Members(ctx, org, a.ID, types.Page{})
	assert.ErrorIs(t, err, types.ErrRulesMissing)
}

func TestRefresh_OtherOrganization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, err := f.manager.Create(ctx, org, CreateInput{Name: "Canada", Type: types.AudienceDynamic, Rules: json.RawMessage(canadaRules)})
	require.NoError(t, err)

	_, err = f.manager.Refresh(ctx, "org-2", v.ID)
	assert.ErrorIs(t, err, types.ErrAudienceNotFound)
}

func TestReplaceRules_FailedRefreshMarksStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, err := f.manager.Create(ctx, org, CreateInput{Name: "Canada", Type: types.AudienceDynamic, Rules: json.RawMessage(canadaRules)})
	require.NoError(t, err)
	assert.False(t, v.Stale)

	f.donors.fail(errors.New("connection reset"))
	usRules := `{"version":1,"group":{"kind":"group","combinator":"OR","children":[
		{"kind":"condition","field":"country","operator":"eq","value":"US"}]}}`
	replaced, err := f.manager.ReplaceRules(ctx, org, v.ID, json.RawMessage(usRules))
	require.NoError(t, err)
	assert.True(t, replaced.Stale)
	assert.Equal(t, int64(2), *replaced.DonatorCount, "previous count is kept")
	assert.Contains(t, f.logs.String(), `"level":"error"`)

	f.donors.fail(nil)
	_, err = f.manager.Refresh(ctx, org, v.ID)
	require.NoError(t, err)
	after, err := f.manager.Get(ctx, org, v.ID)
	require.NoError(t, err)
	assert.False(t, after.Stale)
	assert.Equal(t, int64(1), *after.DonatorCount)
}

func TestReplaceRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, err := f.manager.Create(ctx, org, CreateInput{Name: "Canada", Type: types.AudienceDynamic, Rules: json.RawMessage(canadaRules)})
	require.NoError(t, err)

	usRules := `{"version":1,"group":{"kind":"group","combinator":"OR","children":[
		{"kind":"condition","field":"country","operator":"eq","value":"US"}]}}`
	replaced, err := f.manager.ReplaceRules(ctx, org, v.ID, json.RawMessage(usRules))
	require.NoError(t, err)
	assert.Equal(t, int64(1), *replaced.DonatorCount)

	invalid := `{"version":1,"group":{"kind":"group","combinator":"OR","children":[]}}`
	_, err = f.manager.ReplaceRules(ctx, org, v.ID, json.RawMessage(invalid))
	assert.ErrorIs(t, err, types.ErrValidation)

	patch := `{"op":"replace","path":"/group/children/0/value","value":"DE"}`
	_, err = f.manager.ReplaceRules(ctx, org, v.ID, json.RawMessage(patch))
	assert.ErrorIs(t, err, types.ErrValidation, "partial edits are rejected")

	after, err := f.manager.Get(ctx, org, v.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(replaced.Rules), string(after.Rules), "rejected replacements leave rules untouched")

	static, err := f.manager.Create(ctx, org, CreateInput{Name: "Gala", Type: types.AudienceStatic})
	require.NoError(t, err)
	_, err = f.manager.ReplaceRules(ctx, org, static.ID, json.RawMessage(usRules))
	assert.ErrorIs(t, err, types.ErrRulesNotAllowed)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tick := fixedNow
	f.manager.now = func() time.Time { tick = tick.Add(time.Second); return tick }

	static, err := f.manager.Create(ctx, org, CreateInput{Name: "Gala", Type: types.AudienceStatic, Members: f.donorIDs("US")})
	require.NoError(t, err)
	refreshed, err := f.manager.Create(ctx, org, CreateInput{Name: "Canada", Type: types.AudienceDynamic, Rules: json.RawMessage(canadaRules)})
	require.NoError(t, err)
	f.donors.fail(errors.New("unavailable"))
	unrefreshed, err := f.manager.Create(ctx, org, CreateInput{Name: "Pending", Type: types.AudienceDynamic, Rules: json.RawMessage(canadaRules)})
	require.NoError(t, err)

	all, err := f.manager.List(ctx, org, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), all.Total)
	require.Len(t, all.Audiences, 3)
	counts := map[types.AudienceID]*int64{}
	for _, v := range all.Audiences {
		counts[v.ID] = v.DonatorCount
	}
	assert.Equal(t, int64(1), *counts[static.ID])
	assert.Equal(t, int64(2), *counts[refreshed.ID])
	assert.Nil(t, counts[unrefreshed.ID])
	assert.Equal(t, unrefreshed.ID, all.Audiences[0].ID, "newest first")

	page, err := f.manager.List(ctx, org, ListOptions{Type: types.AudienceDynamic, Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	require.Len(t, page.Audiences, 1)
	assert.Equal(t, refreshed.ID, page.Audiences[0].ID)

	_, err = f.manager.List(ctx, org, ListOptions{Type: "SMART"})
	assert.ErrorIs(t, err, types.ErrInvalidAudienceType)
}

func TestMembersAndAddMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	static, err := f.manager.Create(ctx, org, CreateInput{Name: "Gala", Type: types.AudienceStatic})
	require.NoError(t, err)
	added, err := f.manager.AddMembers(ctx, org, static.ID, f.donorIDs("CA"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), added)

	members, err := f.manager.Members(ctx, org, static.ID, types.Page{})
	require.NoError(t, err)
	assert.Len(t, members, 2)

	dynamic, err := f.manager.Create(ctx, org, CreateInput{Name: "US", Type: types.AudienceDynamic,
		Rules: json.RawMessage(`{"version":1,"group":{"kind":"group","combinator":"AND","children":[{"kind":"condition","field":"country","operator":"neq","value":"CA"}]}}`)})
	require.NoError(t, err)
	members, err = f.manager.Members(ctx, org, dynamic.ID, types.Page{})
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "US", members[0].Country)

	_, err = f.manager.AddMembers(ctx, org, dynamic.ID, f.donorIDs("US"))
	assert.ErrorIs(t, err, types.ErrNotStatic)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, err := f.manager.Create(ctx, org, CreateInput{Name: "Gala", Type: types.AudienceStatic, Members: f.donorIDs("CA")})
	require.NoError(t, err)

	assert.ErrorIs(t, f.manager.Delete(ctx, "org-2", v.ID), types.ErrAudienceNotFound)
	require.NoError(t, f.manager.Delete(ctx, org, v.ID))

	_, err = f.manager.Get(ctx, org, v.ID)
	assert.ErrorIs(t, err, types.ErrAudienceNotFound)
	n, err := f.store.CountMembers(ctx, v.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRefreshAll_CollectsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	good, err := f.manager.Create(ctx, org, CreateInput{Name: "Canada", Type: types.AudienceDynamic, Rules: json.RawMessage(canadaRules)})
	require.NoError(t, err)
	broken := types.Audience{ID: types.NewAudienceID(), OrganizationID: org, Name: "Broken", Type: types.AudienceDynamic,
		Rules: json.RawMessage(`{"version":7}`), CreatedAt: fixedNow.Add(time.Hour)}
	require.NoError(t, f.store.InsertAudience(ctx, broken))
	_, err = f.manager.Create(ctx, org, CreateInput{Name: "Gala", Type: types.AudienceStatic})
	require.NoError(t, err)

	results, err := f.manager.RefreshAll(ctx, org)
	require.NoError(t, err)
	require.Len(t, results, 2, "static audiences are skipped")

	byID := map[types.AudienceID]RefreshResult{}
	for _, r := range results {
		byID[r.AudienceID] = r
	}
	assert.NoError(t, byID[good.ID].Err)
	assert.Equal(t, int64(2), byID[good.ID].Count)
	assert.ErrorIs(t, byID[broken.ID].Err, types.ErrValidation)
}

func TestRefresh_Concurrent(t *testing.T) {
	tests := []struct {
		name      string
		opts      []Option
		wantCalls int64
	}{
		{"last write wins", nil, 4},
		{"single flight", []Option{WithSingleFlight()}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts...)
			ctx := context.Background()
			v, err := f.manager.Create(ctx, org, CreateInput{Name: "Canada", Type: types.AudienceDynamic, Rules: json.RawMessage(canadaRules)})
			require.NoError(t, err)

			f.donors.calls.Store(0)
			f.donors.entered = make(chan struct{}, 1)
			f.donors.release = make(chan struct{})

			var wg sync.WaitGroup
			counts := make([]int64, 4)
			errs := make([]error, 4)
			for i := range counts {
				wg.Add(1)
				go func() {
					defer wg.Done()
					counts[i], errs[i] = f.manager.Refresh(ctx, org, v.ID)
				}()
			}

			<-f.donors.entered
			if tt.wantCalls > 1 {
				require.Eventually(t, func() bool { return f.donors.calls.Load() == tt.wantCalls },
					time.Second, time.Millisecond)
			} else {
				time.Sleep(50 * time.Millisecond)
			}
			close(f.donors.release)
			wg.Wait()

			for i := range counts {
				require.NoError(t, errs[i])
				assert.Equal(t, int64(2), counts[i])
			}
			assert.Equal(t, tt.wantCalls, f.donors.calls.Load())
		})
	}
}
