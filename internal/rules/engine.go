package rules

import (
	"context"
	"errors"
	"time"

	"github.com/solatis/segmentkeeper/internal/types"
)

// DonorStore executes compiled predicates against the donor collection.
// Implementations must filter on Predicate.OrganizationID.
type DonorStore interface {
	CountDonors(ctx context.Context, p Predicate) (int64, error)
	ListDonors(ctx context.Context, p Predicate, page types.Page) ([]types.Donor, error)
}

// LocationResolver returns an organization's reporting location.
type LocationResolver interface {
	ReportingLocation(ctx context.Context, org types.OrganizationID) (*time.Location, error)
}

// Observer receives one call per store read.
type Observer interface {
	ObserveEvaluation(op string, elapsed time.Duration, err error)
}

// Evaluator compiles validated rules and runs them against a DonorStore.
// It holds no state across calls: every EvaluateCount is exactly one store read.
type Evaluator struct {
	store    DonorStore
	locator  LocationResolver
	location *time.Location
	now      func() time.Time
	observer Observer
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithLocationResolver resolves reporting locations per organization.
func WithLocationResolver(r LocationResolver) EvaluatorOption {
	return func(e *Evaluator) { e.locator = r }
}

// WithDefaultLocation sets the location used when no resolver is configured
// or the resolver returns nil.
func WithDefaultLocation(loc *time.Location) EvaluatorOption {
	return func(e *Evaluator) { e.location = loc }
}

// WithClock sets the time source for within_days.
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) { e.now = now }
}

// WithObserver reports store read latency and outcome.
func WithObserver(o Observer) EvaluatorOption {
	return func(e *Evaluator) { e.observer = o }
}

// NewEvaluator creates an evaluator over store.
func NewEvaluator(store DonorStore, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{store: store, location: time.UTC, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Compile compiles valid for org using the organization's reporting location
// and, when the store implements Capabilities, its capability checks.
func (e *Evaluator) Compile(ctx context.Context, valid ValidRules, org types.OrganizationID) (Predicate, error) {
	if org == "" {
		return Predicate{}, types.ErrMissingOrganization
	}
	loc := e.location
	if e.locator != nil {
		resolved, err := e.locator.ReportingLocation(ctx, org)
		if errors.Is(err, types.ErrInvalidTimezone) {
			return Predicate{}, err
		}
		if err != nil {
			return Predicate{}, &types.EvaluationError{Op: "resolve location", Err: err}
		}
		if resolved != nil {
			loc = resolved
		}
	}

	opts := CompileOptions{Location: loc, Now: e.now}
	if caps, ok := e.store.(Capabilities); ok {
		opts.Capabilities = caps
	}
	return Compile(valid, org, opts)
}

// EvaluateCount returns the number of donors in org matching valid.
func (e *Evaluator) EvaluateCount(ctx context.Context, valid ValidRules, org types.OrganizationID) (int64, error) {
	p, err := e.Compile(ctx, valid, org)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	n, err := e.store.CountDonors(ctx, p)
	err = classify("count", err)
	e.observe("count", start, err)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ListMembers returns one page of donors in org matching valid.
func (e *Evaluator) ListMembers(ctx context.Context, valid ValidRules, org types.OrganizationID, page types.Page) ([]types.Donor, error) {
	p, err := e.Compile(ctx, valid, org)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	donors, err := e.store.ListDonors(ctx, p, page)
	err = classify("list", err)
	e.observe("list", start, err)
	if err != nil {
		return nil, err
	}
	return donors, nil
}

func (e *Evaluator) observe(op string, start time.Time, err error) {
	if e.observer != nil {
		e.observer.ObserveEvaluation(op, time.Since(start), err)
	}
}

// classify wraps store failures as EvaluationError. Unsupported predicates
// pass through: they are a compiler/store mismatch, not a transient failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, types.ErrUnsupportedPredicate) {
		return err
	}
	var ee *types.EvaluationError
	if errors.As(err, &ee) {
		return err
	}
	return &types.EvaluationError{Op: op, Err: err}
}
