package types

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for segmentkeeper operations.
var (
	// ErrValidation matches every rule tree validation failure (ValidationErrors).
	ErrValidation = errors.New("rule tree validation failed")

	// ErrUnsupportedPredicate indicates the donor store cannot execute a compiled atom.
	ErrUnsupportedPredicate = errors.New("unsupported predicate")

	// ErrEvaluation indicates a transient store failure during count or list.
	ErrEvaluation = errors.New("evaluation failed")

	// ErrLifecycle matches every audience state violation (LifecycleError).
	ErrLifecycle = errors.New("audience lifecycle violation")

	// ErrNotDynamic indicates refresh was requested on a static audience.
	ErrNotDynamic = errors.New("refresh only applies to dynamic segments")

	// ErrRulesMissing indicates a dynamic audience has no rule tree.
	ErrRulesMissing = errors.New("rules missing")

	// ErrNotStatic indicates an explicit membership edit on a dynamic audience.
	ErrNotStatic = errors.New("membership edits only apply to static segments")

	// ErrRulesNotAllowed indicates rules were supplied for a static audience.
	ErrRulesNotAllowed = errors.New("static segments do not carry rules")

	// ErrAudienceNotFound indicates no audience with that id exists in the organization.
	ErrAudienceNotFound = errors.New("audience not found")

	// ErrInvalidAudienceType indicates an audience type outside STATIC/DYNAMIC.
	ErrInvalidAudienceType = errors.New("invalid audience type")

	// ErrNameRequired indicates an audience without a name.
	ErrNameRequired = errors.New("audience name is required")

	// ErrAPIKeyNotFound indicates no API key with that hash or id.
	ErrAPIKeyNotFound = errors.New("api key not found")

	// ErrInvalidTimezone indicates a reporting timezone that does not resolve to a location.
	ErrInvalidTimezone = errors.New("invalid reporting timezone")

	// ErrMissingOrganization indicates an empty organization id reached a scoped operation.
	ErrMissingOrganization = errors.New("organization id is required")

	// ErrNotValidated indicates a zero ValidRules was passed to the compiler.
	ErrNotValidated = errors.New("rules have not been validated")

	// ErrInvalidFieldPath indicates a malformed custom-field key.
	ErrInvalidFieldPath = errors.New("invalid custom field path")

	// ErrFieldPathTooDeep indicates a custom-field key exceeds MaxCustomFieldDepth.
	ErrFieldPathTooDeep = errors.New("custom field path exceeds maximum depth")

	// ErrUnscopedPredicate indicates a store received a predicate without tenant scope.
	ErrUnscopedPredicate = errors.New("predicate is not scoped to an organization")
)

// Validation rule codes carried by ValidationError.Rule.
const (
	RuleMalformed          = "malformed"
	RuleUnsupportedVersion = "unsupported_version"
	RuleMissingGroup       = "missing_group"
	RuleEmptyGroup         = "empty_group"
	RuleInvalidCombinator  = "invalid_combinator"
	RuleUnknownField       = "unknown_field"
	RuleInvalidOperator    = "invalid_operator"
	RuleTypeMismatch       = "type_mismatch"
	RuleValueRequired      = "value_required"
	RuleValueForbidden     = "value_forbidden"
	RuleArrayRequired      = "array_required"
	RuleInvalidValue       = "invalid_value"
	RulePrecision          = "precision"
	RuleTooDeep            = "too_deep"
	RuleTooManyNodes       = "too_many_nodes"
	RuleTooManyValues      = "too_many_values"
)

// ValidationError names one offending node and the rule it violates.
// Path uses the authored shape, e.g. "group.children[2].children[0]".
type ValidationError struct {
	Path    string
	Rule    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Rule, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Path, e.Message, e.Rule)
}

// ValidationErrors is the ordered (pre-order) list of failures for one rule tree.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return ErrValidation.Error()
	case 1:
		return ErrValidation.Error() + ": " + e[0].Error()
	}
	parts := make([]string, len(e))
	for i, ve := range e {
		parts[i] = ve.Error()
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

// Is makes errors.Is(err, ErrValidation) hold.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrValidation
}

// UnsupportedPredicateError reports a compiled atom the donor store cannot execute.
// It is a compatibility bug between compiler and store, not a user input error.
type UnsupportedPredicateError struct {
	Field    DonorAttribute
	Operator string
	Reason   string
}

func (e *UnsupportedPredicateError) Error() string {
	msg := fmt.Sprintf("%s: %s %s", ErrUnsupportedPredicate, e.Field, e.Operator)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

// Is makes errors.Is(err, ErrUnsupportedPredicate) hold.
func (e *UnsupportedPredicateError) Is(target error) bool {
	return target == ErrUnsupportedPredicate
}

// EvaluationError wraps a store failure (timeout, connection, cancellation).
// Callers may retry; the engine never does.
type EvaluationError struct {
	Op  string
	Err error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrEvaluation, e.Op, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrEvaluation) hold.
func (e *EvaluationError) Is(target error) bool {
	return target == ErrEvaluation
}

// Retryable is always true: evaluation failures are transient by classification.
func (e *EvaluationError) Retryable() bool { return true }

// LifecycleError reports an operation the audience's state does not admit.
type LifecycleError struct {
	AudienceID AudienceID
	Err        error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("audience %s: %v", e.AudienceID, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrLifecycle) hold in addition to the wrapped cause.
func (e *LifecycleError) Is(target error) bool {
	return target == ErrLifecycle
}

// IsRetryable reports whether err is classified as transient.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}
