// Package types provides domain models shared across segmentkeeper components.
//
// The rule tree (rules.go) is the authored artifact persisted on an Audience.
// It is a tagged union of Condition and Group nodes carrying an explicit schema
// version so that field or operator changes can be migrated deliberately.
//
// Storage-facing records (Donor, Audience) live here so that the rules
// package, the stores, and the lifecycle manager agree on one shape without
// importing each other.
package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// OrganizationID identifies the tenant that owns donors and audiences.
// Every compiled predicate is scoped to exactly one OrganizationID.
type OrganizationID string

// Organization is the tenant row. ReportingTimezone is an IANA zone name
// used to turn calendar-day conditions into instant ranges.
type Organization struct {
	ID                OrganizationID
	Name              string
	ReportingTimezone string
	CreatedAt         time.Time
}

// AudienceID represents a UUIDv7 audience identifier.
type AudienceID string

// DonorID represents a UUIDv7 donor identifier.
type DonorID string

// AudienceType distinguishes explicit member lists from rule-computed segments.
type AudienceType string

const (
	// AudienceStatic holds an explicit donor list; refresh does not apply.
	AudienceStatic AudienceType = "STATIC"

	// AudienceDynamic is computed from a rule tree; its count is cached by refresh.
	AudienceDynamic AudienceType = "DYNAMIC"
)

// Valid reports whether t is one of the known audience types.
func (t AudienceType) Valid() bool {
	return t == AudienceStatic || t == AudienceDynamic
}

// Audience is the persisted segment row.
// Rules holds the raw JSON document exactly as stored; it is decoded and
// re-validated on every read and never trusted from a previous parse.
type Audience struct {
	ID                 AudienceID
	OrganizationID     OrganizationID
	Name               string
	Description        string
	Type               AudienceType
	Rules              json.RawMessage // nil when absent
	RulesVersion       int
	CachedDonatorCount int64
	CountRefreshedAt   *time.Time // nil until the first successful refresh
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// HasRules reports whether a rules document is attached.
func (a Audience) HasRules() bool {
	return len(a.Rules) > 0 && string(a.Rules) != "null"
}

// AudienceFilter narrows audience listings.
type AudienceFilter struct {
	Type   AudienceType // empty = all types
	Limit  int
	Offset int
}

// Donor is one record of the donor collection that predicates are evaluated against.
// Nullable attributes use pointers; an unset pointer is "not set" for is_set/is_not_set.
type Donor struct {
	ID                DonorID         `json:"id"`
	OrganizationID    OrganizationID  `json:"organization_id"`
	Email             string          `json:"email,omitempty"`
	Country           string          `json:"country,omitempty"`
	PreferredLanguage string          `json:"preferred_language,omitempty"`
	Segment           string          `json:"segment,omitempty"`
	TotalDonated      decimal.Decimal `json:"total_donated"`
	DonationCount     int64           `json:"donation_count"`
	Score             *int64          `json:"score,omitempty"`
	FirstDonationDate *time.Time      `json:"first_donation_date,omitempty"`
	LastDonationDate  *time.Time      `json:"last_donation_date,omitempty"`
	UnsubscribedAt    *time.Time      `json:"unsubscribed_at,omitempty"`
	Tags              []string        `json:"tags,omitempty"`
	OptInEmail        bool            `json:"opt_in_email"`
	OptInSMS          bool            `json:"opt_in_sms"`
	OptInPostal       bool            `json:"opt_in_postal"`
	CustomFields      map[string]any  `json:"custom_fields,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// CustomFieldDefinition declares the type of an organization-specific donor field.
// Conditions reference it as "custom.<key>".
type CustomFieldDefinition struct {
	OrganizationID OrganizationID
	Key            string
	Type           ValueType
}

// Page bounds list queries.
type Page struct {
	Limit  int
	Offset int
}

// Resource limits enforced by validation to keep compilation and storage queries bounded.
const (
	// MaxTreeDepth bounds group nesting. The compiler recurses only over
	// validated trees, so this is also its recursion ceiling.
	MaxTreeDepth = 32

	// MaxTreeNodes bounds the total number of conditions and groups.
	MaxTreeNodes = 1024

	// MaxInOperatorValues limits in/not_in candidate lists (one bind parameter each).
	MaxInOperatorValues = 256

	// MaxWithinDays caps within_days at roughly a century.
	MaxWithinDays = 36500

	// MaxTextValueLength bounds text operands.
	MaxTextValueLength = 256

	// AmountScale is the stored precision of donation amounts (minor units).
	AmountScale = 2

	// MaxCustomFieldDepth bounds dotted custom-field paths (custom.address.city).
	MaxCustomFieldDepth = 4
)

// APIKey is a stored API key. Only the HMAC of the key is persisted; the key
// itself is shown once when issued.
type APIKey struct {
	ID             string
	OrganizationID OrganizationID
	Name           string
	SecretID       string
	CreatedAt      time.Time
	LastUsedAt     *time.Time
	RevokedAt      *time.Time
}
