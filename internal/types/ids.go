package types

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// MaxOrganizationIDLength bounds tenant identifiers accepted from callers.
const MaxOrganizationIDLength = 64

// NewAudienceID generates a UUIDv7 audience identifier.
// Time-ordered IDs keep audience listings roughly in creation order.
// Panics on clock regression (uuid.Must); acceptable for ID generation.
func NewAudienceID() AudienceID {
	return AudienceID(uuid.Must(uuid.NewV7()).String())
}

// NewDonorID generates a UUIDv7 donor identifier.
func NewDonorID() DonorID {
	return DonorID(uuid.Must(uuid.NewV7()).String())
}

// ParseAudienceID validates and converts a string to AudienceID.
func ParseAudienceID(s string) (AudienceID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", fmt.Errorf("invalid audience id %q: %w", s, err)
	}
	return AudienceID(s), nil
}

// ParseDonorID validates and converts a string to DonorID.
func ParseDonorID(s string) (DonorID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", fmt.Errorf("invalid donor id %q: %w", s, err)
	}
	return DonorID(s), nil
}

// ParseOrganizationID accepts any non-empty identifier without whitespace.
// Organization ids come from the API key table, not from this service.
func ParseOrganizationID(s string) (OrganizationID, error) {
	if s == "" {
		return "", ErrMissingOrganization
	}
	if len(s) > MaxOrganizationIDLength {
		return "", fmt.Errorf("organization id exceeds %d characters", MaxOrganizationIDLength)
	}
	if strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return "", fmt.Errorf("organization id %q contains whitespace", s)
	}
	return OrganizationID(s), nil
}
