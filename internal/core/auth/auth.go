// Package auth provides HMAC-based API key authentication for gRPC services.
//
// An API key names the HMAC secret it was issued under. The server holds the
// secrets (environment only) and stores only HMAC(secret, key), so a leaked
// database does not leak usable keys. Each key belongs to one organization;
// the interceptor puts that organization id into the request context, and
// every handler scopes its work to it.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/solatis/segmentkeeper/internal/types"
)

// contextKey is a typed key for context values to avoid collisions.
type contextKey string

// organizationIDKey is the context key for the authenticated organization.
const organizationIDKey = contextKey("organization_id")

// lastUsedThrottle bounds last_used_at writes to one per key per minute.
const lastUsedThrottle = time.Minute

// KeyStore looks up stored API keys. Implemented by *db.Store.
type KeyStore interface {
	APIKeyByHash(ctx context.Context, hash string) (types.APIKey, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
}

// Authenticator validates API keys using HMAC-SHA256 signatures.
// Holds in-memory secret map for O(1) lookup and the store for key verification.
type Authenticator struct {
	secrets map[string][]byte
	keys    KeyStore
	now     func() time.Time
	public  []string
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithClock sets the time source used for last_used_at.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// WithPublicMethods exempts full method names with any of the given prefixes
// from authentication.
func WithPublicMethods(prefixes ...string) Option {
	return func(a *Authenticator) { a.public = append(a.public, prefixes...) }
}

// NewAuthenticator creates an authenticator with HMAC secrets and a key store.
func NewAuthenticator(secrets map[string][]byte, keys KeyStore, opts ...Option) *Authenticator {
	a := &Authenticator{
		secrets: secrets,
		keys:    keys,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate validates apiKey and returns the owning organization.
// Returns specific error for each failure mode (5-tier taxonomy).
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (types.OrganizationID, error) {
	secretID, _, err := ParseAPIKey(apiKey)
	if err != nil {
		return "", err
	}

	secret, ok := a.secrets[secretID]
	if !ok {
		return "", ErrUnknownKey
	}

	key, err := a.keys.APIKeyByHash(ctx, HashAPIKey(secret, apiKey))
	if errors.Is(err, types.ErrAPIKeyNotFound) {
		return "", ErrInvalidKey
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyStore, err)
	}

	if key.RevokedAt != nil {
		return "", ErrKeyRevoked
	}

	now := a.now().UTC()
	if key.LastUsedAt == nil || now.Sub(*key.LastUsedAt) > lastUsedThrottle {
		// Best effort; a failed touch does not fail the request.
		_ = a.keys.TouchAPIKey(ctx, key.ID, now)
	}

	return key.OrganizationID, nil
}

func (a *Authenticator) isPublic(method string) bool {
	for _, p := range a.public {
		if strings.HasPrefix(method, p) {
			return true
		}
	}
	return false
}

// UnaryInterceptor returns gRPC interceptor that authenticates requests.
func (a *Authenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if a.isPublic(info.FullMethod) {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		apiKeys := md.Get("x-api-key")
		if len(apiKeys) == 0 {
			return nil, status.Error(codes.Unauthenticated, ErrMissingKey.Error())
		}

		org, err := a.Authenticate(ctx, apiKeys[0])
		switch {
		case err == nil:
		case errors.Is(err, ErrKeyRevoked):
			return nil, status.Error(codes.PermissionDenied, err.Error())
		case errors.Is(err, ErrKeyStore):
			return nil, status.Error(codes.Unavailable, err.Error())
		default:
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}

		return handler(WithOrganizationID(ctx, org), req)
	}
}

// WithOrganizationID returns ctx carrying org as the authenticated organization.
func WithOrganizationID(ctx context.Context, org types.OrganizationID) context.Context {
	return context.WithValue(ctx, organizationIDKey, org)
}

// OrganizationIDFromContext extracts the authenticated organization.
// Returns empty string if not found.
func OrganizationIDFromContext(ctx context.Context) types.OrganizationID {
	if org, ok := ctx.Value(organizationIDKey).(types.OrganizationID); ok {
		return org
	}
	return ""
}
