package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// OrganizationClaim is the private claim carrying the caller's organization.
const OrganizationClaim = "org_id"

// Principal represents an authenticated API caller from a JWT
type Principal struct {
	UserID         string    `json:"user_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	Email          string    `json:"email,omitempty"`
}

// JWTVerifier handles JWT token verification with cached JWKS
type JWTVerifier struct {
	keySet   jwk.Set
	issuer   string
	audience string
}

// NewJWTVerifier creates a verifier backed by a JWKS cache. Keys are fetched
// once up front and refreshed in the background by the cache until ctx ends.
func NewJWTVerifier(ctx context.Context, jwksURL, issuer, audience string) (*JWTVerifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(5*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	// warm up so a bad URL fails at startup
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(fetchCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return NewStaticJWTVerifier(jwk.NewCachedSet(cache, jwksURL), issuer, audience), nil
}

// NewStaticJWTVerifier verifies against a fixed key set.
func NewStaticJWTVerifier(keySet jwk.Set, issuer, audience string) *JWTVerifier {
	return &JWTVerifier{keySet: keySet, issuer: issuer, audience: audience}
}

// PrincipalFromRequest extracts and validates the bearer token of r.
func (v *JWTVerifier) PrincipalFromRequest(r *http.Request) (*Principal, error) {
	opts := []jwt.ParseOption{
		jwt.WithKeySet(v.keySet),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(30 * time.Second),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	// jwt.ParseRequest handles the "Bearer " prefix
	token, err := jwt.ParseRequest(r, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	userID := token.Subject()
	if userID == "" {
		return nil, errors.New("token missing user ID (subject)")
	}

	orgClaim, ok := token.Get(OrganizationClaim)
	if !ok {
		return nil, fmt.Errorf("token missing %s claim", OrganizationClaim)
	}
	orgStr, _ := orgClaim.(string)
	orgID, err := uuid.Parse(orgStr)
	if err != nil {
		return nil, fmt.Errorf("invalid %s claim: %w", OrganizationClaim, err)
	}

	var email string
	if emailClaim, ok := token.Get("email"); ok {
		email, _ = emailClaim.(string)
	}

	return &Principal{
		UserID:         userID,
		OrganizationID: orgID,
		Email:          email,
	}, nil
}
