// Package auth verifies bearer credentials presented on the upgrade endpoint.
// Issuance lives elsewhere in the platform; this package only checks
// signature, expiry, and shape against configured key material.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	apperrors "github.com/charannyk06/shadower-analytics/internal/errors"
)

// Principal is the verified identity behind a credential.
type Principal struct {
	SubjectID    string
	WorkspaceIDs []string
	Role         string
	ExpiresAt    time.Time
}

// AllowsWorkspace reports whether the principal may bind to the given workspace.
func (p *Principal) AllowsWorkspace(workspaceID string) bool {
	for _, id := range p.WorkspaceIDs {
		if id == workspaceID {
			return true
		}
	}
	return false
}

type gatewayClaims struct {
	Workspaces []string `json:"workspaces"`
	Role       string   `json:"role"`
	jwt.RegisteredClaims
}

// Verifier checks HS256-signed credentials against one or more keys.
// Multiple keys allow rotation: verification tries each key in order,
// newest first, and the first that validates wins.
type Verifier struct {
	keys  [][]byte
	clock clockwork.Clock
}

// NewVerifier creates a verifier from the configured signing keys.
func NewVerifier(keys []string, clock clockwork.Clock) (*Verifier, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("at least one signing key is required")
	}
	v := &Verifier{clock: clock}
	for _, k := range keys {
		if k == "" {
			return nil, fmt.Errorf("signing keys must not be empty")
		}
		v.keys = append(v.keys, []byte(k))
	}
	return v, nil
}

// Verify checks the credential and returns the principal it identifies.
// Failures map onto the credential taxonomy: malformed tokens and tokens
// missing a subject or expiry are Malformed, expired tokens are Expired,
// and signature mismatches against every key are Unauthenticated.
func (v *Verifier) Verify(credential string) (*Principal, error) {
	if credential == "" {
		return nil, apperrors.MalformedError("missing credential", nil)
	}

	var lastErr error
	for _, key := range v.keys {
		claims := &gatewayClaims{}
		_, err := jwt.ParseWithClaims(credential, claims,
			func(t *jwt.Token) (any, error) { return key, nil },
			jwt.WithValidMethods([]string{"HS256"}),
			jwt.WithTimeFunc(v.clock.Now),
			jwt.WithExpirationRequired(),
		)
		if err == nil {
			if claims.Subject == "" {
				return nil, apperrors.MalformedError("credential has no subject", nil)
			}
			return &Principal{
				SubjectID:    claims.Subject,
				WorkspaceIDs: claims.Workspaces,
				Role:         claims.Role,
				ExpiresAt:    claims.ExpiresAt.Time,
			}, nil
		}

		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			// No key will fix an unparsable token.
			return nil, apperrors.MalformedError("credential is not a valid token", err)
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, apperrors.ExpiredError("credential has expired")
		default:
			// Signature mismatch; an older key may still match.
			lastErr = err
		}
	}

	return nil, apperrors.UnauthenticatedError("credential signature verification failed", lastErr)
}
