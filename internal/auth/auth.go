// Package auth verifies client access tokens for WebSocket sessions.
//
// Tokens are HS256 JWTs carrying the subject plus a metadata object with
// the caller's organization and role. Issuance lives in the backend that
// mints these tokens; this package only validates and extracts claims.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrMissingOrgID   = errors.New("token missing organization metadata")
	ErrMissingSubject = errors.New("token missing subject")
)

// Claims are the fields the streaming layer needs from a verified token.
type Claims struct {
	UserID string // sub
	OrgID  string // metadata.organization_id
	Role   string // metadata.role
}

// Verifier validates HS256 access tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a token verifier.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates token, returning its streaming claims.
// Expiry and signature are enforced by the JWT library; organization
// metadata is required because authorization keys off it.
func (v *Verifier) Verify(token string) (Claims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}

	sub, _ := mapClaims["sub"].(string)
	if sub == "" {
		return Claims{}, ErrMissingSubject
	}

	meta, _ := mapClaims["metadata"].(map[string]any)
	orgID, _ := meta["organization_id"].(string)
	role, _ := meta["role"].(string)
	if orgID == "" {
		return Claims{}, ErrMissingOrgID
	}

	return Claims{
		UserID: sub,
		OrgID:  orgID,
		Role:   role,
	}, nil
}
