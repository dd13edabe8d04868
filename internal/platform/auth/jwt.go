// Package auth provides JWT issuance and verification, request
// authentication middleware, and role-based access control for the API.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims are the JWT claims carried by every access token.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Manager issues and verifies HS256-signed access tokens. Revoked tokens
// are tracked by JTI in the denylist until their natural expiry.
type Manager struct {
	secret   []byte
	expiry   time.Duration
	denylist Denylist
}

// NewManager creates a token Manager. The denylist may be nil, in which
// case revocation checks are skipped.
func NewManager(secret string, expiry time.Duration, denylist Denylist) *Manager {
	return &Manager{
		secret:   []byte(secret),
		expiry:   expiry,
		denylist: denylist,
	}
}

// Issue creates a signed access token for the given user.
func (m *Manager) Issue(userID uuid.UUID, email, role string) (string, *Claims, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiry)),
		},
		Email: email,
		Role:  role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}

	return signed, claims, nil
}

// Parse verifies a token's signature and expiry and returns its claims.
// Tokens whose JTI is on the denylist are rejected.
func (m *Manager) Parse(ctx context.Context, tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	if m.denylist != nil && claims.ID != "" {
		revoked, err := m.denylist.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return nil, fmt.Errorf("token revoked")
		}
	}

	return claims, nil
}

// Revoke puts a token's JTI on the denylist until the token's natural
// expiry.
func (m *Manager) Revoke(ctx context.Context, claims *Claims) error {
	if m.denylist == nil || claims.ID == "" {
		return nil
	}

	expiresAt := time.Now().Add(m.expiry)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return m.denylist.Revoke(ctx, claims.ID, expiresAt)
}

// Expiry returns the configured token lifetime.
func (m *Manager) Expiry() time.Duration {
	return m.expiry
}
