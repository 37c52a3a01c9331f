// Package identity issues and validates the bearer tokens that scope every
// project operation to its owner.
package identity

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"reelforge/internal/config"
	"reelforge/internal/services"
)

const defaultTokenTTL = 24 * time.Hour

// Claims are the token claims carried by every issued credential.
type Claims struct {
	jwt.RegisteredClaims
}

// Manager signs and validates owner tokens with a shared HS256 key.
type Manager struct {
	signingKey []byte
	issuer     string
	tokenTTL   time.Duration
	now        func() time.Time
}

// NewManager constructs a token manager from configuration.
func NewManager(cfg config.Identity) (*Manager, error) {
	key := strings.TrimSpace(cfg.SigningKey)
	if key == "" {
		return nil, fmt.Errorf("identity: signing key not configured")
	}
	ttl := defaultTokenTTL
	if cfg.TokenTTL > 0 {
		ttl = time.Duration(cfg.TokenTTL) * time.Hour
	}
	return &Manager{
		signingKey: []byte(key),
		issuer:     cfg.Issuer,
		tokenTTL:   ttl,
		now:        time.Now,
	}, nil
}

// Issue mints a token for the given owner.
func (m *Manager) Issue(ownerID string) (string, error) {
	if strings.TrimSpace(ownerID) == "" {
		return "", fmt.Errorf("identity: empty owner id")
	}
	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.signingKey)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, nil
}

// Validate parses a bearer token and returns the owner it identifies.
func (m *Manager) Validate(tokenString string) (string, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		options = append(options, jwt.WithIssuer(m.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		return m.signingKey, nil
	}, options...)
	if err != nil {
		return "", services.Wrap(services.ErrUnauthorized, "", "validate token", "", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return "", services.Wrap(services.ErrUnauthorized, "", "validate token", "token carries no subject", nil)
	}
	return claims.Subject, nil
}
