// Package auth issues and validates operator tokens for the administrative
// endpoints. The operator name in a token is recorded on every refund it issues.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const issuer = "usage-ledger"

var (
	// ErrInvalidToken is returned for malformed, expired or forged tokens
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrWeakSecret is returned when the signing secret is too short
	ErrWeakSecret = errors.New("auth: signing secret must be at least 16 bytes")
)

// OperatorClaims are the claims carried by an operator token. The subject is
// the operator name.
type OperatorClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Operator returns the operator name
func (c *OperatorClaims) Operator() string {
	return c.Subject
}

// HasRole reports whether any of the token's roles grants required
func (c *OperatorClaims) HasRole(required Role) bool {
	for _, r := range c.Roles {
		if Role(r).HasPermission(required) {
			return true
		}
	}
	return false
}

// IssueOperatorToken creates a signed HS256 token
func IssueOperatorToken(secret []byte, operator string, roles []Role, ttl time.Duration) (string, time.Time, error) {
	if len(secret) < 16 {
		return "", time.Time{}, ErrWeakSecret
	}
	if operator == "" {
		return "", time.Time{}, fmt.Errorf("operator name is required")
	}

	names := make([]string, 0, len(roles))
	for _, r := range roles {
		if !r.IsValid() {
			return "", time.Time{}, fmt.Errorf("unknown role %q", r)
		}
		names = append(names, r.String())
	}

	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := OperatorClaims{
		Roles: names,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateOperatorToken verifies the signature, expiry and issuer of a token
func ValidateOperatorToken(secret []byte, tokenString string) (*OperatorClaims, error) {
	claims := &OperatorClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" || !claims.VerifyIssuer(issuer, true) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
