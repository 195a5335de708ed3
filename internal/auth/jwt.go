package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/relayworks/wahub/internal/models"
)

// Claims is the payload inside every dashboard token.
//
// Session issuance lives in the dashboard service; this backend only
// verifies tokens and consumes the capability claims. MemberID identifies
// the tenant member (what thread assignment points at), Role feeds the
// permission matrix in internal/permissions.
type Claims struct {
	MemberID uuid.UUID   `json:"member_id"`
	TenantID uuid.UUID   `json:"tenant_id"`
	Role     models.Role `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken creates a signed HS256 token for a tenant member. The
// production issuer is the dashboard; this exists for tooling and tests,
// signed with the same shared secret so verification is identical.
func GenerateToken(memberID, tenantID uuid.UUID, role models.Role, secret string, ttl time.Duration) (string, error) {
	now := time.Now()

	claims := Claims{
		MemberID: memberID,
		TenantID: tenantID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "wahub",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return signed, nil
}

// ParseToken validates a token string and extracts the claims. It checks
// the signature, the expiry, and that the signing method is HMAC; a token
// signed with "none" or RSA is rejected before signature verification
// (the classic algorithm-confusion attack).
func ParseToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}
