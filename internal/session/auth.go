package session

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wirebus/wirebus/internal/bus"
)

// Claims are the connection-auth claims the gateway requires. The
// token is minted by the account layer, which is outside this repo;
// the gateway only verifies and extracts.
type Claims struct {
	TenantID   string   `json:"tenant_id"`
	TenantTier bus.Tier `json:"tenant_tier"`
	SessionID  string   `json:"session_id"`
	jwt.RegisteredClaims
}

// ParseToken verifies an HS256 token against secret and returns its
// claims. Missing tenant or session claims fail even when the
// signature is valid.
func ParseToken(secret []byte, token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("token missing tenant_id")
	}
	if claims.SessionID == "" {
		return nil, fmt.Errorf("token missing session_id")
	}
	if !claims.TenantTier.Valid() {
		return nil, fmt.Errorf("token carries unknown tier %q", claims.TenantTier)
	}
	return claims, nil
}

// MintToken signs claims with secret. Used by tests and local setups.
func MintToken(secret []byte, claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
