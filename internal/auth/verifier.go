package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims is what a verified credential token asserts about its
// bearer. The identity store remains authoritative for the rest.
type TokenClaims struct {
	UserID       string
	TenantID     string
	TokenVersion int
}

// TokenVerifier checks the cryptographic validity of a token and
// extracts its claims. Implementations: HS256 (shared secret) here,
// RS256/JWKS in pkg/keycloak.
type TokenVerifier interface {
	Verify(tokenString string) (TokenClaims, error)
}

var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
)

type hmacClaims struct {
	TenantID     string `json:"tenant_id"`
	TokenVersion int    `json:"token_version"`
	jwt.RegisteredClaims
}

// HMACVerifier validates HS256 tokens signed with the shared secret.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

func (v *HMACVerifier) Verify(tokenString string) (TokenClaims, error) {
	claims := &hmacClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return TokenClaims{}, ErrTokenExpired
		}
		return TokenClaims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return TokenClaims{}, ErrTokenInvalid
	}

	return TokenClaims{
		UserID:       claims.Subject,
		TenantID:     claims.TenantID,
		TokenVersion: claims.TokenVersion,
	}, nil
}
