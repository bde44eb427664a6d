package auth

import (
	"errors"
	"fmt"

	"github.com/leozw/helpdesk-gateway/pkg/keycloak"
)

// KeycloakVerifier adapts the Keycloak JWKS client to TokenVerifier
// for deployments where tokens are issued externally.
type KeycloakVerifier struct {
	client *keycloak.Client
}

func NewKeycloakVerifier(client *keycloak.Client) *KeycloakVerifier {
	return &KeycloakVerifier{client: client}
}

func (v *KeycloakVerifier) Verify(tokenString string) (TokenClaims, error) {
	claims, err := v.client.ValidateToken(tokenString)
	if err != nil {
		if errors.Is(err, keycloak.ErrTokenExpired) {
			return TokenClaims{}, ErrTokenExpired
		}
		return TokenClaims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	return TokenClaims{
		UserID:       claims.Subject,
		TenantID:     claims.TenantID,
		TokenVersion: claims.TokenVersion,
	}, nil
}
