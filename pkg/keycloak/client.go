package keycloak

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// Client verifies RS256 tokens issued by a Keycloak realm. The realm's
// JWKS is fetched lazily and cached for the process lifetime.
type Client struct {
	url   string
	realm string

	mu        sync.Mutex
	publicKey *rsa.PublicKey
}

func NewClient(url, realm string) *Client {
	return &Client{url: url, realm: realm}
}

// Claims carries the subset of token claims the gateway cares about.
type Claims struct {
	Subject      string
	TenantID     string
	TokenVersion int
}

var ErrTokenExpired = errors.New("token expired")

// ValidateToken parses and verifies the token signature against the
// realm's public key and returns the gateway-relevant claims.
func (c *Client) ValidateToken(tokenString string) (Claims, error) {
	key, err := c.signingKey()
	if err != nil {
		return Claims{}, fmt.Errorf("failed to fetch public key: %w", err)
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return Claims{}, fmt.Errorf("invalid token")
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("invalid claims format")
	}

	claims := Claims{}
	if sub, ok := mapClaims["sub"].(string); ok {
		claims.Subject = sub
	}
	if org, ok := mapClaims["organization"].(string); ok {
		claims.TenantID = org
	}
	if v, ok := mapClaims["token_version"].(float64); ok {
		claims.TokenVersion = int(v)
	}

	return claims, nil
}

func (c *Client) signingKey() (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.publicKey != nil {
		return c.publicKey, nil
	}
	if err := c.fetchPublicKey(); err != nil {
		return nil, err
	}
	return c.publicKey, nil
}

func (c *Client) fetchPublicKey() error {
	url := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", c.url, c.realm)

	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Alg string `json:"alg"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("failed to decode jwks: %w", err)
	}

	if len(jwks.Keys) == 0 {
		return fmt.Errorf("no keys found in jwks")
	}

	// Use the first RSA signing key
	for _, key := range jwks.Keys {
		if key.Kty == "RSA" && key.Use == "sig" {
			publicKey, err := parseJWK(key.N, key.E)
			if err != nil {
				continue
			}
			c.publicKey = publicKey
			return nil
		}
	}

	return fmt.Errorf("no suitable RSA signing key found")
}

func parseJWK(n, e string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode n: %w", err)
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode e: %w", err)
	}

	nBig := new(big.Int).SetBytes(nBytes)
	eBig := new(big.Int).SetBytes(eBytes)

	return &rsa.PublicKey{
		N: nBig,
		E: int(eBig.Int64()),
	}, nil
}
