package core

import "time"

// Identity is the resolved owner of a credential token.
type Identity struct {
	UserID       string `json:"user_id"`
	TenantID     string `json:"tenant_id"`
	Email        string `json:"email"`
	IsAdmin      bool   `json:"is_admin"`
	TokenVersion int    `json:"token_version"`
	IsActive     bool   `json:"is_active"`
}

// CachedIdentity is an auth cache entry keyed by (token hash, address).
type CachedIdentity struct {
	Identity  Identity
	ExpiresAt time.Time
}

func (c CachedIdentity) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
