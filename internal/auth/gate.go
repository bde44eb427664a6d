package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/leozw/helpdesk-gateway/internal/core"
)

// ErrIdentityNotFound is returned by IdentityStore lookups for unknown
// or deleted users.
var ErrIdentityNotFound = errors.New("identity not found")

// IdentityStore is the external collaborator holding user accounts.
type IdentityStore interface {
	GetIdentity(ctx context.Context, tenantID, userID string) (core.Identity, error)
	MarkOnline(ctx context.Context, tenantID, userID string) error
	MarkOffline(ctx context.Context, tenantID, userID string) error
}

// Gate validates inbound credentials. Results are cached per (token
// hash, address) and failed attempts are throttled per address.
type Gate struct {
	verifier TokenVerifier
	store    IdentityStore
	logger   *zap.Logger

	cacheTTL     time.Duration
	cacheMaxSize int
	lookupTO     time.Duration

	mu        sync.Mutex
	cache     map[string]core.CachedIdentity
	throttles map[string]*rate.Limiter

	maxAttempts   int
	attemptWindow time.Duration

	now func() time.Time
}

func NewGate(verifier TokenVerifier, store IdentityStore, cfg GateConfig, logger *zap.Logger) *Gate {
	return &Gate{
		verifier:      verifier,
		store:         store,
		logger:        logger,
		cacheTTL:      cfg.CacheTTL,
		cacheMaxSize:  cfg.CacheMaxSize,
		lookupTO:      cfg.LookupTimeout,
		cache:         make(map[string]core.CachedIdentity),
		throttles:     make(map[string]*rate.Limiter),
		maxAttempts:   cfg.MaxAttempts,
		attemptWindow: cfg.AttemptWindow,
		now:           time.Now,
	}
}

type GateConfig struct {
	CacheTTL      time.Duration
	CacheMaxSize  int
	MaxAttempts   int
	AttemptWindow time.Duration
	LookupTimeout time.Duration
}

// Validate resolves a credential token into an identity or a specific
// AuthenticationError. Check order: presence, address throttle, cache,
// signature/expiry, identity store, token version.
func (g *Gate) Validate(ctx context.Context, token, address string) (core.Identity, error) {
	if token == "" {
		return core.Identity{}, &core.AuthenticationError{Reason: core.AuthMissingToken}
	}

	if !g.allowAttempt(address) {
		return core.Identity{}, &core.AuthenticationError{Reason: core.AuthTooManyAttempts}
	}

	key := cacheKey(token, address)
	if cached, ok := g.lookupCache(key); ok {
		g.resetThrottle(address)
		g.markOnlineAsync(cached.TenantID, cached.UserID)
		return cached, nil
	}

	claims, err := g.verifier.Verify(token)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return core.Identity{}, &core.AuthenticationError{Reason: core.AuthExpiredToken}
		}
		return core.Identity{}, &core.AuthenticationError{Reason: core.AuthInvalidToken}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, g.lookupTO)
	defer cancel()

	identity, err := g.store.GetIdentity(lookupCtx, claims.TenantID, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return core.Identity{}, &core.AuthenticationError{Reason: core.AuthUnknownIdentity}
		}
		g.logger.Error("Identity lookup failed", zap.Error(err), zap.String("user_id", claims.UserID))
		return core.Identity{}, &core.AuthenticationError{Reason: core.AuthInvalidToken}
	}

	if !identity.IsActive {
		return core.Identity{}, &core.AuthenticationError{Reason: core.AuthInactiveAccount}
	}
	if identity.TenantID != claims.TenantID {
		return core.Identity{}, &core.AuthenticationError{Reason: core.AuthTenantMismatch}
	}
	if identity.TokenVersion != claims.TokenVersion {
		// A stored version bump invalidates every older session
		return core.Identity{}, &core.AuthenticationError{Reason: core.AuthStaleSession}
	}

	g.storeCache(key, identity)
	g.resetThrottle(address)
	g.markOnlineAsync(identity.TenantID, identity.UserID)

	return identity, nil
}

// EvictExpired drops expired cache entries. Registered as a memory
// pressure cleanup callback.
func (g *Gate) EvictExpired() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	evicted := 0
	for key, cached := range g.cache {
		if cached.Expired(now) {
			delete(g.cache, key)
			evicted++
		}
	}
	return evicted
}

// CacheSize reports the number of cached identities.
func (g *Gate) CacheSize() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cache)
}

func (g *Gate) allowAttempt(address string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	limiter, ok := g.throttles[address]
	if !ok {
		limiter = rate.NewLimiter(
			rate.Every(g.attemptWindow/time.Duration(g.maxAttempts)),
			g.maxAttempts,
		)
		g.throttles[address] = limiter
	}
	return limiter.Allow()
}

func (g *Gate) resetThrottle(address string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.throttles, address)
}

func (g *Gate) lookupCache(key string) (core.Identity, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cached, ok := g.cache[key]
	if !ok || cached.Expired(g.now()) {
		return core.Identity{}, false
	}
	return cached.Identity, true
}

func (g *Gate) storeCache(key string, identity core.Identity) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Opportunistic eviction when the cache is over its ceiling:
	// expired entries first, then whatever the map hands us.
	if len(g.cache) >= g.cacheMaxSize {
		now := g.now()
		for k, cached := range g.cache {
			if cached.Expired(now) {
				delete(g.cache, k)
			}
		}
		for k := range g.cache {
			if len(g.cache) < g.cacheMaxSize {
				break
			}
			delete(g.cache, k)
		}
	}

	g.cache[key] = core.CachedIdentity{
		Identity:  identity,
		ExpiresAt: g.now().Add(g.cacheTTL),
	}
}

// markOnlineAsync updates presence without blocking the handshake.
// Best-effort: failures are logged, never surfaced to the caller.
func (g *Gate) markOnlineAsync(tenantID, userID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.lookupTO)
		defer cancel()
		if err := g.store.MarkOnline(ctx, tenantID, userID); err != nil {
			g.logger.Warn("Failed to mark identity online",
				zap.String("tenant_id", tenantID),
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}()
}

func cacheKey(token, address string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:]) + "|" + address
}
