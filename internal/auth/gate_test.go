package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leozw/helpdesk-gateway/internal/core"
)

type fakeVerifier struct {
	claims TokenClaims
	err    error
}

func (v *fakeVerifier) Verify(string) (TokenClaims, error) {
	return v.claims, v.err
}

type fakeStore struct {
	mu         sync.Mutex
	identities map[string]core.Identity
	lookups    int
	onlines    int
}

func newFakeStore(ids ...core.Identity) *fakeStore {
	s := &fakeStore{identities: make(map[string]core.Identity)}
	for _, id := range ids {
		s.identities[id.TenantID+"/"+id.UserID] = id
	}
	return s
}

func (s *fakeStore) GetIdentity(_ context.Context, tenantID, userID string) (core.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	id, ok := s.identities[tenantID+"/"+userID]
	if !ok {
		return core.Identity{}, ErrIdentityNotFound
	}
	return id, nil
}

func (s *fakeStore) MarkOnline(context.Context, string, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onlines++
	return nil
}

func (s *fakeStore) MarkOffline(context.Context, string, string) error { return nil }

func (s *fakeStore) lookupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}

func testGateConfig() GateConfig {
	return GateConfig{
		CacheTTL:      5 * time.Minute,
		CacheMaxSize:  100,
		MaxAttempts:   3,
		AttemptWindow: time.Minute,
		LookupTimeout: time.Second,
	}
}

func activeIdentity() core.Identity {
	return core.Identity{
		UserID:       "u1",
		TenantID:     "t1",
		TokenVersion: 7,
		IsActive:     true,
	}
}

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	var authErr *core.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	return authErr.Reason
}

func TestGate_MissingToken(t *testing.T) {
	g := NewGate(&fakeVerifier{}, newFakeStore(), testGateConfig(), zap.NewNop())

	_, err := g.Validate(context.Background(), "", "1.2.3.4")
	require.Equal(t, core.AuthMissingToken, reasonOf(t, err))
}

func TestGate_InvalidAndExpiredTokens(t *testing.T) {
	req := require.New(t)
	store := newFakeStore()

	g := NewGate(&fakeVerifier{err: ErrTokenInvalid}, store, testGateConfig(), zap.NewNop())
	_, err := g.Validate(context.Background(), "bad", "1.2.3.4")
	req.Equal(core.AuthInvalidToken, reasonOf(t, err))

	g = NewGate(&fakeVerifier{err: ErrTokenExpired}, store, testGateConfig(), zap.NewNop())
	_, err = g.Validate(context.Background(), "old", "1.2.3.4")
	req.Equal(core.AuthExpiredToken, reasonOf(t, err))
	req.Zero(store.lookupCount(), "the store must not be consulted for a bad token")
}

func TestGate_UnknownIdentity(t *testing.T) {
	verifier := &fakeVerifier{claims: TokenClaims{UserID: "ghost", TenantID: "t1", TokenVersion: 1}}
	g := NewGate(verifier, newFakeStore(), testGateConfig(), zap.NewNop())

	_, err := g.Validate(context.Background(), "tok", "1.2.3.4")
	require.Equal(t, core.AuthUnknownIdentity, reasonOf(t, err))
}

func TestGate_InactiveAccount(t *testing.T) {
	id := activeIdentity()
	id.IsActive = false
	verifier := &fakeVerifier{claims: TokenClaims{UserID: "u1", TenantID: "t1", TokenVersion: 7}}
	g := NewGate(verifier, newFakeStore(id), testGateConfig(), zap.NewNop())

	_, err := g.Validate(context.Background(), "tok", "1.2.3.4")
	require.Equal(t, core.AuthInactiveAccount, reasonOf(t, err))
}

func TestGate_StaleTokenVersion(t *testing.T) {
	verifier := &fakeVerifier{claims: TokenClaims{UserID: "u1", TenantID: "t1", TokenVersion: 6}}
	g := NewGate(verifier, newFakeStore(activeIdentity()), testGateConfig(), zap.NewNop())

	_, err := g.Validate(context.Background(), "tok", "1.2.3.4")
	require.Equal(t, core.AuthStaleSession, reasonOf(t, err))
}

func TestGate_TenantMismatch(t *testing.T) {
	// Stored identity belongs to another tenant than the token claims.
	moved := activeIdentity()
	moved.TenantID = "t2"
	store := newFakeStore()
	store.identities["t1/u1"] = moved

	verifier := &fakeVerifier{claims: TokenClaims{UserID: "u1", TenantID: "t1", TokenVersion: 7}}
	g := NewGate(verifier, store, testGateConfig(), zap.NewNop())

	_, err := g.Validate(context.Background(), "tok", "1.2.3.4")
	require.Equal(t, core.AuthTenantMismatch, reasonOf(t, err))
}

func TestGate_SuccessIsCached(t *testing.T) {
	req := require.New(t)
	store := newFakeStore(activeIdentity())
	verifier := &fakeVerifier{claims: TokenClaims{UserID: "u1", TenantID: "t1", TokenVersion: 7}}
	g := NewGate(verifier, store, testGateConfig(), zap.NewNop())

	id, err := g.Validate(context.Background(), "tok", "1.2.3.4")
	req.NoError(err)
	req.Equal("u1", id.UserID)
	req.Equal(1, store.lookupCount())

	// Same token and address hits the cache
	_, err = g.Validate(context.Background(), "tok", "1.2.3.4")
	req.NoError(err)
	req.Equal(1, store.lookupCount())

	// A different address misses
	_, err = g.Validate(context.Background(), "tok", "5.6.7.8")
	req.NoError(err)
	req.Equal(2, store.lookupCount())
}

func TestGate_CacheNeverUsedPastExpiry(t *testing.T) {
	req := require.New(t)
	store := newFakeStore(activeIdentity())
	verifier := &fakeVerifier{claims: TokenClaims{UserID: "u1", TenantID: "t1", TokenVersion: 7}}
	g := NewGate(verifier, store, testGateConfig(), zap.NewNop())

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	_, err := g.Validate(context.Background(), "tok", "1.2.3.4")
	req.NoError(err)
	req.Equal(1, store.lookupCount())

	now = now.Add(6 * time.Minute)
	_, err = g.Validate(context.Background(), "tok", "1.2.3.4")
	req.NoError(err)
	req.Equal(2, store.lookupCount(), "an expired entry must be re-resolved")
}

func TestGate_AddressThrottle(t *testing.T) {
	req := require.New(t)
	g := NewGate(&fakeVerifier{err: ErrTokenInvalid}, newFakeStore(), testGateConfig(), zap.NewNop())

	for i := 0; i < 3; i++ {
		_, err := g.Validate(context.Background(), "bad", "9.9.9.9")
		req.Equal(core.AuthInvalidToken, reasonOf(t, err))
	}

	_, err := g.Validate(context.Background(), "bad", "9.9.9.9")
	req.Equal(core.AuthTooManyAttempts, reasonOf(t, err))

	// Other addresses keep their own budget
	_, err = g.Validate(context.Background(), "bad", "8.8.8.8")
	req.Equal(core.AuthInvalidToken, reasonOf(t, err))
}

func TestGate_SuccessResetsThrottle(t *testing.T) {
	req := require.New(t)
	store := newFakeStore(activeIdentity())
	verifier := &fakeVerifier{claims: TokenClaims{UserID: "u1", TenantID: "t1", TokenVersion: 7}}
	g := NewGate(verifier, store, testGateConfig(), zap.NewNop())

	// Burn through most of the budget, then succeed
	cfg := testGateConfig()
	for i := 0; i < cfg.MaxAttempts-1; i++ {
		_, err := g.Validate(context.Background(), "tok", "1.2.3.4")
		req.NoError(err)
	}

	// Budget is fresh again after the reset
	for i := 0; i < cfg.MaxAttempts; i++ {
		_, err := g.Validate(context.Background(), "tok", "1.2.3.4")
		req.NoError(err)
	}
}

func TestGate_EvictExpired(t *testing.T) {
	req := require.New(t)
	store := newFakeStore(activeIdentity())
	verifier := &fakeVerifier{claims: TokenClaims{UserID: "u1", TenantID: "t1", TokenVersion: 7}}
	g := NewGate(verifier, store, testGateConfig(), zap.NewNop())

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	_, err := g.Validate(context.Background(), "tok", "1.2.3.4")
	req.NoError(err)
	req.Equal(1, g.CacheSize())

	now = now.Add(10 * time.Minute)
	req.Equal(1, g.EvictExpired())
	req.Zero(g.CacheSize())
}

func TestHMACVerifier_RoundTrip(t *testing.T) {
	req := require.New(t)
	v := NewHMACVerifier("test-secret")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, hmacClaims{
		TenantID:     "t1",
		TokenVersion: 3,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte("test-secret"))
	req.NoError(err)

	claims, err := v.Verify(signed)
	req.NoError(err)
	req.Equal("u1", claims.UserID)
	req.Equal("t1", claims.TenantID)
	req.Equal(3, claims.TokenVersion)
}

func TestHMACVerifier_RejectsExpiredAndForged(t *testing.T) {
	req := require.New(t)
	v := NewHMACVerifier("test-secret")

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, hmacClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	signed, err := expired.SignedString([]byte("test-secret"))
	req.NoError(err)
	_, err = v.Verify(signed)
	req.ErrorIs(err, ErrTokenExpired)

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, hmacClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err = forged.SignedString([]byte("wrong-secret"))
	req.NoError(err)
	_, err = v.Verify(signed)
	req.ErrorIs(err, ErrTokenInvalid)
}
